package prices

// Tier classifies a card's value relative to one divine orb.
type Tier string

const (
	// TierJackpot covers cards worth at least 70% of a divine.
	TierJackpot Tier = "jackpot"
	// TierHigh covers cards worth at least 35% of a divine.
	TierHigh Tier = "high"
	// TierMid covers cards worth at least 5% of a divine.
	TierMid Tier = "mid"
	// TierLow covers everything below the mid threshold.
	TierLow Tier = "low"
	// TierUnknown is reported when the exchange ratio is unavailable.
	TierUnknown Tier = "unknown"
)

// Tier thresholds as percent of one divine orb. Lower bounds are inclusive.
const (
	jackpotPercent = 70
	highPercent    = 35
	midPercent     = 5
)

// PercentOfDivine expresses a chaos value as a percentage of the divine
// exchange ratio. The second return is false when the ratio is zero or
// negative, in which case the percentage is meaningless.
func PercentOfDivine(chaosValue, exchangeRatio float64) (float64, bool) {
	if exchangeRatio <= 0 {
		return 0, false
	}
	return chaosValue / exchangeRatio * 100, true
}

// TierFor classifies a chaos value against the divine exchange ratio.
// Boundary values land in the higher tier.
func TierFor(chaosValue, exchangeRatio float64) Tier {
	pct, ok := PercentOfDivine(chaosValue, exchangeRatio)
	if !ok {
		return TierUnknown
	}
	switch {
	case pct >= jackpotPercent:
		return TierJackpot
	case pct >= highPercent:
		return TierHigh
	case pct >= midPercent:
		return TierMid
	default:
		return TierLow
	}
}

// TierForCard classifies a card from the snapshot's table. Cards missing
// from the table are [TierLow]; a snapshot without an exchange ratio yields
// [TierUnknown] for every card.
func (s *Snapshot) TierForCard(cardName string) Tier {
	if s == nil {
		return TierUnknown
	}
	price, ok := s.Cards[cardName]
	if !ok {
		return TierFor(0, s.ExchangeRatio)
	}
	return TierFor(price.ChaosValue, s.ExchangeRatio)
}
