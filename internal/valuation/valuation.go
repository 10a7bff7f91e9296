// Package valuation turns session card counts and a price snapshot into
// profit figures. All functions are pure; callers bring their own counts and
// snapshot.
package valuation

import (
	"sort"

	"github.com/navali-creations/soothsayer-sub009/internal/prices"
)

// Source selects which market the per-card unit prices come from.
type Source string

const (
	// SourcePrimary values cards at the primary-market chaos price.
	SourcePrimary Source = "primary"
	// SourceAlternate values cards at the alternate-market price.
	SourceAlternate Source = "alternate"
)

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// CardValue is the valuation of one card line.
type CardValue struct {
	// CardName is the card being valued.
	CardName string
	// Count is the number of drops attributed.
	Count int
	// UnitChaos is the per-unit price from the chosen source.
	UnitChaos float64
	// TotalChaos is Count times UnitChaos.
	TotalChaos float64
	// Tier classifies the card's unit value against the divine ratio.
	Tier prices.Tier
	// Unpriced is true when the snapshot had no entry for the card. The
	// line still appears with zero value so totals stay honest about what
	// dropped.
	Unpriced bool
}

// Result is a full session valuation.
type Result struct {
	// SnapshotID identifies the snapshot the result was computed against,
	// empty when no snapshot was available.
	SnapshotID string
	// Source is the market the unit prices came from.
	Source Source
	// Cards lists per-card valuations, sorted by total value descending then
	// name, for stable presentation.
	Cards []CardValue
	// TotalChaos is the summed value of all card lines.
	TotalChaos float64
	// TotalDivine is TotalChaos divided by the exchange ratio, zero when the
	// ratio is unavailable.
	TotalDivine float64
	// DivineAvailable reports whether TotalDivine is meaningful.
	DivineAvailable bool
	// AcquisitionChaos is what the opened decks cost.
	AcquisitionChaos float64
	// NetProfit is TotalChaos minus AcquisitionChaos.
	NetProfit float64
	// UnpricedCards counts lines that had no snapshot entry.
	UnpricedCards int
}

// ///////////////////////////////////////////////
// Engine
// ///////////////////////////////////////////////

// Compute values counts against snapshot. unitsAcquired is the number of
// stacked decks opened; the acquisition side of the profit equation is
// snapshot.AcquisitionCost times unitsAcquired.
//
// A nil snapshot yields a zeroed result rather than an error, so the UI can
// render counts before the first successful price fetch.
func Compute(counts map[string]int, snapshot *prices.Snapshot, source Source, unitsAcquired int) Result {
	res := Result{Source: source}
	if snapshot == nil {
		res.Cards = unpricedLines(counts)
		res.UnpricedCards = len(res.Cards)
		return res
	}

	res.SnapshotID = snapshot.ID
	ratio := ratioFor(snapshot, source)

	for name, count := range counts {
		if count <= 0 {
			continue
		}
		cv := CardValue{CardName: name, Count: count}
		price, ok := snapshot.Cards[name]
		if !ok {
			cv.Unpriced = true
			res.UnpricedCards++
		} else {
			cv.UnitChaos = unitPriceFor(price, source)
			cv.TotalChaos = float64(count) * cv.UnitChaos
		}
		cv.Tier = prices.TierFor(cv.UnitChaos, ratio)
		res.TotalChaos += cv.TotalChaos
		res.Cards = append(res.Cards, cv)
	}
	sortCards(res.Cards)

	if ratio > 0 {
		res.TotalDivine = res.TotalChaos / ratio
		res.DivineAvailable = true
	}
	res.AcquisitionChaos = snapshot.AcquisitionCost * float64(unitsAcquired)
	res.NetProfit = res.TotalChaos - res.AcquisitionChaos
	return res
}

// unitPriceFor picks the per-unit price for the chosen source.
func unitPriceFor(price prices.CardPrice, source Source) float64 {
	if source == SourceAlternate {
		return price.AlternateValue
	}
	return price.ChaosValue
}

// ratioFor picks the divine exchange ratio for the chosen source.
func ratioFor(snapshot *prices.Snapshot, source Source) float64 {
	if source == SourceAlternate {
		return snapshot.AlternateRatio
	}
	return snapshot.ExchangeRatio
}

// unpricedLines builds zero-valued lines for a snapshotless valuation.
func unpricedLines(counts map[string]int) []CardValue {
	var cards []CardValue
	for name, count := range counts {
		if count <= 0 {
			continue
		}
		cards = append(cards, CardValue{
			CardName: name,
			Count:    count,
			Tier:     prices.TierUnknown,
			Unpriced: true,
		})
	}
	sortCards(cards)
	return cards
}

// sortCards orders by total value descending, then name for determinism.
func sortCards(cards []CardValue) {
	sort.Slice(cards, func(i, j int) bool {
		if cards[i].TotalChaos != cards[j].TotalChaos {
			return cards[i].TotalChaos > cards[j].TotalChaos
		}
		return cards[i].CardName < cards[j].CardName
	})
}
