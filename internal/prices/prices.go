// Package prices fetches and caches market snapshots for divination cards.
//
// A [Snapshot] is an immutable view of the market at one fetch: the
// divine-to-chaos exchange ratio, the stacked-deck acquisition cost, and a
// per-card price table. [Provider] serves snapshots from memory while they
// are fresh, refetches through the injected [Source] once they age out, and
// falls back to the on-disk cache when the remote source is down and the
// caller opted into staleness.
package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/navali-creations/soothsayer-sub009/internal/atomicfile"
)

// DefaultFreshness is how long a fetched snapshot is served without
// refetching.
const DefaultFreshness = 5 * time.Minute

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// CardPrice is the market price of a single card within a snapshot.
type CardPrice struct {
	// ChaosValue is the primary-market unit price in chaos orbs.
	ChaosValue float64 `json:"chaosValue"`
	// AlternateValue is the unit price on the alternate market, zero when the
	// card is not listed there.
	AlternateValue float64 `json:"alternateValue"`
	// Confidence grades the listing volume behind the price: 1 high
	// (deep book), 2 medium, 3 low (thin book).
	Confidence int `json:"confidence"`
}

// Snapshot is one immutable market observation. Consumers must not mutate
// the Cards map; Provider hands the same snapshot to every caller within the
// freshness window.
type Snapshot struct {
	// ID uniquely identifies this observation, stable across restarts.
	ID string `json:"id"`
	// Game and League scope the snapshot.
	Game   string `json:"game"`
	League string `json:"league"`
	// FetchedAt is when the source produced this data.
	FetchedAt time.Time `json:"fetchedAt"`
	// ExchangeRatio is the chaos value of one divine orb on the primary
	// market. Zero when the ratio could not be determined.
	ExchangeRatio float64 `json:"exchangeRatio"`
	// AlternateRatio is the divine ratio on the alternate market.
	AlternateRatio float64 `json:"alternateRatio"`
	// AcquisitionCost is the chaos price of one stacked deck.
	AcquisitionCost float64 `json:"acquisitionCost"`
	// Cards maps card names to their prices.
	Cards map[string]CardPrice `json:"cards"`
}

// Source produces fresh snapshots from a market data endpoint.
type Source interface {
	Fetch(ctx context.Context, game, league string) (*Snapshot, error)
}

// FetchError wraps a source failure with its scope. Callers distinguish it
// from validation errors to decide on stale fallback.
type FetchError struct {
	Game   string
	League string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching prices for %s/%s: %v", e.Game, e.League, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ///////////////////////////////////////////////
// Provider
// ///////////////////////////////////////////////

// Provider serves snapshots with in-memory freshness caching and an on-disk
// fallback cache. Safe for concurrent use.
type Provider struct {
	source    Source
	cachePath string
	freshness time.Duration
	now       func() time.Time

	mu   sync.Mutex
	held map[string]*Snapshot
}

// ProviderConfig configures a [Provider].
type ProviderConfig struct {
	// Source fetches fresh data. Required.
	Source Source
	// CachePath is the on-disk snapshot cache file. Empty disables the disk
	// cache.
	CachePath string
	// Freshness overrides [DefaultFreshness].
	Freshness time.Duration
}

// NewProvider creates a Provider. The disk cache, if present, is loaded
// lazily on the first stale-tolerant miss.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("prices: nil source")
	}
	freshness := cfg.Freshness
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Provider{
		source:    cfg.Source,
		cachePath: cfg.CachePath,
		freshness: freshness,
		now:       time.Now,
		held:      make(map[string]*Snapshot),
	}, nil
}

// Snapshot returns a fresh snapshot for (game, league), fetching when the
// held one has aged out. A fetch failure returns a *[FetchError] and no
// snapshot, even if stale data exists; use [Provider.SnapshotAllowStale] to
// opt into staleness.
func (p *Provider) Snapshot(ctx context.Context, game, league string) (*Snapshot, error) {
	key := cacheKey(game, league)

	p.mu.Lock()
	if snap := p.held[key]; snap != nil && p.now().Sub(snap.FetchedAt) < p.freshness {
		p.mu.Unlock()
		return snap, nil
	}
	p.mu.Unlock()

	return p.refresh(ctx, game, league)
}

// SnapshotAllowStale behaves like [Provider.Snapshot] but on fetch failure
// falls back to the stale in-memory snapshot, then the on-disk cache. The
// fetch error is returned alongside stale data so callers can surface the
// degradation.
func (p *Provider) SnapshotAllowStale(ctx context.Context, game, league string) (*Snapshot, error) {
	snap, err := p.Snapshot(ctx, game, league)
	if err == nil {
		return snap, nil
	}

	key := cacheKey(game, league)
	p.mu.Lock()
	stale := p.held[key]
	p.mu.Unlock()
	if stale != nil {
		slog.Warn("serving stale price snapshot", "game", game, "league", league, "age", p.now().Sub(stale.FetchedAt), "error", err)
		return stale, err
	}

	if disk := p.loadDiskCache(key); disk != nil {
		slog.Warn("serving disk-cached price snapshot", "game", game, "league", league, "fetched_at", disk.FetchedAt, "error", err)
		p.mu.Lock()
		p.held[key] = disk
		p.mu.Unlock()
		return disk, err
	}

	return nil, err
}

// CurrentSnapshotID returns the identifier of the held snapshot for
// (game, league) without fetching. False when nothing is held yet.
func (p *Provider) CurrentSnapshotID(game, league string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if snap := p.held[cacheKey(game, league)]; snap != nil {
		return snap.ID, true
	}
	return "", false
}

// Refresh forces a fetch regardless of freshness. Used by the scheduled
// snapshot refresh so long sessions track market drift.
func (p *Provider) Refresh(ctx context.Context, game, league string) (*Snapshot, error) {
	return p.refresh(ctx, game, league)
}

// refresh fetches, stamps, stores, and persists a new snapshot.
func (p *Provider) refresh(ctx context.Context, game, league string) (*Snapshot, error) {
	snap, err := p.source.Fetch(ctx, game, league)
	if err != nil {
		return nil, &FetchError{Game: game, League: league, Err: err}
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = p.now()
	}
	if snap.ID == "" {
		snap.ID = fmt.Sprintf("%s-%s-%d", game, league, snap.FetchedAt.UnixMilli())
	}
	snap.Game = game
	snap.League = league

	key := cacheKey(game, league)
	p.mu.Lock()
	p.held[key] = snap
	p.mu.Unlock()

	p.saveDiskCache(key, snap)
	slog.Debug("price snapshot refreshed", "game", game, "league", league, "id", snap.ID, "cards", len(snap.Cards), "exchange_ratio", snap.ExchangeRatio)
	return snap, nil
}

// ///////////////////////////////////////////////
// Disk Cache
// ///////////////////////////////////////////////

// diskCache is the on-disk layout: one snapshot per (game, league) key.
type diskCache map[string]*Snapshot

func cacheKey(game, league string) string {
	return game + "/" + league
}

// saveDiskCache merges the snapshot into the cache file. Write failures are
// logged, not returned; the disk cache is best effort.
func (p *Provider) saveDiskCache(key string, snap *Snapshot) {
	if p.cachePath == "" {
		return
	}

	cache := p.readDiskCache()
	if cache == nil {
		cache = make(diskCache)
	}
	cache[key] = snap

	data, err := json.Marshal(cache)
	if err != nil {
		slog.Warn("failed to marshal price cache", "error", err)
		return
	}
	if err := atomicfile.Write(p.cachePath, data, 0o644); err != nil {
		slog.Warn("failed to write price cache", "path", p.cachePath, "error", err)
	}
}

// loadDiskCache returns the cached snapshot for key, or nil.
func (p *Provider) loadDiskCache(key string) *Snapshot {
	cache := p.readDiskCache()
	if cache == nil {
		return nil
	}
	return cache[key]
}

func (p *Provider) readDiskCache() diskCache {
	if p.cachePath == "" {
		return nil
	}
	data, err := os.ReadFile(p.cachePath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to read price cache", "path", p.cachePath, "error", err)
		}
		return nil
	}
	var cache diskCache
	if err := json.Unmarshal(data, &cache); err != nil {
		slog.Warn("corrupt price cache ignored", "path", p.cachePath, "error", err)
		return nil
	}
	return cache
}
