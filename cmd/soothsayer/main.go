// Package main implements the Soothsayer daemon, which tails the Path of
// Exile client log for stacked-deck card drops and publishes valued session
// totals to local consumers.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	rootpkg "github.com/navali-creations/soothsayer-sub009"
	"github.com/navali-creations/soothsayer-sub009/internal/clientlog"
	"github.com/navali-creations/soothsayer-sub009/internal/config"
	"github.com/navali-creations/soothsayer-sub009/internal/feed"
	"github.com/navali-creations/soothsayer-sub009/internal/logger"
	"github.com/navali-creations/soothsayer-sub009/internal/paths"
	"github.com/navali-creations/soothsayer-sub009/internal/prices"
	"github.com/navali-creations/soothsayer-sub009/internal/procmon"
	"github.com/navali-creations/soothsayer-sub009/internal/store"
	"github.com/navali-creations/soothsayer-sub009/internal/tracker"
	"github.com/navali-creations/soothsayer-sub009/internal/update"
	"github.com/navali-creations/soothsayer-sub009/internal/valuation"
)

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

// version is set at build time via ldflags:
//   - goreleaser: -X main.version={{.Version}}  -> "0.1.0"
//   - make build: -X main.version=$(VERSION)    -> "0.0.0-dev+05ffee5"
//
// When ldflags are not set (bare go build), resolveVersion reads the VCS info
// that Go embeds automatically, so dev builds get a useful version string
// without needing git at runtime.
var version = "dev"

// resolveVersion returns the build version string. If [version] was set via
// ldflags at build time it is returned as-is; otherwise VCS revision and dirty
// state embedded by the Go toolchain are used to construct a "dev+<hash>" tag.
func resolveVersion() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return version
	}
	hash := revision[:min(7, len(revision))]
	if dirty {
		return "dev+" + hash + ".dirty"
	}
	return "dev+" + hash
}

// ///////////////////////////////////////////////
// PID Management
// ///////////////////////////////////////////////

// pidToken generates a random 16-character hex token used to prove ownership
// of the PID file, so [removePID] only deletes the file if this instance wrote it.
func pidToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// writePID creates or opens the PID file at [DataPaths.PID], acquires an
// advisory file lock, and writes "PID:TOKEN" content. The returned file handle
// must be kept open for the lifetime of the daemon to hold the lock; pass it to
// [removePID] on shutdown.
func writePID(dp DataPaths, token string) (*os.File, error) {
	f, err := os.OpenFile(dp.PID(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open PID file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock PID file: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("truncate PID file: %w", err)
	}
	content := fmt.Sprintf("%d:%s", os.Getpid(), token)
	if _, err := f.WriteString(content); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("write PID file: %w", err)
	}
	return f, nil
}

// removePID releases the advisory lock, closes the file handle, and removes the
// PID file only if the stored token matches, preventing accidental removal of a
// file owned by a different daemon instance.
func removePID(dp DataPaths, token string, f *os.File) {
	if f != nil {
		_ = unlockFile(f)
		f.Close()
	}
	data, err := os.ReadFile(dp.PID())
	if err != nil {
		return
	}
	parts := strings.SplitN(string(data), ":", 2)
	if len(parts) == 2 && parts[1] == token {
		os.Remove(dp.PID())
	}
}

// checkStalePID checks whether another daemon instance is running. It attempts
// to acquire the advisory lock on the PID file; if the lock fails, another
// instance holds it. If the lock succeeds, any previous instance is dead and
// the stale file is cleaned up.
func checkStalePID(dp DataPaths) (alive bool, pid int) {
	f, err := os.OpenFile(dp.PID(), os.O_RDWR, 0o600)
	if err != nil {
		return false, 0
	}

	if lockErr := lockFile(f); lockErr != nil {
		data, _ := os.ReadFile(dp.PID())
		f.Close()
		parts := strings.SplitN(string(data), ":", 2)
		if len(parts) >= 1 {
			if p, convErr := strconv.Atoi(parts[0]); convErr == nil {
				return true, p
			}
		}
		return true, 0
	}

	// Lock acquired -- previous instance is dead. Clean up stale file.
	_ = unlockFile(f)
	f.Close()
	os.Remove(dp.PID())
	return false, 0
}

// ///////////////////////////////////////////////
// Feed Payload
// ///////////////////////////////////////////////

// cardLine is the per-card wire entry in a [totalsPayload].
type cardLine struct {
	CardName   string  `json:"cardName"`
	Count      int     `json:"count"`
	UnitChaos  float64 `json:"unitChaos"`
	TotalChaos float64 `json:"totalChaos"`
	Tier       string  `json:"tier"`
	Unpriced   bool    `json:"unpriced,omitempty"`
}

// totalsPayload is the JSON document published on the totals feed after every
// session or valuation change.
type totalsPayload struct {
	Game            string     `json:"game"`
	League          string     `json:"league"`
	Active          bool       `json:"active"`
	SessionID       string     `json:"sessionId,omitempty"`
	SnapshotID      string     `json:"snapshotId,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	TotalDrops      int        `json:"totalDrops"`
	Cards           []cardLine `json:"cards"`
	TotalChaos      float64    `json:"totalChaos"`
	TotalDivine     float64    `json:"totalDivine"`
	DivineAvailable bool       `json:"divineAvailable"`
	NetProfit       float64    `json:"netProfit"`
	UnpricedCards   int        `json:"unpricedCards"`
}

// buildTotalsPayload values the session totals against the given snapshot and
// maps the result into the feed wire type. Cards matching a configured ignore
// pattern are excluded before valuation. A nil snapshot produces counts with
// zero values, so consumers can render drops before the first price fetch.
func buildTotalsPayload(cfg *config.Config, totals tracker.Totals, active bool, snap *prices.Snapshot) totalsPayload {
	counts := make(map[string]int, len(totals.Cards))
	for name, entry := range totals.Cards {
		if cfg.IgnoresCard(name) {
			continue
		}
		counts[name] = entry.Count
	}

	res := valuation.Compute(counts, snap, valuation.Source(cfg.Valuation.Source), totals.TotalDrops)

	p := totalsPayload{
		Game:            cfg.Game.ID,
		League:          cfg.Game.League,
		Active:          active,
		SessionID:       totals.SessionID,
		SnapshotID:      res.SnapshotID,
		TotalDrops:      totals.TotalDrops,
		Cards:           make([]cardLine, 0, len(res.Cards)),
		TotalChaos:      res.TotalChaos,
		TotalDivine:     res.TotalDivine,
		DivineAvailable: res.DivineAvailable,
		NetProfit:       res.NetProfit,
		UnpricedCards:   res.UnpricedCards,
	}
	if !totals.StartedAt.IsZero() {
		started := totals.StartedAt
		p.StartedAt = &started
	}
	for _, c := range res.Cards {
		p.Cards = append(p.Cards, cardLine{
			CardName:   c.CardName,
			Count:      c.Count,
			UnitChaos:  c.UnitChaos,
			TotalChaos: c.TotalChaos,
			Tier:       string(c.Tier),
			Unpriced:   c.Unpriced,
		})
	}
	return p
}

// ///////////////////////////////////////////////
// Default Data Directory
// ///////////////////////////////////////////////

// defaultDataDir returns the platform default directory for Soothsayer data,
// typically ~/.soothsayer. Falls back to ./.soothsayer if the home directory
// cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", paths.DataDirRel)
	}
	return filepath.Join(home, paths.DataDirRel)
}

// ///////////////////////////////////////////////
// Main
// ///////////////////////////////////////////////

func main() {
	dataDir := flag.String("data-dir", defaultDataDir(), "Data directory for config, state, and logs")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(resolveVersion())
		return
	}

	dp := DataPaths{Root: *dataDir}

	if err := os.MkdirAll(dp.Root, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: create data dir: %v\n", err)
		os.Exit(1)
	}

	if alive, pid := checkStalePID(dp); alive {
		fmt.Fprintf(os.Stderr, "daemon already running (pid %d)\n", pid)
		os.Exit(1)
	}

	// .env may carry the market API session token (POESESSID). Missing files
	// are fine; the public endpoints work without a token.
	_ = godotenv.Load(filepath.Join(dp.Root, ".env"))
	_ = godotenv.Load()

	if _, err := os.Stat(dp.Config()); os.IsNotExist(err) {
		if writeErr := os.WriteFile(dp.Config(), rootpkg.DefaultConfigTOML, 0o644); writeErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to write default config: %v\n", writeErr)
		}
	}

	cfg, err := config.Load(dp.Root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: load config: %v\n", err)
		os.Exit(1)
	}

	logLevel := logger.ParseLevel(cfg.Log.Level)
	log, logCloser, err := logger.NewLogger(dp.Log(), logLevel, cfg.Log.MaxSizeMB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	ver := resolveVersion()
	slog.Info("soothsayer starting",
		"version", ver,
		"data_dir", dp.Root,
		"game", cfg.Game.ID,
		"league", cfg.Game.League,
	)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("update check panic", "error", r)
			}
		}()
		update.Check(ver)
	}()

	token := pidToken()
	pidFile, err := writePID(dp, token)
	if err != nil {
		slog.Error("failed to write PID file", "error", err)
		os.Exit(1)
	}
	defer removePID(dp, token, pidFile)

	st, err := store.Open(dp.Database())
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	source, err := prices.NewHTTPSource(prices.HTTPSourceConfig{
		BaseURL:      cfg.Prices.BaseURL,
		SessionToken: os.Getenv("POESESSID"),
	})
	if err != nil {
		slog.Error("failed to build price source", "error", err)
		os.Exit(1)
	}
	provider, err := prices.NewProvider(prices.ProviderConfig{
		Source:    source,
		CachePath: dp.PriceCache(),
		Freshness: time.Duration(cfg.Prices.FreshnessMinutes) * time.Minute,
	})
	if err != nil {
		slog.Error("failed to build price provider", "error", err)
		os.Exit(1)
	}

	trk := tracker.New(st, provider)

	d := &daemon{
		cfg:      cfg,
		provider: provider,
		tracker:  trk,
	}

	if cfg.Feed.Enabled {
		srv, feedErr := feed.Listen(feedEndpoint(dp))
		if feedErr != nil {
			slog.Warn("totals feed disabled", "error", feedErr)
		} else {
			d.feed = srv
			defer srv.Close()
			slog.Info("totals feed listening", "endpoint", feedEndpoint(dp))
		}
	}

	d.warmSnapshot()

	if cfg.Game.ClientLog == "" {
		slog.Warn("no client log configured, drop tracking disabled")
	} else {
		tail, tailErr := clientlog.NewTailReader(clientlog.TailConfig{
			Path:          cfg.Game.ClientLog,
			Game:          cfg.Game.ID,
			Scope:         paths.ProcessedScope,
			Store:         st,
			Handler:       d.handleDrop,
			CheckInterval: time.Duration(cfg.Behavior.LogCheckSeconds) * time.Second,
		})
		if tailErr != nil {
			slog.Error("failed to build log tail", "error", tailErr)
			os.Exit(1)
		}
		if startErr := tail.Start(); startErr != nil {
			slog.Error("failed to start log tail", "error", startErr)
			os.Exit(1)
		}
		d.tail = tail
		defer tail.Stop()
	}

	mon := procmon.New(procmon.Config{
		ProcessNames: cfg.Game.ProcessNames,
		Interval:     time.Duration(cfg.Behavior.ProcessPollSeconds) * time.Second,
	})
	mon.OnStart(d.clientStarted)
	mon.OnStop(d.clientStopped)
	mon.OnError(func(probeErr error) {
		slog.Debug("process probe failed", "error", probeErr)
	})
	mon.AttachSink(clientStateSink{})
	mon.Start()
	defer mon.Stop()
	d.monitor = mon

	trk.OnSessionStarted(func(tracker.Totals) { d.publish() })
	trk.OnSessionStopped(func(tracker.Totals) { d.publish() })
	trk.OnCardsUpdated(func(tracker.Totals) { d.publish() })

	if cfg.Prices.RefreshCron != "" {
		sched := cron.New()
		if _, cronErr := sched.AddFunc(cfg.Prices.RefreshCron, d.refreshPrices); cronErr != nil {
			slog.Warn("invalid price refresh schedule", "cron", cfg.Prices.RefreshCron, "error", cronErr)
		} else {
			sched.Start()
			defer sched.Stop()
			slog.Info("price refresh scheduled", "cron", cfg.Prices.RefreshCron)
		}
	}

	d.run()
	slog.Info("soothsayer stopped")
}

// ///////////////////////////////////////////////
// Daemon
// ///////////////////////////////////////////////

// republishInterval is how often the feed payload is re-published even
// without a session change, so consumers track price drift as the held
// snapshot ages past its freshness window.
const republishInterval = 30 * time.Second

// fetchTimeout bounds price snapshot fetches triggered from daemon work.
const fetchTimeout = 30 * time.Second

// errShutdown signals an orderly exit through the errgroup so run can tell a
// requested stop apart from a loop failure.
var errShutdown = errors.New("shutdown requested")

// daemon bundles the wired components so the run loop and callbacks share one
// receiver instead of threading every dependency through each call.
type daemon struct {
	cfg      *config.Config
	provider *prices.Provider
	tracker  *tracker.Tracker
	tail     *clientlog.TailReader
	monitor  *procmon.Monitor
	feed     *feed.Server

	// suspended is only touched from the run loop goroutine.
	suspended bool
}

// run drives the daemon until a shutdown signal arrives. One goroutine waits
// on OS signals; the other re-publishes totals on a ticker and services the
// suspend toggle. The errgroup context ties their lifetimes together.
func (d *daemon) run() {
	sigCh := signalChannel()
	suspendCh := suspendChannel()

	republish := time.NewTicker(republishInterval)
	defer republish.Stop()

	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			slog.Info("received shutdown signal", "signal", sig.String())
			return errShutdown
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-republish.C:
				d.publish()
			case <-suspendCh:
				d.toggleSuspend()
			case <-ctx.Done():
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		slog.Error("daemon loop failed", "error", err)
	}
}

// toggleSuspend pauses or resumes drop tracking. Suspending stops the process
// monitor and the log tail; resuming restarts both. The tail restart re-reads
// from the start of the file, which the persisted identifier set absorbs.
func (d *daemon) toggleSuspend() {
	if d.suspended {
		slog.Info("resuming tracking")
		d.monitor.Resume()
		if d.tail != nil {
			if err := d.tail.Start(); err != nil {
				slog.Warn("log tail restart failed", "error", err)
			}
		}
		d.suspended = false
		return
	}
	slog.Info("suspending tracking")
	d.monitor.Suspend()
	if d.tail != nil {
		d.tail.Stop()
	}
	d.suspended = true
}

// ///////////////////////////////////////////////
// Drop and Session Callbacks
// ///////////////////////////////////////////////

// handleDrop attributes a deduplicated drop to the active session. Drops seen
// while no session is running are observed but not counted; returning nil
// keeps the tail's offset advancing so the line is not re-surfaced later.
func (d *daemon) handleDrop(cardName, uniqueID string) error {
	err := d.tracker.RecordDrop(d.cfg.Game.ID, cardName, uniqueID)
	if errors.Is(err, tracker.ErrNoSession) {
		slog.Debug("drop outside session ignored", "card", cardName, "id", uniqueID)
		return nil
	}
	return err
}

// clientStateSink consumes forwarded process states. The headless daemon has
// no overlay window to drive, so the states go to the debug log; attaching it
// also entitles the monitor to restart on resume.
type clientStateSink struct{}

func (clientStateSink) Deliver(state procmon.ProcessState) error {
	slog.Debug("client state", "running", state.Running, "process", state.ProcessName)
	return nil
}

// clientStarted handles a game client appearing. With auto_session enabled it
// opens a session; a concurrent manual start is not an error.
func (d *daemon) clientStarted(state procmon.ProcessState) {
	slog.Info("game client detected", "process", state.ProcessName)
	if !d.cfg.Behavior.AutoSession {
		return
	}
	err := d.tracker.StartSession(d.cfg.Game.ID, d.cfg.Game.League)
	if err != nil && !errors.Is(err, tracker.ErrSessionActive) {
		slog.Warn("auto session start failed", "error", err)
	}
}

// clientStopped handles the game client exiting, closing the session when
// auto_session is enabled. StopSession without an active session is a no-op.
func (d *daemon) clientStopped(procmon.ProcessState) {
	slog.Info("game client exited")
	if !d.cfg.Behavior.AutoSession {
		return
	}
	if err := d.tracker.StopSession(d.cfg.Game.ID); err != nil {
		slog.Warn("auto session stop failed", "error", err)
	}
}

// ///////////////////////////////////////////////
// Prices and Publishing
// ///////////////////////////////////////////////

// snapshot fetches the current price snapshot, honoring the configured
// staleness policy.
func (d *daemon) snapshot(ctx context.Context) (*prices.Snapshot, error) {
	if d.cfg.Prices.AllowStale {
		return d.provider.SnapshotAllowStale(ctx, d.cfg.Game.ID, d.cfg.Game.League)
	}
	return d.provider.Snapshot(ctx, d.cfg.Game.ID, d.cfg.Game.League)
}

// warmSnapshot prefetches the price snapshot at startup so the first session
// can bind a snapshot identifier immediately. Failure is not fatal; sessions
// start unbound and the cron refresh rebinds them later.
func (d *daemon) warmSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	snap, err := d.snapshot(ctx)
	if err != nil {
		slog.Warn("initial price snapshot unavailable", "error", err)
	}
	if snap != nil {
		slog.Info("price snapshot ready", "snapshot_id", snap.ID, "cards", len(snap.Cards))
	}
}

// refreshPrices is the cron job body: force-fetch a fresh snapshot, rebind
// the active session to it, and push updated valuations to feed consumers.
func (d *daemon) refreshPrices() {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	snap, err := d.provider.Refresh(ctx, d.cfg.Game.ID, d.cfg.Game.League)
	if err != nil {
		slog.Warn("scheduled price refresh failed", "error", err)
		return
	}
	d.tracker.RebindSnapshot(d.cfg.Game.ID, snap.ID)
	slog.Info("price snapshot refreshed", "snapshot_id", snap.ID)
	d.publish()
}

// publish values the current session totals and publishes them on the feed.
// Called from tracker callbacks, the republish ticker, and the cron refresh;
// all paths tolerate a missing snapshot.
func (d *daemon) publish() {
	if d.feed == nil {
		return
	}
	totals, active := d.tracker.Totals(d.cfg.Game.ID)

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	snap, err := d.snapshot(ctx)
	if err != nil {
		// Stale data may still have come back alongside the error.
		slog.Debug("valuing totals without fresh prices", "error", err)
	}

	payload := buildTotalsPayload(d.cfg, totals, active, snap)
	if pubErr := d.feed.Publish(payload); pubErr != nil {
		slog.Warn("totals publish failed", "error", pubErr)
	}
}
