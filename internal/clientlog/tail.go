package clientlog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultCheckInterval is how often the reader checks for appended data when
// the watcher produces no wake-ups.
const DefaultCheckInterval = time.Second

// ///////////////////////////////////////////////
// Collaborator Contracts
// ///////////////////////////////////////////////

// ProcessedIDStore persists drop identifiers across restarts so a line is
// never attributed twice. Implementations must be crash-durable and treat
// duplicate inserts as no-ops.
type ProcessedIDStore interface {
	// Load returns all identifiers previously persisted for (game, scope).
	Load(game, scope string) (map[string]struct{}, error)
	// InsertMany persists identifiers for (game, scope). Idempotent.
	InsertMany(game, scope string, ids []string) error
}

// DropHandler consumes accepted drop events, one call per event, in file
// order. Typically [tracker.Tracker.RecordDrop].
type DropHandler func(cardName, uniqueID string) error

// ///////////////////////////////////////////////
// TailReader
// ///////////////////////////////////////////////

// TailConfig configures a [TailReader].
type TailConfig struct {
	// Path is the client log file (Client.txt).
	Path string
	// Game and Scope namespace the processed-identifier set.
	Game  string
	Scope string
	// Store persists processed identifiers. Required.
	Store ProcessedIDStore
	// Handler receives accepted drops. Required.
	Handler DropHandler
	// CheckInterval overrides [DefaultCheckInterval].
	CheckInterval time.Duration
}

// TailReader incrementally reads newly appended bytes from the client log,
// parses them for drop events, persists the new identifiers, and feeds the
// events to the handler. Newly observed identifiers are persisted before any
// in-memory state advances, so a crash between parse and persist reprocesses
// the same region on restart and the dedup set absorbs the replay.
type TailReader struct {
	path          string
	game          string
	scope         string
	store         ProcessedIDStore
	handler       DropHandler
	checkInterval time.Duration

	mu      sync.Mutex
	offset  int64
	seen    map[string]struct{}
	stop    chan struct{}
	watcher *Watcher
}

// NewTailReader creates a TailReader for the given config.
func NewTailReader(cfg TailConfig) (*TailReader, error) {
	if cfg.Store == nil {
		return nil, errors.New("clientlog: nil processed-id store")
	}
	if cfg.Handler == nil {
		return nil, errors.New("clientlog: nil drop handler")
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &TailReader{
		path:          cfg.Path,
		game:          cfg.Game,
		scope:         cfg.Scope,
		store:         cfg.Store,
		handler:       cfg.Handler,
		checkInterval: interval,
	}, nil
}

// Start loads the persisted identifier set and begins the check loop from the
// start of the file. Regions already consumed by earlier runs parse to zero
// events because their identifiers are in the persisted set. Restarting a
// running reader stops the prior loop first.
func (r *TailReader) Start() error {
	r.Stop()

	seen, err := r.store.Load(r.game, r.scope)
	if err != nil {
		return fmt.Errorf("loading processed ids: %w", err)
	}

	r.mu.Lock()
	r.seen = seen
	if r.seen == nil {
		r.seen = make(map[string]struct{})
	}
	r.offset = 0
	stop := make(chan struct{})
	r.stop = stop

	w, watchErr := NewWatcher(r.path)
	if watchErr != nil {
		r.mu.Unlock()
		return fmt.Errorf("watching client log: %w", watchErr)
	}
	r.watcher = w
	r.mu.Unlock()

	slog.Info("clientlog-start", "path", r.path, "offset", r.offset, "known_ids", len(seen))
	go r.loop(stop, w)
	return nil
}

// Stop halts the check loop. Idempotent and safe on a reader that was never
// started. A check already in flight completes, including its persistence.
func (r *TailReader) Stop() {
	r.mu.Lock()
	stop := r.stop
	w := r.watcher
	r.stop = nil
	r.watcher = nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	if w != nil {
		w.Close()
	}
	slog.Info("clientlog-stop", "path", r.path)
}

// loop checks for new data on the interval tick and on watcher wake-ups.
func (r *TailReader) loop(stop chan struct{}, w *Watcher) {
	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-w.Events():
		case <-ticker.C:
		}
		if err := r.Check(); err != nil {
			slog.Warn("client log check failed", "error", err)
		}
	}
}

// Check performs one tail cycle: read the newly appended region, parse it,
// persist new identifiers, and deliver accepted events in file order.
//
// A missing file is no data, not an error. An offset beyond the current file
// size means truncation or rotation and resets the offset to the start. A
// persistence failure leaves the offset untouched so the same region is
// re-read on the next cycle.
func (r *TailReader) Check() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	text, newOffset, err := r.readNew()
	if err != nil {
		return err
	}
	if text == "" {
		r.offset = newOffset
		return nil
	}

	batch := ParseDrops(text, r.seen)
	if batch.Total == 0 {
		r.offset = newOffset
		return nil
	}

	ids := batch.IDs()
	if err := r.store.InsertMany(r.game, r.scope, ids); err != nil {
		return fmt.Errorf("persisting %d drop ids: %w", len(ids), err)
	}
	for _, id := range ids {
		r.seen[id] = struct{}{}
	}
	r.offset = newOffset

	for _, ev := range batch.Events {
		if err := r.handler(ev.CardName, ev.UniqueID); err != nil {
			// Drops outside an active session are persisted (so they are
			// never double counted) but not attributed.
			slog.Debug("drop not recorded", "card", ev.CardName, "id", ev.UniqueID, "error", err)
		}
	}
	slog.Debug("merged drop events", "count", batch.Total, "cards", len(batch.Cards))
	return nil
}

// readNew returns the complete lines appended since the last check and the
// offset to advance to. The caller holds the mutex.
func (r *TailReader) readNew() (string, int64, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", r.offset, nil
		}
		return "", r.offset, fmt.Errorf("opening client log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", r.offset, fmt.Errorf("stat client log: %w", err)
	}

	offset := r.offset
	if offset > info.Size() {
		// Truncated or rotated underneath us; start over.
		slog.Info("client log shrank, resetting offset", "old_offset", offset, "size", info.Size())
		offset = 0
	}
	if offset == info.Size() {
		return "", offset, nil
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", r.offset, fmt.Errorf("seeking client log: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", r.offset, fmt.Errorf("reading client log: %w", err)
	}

	// Only consume up to the last newline; a partially flushed final line is
	// left for the next cycle.
	cut := strings.LastIndexByte(string(data), '\n')
	if cut < 0 {
		return "", offset, nil
	}
	return string(data[:cut+1]), offset + int64(cut) + 1, nil
}

// Offset returns the current read offset. Exposed for observability.
func (r *TailReader) Offset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}
