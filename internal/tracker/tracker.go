// Package tracker aggregates accepted drop events into farming sessions.
//
// A [Tracker] holds one session slot per game. Each slot is a two-state
// machine, inactive or active: starting an active slot fails, stopping an
// inactive slot is a no-op, and drops are only attributed while active.
// Persistence through [SessionStore] is synchronous and ordered before the
// in-memory state, so a store failure leaves the aggregate exactly as it was.
package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrSessionActive is returned by [Tracker.StartSession] when the game
// already has an active session.
var ErrSessionActive = errors.New("tracker: session already active")

// ErrNoSession is returned by [Tracker.RecordDrop] when the game has no
// active session to attribute the drop to.
var ErrNoSession = errors.New("tracker: no active session")

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// CardEntry accumulates the drops of a single card within a session.
type CardEntry struct {
	// CardName is the card this entry counts.
	CardName string
	// Count is the number of attributed drops. Never decreases while the
	// session is active.
	Count int
	// FirstSeenAt is when the first drop of this card was attributed.
	FirstSeenAt time.Time
	// LastSeenAt is when the most recent drop was attributed.
	LastSeenAt time.Time
}

// Summary describes a finished session, handed to
// [SessionStore.FinalizeSession] when the session stops.
type Summary struct {
	SessionID  string
	Game       string
	League     string
	SnapshotID string
	StartedAt  time.Time
	EndedAt    time.Time
	TotalDrops int
}

// Totals is a point-in-time copy of a session's aggregate, safe to retain
// after the tracker has moved on.
type Totals struct {
	SessionID  string
	Game       string
	League     string
	SnapshotID string
	StartedAt  time.Time
	TotalDrops int
	// Cards maps card names to their entries. The map and its entries are
	// copies, never shared with the tracker's internal state.
	Cards map[string]CardEntry
}

// SessionStore persists session lifecycles and per-card counts. All methods
// are called synchronously from tracker operations; an error aborts the
// operation before any in-memory change.
type SessionStore interface {
	// CreateSession opens a session row and returns its identifier.
	CreateSession(game, league, snapshotID string, startedAt time.Time) (string, error)
	// RecordCard adds delta drops of cardName to the session. Idempotency is
	// the caller's concern; the tracker only records deduplicated events.
	RecordCard(sessionID, cardName string, delta int, seenAt time.Time) error
	// FinalizeSession stamps the session as ended and stores its summary.
	FinalizeSession(sessionID string, summary Summary) error
}

// SnapshotBinder supplies the identifier of the freshest known price snapshot
// so a session can be valued against the market as it stood when farming
// began. Optional; a nil binder leaves sessions unbound.
type SnapshotBinder interface {
	CurrentSnapshotID(game, league string) (string, bool)
}

// ///////////////////////////////////////////////
// Tracker
// ///////////////////////////////////////////////

// session is the per-game active state. A nil pointer in the sessions map
// (or a missing key) means the slot is inactive.
type session struct {
	id         string
	league     string
	snapshotID string
	startedAt  time.Time
	drops      int
	cards      map[string]*CardEntry
}

// Tracker is the session aggregator. All methods are safe for concurrent use.
type Tracker struct {
	store  SessionStore
	binder SnapshotBinder
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	subs     subscribers
}

// New creates a Tracker backed by store. binder may be nil.
func New(store SessionStore, binder SnapshotBinder) *Tracker {
	return &Tracker{
		store:    store,
		binder:   binder,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// StartSession opens a session for the game. Returns [ErrSessionActive] if
// one is already running. The freshest available price snapshot is bound to
// the session at start.
func (t *Tracker) StartSession(game, league string) error {
	t.mu.Lock()

	if t.sessions[game] != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: game %s", ErrSessionActive, game)
	}

	var snapshotID string
	if t.binder != nil {
		if id, ok := t.binder.CurrentSnapshotID(game, league); ok {
			snapshotID = id
		}
	}

	startedAt := t.now()
	id, err := t.store.CreateSession(game, league, snapshotID, startedAt)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("creating session: %w", err)
	}

	s := &session{
		id:         id,
		league:     league,
		snapshotID: snapshotID,
		startedAt:  startedAt,
		cards:      make(map[string]*CardEntry),
	}
	t.sessions[game] = s
	totals := t.totalsLocked(game, s)
	t.mu.Unlock()

	slog.Info("session started", "game", game, "league", league, "session_id", id, "snapshot_id", snapshotID)
	t.subs.fire(eventStarted, totals)
	return nil
}

// StopSession closes the game's session if one is active; otherwise it does
// nothing. The summary is persisted before the slot transitions to inactive,
// so a store failure leaves the session running.
func (t *Tracker) StopSession(game string) error {
	t.mu.Lock()

	s := t.sessions[game]
	if s == nil {
		t.mu.Unlock()
		return nil
	}

	summary := Summary{
		SessionID:  s.id,
		Game:       game,
		League:     s.league,
		SnapshotID: s.snapshotID,
		StartedAt:  s.startedAt,
		EndedAt:    t.now(),
		TotalDrops: s.drops,
	}
	if err := t.store.FinalizeSession(s.id, summary); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("finalizing session %s: %w", s.id, err)
	}

	totals := t.totalsLocked(game, s)
	delete(t.sessions, game)
	t.mu.Unlock()

	slog.Info("session stopped", "game", game, "session_id", summary.SessionID, "drops", summary.TotalDrops)
	t.subs.fire(eventStopped, totals)
	return nil
}

// RecordDrop attributes one deduplicated drop of cardName to the game's
// active session. Returns [ErrNoSession] when the slot is inactive; callers
// that tail the log while no session runs treat this as "seen but not
// counted". uniqueID is carried through for logging only; dedup happened
// upstream.
func (t *Tracker) RecordDrop(game, cardName, uniqueID string) error {
	t.mu.Lock()

	s := t.sessions[game]
	if s == nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: game %s", ErrNoSession, game)
	}

	seenAt := t.now()
	if err := t.store.RecordCard(s.id, cardName, 1, seenAt); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("recording %s: %w", cardName, err)
	}

	entry := s.cards[cardName]
	if entry == nil {
		entry = &CardEntry{CardName: cardName, FirstSeenAt: seenAt}
		s.cards[cardName] = entry
	}
	entry.Count++
	entry.LastSeenAt = seenAt
	s.drops++

	totals := t.totalsLocked(game, s)
	t.mu.Unlock()

	slog.Debug("drop recorded", "game", game, "card", cardName, "id", uniqueID, "count", entry.Count)
	t.subs.fire(eventCards, totals)
	return nil
}

// RebindSnapshot points the game's active session at a newer price snapshot.
// No-op when the slot is inactive.
func (t *Tracker) RebindSnapshot(game, snapshotID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.sessions[game]; s != nil {
		s.snapshotID = snapshotID
	}
}

// Active reports whether the game has a running session.
func (t *Tracker) Active(game string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[game] != nil
}

// Totals returns a copy of the game's current aggregate, or false when the
// slot is inactive.
func (t *Tracker) Totals(game string) (Totals, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessions[game]
	if s == nil {
		return Totals{}, false
	}
	return t.totalsLocked(game, s), true
}

// totalsLocked builds a Totals copy. The caller holds the mutex.
func (t *Tracker) totalsLocked(game string, s *session) Totals {
	cards := make(map[string]CardEntry, len(s.cards))
	for name, entry := range s.cards {
		cards[name] = *entry
	}
	return Totals{
		SessionID:  s.id,
		Game:       game,
		League:     s.league,
		SnapshotID: s.snapshotID,
		StartedAt:  s.startedAt,
		TotalDrops: s.drops,
		Cards:      cards,
	}
}

// ///////////////////////////////////////////////
// Events
// ///////////////////////////////////////////////

// OnSessionStarted registers fn for session starts. Returns an unsubscribe
// function.
func (t *Tracker) OnSessionStarted(fn func(Totals)) func() {
	return t.subs.add(eventStarted, fn)
}

// OnSessionStopped registers fn for session stops. The delivered totals are
// the final aggregate of the stopped session.
func (t *Tracker) OnSessionStopped(fn func(Totals)) func() {
	return t.subs.add(eventStopped, fn)
}

// OnCardsUpdated registers fn for aggregate changes after each recorded drop.
func (t *Tracker) OnCardsUpdated(fn func(Totals)) func() {
	return t.subs.add(eventCards, fn)
}

type eventKind int

const (
	eventStarted eventKind = iota
	eventStopped
	eventCards
)

// subscribers fans events out to registered callbacks. A panicking callback
// is logged and does not reach its neighbors.
type subscribers struct {
	mu     sync.Mutex
	nextID int
	funcs  map[eventKind]map[int]func(Totals)
}

func (s *subscribers) add(kind eventKind, fn func(Totals)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.funcs == nil {
		s.funcs = make(map[eventKind]map[int]func(Totals))
	}
	if s.funcs[kind] == nil {
		s.funcs[kind] = make(map[int]func(Totals))
	}
	id := s.nextID
	s.nextID++
	s.funcs[kind][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.funcs[kind], id)
	}
}

func (s *subscribers) fire(kind eventKind, totals Totals) {
	s.mu.Lock()
	fns := make([]func(Totals), 0, len(s.funcs[kind]))
	for _, fn := range s.funcs[kind] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("tracker subscriber panicked", "panic", r)
				}
			}()
			fn(totals)
		}()
	}
}
