// Package store persists processed drop identifiers and session history in a
// local sqlite database. It implements the collaborator contracts consumed by
// the client log tail reader and the session tracker; neither depends on this
// package directly.
package store

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/navali-creations/soothsayer-sub009/internal/tracker"
)

// ///////////////////////////////////////////////
// Schema
// ///////////////////////////////////////////////

// processedID is one consumed drop identifier, namespaced by game and scope.
type processedID struct {
	Game      string `gorm:"primaryKey;size:16"`
	Scope     string `gorm:"primaryKey;size:32"`
	DropID    string `gorm:"primaryKey;size:64"`
	CreatedAt time.Time
}

// sessionRow is one farming session.
type sessionRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	Game       string `gorm:"index;size:16"`
	League     string `gorm:"size:64"`
	SnapshotID string `gorm:"size:96"`
	StartedAt  time.Time
	EndedAt    *time.Time
	TotalDrops int
}

// sessionCard is the per-card tally of one session.
type sessionCard struct {
	SessionID   string `gorm:"primaryKey;size:64"`
	CardName    string `gorm:"primaryKey;size:128"`
	Count       int
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// ///////////////////////////////////////////////
// Store
// ///////////////////////////////////////////////

// Store is the sqlite-backed persistence layer. Safe for concurrent use; all
// writers serialize through sqlite's own locking.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the database at path, enables WAL so readers are
// not blocked during writes, and migrates the schema.
func Open(path string) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	if err := db.AutoMigrate(&processedID{}, &sessionRow{}, &sessionCard{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	slog.Debug("database opened", "path", path)
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("unwrapping database handle: %w", err)
	}
	return sqlDB.Close()
}

// ///////////////////////////////////////////////
// Processed Identifiers
// ///////////////////////////////////////////////

// Contains reports whether the identifier was already consumed.
func (s *Store) Contains(game, scope, id string) (bool, error) {
	var count int64
	err := s.db.Model(&processedID{}).
		Where("game = ? AND scope = ? AND drop_id = ?", game, scope, id).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("checking drop id: %w", err)
	}
	return count > 0, nil
}

// InsertMany persists identifiers for (game, scope). Re-inserting an existing
// identifier is a no-op, so replayed log regions are harmless.
func (s *Store) InsertMany(game, scope string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	rows := make([]processedID, 0, len(ids))
	now := time.Now()
	for _, id := range ids {
		rows = append(rows, processedID{Game: game, Scope: scope, DropID: id, CreatedAt: now})
	}
	err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("inserting %d drop ids: %w", len(ids), err)
	}
	return nil
}

// Load returns all identifiers persisted for (game, scope).
func (s *Store) Load(game, scope string) (map[string]struct{}, error) {
	var ids []string
	err := s.db.Model(&processedID{}).
		Where("game = ? AND scope = ?", game, scope).
		Pluck("drop_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("loading drop ids: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// Reset forgets all identifiers for (game, scope). Used when the player
// deliberately wants historical drops recounted.
func (s *Store) Reset(game, scope string) error {
	err := s.db.Where("game = ? AND scope = ?", game, scope).Delete(&processedID{}).Error
	if err != nil {
		return fmt.Errorf("resetting drop ids: %w", err)
	}
	return nil
}

// ///////////////////////////////////////////////
// Sessions
// ///////////////////////////////////////////////

// CreateSession opens a session row and returns its identifier.
func (s *Store) CreateSession(game, league, snapshotID string, startedAt time.Time) (string, error) {
	id := fmt.Sprintf("%s-%d", game, startedAt.UnixNano())
	row := sessionRow{
		ID:         id,
		Game:       game,
		League:     league,
		SnapshotID: snapshotID,
		StartedAt:  startedAt,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	return id, nil
}

// RecordCard adds delta drops of cardName to the session, upserting the
// per-card row.
func (s *Store) RecordCard(sessionID, cardName string, delta int, seenAt time.Time) error {
	row := sessionCard{
		SessionID:   sessionID,
		CardName:    cardName,
		Count:       delta,
		FirstSeenAt: seenAt,
		LastSeenAt:  seenAt,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}, {Name: "card_name"}},
		DoUpdates: clause.Assignments(map[string]any{
			"count":        gorm.Expr("count + ?", delta),
			"last_seen_at": seenAt,
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("recording card %s: %w", cardName, err)
	}
	return nil
}

// FinalizeSession stamps the session as ended and stores its totals.
func (s *Store) FinalizeSession(sessionID string, summary tracker.Summary) error {
	err := s.db.Model(&sessionRow{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{
			"ended_at":    summary.EndedAt,
			"total_drops": summary.TotalDrops,
			"snapshot_id": summary.SnapshotID,
		}).Error
	if err != nil {
		return fmt.Errorf("finalizing session %s: %w", sessionID, err)
	}
	return nil
}

// ///////////////////////////////////////////////
// History
// ///////////////////////////////////////////////

// SessionSummary is a read model for finished and running sessions.
type SessionSummary struct {
	ID         string
	Game       string
	League     string
	SnapshotID string
	StartedAt  time.Time
	EndedAt    *time.Time
	TotalDrops int
}

// Sessions returns the most recent sessions for the game, newest first.
func (s *Store) Sessions(game string, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []sessionRow
	err := s.db.Where("game = ?", game).
		Order("started_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out := make([]SessionSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, SessionSummary{
			ID:         row.ID,
			Game:       row.Game,
			League:     row.League,
			SnapshotID: row.SnapshotID,
			StartedAt:  row.StartedAt,
			EndedAt:    row.EndedAt,
			TotalDrops: row.TotalDrops,
		})
	}
	return out, nil
}

// SessionCards returns the per-card tallies of one session as a counts map,
// ready for valuation.
func (s *Store) SessionCards(sessionID string) (map[string]int, error) {
	var rows []sessionCard
	err := s.db.Where("session_id = ?", sessionID).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("loading session cards: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.CardName] = row.Count
	}
	return counts, nil
}
