// Package storage persists events with kind-aware write semantics and
// executes filter-derived queries against them.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nopub/internal/config"
	"github.com/sandwichfarm/nopub/internal/filter"
)

// WriteStatus is the outcome of a write, distinct from transport errors.
type WriteStatus int

const (
	// StatusAccepted means the event was durably stored.
	StatusAccepted WriteStatus = iota
	// StatusDuplicate means an event with the same id already exists.
	// The stored event is unchanged; the write is idempotent.
	StatusDuplicate
	// StatusRejected means a policy (moderation) refused the event.
	StatusRejected
)

// WriteResult carries the status and, for rejections, a reason suitable
// for an OK response.
type WriteResult struct {
	Status WriteStatus
	Reason string
}

// Moderator is the moderation collaborator consulted before persisting.
type Moderator interface {
	IsAuthorAllowed(pubkey string) bool
}

// Store is the durable event store. Reads and writes go through separate
// bounded pools so subscription traffic cannot starve write latency.
type Store struct {
	readDB    *sqlx.DB
	writeDB   *sqlx.DB
	moderator Moderator
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	pubkey     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	kind       INTEGER NOT NULL,
	tags       TEXT NOT NULL,
	content    TEXT NOT NULL,
	sig        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_pubkey ON events(pubkey);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
CREATE TABLE IF NOT EXISTS event_tags (
	event_id TEXT NOT NULL,
	name     TEXT NOT NULL,
	value    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_tags_event ON event_tags(event_id);
CREATE INDEX IF NOT EXISTS idx_event_tags_name_value ON event_tags(name, value);
`

// New opens the configured backend and runs migrations.
func New(ctx context.Context, cfg *config.Storage) (*Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return newSQLite(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func newSQLite(ctx context.Context, cfg *config.Storage) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", cfg.SQLitePath)

	writeDB, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open write pool: %w", err)
	}
	writeDB.SetMaxOpenConns(cfg.WritePoolSize)

	readDB, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	readDB.SetMaxOpenConns(cfg.ReadPoolSize)

	s := &Store{readDB: readDB, writeDB: writeDB}
	if _, err := writeDB.ExecContext(ctx, schema); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// SetModerator installs the moderation collaborator. A nil moderator
// disables the check.
func (s *Store) SetModerator(m Moderator) {
	s.moderator = m
}

// Close closes both pools.
func (s *Store) Close() error {
	var firstErr error
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil {
			firstErr = err
		}
	}
	if s.writeDB != nil {
		if err := s.writeDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WriteEvent validates nothing itself; the caller is expected to have
// verified the event. It dispatches on the kind's persistence policy and
// commits the whole write or nothing.
func (s *Store) WriteEvent(ctx context.Context, evt *nostr.Event) (WriteResult, error) {
	if s.moderator != nil && !s.moderator.IsAuthorAllowed(evt.PubKey) {
		return WriteResult{Status: StatusRejected, Reason: "blocked: author is not allowed on this relay"}, nil
	}

	tx, err := s.writeDB.BeginTxx(ctx, nil)
	if err != nil {
		return WriteResult{}, fmt.Errorf("failed to begin write transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM events WHERE id = ?)", evt.ID); err != nil {
		return WriteResult{}, fmt.Errorf("failed to check for duplicate: %w", err)
	}
	if exists {
		return WriteResult{Status: StatusDuplicate, Reason: "duplicate: already have this event"}, nil
	}

	switch PolicyFor(evt.Kind) {
	case PolicyReplaceable:
		if err := deleteByAuthorKind(ctx, tx, evt.PubKey, evt.Kind); err != nil {
			return WriteResult{}, err
		}
	case PolicyDeletion:
		if err := deleteTargets(ctx, tx, evt); err != nil {
			return WriteResult{}, err
		}
	}

	if err := insertEvent(ctx, tx, evt); err != nil {
		return WriteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return WriteResult{}, fmt.Errorf("failed to commit write: %w", err)
	}
	return WriteResult{Status: StatusAccepted}, nil
}

// deleteByAuthorKind removes all prior events for a (pubkey, kind) pair,
// leaving at most the incoming event live for replaceable kinds.
func deleteByAuthorKind(ctx context.Context, tx *sqlx.Tx, pubkey string, kind int) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM event_tags WHERE event_id IN (SELECT id FROM events WHERE pubkey = ? AND kind = ?)",
		pubkey, kind); err != nil {
		return fmt.Errorf("failed to delete replaced tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM events WHERE pubkey = ? AND kind = ?", pubkey, kind); err != nil {
		return fmt.Errorf("failed to delete replaced events: %w", err)
	}
	return nil
}

// deleteTargets removes the events a deletion directive points at, but
// only those authored by the deleting pubkey.
func deleteTargets(ctx context.Context, tx *sqlx.Tx, evt *nostr.Event) error {
	targets := DeletionTargets(evt)
	if len(targets) == 0 {
		return nil
	}

	query, args, err := sqlx.In(
		"DELETE FROM event_tags WHERE event_id IN (SELECT id FROM events WHERE id IN (?) AND pubkey = ?)",
		targets, evt.PubKey)
	if err != nil {
		return fmt.Errorf("failed to build tag deletion query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete target tags: %w", err)
	}

	query, args, err = sqlx.In(
		"DELETE FROM events WHERE id IN (?) AND pubkey = ?", targets, evt.PubKey)
	if err != nil {
		return fmt.Errorf("failed to build deletion query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete target events: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, evt *nostr.Event) error {
	tagsJSON, err := json.Marshal(evt.Tags)
	if err != nil {
		return fmt.Errorf("failed to serialize tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig) VALUES (?, ?, ?, ?, ?, ?, ?)",
		evt.ID, evt.PubKey, int64(evt.CreatedAt), evt.Kind, string(tagsJSON), evt.Content, evt.Sig); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	for _, tag := range evt.Tags {
		if len(tag) < 2 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO event_tags (event_id, name, value) VALUES (?, ?, ?)",
			evt.ID, tag[0], tag[1]); err != nil {
			return fmt.Errorf("failed to insert tag: %w", err)
		}
	}
	return nil
}

type eventRow struct {
	ID        string `db:"id"`
	Pubkey    string `db:"pubkey"`
	CreatedAt int64  `db:"created_at"`
	Kind      int    `db:"kind"`
	Tags      string `db:"tags"`
	Content   string `db:"content"`
	Sig       string `db:"sig"`
}

// QueryEvents executes one filter against the read pool. Results come
// back newest first, truncated to the filter's effective limit.
func (s *Store) QueryEvents(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error) {
	query, args := filter.BuildQuery(f)
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, filter.EffectiveLimit(f))

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to expand query: %w", err)
	}

	var rows []eventRow
	if err := s.readDB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	events := make([]*nostr.Event, 0, len(rows))
	for _, row := range rows {
		evt, err := row.toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

func (r eventRow) toEvent() (*nostr.Event, error) {
	var tags nostr.Tags
	if err := json.Unmarshal([]byte(r.Tags), &tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags for event %s: %w", r.ID, err)
	}
	return &nostr.Event{
		ID:        r.ID,
		PubKey:    r.Pubkey,
		CreatedAt: nostr.Timestamp(r.CreatedAt),
		Kind:      r.Kind,
		Tags:      tags,
		Content:   r.Content,
		Sig:       r.Sig,
	}, nil
}

// CountEvents returns the number of stored events, optionally scoped to
// one kind (pass a negative kind for all).
func (s *Store) CountEvents(ctx context.Context, kind int) (int64, error) {
	var count int64
	var err error
	if kind < 0 {
		err = s.readDB.GetContext(ctx, &count, "SELECT COUNT(*) FROM events")
	} else {
		err = s.readDB.GetContext(ctx, &count, "SELECT COUNT(*) FROM events WHERE kind = ?", kind)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// Checkpoint folds the WAL into the main database file so the file on
// disk is a complete snapshot.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.writeDB.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint database: %w", err)
	}
	return nil
}

// DeleteOlderThan removes events created before the cutoff and returns
// how many were deleted. Used by the retention pruner.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.writeDB.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM event_tags WHERE event_id IN (SELECT id FROM events WHERE created_at < ?)",
		cutoff.Unix()); err != nil {
		return 0, fmt.Errorf("failed to prune tags: %w", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM events WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil && err != sql.ErrNoRows {
		deleted = 0
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return deleted, nil
}
