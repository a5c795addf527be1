// Package postgres provides a PostgreSQL-backed eventlog.Store using pgx.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/jubensha/internal/eventlog"
)

// Schema is the SQL DDL for the game_events table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS game_events (
    id              TEXT PRIMARY KEY,
    session_id      TEXT NOT NULL,
    event_type      TEXT NOT NULL,
    character_name  TEXT NOT NULL DEFAULT '',
    content         TEXT NOT NULL DEFAULT '',
    tts_file_url    TEXT NOT NULL DEFAULT '',
    tts_voice       TEXT NOT NULL DEFAULT '',
    tts_duration    INTEGER NOT NULL DEFAULT 0,
    tts_status      TEXT NOT NULL DEFAULT 'PENDING',
    event_metadata  JSONB NOT NULL DEFAULT '{}',
    is_public       BOOLEAN NOT NULL DEFAULT TRUE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT game_events_completed_has_url
        CHECK (tts_status <> 'COMPLETED' OR (tts_file_url <> '' AND tts_voice <> ''))
);
CREATE INDEX IF NOT EXISTS idx_game_events_session_type_time
    ON game_events(session_id, event_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_game_events_session_character
    ON game_events(session_id, character_name, created_at DESC);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is an [eventlog.Store] backed by PostgreSQL.
type Store struct {
	db DB
}

var _ eventlog.Store = (*Store)(nil)

// New returns a Store using db. Call [Store.Migrate] before issuing queries.
func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("eventlog: migrate: %w", err)
	}
	return nil
}

// Insert implements [eventlog.Store].
func (s *Store) Insert(ctx context.Context, e *eventlog.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	status := e.TTSStatus
	if status == "" {
		status = eventlog.StatusPending
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("eventlog: marshal metadata: %w", err)
	}

	const query = `
		INSERT INTO game_events (
			id, session_id, event_type, character_name, content,
			tts_file_url, tts_voice, tts_duration, tts_status,
			event_metadata, is_public, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	_, err = s.db.Exec(ctx, query,
		e.ID, e.SessionID, e.EventType, e.CharacterName, e.Content,
		e.TTSFileURL, e.TTSVoice, e.TTSDuration, string(status),
		metaJSON, e.IsPublic, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("eventlog: insert: %w", err)
	}
	return nil
}

// TTSHistory implements [eventlog.Store].
func (s *Store) TTSHistory(ctx context.Context, sessionID, character string, limit int) ([]eventlog.Event, error) {
	if limit <= 0 {
		limit = eventlog.DefaultHistoryLimit
	}

	const cols = `
		SELECT id, session_id, event_type, character_name, content,
		       tts_file_url, tts_voice, tts_duration, tts_status,
		       event_metadata, is_public, created_at
		FROM game_events`

	var (
		rows pgx.Rows
		err  error
	)
	if character == "" {
		rows, err = s.db.Query(ctx, cols+`
		WHERE session_id = $1 AND event_type = $2
		ORDER BY created_at DESC
		LIMIT $3`, sessionID, eventlog.EventTypeTTS, limit)
	} else {
		rows, err = s.db.Query(ctx, cols+`
		WHERE session_id = $1 AND event_type = $2 AND character_name = $3
		ORDER BY created_at DESC
		LIMIT $4`, sessionID, eventlog.EventTypeTTS, character, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: query history: %w", err)
	}

	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("eventlog: scan history: %w", err)
	}
	return events, nil
}

func scanEvent(row pgx.CollectableRow) (eventlog.Event, error) {
	var (
		e        eventlog.Event
		status   string
		metaJSON []byte
	)
	err := row.Scan(
		&e.ID, &e.SessionID, &e.EventType, &e.CharacterName, &e.Content,
		&e.TTSFileURL, &e.TTSVoice, &e.TTSDuration, &status,
		&metaJSON, &e.IsPublic, &e.Timestamp,
	)
	if err != nil {
		return e, err
	}
	e.TTSStatus = eventlog.Status(status)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
			return e, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return e, nil
}
