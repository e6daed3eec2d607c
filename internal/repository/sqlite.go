package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"didi-voice/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	topic          TEXT NOT NULL,
	api_call_count INTEGER NOT NULL DEFAULT 0,
	last_api_call  INTEGER NOT NULL DEFAULT 0,
	profile_name   TEXT NOT NULL DEFAULT '',
	profile_lang   TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
	session_id  TEXT NOT NULL,
	idx         INTEGER NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	is_real_ai  INTEGER NOT NULL DEFAULT 0,
	is_fallback INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, idx)
);`

// SQLiteStore keeps sessions in a local SQLite file for the standalone
// server. Times are stored as Unix nanoseconds, zero meaning unset.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	// Each connection to ":memory:" is its own database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (domain.SessionState, error) {
	var (
		st                         domain.SessionState
		topic                      string
		lastCall, created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT topic, api_call_count, last_api_call, profile_name, profile_lang, created_at, updated_at
		FROM sessions WHERE id = ?`, sessionID,
	).Scan(&topic, &st.APICallCount, &lastCall, &st.Profile.Name, &st.Profile.Language, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SessionState{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.SessionState{}, fmt.Errorf("repository: Load session: %w", err)
	}
	st.ID = sessionID
	st.Topic = domain.Topic(topic)
	st.LastAPICall = fromNanos(lastCall)
	st.CreatedAt = fromNanos(created)
	st.UpdatedAt = fromNanos(updated)

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, ts, is_real_ai, is_fallback
		FROM turns WHERE session_id = ?
		ORDER BY idx ASC`, sessionID)
	if err != nil {
		return domain.SessionState{}, fmt.Errorf("repository: Load turns: %w", err)
	}
	defer rows.Close()

	st.Turns = []domain.Turn{}
	for rows.Next() {
		var (
			t    domain.Turn
			role string
			ts   int64
		)
		if err := rows.Scan(&role, &t.Content, &ts, &t.IsRealAI, &t.IsFallback); err != nil {
			return domain.SessionState{}, fmt.Errorf("repository: scan turn: %w", err)
		}
		t.Role = domain.Role(role)
		t.Timestamp = fromNanos(ts)
		st.Turns = append(st.Turns, t)
	}
	if err := rows.Err(); err != nil {
		return domain.SessionState{}, fmt.Errorf("repository: Load turns: %w", err)
	}
	return st, nil
}

// Save upserts the session row and appends the turns not stored yet.
func (s *SQLiteStore) Save(ctx context.Context, st domain.SessionState) error {
	if strings.TrimSpace(st.ID) == "" {
		return errors.New("repository: Save: session id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: Save begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, topic, api_call_count, last_api_call, profile_name, profile_lang, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			topic = excluded.topic,
			api_call_count = excluded.api_call_count,
			last_api_call = excluded.last_api_call,
			profile_name = excluded.profile_name,
			profile_lang = excluded.profile_lang,
			updated_at = excluded.updated_at`,
		st.ID, string(st.Topic), st.APICallCount, toNanos(st.LastAPICall),
		st.Profile.Name, st.Profile.Language, toNanos(st.CreatedAt), toNanos(st.UpdatedAt),
	); err != nil {
		return fmt.Errorf("repository: Save session: %w", err)
	}

	var stored int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE session_id = ?`, st.ID).Scan(&stored); err != nil {
		return fmt.Errorf("repository: Save count turns: %w", err)
	}
	if stored > len(st.Turns) {
		return fmt.Errorf("repository: Save: stored history has %d turns, snapshot has %d", stored, len(st.Turns))
	}
	for i := stored; i < len(st.Turns); i++ {
		t := st.Turns[i]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turns (session_id, idx, role, content, ts, is_real_ai, is_fallback)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			st.ID, i, string(t.Role), t.Content, toNanos(t.Timestamp), t.IsRealAI, t.IsFallback,
		); err != nil {
			return fmt.Errorf("repository: Save turn %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: Save commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: Delete begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("repository: Delete turns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("repository: Delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: Delete commit: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
