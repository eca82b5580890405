package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Queries holds every typed statement. It runs against the database or
// against a transaction.
type Queries struct {
	q querier
}

type SQLiteStore struct {
	*Queries
	db *sql.DB
}

// Tx is a Queries bound to one open transaction.
type Tx struct {
	*Queries
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers; transactions hold it exclusively.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{Queries: &Queries{q: db}, db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction and commits when fn returns nil.
// fn must only use the given Tx; the store itself blocks until commit.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&Tx{Queries: &Queries{q: sqlTx}}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY,
        total_chats INTEGER NOT NULL DEFAULT 0,
        total_analyses INTEGER NOT NULL DEFAULT 0,
        public_key TEXT NOT NULL DEFAULT '',
        created_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS chats (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        title TEXT NOT NULL,
        total_analyses INTEGER NOT NULL DEFAULT 0,
        start_date DATETIME NOT NULL,
        show_start_date DATETIME NOT NULL,
        end_date DATETIME NOT NULL,
        analysis_cutoff_date DATETIME,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    CREATE INDEX IF NOT EXISTS chats_user_idx ON chats (user_id);

    CREATE TABLE IF NOT EXISTS analyses (
        id TEXT PRIMARY KEY, -- UUID
        chat_id TEXT NOT NULL,
        user_id TEXT NOT NULL,
        total_participants INTEGER NOT NULL,
        total_participants_percentage_change REAL NOT NULL,
        total_words INTEGER NOT NULL,
        total_words_percentage_change REAL NOT NULL,
        duration REAL NOT NULL,
        duration_percentage_change REAL NOT NULL,
        status TEXT NOT NULL,
        progress REAL NOT NULL DEFAULT 0,
        successful_segments INTEGER NOT NULL DEFAULT 0,
        start_date DATETIME NOT NULL,
        end_date DATETIME NOT NULL,
        share_id TEXT,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        FOREIGN KEY (chat_id) REFERENCES chats (id)
    );
    CREATE INDEX IF NOT EXISTS analyses_chat_idx ON analyses (chat_id, created_at);

    CREATE TABLE IF NOT EXISTS participants (
        id TEXT NOT NULL,
        analysis_id TEXT NOT NULL,
        name TEXT NOT NULL,
        default_name TEXT NOT NULL,
        is_primary BOOLEAN NOT NULL,
        chattier_confidence REAL NOT NULL,
        chattier_percentage_change REAL NOT NULL,
        average_response_time REAL NOT NULL,
        average_response_time_percentage_change REAL NOT NULL,
        deleted_messages INTEGER NOT NULL,
        total_deleted_messages INTEGER NOT NULL,
        deleted_messages_percentage_change REAL NOT NULL,
        favorite_words TEXT NOT NULL,
        favorite_emojis TEXT NOT NULL,
        words INTEGER NOT NULL,
        total_words INTEGER NOT NULL,
        words_percentage_change REAL NOT NULL,
        blocks TEXT NOT NULL,
        total_blocks INTEGER NOT NULL,
        blocks_percentage_change REAL NOT NULL,
        total_emojis INTEGER NOT NULL,
        scores TEXT NOT NULL,
        score_changes TEXT NOT NULL,
        personality TEXT NOT NULL,
        previous_personality TEXT NOT NULL,
        ai_batches INTEGER NOT NULL DEFAULT 0,
        is_new BOOLEAN NOT NULL,
        ai_mismatch BOOLEAN NOT NULL,
        prev_analysis_id TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        PRIMARY KEY (analysis_id, id),
        FOREIGN KEY (analysis_id) REFERENCES analyses (id)
    );

    CREATE TABLE IF NOT EXISTS analysis_triggers (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        chat_id TEXT NOT NULL,
        file_analysis_id TEXT NOT NULL,
        analysis_id TEXT NOT NULL,
        num_segments INTEGER NOT NULL,
        status TEXT NOT NULL,
        calculate_stats_duration REAL NOT NULL,
        ai_analysis_duration REAL NOT NULL,
        ai_accuracy REAL NOT NULL,
        original_chat_end_date DATETIME,
        expires_at DATETIME NOT NULL,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS analysis_triggers_expiry_idx ON analysis_triggers (expires_at);

    CREATE TABLE IF NOT EXISTS shares (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        chat_id TEXT NOT NULL,
        analysis_id TEXT NOT NULL,
        title TEXT NOT NULL,
        snapshot_json TEXT NOT NULL,
        created_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS rate_limits (
        key TEXT PRIMARY KEY,
        requests_json TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS rsa_keys (
        user_id TEXT PRIMARY KEY,
        private_key TEXT NOT NULL,
        created_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS pending_cutoffs (
        user_id TEXT PRIMARY KEY,
        cutoff_date DATETIME NOT NULL
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func checkAffected(res sql.Result, what string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for %s: %w", what, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
