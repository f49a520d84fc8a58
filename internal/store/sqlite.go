package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ihiteshgupta/update-agent/internal/state"
)

// SQLiteStore implements all repositories using SQLite.
type SQLiteStore struct {
	db          *sql.DB
	Credentials *SQLiteCredentialRepo
	State       *SQLiteStateRepo
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	// Run migrations
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	store := &SQLiteStore{
		db:          db,
		Credentials: &SQLiteCredentialRepo{db: db},
		State:       &SQLiteStateRepo{db: db},
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func runMigrations(db *sql.DB) error {
	migration := `
	-- Session credentials
	CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		token TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- Agent state
	CREATE TABLE IF NOT EXISTS agent_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		state TEXT NOT NULL,
		last_update TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	);

	INSERT OR IGNORE INTO agent_state (id, state, updated_at)
	VALUES (1, 'Init', CURRENT_TIMESTAMP);

	-- Transitions history table
	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		trigger TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_timestamp ON transitions(timestamp DESC);
	`
	_, err := db.Exec(migration)
	return err
}

// SQLiteCredentialRepo implements CredentialRepository.
type SQLiteCredentialRepo struct {
	db *sql.DB
}

// Token returns the stored session token or ErrNotFound.
func (r *SQLiteCredentialRepo) Token(ctx context.Context) (string, error) {
	var token string
	err := r.db.QueryRowContext(ctx, "SELECT token FROM credentials WHERE id = 1").Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

func (r *SQLiteCredentialRepo) SaveToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO credentials (id, token, updated_at) VALUES (1, ?, ?)",
		token, time.Now(),
	)
	return err
}

func (r *SQLiteCredentialRepo) ClearToken(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM credentials WHERE id = 1")
	return err
}

// SQLiteStateRepo implements StateRepository.
type SQLiteStateRepo struct {
	db *sql.DB
}

func (r *SQLiteStateRepo) GetState(ctx context.Context) (state.State, error) {
	var s string
	err := r.db.QueryRowContext(ctx, "SELECT state FROM agent_state WHERE id = 1").Scan(&s)
	if err != nil {
		return "", err
	}
	return state.State(s), nil
}

func (r *SQLiteStateRepo) SaveState(ctx context.Context, s state.State) error {
	_, err := r.db.ExecContext(ctx, "UPDATE agent_state SET state = ?, updated_at = ? WHERE id = 1", string(s), time.Now())
	return err
}

// LastUpdate returns the time of the last successful update check, zero if
// there has been none.
func (r *SQLiteStateRepo) LastUpdate(ctx context.Context) (time.Time, error) {
	var t sql.NullTime
	err := r.db.QueryRowContext(ctx, "SELECT last_update FROM agent_state WHERE id = 1").Scan(&t)
	if err != nil {
		return time.Time{}, err
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

func (r *SQLiteStateRepo) SaveLastUpdate(ctx context.Context, t time.Time) error {
	_, err := r.db.ExecContext(ctx, "UPDATE agent_state SET last_update = ?, updated_at = ? WHERE id = 1", t.UTC(), time.Now())
	return err
}

// Snapshot returns the persisted agent state in one read.
func (r *SQLiteStateRepo) Snapshot(ctx context.Context) (*AgentState, error) {
	var (
		s          string
		lastUpdate sql.NullTime
		as         AgentState
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT state, last_update, updated_at FROM agent_state WHERE id = 1",
	).Scan(&s, &lastUpdate, &as.UpdatedAt)
	if err != nil {
		return nil, err
	}
	as.State = state.State(s)
	if lastUpdate.Valid {
		as.LastUpdate = lastUpdate.Time
	}
	return &as, nil
}

// LogTransition appends a transition. cause is the error that forced it, if
// any.
func (r *SQLiteStateRepo) LogTransition(ctx context.Context, from, to state.State, trigger, cause string) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO transitions (from_state, to_state, trigger, timestamp, error) VALUES (?, ?, ?, ?, ?)",
		string(from), string(to), trigger, time.Now(), cause,
	)
	return err
}

func (r *SQLiteStateRepo) GetTransitionHistory(ctx context.Context, limit int) ([]Transition, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, from_state, to_state, trigger, timestamp, error FROM transitions ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var t Transition
		var from, to string
		err := rows.Scan(&t.ID, &from, &to, &t.Trigger, &t.Timestamp, &t.Error)
		if err != nil {
			return nil, err
		}
		t.FromState = state.State(from)
		t.ToState = state.State(to)
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}
