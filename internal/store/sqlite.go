package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteFactory keeps all sessions' logs in one SQLite database
type SQLiteFactory struct {
	db *sql.DB
}

// OpenSQLite creates or opens the message database at path
func OpenSQLite(path string) (*SQLiteFactory, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	f := &SQLiteFactory{db: db}
	if err := f.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return f, nil
}

func (f *SQLiteFactory) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS session_messages (
			session_id TEXT NOT NULL,
			seq_num INTEGER NOT NULL,
			raw BLOB NOT NULL,
			PRIMARY KEY (session_id, seq_num)
		)`,
		`CREATE TABLE IF NOT EXISTS session_seqnums (
			session_id TEXT PRIMARY KEY,
			next_out INTEGER NOT NULL,
			next_in INTEGER NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := f.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// Create returns a handle scoped to sessionID
func (f *SQLiteFactory) Create(sessionID string) (MessageStore, error) {
	_, err := f.db.Exec(
		`INSERT INTO session_seqnums (session_id, next_out, next_in) VALUES (?, 1, 1)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to init seqnums for %s: %w", sessionID, err)
	}
	return &sqliteStore{db: f.db, sessionID: sessionID}, nil
}

// Close closes the database connection
func (f *SQLiteFactory) Close() error {
	if f.db != nil {
		return f.db.Close()
	}
	return nil
}

type sqliteStore struct {
	db        *sql.DB
	sessionID string

	mu     sync.Mutex
	closed bool
}

func (s *sqliteStore) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *sqliteStore) Append(ctx context.Context, seq uint64, raw []byte) error {
	if err := s.check(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO session_messages (session_id, seq_num, raw) VALUES (?, ?, ?)`,
		s.sessionID, int64(seq), raw,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE session_seqnums SET next_out = MAX(next_out, ?) WHERE session_id = ?`,
		int64(seq+1), s.sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to advance next_out: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *sqliteStore) FetchRange(ctx context.Context, begin, end uint64) ([]StoredMessage, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	query := `SELECT seq_num, raw FROM session_messages
		WHERE session_id = ? AND seq_num >= ?`
	args := []any{s.sessionID, int64(begin)}
	if end != 0 {
		query += ` AND seq_num <= ?`
		args = append(args, int64(end))
	}
	query += ` ORDER BY seq_num ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var seq int64
		var raw []byte
		if err := rows.Scan(&seq, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, StoredMessage{SeqNum: uint64(seq), Raw: raw})
	}
	return out, rows.Err()
}

func (s *sqliteStore) SeqNums(ctx context.Context) (SeqNums, error) {
	if err := s.check(); err != nil {
		return SeqNums{}, err
	}

	var nextOut, nextIn int64
	err := s.db.QueryRowContext(ctx,
		`SELECT next_out, next_in FROM session_seqnums WHERE session_id = ?`,
		s.sessionID,
	).Scan(&nextOut, &nextIn)
	if err == sql.ErrNoRows {
		return initialSeqNums(), nil
	}
	if err != nil {
		return SeqNums{}, fmt.Errorf("failed to load seqnums: %w", err)
	}
	return SeqNums{NextOut: uint64(nextOut), NextIn: uint64(nextIn)}, nil
}

func (s *sqliteStore) SaveSeqNums(ctx context.Context, seqs SeqNums) error {
	if err := s.check(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_seqnums (session_id, next_out, next_in) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET next_out = excluded.next_out, next_in = excluded.next_in`,
		s.sessionID, int64(seqs.NextOut), int64(seqs.NextIn),
	)
	if err != nil {
		return fmt.Errorf("failed to save seqnums: %w", err)
	}
	return nil
}

func (s *sqliteStore) Reset(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = ?`, s.sessionID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE session_seqnums SET next_out = 1, next_in = 1 WHERE session_id = ?`, s.sessionID); err != nil {
		return fmt.Errorf("failed to reset seqnums: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
