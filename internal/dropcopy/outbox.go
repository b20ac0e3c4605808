package dropcopy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ismaiel54/fix-order-gateway/internal/msg"
	_ "modernc.org/sqlite"
)

// Outbox keeps every execution event until Kafka acknowledged it
type Outbox struct {
	db *sql.DB
}

// Entry is one row of the outbox
type Entry struct {
	ID                  int64
	EventID             string
	Key                 string
	PayloadJSON         string
	CreatedUnixMillis   int64
	PublishedUnixMillis sql.NullInt64
}

// Open creates or opens the outbox database at path
func Open(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	o := &Outbox{db: db}
	if err := o.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return o, nil
}

func (o *Outbox) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS execution_outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			key TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_unix_millis INTEGER NOT NULL,
			published_unix_millis INTEGER NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_outbox_unpublished
			ON execution_outbox(published_unix_millis)
			WHERE published_unix_millis IS NULL`,
		`CREATE TABLE IF NOT EXISTS execution_outbox_quarantine (
			event_id TEXT PRIMARY KEY,
			key TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			reason TEXT NOT NULL,
			quarantined_unix_millis INTEGER NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := o.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// Append stores m unless its EventID is already present. It reports
// whether a row was added.
func (o *Outbox) Append(ctx context.Context, m msg.ExecutionEventMsg) (bool, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("failed to marshal execution event: %w", err)
	}

	res, err := o.db.ExecContext(ctx,
		`INSERT INTO execution_outbox (event_id, key, payload_json, created_unix_millis, published_unix_millis)
		 VALUES (?, ?, ?, ?, NULL)
		 ON CONFLICT(event_id) DO NOTHING`,
		m.EventID, m.Key(), string(payload), m.TsUnixMillis,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// ListUnpublished returns up to limit entries in insertion order
func (o *Outbox) ListUnpublished(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := o.db.QueryContext(ctx,
		`SELECT id, event_id, key, payload_json, created_unix_millis, published_unix_millis
		 FROM execution_outbox
		 WHERE published_unix_millis IS NULL
		 ORDER BY id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpublished entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.EventID, &e.Key, &e.PayloadJSON,
			&e.CreatedUnixMillis, &e.PublishedUnixMillis); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkPublished records the ack time of one entry
func (o *Outbox) MarkPublished(ctx context.Context, eventID string, nowMillis int64) error {
	_, err := o.db.ExecContext(ctx,
		"UPDATE execution_outbox SET published_unix_millis = ? WHERE event_id = ?",
		nowMillis, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark entry as published: %w", err)
	}
	return nil
}

// Quarantine moves an entry that can never be published out of the outbox,
// so it stops holding back the entries behind it
func (o *Outbox) Quarantine(ctx context.Context, e Entry, reason string, nowMillis int64) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO execution_outbox_quarantine (event_id, key, payload_json, reason, quarantined_unix_millis)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		e.EventID, e.Key, e.PayloadJSON, reason, nowMillis,
	); err != nil {
		return fmt.Errorf("failed to insert quarantine entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM execution_outbox WHERE event_id = ?", e.EventID,
	); err != nil {
		return fmt.Errorf("failed to remove outbox entry: %w", err)
	}
	return tx.Commit()
}

// Quarantined counts entries moved aside by Quarantine
func (o *Outbox) Quarantined(ctx context.Context) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM execution_outbox_quarantine",
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count quarantined entries: %w", err)
	}
	return n, nil
}

// Pending counts entries not yet published
func (o *Outbox) Pending(ctx context.Context) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM execution_outbox WHERE published_unix_millis IS NULL",
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return n, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}
