// Package ledger keeps an append-only history of reconciliation runs.
// It is written after each run and never read back by the reconciler.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dokzlo13/kafkaconf/internal/reconcile"
)

// Entry represents one resource outcome in the ledger
type Entry struct {
	ID        int64
	RunID     string
	Timestamp time.Time
	Kind      string
	Name      string
	Status    string
	Attempts  int
	Payload   map[string]any
}

// Ledger provides append-only run logging
type Ledger struct {
	db *sql.DB
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Append records every outcome of one run in a single transaction
func (l *Ledger) Append(runID string, outcomes []reconcile.Outcome) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO run_history (run_id, timestamp, kind, name, status, attempts, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC().Unix()
	for _, o := range outcomes {
		payloadJSON, err := json.Marshal(payload(o))
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}

		_, err = stmt.Exec(runID, now, string(o.Ref.Kind), o.Ref.Name, string(o.Status), o.Attempts, string(payloadJSON))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func payload(o reconcile.Outcome) map[string]any {
	p := make(map[string]any)
	if len(o.Diff) > 0 {
		ops := make([]string, 0, len(o.Diff))
		for _, op := range o.Diff {
			ops = append(ops, op.String())
		}
		p["diff"] = ops
	}
	if o.DryRun {
		p["dry_run"] = true
	}
	if o.Applied {
		p["applied"] = true
	}
	if o.Reason != "" {
		p["reason"] = o.Reason
	}
	return p
}

// Recent returns the latest entries, newest first
func (l *Ledger) Recent(limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, run_id, timestamp, kind, name, status, attempts, payload
		FROM run_history
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// ForResource returns the latest entries of one resource, newest first
func (l *Ledger) ForResource(ref reconcile.ResourceRef, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, run_id, timestamp, kind, name, status, attempts, payload
		FROM run_history
		WHERE kind = ? AND name = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, string(ref.Kind), ref.Name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	result, err := l.db.Exec(`
		DELETE FROM run_history WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payloadStr sql.NullString
		var timestamp int64

		err := rows.Scan(
			&entry.ID, &entry.RunID, &timestamp, &entry.Kind, &entry.Name, &entry.Status, &entry.Attempts, &payloadStr,
		)
		if err != nil {
			return nil, err
		}

		entry.Timestamp = time.Unix(timestamp, 0).UTC()
		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
