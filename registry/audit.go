package registry

import (
	"context"
	"fmt"
	"time"
)

// AuditEntry is one uploaded record.
type AuditEntry struct {
	SourceID      int64     `json:"source_id"`
	OAIIdentifier string    `json:"oai_identifier"`
	HarvestedAt   time.Time `json:"harvested_at"`
	JobID         string    `json:"job_id"`
	RunID         string    `json:"run_id,omitempty"`
}

// AppendAuditLog writes entries in one transaction: either all rows of a
// submission are recorded or none are.
func (r *Registry) AppendAuditLog(ctx context.Context, entries []AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO oai_harvest_log
		(source_id, oai_identifier, harvested_at, job_id, run_id) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.SourceID, e.OAIIdentifier,
			e.HarvestedAt.UTC().Format(timeLayout), e.JobID, e.RunID); err != nil {
			return fmt.Errorf("append audit log for %s: %w", e.OAIIdentifier, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

// AuditLog returns the audit rows of a source, oldest first.
func (r *Registry) AuditLog(ctx context.Context, sourceID int64) ([]AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT source_id, oai_identifier, harvested_at, job_id, run_id
		FROM oai_harvest_log WHERE source_id = ? ORDER BY id`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			at string
		)
		if err := rows.Scan(&e.SourceID, &e.OAIIdentifier, &at, &e.JobID, &e.RunID); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.HarvestedAt, err = time.Parse(timeLayout, at)
		if err != nil {
			return nil, fmt.Errorf("audit row for %s: %w", e.OAIIdentifier, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
