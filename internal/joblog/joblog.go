// Package joblog persists one audit row per finalized notebook job. It is an
// append-mostly log: rows are written at finalize time and read by operators,
// never by the dispatch path.
package joblog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nbrelay/nbrelay/internal/protocol"
	"github.com/nbrelay/nbrelay/internal/tracker"
)

// Entry is one finalized job.
type Entry struct {
	JobID        string
	Status       string
	Blocks       int
	FailedBlocks int
	Error        string
	CreatedAt    time.Time
	FinalizedAt  time.Time
}

// Log writes and reads the job_log table.
type Log struct {
	db *sql.DB
}

// New creates a Log over an opened database.
func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// Record stores the terminal result for one job. Redelivered finalizations
// upsert, keeping the log idempotent alongside the rest of the pipeline.
func (l *Log) Record(result *protocol.NotebookResult, snap *tracker.Snapshot) error {
	entry := Entry{
		JobID:        result.JobID,
		Status:       result.Status,
		Error:        result.Error,
		FailedBlocks: len(result.BlockErrors),
		FinalizedAt:  time.Now().UTC(),
	}
	if snap != nil {
		entry.Blocks = len(snap.Blocks)
		entry.CreatedAt = snap.CreatedAt
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var createdAt any
	if !entry.CreatedAt.IsZero() {
		createdAt = entry.CreatedAt.Format(time.RFC3339Nano)
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO job_log (job_id, status, blocks, failed_blocks, error, created_at, finalized_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET
  status = excluded.status,
  blocks = excluded.blocks,
  failed_blocks = excluded.failed_blocks,
  error = excluded.error,
  finalized_at = excluded.finalized_at`,
		entry.JobID, entry.Status, entry.Blocks, entry.FailedBlocks,
		nullable(entry.Error), createdAt, entry.FinalizedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record job %s: %w", entry.JobID, err)
	}
	return nil
}

// Recent returns the latest finalized jobs, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT job_id, status, blocks, failed_blocks, COALESCE(error, ''), COALESCE(created_at, ''), finalized_at
FROM job_log ORDER BY finalized_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query job log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var createdAt, finalizedAt string
		if err := rows.Scan(&e.JobID, &e.Status, &e.Blocks, &e.FailedBlocks, &e.Error, &createdAt, &finalizedAt); err != nil {
			return nil, fmt.Errorf("scan job log row: %w", err)
		}
		if createdAt != "" {
			e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		}
		e.FinalizedAt, _ = time.Parse(time.RFC3339Nano, finalizedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
