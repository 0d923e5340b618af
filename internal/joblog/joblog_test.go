package joblog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbrelay/nbrelay/internal/protocol"
	"github.com/nbrelay/nbrelay/internal/storage"
	"github.com/nbrelay/nbrelay/internal/tracker"
)

func openLog(t *testing.T) *Log {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "joblog.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestRecordAndRecent(t *testing.T) {
	t.Parallel()
	l := openLog(t)

	snap := &tracker.Snapshot{
		JobID:     "job-1",
		CreatedAt: time.Now().UTC().Add(-time.Minute),
		Blocks:    make([]tracker.BlockSnapshot, 3),
	}
	err := l.Record(&protocol.NotebookResult{
		JobID:  "job-1",
		Status: protocol.JobPartiallyFailed,
		BlockErrors: []protocol.BlockError{
			{Index: 2, Kind: protocol.KindDrawio, Error: "boom"},
		},
	}, snap)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := l.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.JobID != "job-1" || e.Status != protocol.JobPartiallyFailed {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.Blocks != 3 || e.FailedBlocks != 1 {
		t.Fatalf("block counts wrong: %+v", e)
	}
	if e.CreatedAt.IsZero() || e.FinalizedAt.IsZero() {
		t.Fatalf("timestamps missing: %+v", e)
	}
}

func TestRecordUpsertsOnRedelivery(t *testing.T) {
	t.Parallel()
	l := openLog(t)

	res := &protocol.NotebookResult{JobID: "job-2", Status: protocol.JobFailed, Error: "deadline"}
	if err := l.Record(res, nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record(res, nil); err != nil {
		t.Fatalf("Record redelivery: %v", err)
	}

	entries, err := l.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("redelivery must not duplicate rows, got %d", len(entries))
	}
	if entries[0].Error != "deadline" {
		t.Fatalf("error not stored: %+v", entries[0])
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	t.Parallel()
	l := openLog(t)

	for i, id := range []string{"old", "mid", "new"} {
		if err := l.Record(&protocol.NotebookResult{JobID: id, Status: protocol.JobCompleted}, nil); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	entries, err := l.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("limit not applied, got %d", len(entries))
	}
	if entries[0].JobID != "new" || entries[1].JobID != "mid" {
		t.Fatalf("unexpected order %v, %v", entries[0].JobID, entries[1].JobID)
	}
}
