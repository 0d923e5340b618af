package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/nbrelay/nbrelay/internal/protocol"
)

// Status is a notebook job state.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInFlight        Status = "in_flight"
	StatusCompleted       Status = "completed"
	StatusPartiallyFailed Status = "partially_failed"
	StatusFailed          Status = "failed"
)

// Terminal reports whether no further transition can occur from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyFailed, StatusFailed:
		return true
	}
	return false
}

// Block describes one registered diagram block.
type Block struct {
	Index   int
	Kind    protocol.Kind
	Payload string
}

// Result is one conversion outcome delivered to RecordResult.
type Result struct {
	Artifact []byte
	MimeType string
	Err      string // non-empty marks a failure response
}

// Outcome classifies what RecordResult did with a response.
type Outcome int

const (
	// OutcomeUnknown: correlation ID is not tracked. Callers log and discard;
	// this legitimately happens after a job was finalized and removed.
	OutcomeUnknown Outcome = iota
	// OutcomeDuplicate: the block or its job was already resolved; no-op.
	OutcomeDuplicate
	// OutcomeRecorded: result stored, job still has outstanding blocks.
	OutcomeRecorded
	// OutcomeRetry: failure recorded, the block has retry budget left and the
	// caller must republish its request with the same correlation ID.
	OutcomeRetry
	// OutcomeTerminal: this result resolved the last outstanding block; the
	// returned snapshot is the one-and-only finalize trigger for the job.
	OutcomeTerminal
)

type blockState struct {
	block    Block
	attempts int
	resolved bool
	artifact []byte
	mimeType string
	failure  string
}

type job struct {
	id        string
	status    Status
	createdAt time.Time
	deadline  time.Time
	blocks    map[string]*blockState // by correlation ID
	order     []string               // correlation IDs in block-index order
}

// Tracker is the in-memory table of in-flight notebook jobs. All state
// transitions happen under one lock; response handling and the deadline sweep
// are therefore mutually exclusive. Callers must not hold bus calls inside
// tracker methods.
type Tracker struct {
	mu            sync.Mutex
	jobs          map[string]*job
	byCorrelation map[string]string // correlation ID -> job ID
	maxAttempts   int
}

// New creates a Tracker. maxAttempts is the per-block delivery budget,
// counting the initial request.
func New(maxAttempts int) *Tracker {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Tracker{
		jobs:          make(map[string]*job),
		byCorrelation: make(map[string]string),
		maxAttempts:   maxAttempts,
	}
}

// Register records a new job and its expected correlation IDs. It must be
// called before any request is published so a response can never arrive for
// an untracked correlation ID.
func (t *Tracker) Register(jobID string, blocks []Block, correlationIDs []string, deadline time.Time) error {
	if jobID == "" {
		return fmt.Errorf("job id is empty")
	}
	if len(blocks) == 0 {
		return fmt.Errorf("job %s has no blocks to track", jobID)
	}
	if len(blocks) != len(correlationIDs) {
		return fmt.Errorf("job %s: %d blocks but %d correlation IDs", jobID, len(blocks), len(correlationIDs))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.jobs[jobID]; exists {
		return fmt.Errorf("job %s already registered", jobID)
	}
	for _, id := range correlationIDs {
		if _, exists := t.byCorrelation[id]; exists {
			return fmt.Errorf("correlation ID %s already tracked", id)
		}
	}

	j := &job{
		id:        jobID,
		status:    StatusPending,
		createdAt: time.Now().UTC(),
		deadline:  deadline,
		blocks:    make(map[string]*blockState, len(blocks)),
		order:     correlationIDs,
	}
	for i, b := range blocks {
		j.blocks[correlationIDs[i]] = &blockState{block: b, attempts: 1}
		t.byCorrelation[correlationIDs[i]] = jobID
	}
	t.jobs[jobID] = j
	return nil
}

// MarkInFlight transitions a job from Pending to InFlight. Called once the
// first request was published.
func (t *Tracker) MarkInFlight(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.jobs[jobID]; ok && j.status == StatusPending {
		j.status = StatusInFlight
	}
}

// RecordResult applies one conversion response. The returned snapshot is
// non-nil only for OutcomeTerminal; the returned block is meaningful only for
// OutcomeRetry.
func (t *Tracker) RecordResult(correlationID string, res Result) (Outcome, *Snapshot, Block) {
	t.mu.Lock()
	defer t.mu.Unlock()

	jobID, ok := t.byCorrelation[correlationID]
	if !ok {
		return OutcomeUnknown, nil, Block{}
	}
	j := t.jobs[jobID]

	// Idempotency guard: a terminal job ignores further responses.
	if j.status.Terminal() {
		return OutcomeDuplicate, nil, Block{}
	}

	bs := j.blocks[correlationID]

	if res.Err == "" {
		if bs.resolved && bs.failure == "" {
			// Same success delivered twice; second delivery is a no-op.
			return OutcomeDuplicate, nil, Block{}
		}
		// Last-write on success wins, even over an earlier permanent failure.
		bs.resolved = true
		bs.artifact = res.Artifact
		bs.mimeType = res.MimeType
		bs.failure = ""
		return t.maybeTerminalLocked(j)
	}

	if bs.resolved {
		// A failure received after the block resolved is ignored.
		return OutcomeDuplicate, nil, Block{}
	}

	if bs.attempts < t.maxAttempts {
		bs.attempts++
		return OutcomeRetry, nil, bs.block
	}

	// Retry budget exhausted: the block is permanently failed.
	bs.resolved = true
	bs.failure = res.Err
	return t.maybeTerminalLocked(j)
}

func (t *Tracker) maybeTerminalLocked(j *job) (Outcome, *Snapshot, Block) {
	for _, bs := range j.blocks {
		if !bs.resolved {
			return OutcomeRecorded, nil, Block{}
		}
	}
	j.status = terminalStatusLocked(j)
	snap := j.snapshotLocked()
	return OutcomeTerminal, snap, Block{}
}

func terminalStatusLocked(j *job) Status {
	succeeded, failed := 0, 0
	for _, bs := range j.blocks {
		if bs.failure != "" {
			failed++
		} else {
			succeeded++
		}
	}
	switch {
	case failed == 0:
		return StatusCompleted
	case succeeded > 0:
		return StatusPartiallyFailed
	default:
		return StatusFailed
	}
}

// IsTerminal reports whether the job is tracked and in a terminal state.
func (t *Tracker) IsTerminal(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[jobID]
	return ok && j.status.Terminal()
}

// Sweep marks jobs whose deadline has elapsed as terminal and returns their
// snapshots. Outstanding blocks are failed with a deadline reason. This is
// the only time-driven state transition.
func (t *Tracker) Sweep(now time.Time) []*Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []*Snapshot
	for _, j := range t.jobs {
		if j.status.Terminal() || now.Before(j.deadline) {
			continue
		}
		for _, bs := range j.blocks {
			if !bs.resolved {
				bs.resolved = true
				bs.failure = fmt.Sprintf("deadline exceeded after %s", j.deadline.Sub(j.createdAt))
			}
		}
		j.status = terminalStatusLocked(j)
		expired = append(expired, j.snapshotLocked())
	}
	return expired
}

// Remove drops a finalized job from tracking. Late responses for its
// correlation IDs become OutcomeUnknown afterwards.
func (t *Tracker) Remove(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[jobID]
	if !ok {
		return
	}
	for id := range j.blocks {
		delete(t.byCorrelation, id)
	}
	delete(t.jobs, jobID)
}

// Snapshot is a read-only view of one job's state.
type Snapshot struct {
	JobID     string
	Status    Status
	CreatedAt time.Time
	Deadline  time.Time
	Blocks    []BlockSnapshot
}

// BlockSnapshot is a read-only view of one block's state, in block-index
// order.
type BlockSnapshot struct {
	Index    int
	Kind     protocol.Kind
	Attempts int
	Resolved bool
	Artifact []byte
	MimeType string
	Failure  string
}

func (j *job) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		JobID:     j.id,
		Status:    j.status,
		CreatedAt: j.createdAt,
		Deadline:  j.deadline,
		Blocks:    make([]BlockSnapshot, 0, len(j.order)),
	}
	for _, id := range j.order {
		bs := j.blocks[id]
		snap.Blocks = append(snap.Blocks, BlockSnapshot{
			Index:    bs.block.Index,
			Kind:     bs.block.Kind,
			Attempts: bs.attempts,
			Resolved: bs.resolved,
			Artifact: bs.artifact,
			MimeType: bs.mimeType,
			Failure:  bs.failure,
		})
	}
	return snap
}

// Get returns a snapshot of one job, or nil if untracked.
func (t *Tracker) Get(jobID string) *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[jobID]
	if !ok {
		return nil
	}
	return j.snapshotLocked()
}

// List returns snapshots of all tracked jobs.
func (t *Tracker) List() []*Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Snapshot, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, j.snapshotLocked())
	}
	return out
}
