// Package dispatch is the notebook relay core. The dispatcher consumes
// notebook jobs off the bus, fans each embedded diagram block out to its
// converter, correlates the responses, and publishes exactly one terminal
// result per job.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nbrelay/nbrelay/internal/bus"
	"github.com/nbrelay/nbrelay/internal/config"
	"github.com/nbrelay/nbrelay/internal/events"
	"github.com/nbrelay/nbrelay/internal/log"
	"github.com/nbrelay/nbrelay/internal/notebook"
	"github.com/nbrelay/nbrelay/internal/protocol"
	"github.com/nbrelay/nbrelay/internal/tracker"
)

// Recorder persists terminal job results for audit. Implementations must be
// safe for concurrent use.
type Recorder interface {
	Record(result *protocol.NotebookResult, snap *tracker.Snapshot) error
}

// Executor runs one code cell through an external kernel service.
type Executor interface {
	Execute(ctx context.Context, source string) ([]notebook.Output, error)
}

// pendingJob holds the dispatcher-side context the tracker does not carry:
// the parsed notebook the artifacts splice into and the reply subject.
type pendingJob struct {
	nb      *notebook.Notebook
	raw     json.RawMessage
	replyTo string
}

// Dispatcher wires the bus, the tracker, and the notebook codec together.
type Dispatcher struct {
	conn    bus.Conn
	tracker *tracker.Tracker
	cfg     *config.Config
	hub     *events.Hub
	logger  *slog.Logger

	recorder Recorder // optional
	kernel   Executor // optional

	mu        sync.Mutex
	pending   map[string]*pendingJob
	corrToJob map[string]string

	subs []bus.Subscription
}

// New creates a Dispatcher. hub must be non-nil; recorder and kernel are
// optional collaborators.
func New(conn bus.Conn, trk *tracker.Tracker, hub *events.Hub, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		conn:      conn,
		tracker:   trk,
		cfg:       cfg,
		hub:       hub,
		logger:    log.WithComponent("dispatch"),
		pending:   make(map[string]*pendingJob),
		corrToJob: make(map[string]string),
	}
}

// WithRecorder attaches a terminal-result audit log.
func (d *Dispatcher) WithRecorder(r Recorder) *Dispatcher {
	d.recorder = r
	return d
}

// WithKernel attaches a code-cell executor for jobs that request execution.
func (d *Dispatcher) WithKernel(k Executor) *Dispatcher {
	d.kernel = k
	return d
}

// Start subscribes to the job and response subjects and launches the deadline
// sweep. It returns once subscriptions are live; ctx cancellation stops the
// sweep.
func (d *Dispatcher) Start(ctx context.Context) error {
	group := d.cfg.Dispatch.QueueGroup

	jobSub, err := d.conn.QueueSubscribe(d.cfg.Subjects.NotebookJobs, group, func(msg bus.Msg) {
		d.handleJob(ctx, msg)
	})
	if err != nil {
		return err
	}
	d.subs = append(d.subs, jobSub)

	respSub, err := d.conn.QueueSubscribe(d.cfg.Subjects.Response, group, d.handleResponse)
	if err != nil {
		return err
	}
	d.subs = append(d.subs, respSub)

	go d.sweepLoop(ctx)

	d.logger.Info("dispatcher started",
		"jobs_subject", d.cfg.Subjects.NotebookJobs,
		"response_subject", d.cfg.Subjects.Response,
		"queue_group", group)
	return nil
}

// Stop unsubscribes from the bus. In-flight jobs stay in the tracker and
// resume on restart via bus redelivery.
func (d *Dispatcher) Stop() {
	for _, s := range d.subs {
		if err := s.Unsubscribe(); err != nil {
			d.logger.Warn("unsubscribe failed", "error", err)
		}
	}
	d.subs = nil
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Dispatch.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, snap := range d.tracker.Sweep(now) {
				d.logger.Warn("job deadline exceeded", "job_id", snap.JobID, "status", string(snap.Status))
				d.finalize(snap)
			}
		}
	}
}

// handleJob admits one notebook job. Redelivery of an already-registered job
// ID is a no-op: the first delivery owns the job.
func (d *Dispatcher) handleJob(ctx context.Context, msg bus.Msg) {
	req, err := protocol.DecodeNotebookRequest(msg.Data)
	if err != nil {
		d.logger.Error("dropping malformed notebook request", "error", err)
		return
	}
	logger := d.logger.With("job_id", req.JobID)
	replyTo := req.ReplyTo
	if replyTo == "" {
		replyTo = d.cfg.Subjects.NotebookResult
	}

	nb, err := notebook.Parse(req.Notebook)
	if err != nil {
		logger.Warn("notebook does not parse, failing job", "error", err)
		d.publishResult(&protocol.NotebookResult{
			JobID:  req.JobID,
			Status: protocol.JobFailed,
			Error:  "invalid notebook: " + err.Error(),
		}, replyTo, nil)
		return
	}

	blocks := notebook.ExtractBlocks(nb)
	d.hub.Publish(events.TypeJobAccepted, events.JobEvent{JobID: req.JobID, Blocks: len(blocks)})
	logger.Info("job accepted", "blocks", len(blocks), "execute", req.Execute)

	if req.Execute && d.kernel != nil {
		d.executeCells(ctx, nb, blocks, logger)
	}

	if len(blocks) == 0 {
		// Nothing to convert. Without execution the notebook passes through
		// byte-identical; the raw submission is echoed back untouched.
		result := &protocol.NotebookResult{
			JobID:    req.JobID,
			Status:   protocol.JobCompleted,
			Notebook: req.Notebook,
		}
		if req.Execute && d.kernel != nil {
			if data, err := notebook.Serialize(nb); err == nil {
				result.Notebook = data
			}
		}
		d.publishResult(result, replyTo, nil)
		d.hub.Publish(events.TypeJobFinalized, events.JobEvent{JobID: req.JobID, Status: protocol.JobCompleted})
		logger.Info("job finalized", "status", protocol.JobCompleted)
		return
	}

	deadline := time.Now().UTC().Add(d.cfg.Dispatch.Deadline)
	if req.Deadline != nil {
		deadline = *req.Deadline
	}

	trackerBlocks := make([]tracker.Block, len(blocks))
	correlationIDs := make([]string, len(blocks))
	for i, b := range blocks {
		trackerBlocks[i] = tracker.Block{Index: b.Index, Kind: b.Kind, Payload: b.Source}
		correlationIDs[i] = b.CorrelationID
	}

	// Register before the first publish: a response must never beat its
	// correlation ID into the tracker.
	if err := d.tracker.Register(req.JobID, trackerBlocks, correlationIDs, deadline); err != nil {
		logger.Warn("job not registered, treating as duplicate delivery", "error", err)
		return
	}

	d.mu.Lock()
	d.pending[req.JobID] = &pendingJob{nb: nb, raw: req.Notebook, replyTo: replyTo}
	for _, id := range correlationIDs {
		d.corrToJob[id] = req.JobID
	}
	d.mu.Unlock()

	for i := range blocks {
		d.publishBlock(req.JobID, correlationIDs[i], trackerBlocks[i])
	}
	d.tracker.MarkInFlight(req.JobID)
	d.hub.Publish(events.TypeJobDispatched, events.JobEvent{JobID: req.JobID, Blocks: len(blocks)})
	logger.Info("job dispatched", "blocks", len(blocks))
}

// publishBlock sends one conversion request. A publish failure consumes the
// block's retry budget through the tracker, so a dead converter subject
// cannot wedge the job forever.
func (d *Dispatcher) publishBlock(jobID, correlationID string, block tracker.Block) {
	req := &protocol.ConversionRequest{
		CorrelationID: correlationID,
		Kind:          block.Kind,
		Payload:       []byte(block.Payload),
		OutputFormat:  d.cfg.Worker.OutputFormat,
		ReplyTo:       d.cfg.Subjects.Response,
	}
	data, err := protocol.EncodeRequest(req)
	if err != nil {
		d.logger.Error("failed to encode conversion request",
			"job_id", jobID, "correlation_id", correlationID, "error", err)
		d.recordPublishFailure(correlationID, "encode request: "+err.Error())
		return
	}

	subject := d.cfg.Subjects.RequestSubject(block.Kind)
	if err := d.conn.Publish(subject, data); err != nil {
		d.logger.Error("failed to publish conversion request",
			"job_id", jobID, "correlation_id", correlationID, "subject", subject, "error", err)
		d.recordPublishFailure(correlationID, "publish request: "+err.Error())
	}
}

func (d *Dispatcher) recordPublishFailure(correlationID, reason string) {
	outcome, snap, block := d.tracker.RecordResult(correlationID, tracker.Result{Err: reason})
	switch outcome {
	case tracker.OutcomeRetry:
		d.mu.Lock()
		jobID := d.corrToJob[correlationID]
		d.mu.Unlock()
		d.publishBlock(jobID, correlationID, block)
	case tracker.OutcomeTerminal:
		d.finalize(snap)
	}
}

// handleResponse applies one converter response. Unknown correlation IDs are
// logged and discarded; they are expected after finalize under at-least-once
// delivery.
func (d *Dispatcher) handleResponse(msg bus.Msg) {
	resp, err := protocol.DecodeResponse(msg.Data)
	if err != nil {
		d.logger.Error("dropping malformed conversion response", "error", err)
		return
	}

	res := tracker.Result{Artifact: resp.Artifact, MimeType: resp.MimeType}
	if !resp.Succeeded() {
		res.Err = resp.Error
	}

	outcome, snap, block := d.tracker.RecordResult(resp.CorrelationID, res)

	d.mu.Lock()
	jobID := d.corrToJob[resp.CorrelationID]
	d.mu.Unlock()

	switch outcome {
	case tracker.OutcomeUnknown:
		d.logger.Debug("response for unknown correlation ID", "correlation_id", resp.CorrelationID)

	case tracker.OutcomeDuplicate:
		d.logger.Debug("duplicate response", "correlation_id", resp.CorrelationID, "job_id", jobID)

	case tracker.OutcomeRecorded:
		if res.Err == "" {
			d.hub.Publish(events.TypeBlockConverted, events.JobEvent{JobID: jobID})
		} else {
			d.hub.Publish(events.TypeBlockFailed, events.JobEvent{JobID: jobID, Error: res.Err})
		}

	case tracker.OutcomeRetry:
		d.logger.Info("retrying block", "correlation_id", resp.CorrelationID,
			"job_id", jobID, "error", res.Err)
		d.hub.Publish(events.TypeBlockRetried, events.JobEvent{
			JobID: jobID, BlockIndex: block.Index, Kind: block.Kind, Error: res.Err,
		})
		d.publishBlock(jobID, resp.CorrelationID, block)

	case tracker.OutcomeTerminal:
		d.finalize(snap)
	}
}

// finalize publishes the single terminal result for a job and forgets it.
func (d *Dispatcher) finalize(snap *tracker.Snapshot) {
	d.mu.Lock()
	pj := d.pending[snap.JobID]
	delete(d.pending, snap.JobID)
	d.mu.Unlock()

	logger := d.logger.With("job_id", snap.JobID)
	if pj == nil {
		// Can only happen if finalize races itself, which the tracker's
		// terminal guard prevents. Log loudly and drop.
		logger.Error("no pending state for finalized job")
		d.tracker.Remove(snap.JobID)
		return
	}

	results := make(map[int]notebook.BlockResult, len(snap.Blocks))
	var blockErrors []protocol.BlockError
	for _, b := range snap.Blocks {
		if b.Failure != "" {
			results[b.Index] = notebook.BlockResult{Err: b.Failure}
			blockErrors = append(blockErrors, protocol.BlockError{Index: b.Index, Kind: b.Kind, Error: b.Failure})
			continue
		}
		results[b.Index] = notebook.BlockResult{Artifact: b.Artifact, MimeType: b.MimeType}
	}

	result := &protocol.NotebookResult{
		JobID:       snap.JobID,
		Status:      string(snap.Status),
		BlockErrors: blockErrors,
	}
	notebook.Splice(pj.nb, results)
	if data, err := notebook.Serialize(pj.nb); err != nil {
		logger.Error("failed to serialize finalized notebook", "error", err)
		result.Status = protocol.JobFailed
		result.Error = "serialize notebook: " + err.Error()
	} else {
		result.Notebook = data
	}

	d.publishResult(result, pj.replyTo, snap)
	d.hub.Publish(events.TypeJobFinalized, events.JobEvent{JobID: snap.JobID, Status: result.Status})
	logger.Info("job finalized", "status", result.Status, "block_errors", len(blockErrors))

	d.tracker.Remove(snap.JobID)
	d.mu.Lock()
	for id, job := range d.corrToJob {
		if job == snap.JobID {
			delete(d.corrToJob, id)
		}
	}
	d.mu.Unlock()
}

func (d *Dispatcher) publishResult(result *protocol.NotebookResult, replyTo string, snap *tracker.Snapshot) {
	data, err := protocol.EncodeNotebookResult(result)
	if err != nil {
		d.logger.Error("failed to encode notebook result", "job_id", result.JobID, "error", err)
		return
	}
	if err := d.conn.Publish(replyTo, data); err != nil {
		d.logger.Error("failed to publish notebook result",
			"job_id", result.JobID, "subject", replyTo, "error", err)
	}
	if d.recorder != nil {
		if err := d.recorder.Record(result, snap); err != nil {
			d.logger.Warn("failed to record job result", "job_id", result.JobID, "error", err)
		}
	}
}

// executeCells runs plain code cells through the kernel, leaving diagram
// blocks alone. Kernel errors become error outputs on the cell; they never
// fail the job.
func (d *Dispatcher) executeCells(ctx context.Context, nb *notebook.Notebook, blocks []notebook.DiagramBlock, logger *slog.Logger) {
	diagram := make(map[int]bool, len(blocks))
	for _, b := range blocks {
		diagram[b.Index] = true
	}

	count := 0
	for i := range nb.Cells {
		cell := &nb.Cells[i]
		if cell.Type != "code" || diagram[i] {
			continue
		}
		count++
		outs, err := d.kernel.Execute(ctx, cell.Source.Text())
		if err != nil {
			logger.Warn("cell execution failed", "cell", i, "error", err)
			outs = []notebook.Output{{
				"output_type": "error",
				"ename":       "ExecutionError",
				"evalue":      err.Error(),
				"traceback":   []any{},
			}}
		}
		cell.Outputs = outs
		n := count
		cell.ExecutionCount = &n
	}
}
