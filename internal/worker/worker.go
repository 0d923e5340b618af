// Package worker runs one converter role: it consumes conversion requests for
// a single diagram kind off the bus, renders them, and publishes correlated
// responses.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nbrelay/nbrelay/internal/bus"
	"github.com/nbrelay/nbrelay/internal/config"
	"github.com/nbrelay/nbrelay/internal/log"
	"github.com/nbrelay/nbrelay/internal/protocol"
	"github.com/nbrelay/nbrelay/internal/render"
)

// Worker consumes one kind's request subject as a queue-group member.
// Messages are handled one at a time: converter binaries are heavyweight, and
// horizontal scale comes from more worker processes, not in-process fan-out.
type Worker struct {
	conn     bus.Conn
	renderer render.Renderer
	kind     protocol.Kind
	cfg      *config.Config
	logger   *slog.Logger
	sub      bus.Subscription
}

// New creates a Worker for the given kind.
func New(conn bus.Conn, renderer render.Renderer, kind protocol.Kind, cfg *config.Config) *Worker {
	return &Worker{
		conn:     conn,
		renderer: renderer,
		kind:     kind,
		cfg:      cfg,
		logger:   log.WithComponent("worker").With("kind", string(kind)),
	}
}

// Start subscribes to the kind's request subject. Handlers must tolerate
// redelivery: the bus is at-least-once, and a crash after rendering but
// before the ack replays the message.
func (w *Worker) Start(ctx context.Context) error {
	subject := w.cfg.Subjects.RequestSubject(w.kind)
	group := w.cfg.Worker.QueueGroup(w.kind)
	if subject == "" || group == "" {
		return fmt.Errorf("no subject or queue group configured for kind %q", w.kind)
	}

	sub, err := w.conn.QueueSubscribe(subject, group, func(msg bus.Msg) {
		w.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe worker: %w", err)
	}
	w.sub = sub
	w.logger.Info("worker started", "subject", subject, "queue_group", group)
	return nil
}

// Stop unsubscribes from the request subject.
func (w *Worker) Stop() {
	if w.sub != nil {
		if err := w.sub.Unsubscribe(); err != nil {
			w.logger.Warn("unsubscribe failed", "error", err)
		}
		w.sub = nil
	}
}

func (w *Worker) handle(ctx context.Context, msg bus.Msg) {
	req, err := protocol.DecodeRequest(msg.Data)
	if err != nil {
		w.handleMalformed(msg.Data, err)
		return
	}
	logger := w.logger.With("correlation_id", req.CorrelationID)

	if req.Kind != w.kind {
		// Misrouted request. Answer it anyway so the dispatcher is not left
		// waiting for a retry budget to expire.
		logger.Warn("request kind does not match worker", "request_kind", string(req.Kind))
		w.respondFailure(req.CorrelationID, req.ReplyTo,
			fmt.Sprintf("request for kind %q routed to %q worker", req.Kind, w.kind))
		return
	}

	format := req.OutputFormat
	if format == "" {
		format = w.cfg.Worker.OutputFormat
	}

	logger.Info("rendering block", "format", format, "payload_bytes", len(req.Payload))
	artifact, mimeType, err := w.renderer.Render(ctx, req.Payload, format)
	if err != nil {
		logger.Warn("render failed", "error", err)
		w.respondFailure(req.CorrelationID, req.ReplyTo, err.Error())
		return
	}

	resp := &protocol.ConversionResponse{
		CorrelationID: req.CorrelationID,
		Status:        protocol.StatusSuccess,
		Artifact:      artifact,
		MimeType:      mimeType,
	}
	w.publish(resp, req.ReplyTo)
	logger.Info("block rendered", "mime_type", mimeType, "artifact_bytes", len(artifact))
}

// handleMalformed answers undecodable requests with a failure when a
// correlation ID can be salvaged, and drops them otherwise. Dropping is safe:
// without a correlation ID the dispatcher could not route the reply anyway.
func (w *Worker) handleMalformed(data []byte, decodeErr error) {
	var probe struct {
		CorrelationID string `json:"correlation_id"`
		ReplyTo       string `json:"reply_to"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.CorrelationID == "" {
		w.logger.Error("dropping malformed request", "error", decodeErr)
		return
	}
	w.logger.Warn("malformed request, responding with failure",
		"correlation_id", probe.CorrelationID, "error", decodeErr)
	w.respondFailure(probe.CorrelationID, probe.ReplyTo, "malformed request: "+decodeErr.Error())
}

func (w *Worker) respondFailure(correlationID, replyTo, reason string) {
	w.publish(&protocol.ConversionResponse{
		CorrelationID: correlationID,
		Status:        protocol.StatusFailure,
		Error:         reason,
	}, replyTo)
}

func (w *Worker) publish(resp *protocol.ConversionResponse, replyTo string) {
	subject := replyTo
	if subject == "" {
		subject = w.cfg.Subjects.Response
	}
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		w.logger.Error("failed to encode response", "correlation_id", resp.CorrelationID, "error", err)
		return
	}
	if err := w.conn.Publish(subject, data); err != nil {
		w.logger.Error("failed to publish response", "subject", subject,
			"correlation_id", resp.CorrelationID, "error", err)
	}
}
