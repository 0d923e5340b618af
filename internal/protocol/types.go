package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a converter role. The set is closed; routing is a static
// table lookup, never reflection.
type Kind string

const (
	KindDrawio   Kind = "drawio"
	KindPlantUML Kind = "plantuml"
)

// Kinds lists every known converter kind.
func Kinds() []Kind {
	return []Kind{KindDrawio, KindPlantUML}
}

// ParseKind validates a kind string received off the wire.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindDrawio, KindPlantUML:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown converter kind: %q", s)
}

// Status values carried by ConversionResponse.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// ConversionRequest is the wire envelope for one diagram block sent to a
// converter worker. Payload travels base64-encoded by encoding/json.
type ConversionRequest struct {
	CorrelationID string `json:"correlation_id"`
	Kind          Kind   `json:"kind"`
	Payload       []byte `json:"payload"`
	Encoding      string `json:"encoding,omitempty"` // source text encoding, default utf-8
	OutputFormat  string `json:"output_format,omitempty"`
	ReplyTo       string `json:"reply_to"`
}

// ConversionResponse is the correlated reply published by a worker. Exactly
// one of Artifact/MimeType (success) or Error (failure) is meaningful.
type ConversionResponse struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"` // success | failure
	Artifact      []byte `json:"artifact,omitempty"`
	MimeType      string `json:"mime_type,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Succeeded reports whether the response carries an artifact.
func (r *ConversionResponse) Succeeded() bool {
	return r.Status == StatusSuccess
}

// NotebookRequest submits one notebook job to the dispatcher.
type NotebookRequest struct {
	JobID    string          `json:"job_id"`
	Notebook json.RawMessage `json:"notebook"`
	ReplyTo  string          `json:"reply_to,omitempty"`
	Deadline *time.Time      `json:"deadline,omitempty"`
	Execute  bool            `json:"execute,omitempty"` // run code cells through the kernel service
}

// Job terminal statuses carried by NotebookResult.
const (
	JobCompleted       = "completed"
	JobPartiallyFailed = "partially_failed"
	JobFailed          = "failed"
)

// BlockError describes one permanently failed diagram block.
type BlockError struct {
	Index int    `json:"index"`
	Kind  Kind   `json:"kind"`
	Error string `json:"error"`
}

// NotebookResult is the single terminal event emitted per job.
type NotebookResult struct {
	JobID       string          `json:"job_id"`
	Status      string          `json:"status"` // completed | partially_failed | failed
	Notebook    json.RawMessage `json:"notebook,omitempty"`
	BlockErrors []BlockError    `json:"block_errors,omitempty"`
	Error       string          `json:"error,omitempty"`
}
