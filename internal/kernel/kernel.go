// Package kernel calls the external code-execution service over request/reply.
// The service itself is opaque: this client only frames source in and outputs
// out.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbrelay/nbrelay/internal/config"
	"github.com/nbrelay/nbrelay/internal/notebook"
)

// Requester performs one request/reply round trip on a core subject.
// bus.Client satisfies it.
type Requester interface {
	Request(subject string, data []byte, timeout time.Duration) ([]byte, error)
}

type executeRequest struct {
	Source string `json:"source"`
}

type executeReply struct {
	Status  string            `json:"status"` // success | failure
	Outputs []notebook.Output `json:"outputs,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Client executes code cells through the kernel service.
type Client struct {
	req     Requester
	subject string
	timeout time.Duration
}

// New creates a Client from kernel config.
func New(req Requester, cfg config.KernelConfig) *Client {
	return &Client{req: req, subject: cfg.Subject, timeout: cfg.Timeout}
}

// Execute runs one cell's source and returns its outputs. A failure reported
// by the service surfaces as an error; the caller renders it into the cell.
func (c *Client) Execute(ctx context.Context, source string) ([]notebook.Output, error) {
	data, err := json.Marshal(executeRequest{Source: source})
	if err != nil {
		return nil, fmt.Errorf("encode execute request: %w", err)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	raw, err := c.req.Request(c.subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("kernel request: %w", err)
	}

	var reply executeReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode kernel reply: %w", err)
	}
	if reply.Status != "success" {
		if reply.Error == "" {
			reply.Error = "kernel reported failure"
		}
		return nil, fmt.Errorf("kernel execution failed: %s", reply.Error)
	}
	return reply.Outputs, nil
}
