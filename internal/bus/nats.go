package bus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nbrelay/nbrelay/internal/config"
	"github.com/nbrelay/nbrelay/internal/log"
)

// Client is the NATS JetStream implementation of Conn.
type Client struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	cfg    config.BusConfig
	logger *slog.Logger
}

// Connect dials the bus with exponential backoff. Attempt i sleeps
// backoff * 2^i before retrying, so a cold cluster start settles before the
// budget runs out.
func Connect(cfg config.BusConfig, clientName string) (*Client, error) {
	logger := log.WithComponent("bus")

	var nc *nats.Conn
	var err error
	for i := 0; i < cfg.ConnectAttempts; i++ {
		nc, err = nats.Connect(cfg.URL,
			nats.Name(clientName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(cfg.ConnectBackoff),
		)
		if err == nil {
			logger.Info("connected to NATS", "url", cfg.URL, "client", clientName)
			break
		}
		wait := cfg.ConnectBackoff * (1 << i)
		logger.Warn("failed to connect to NATS, retrying", "url", cfg.URL, "attempt", i+1, "wait", wait, "error", err)
		time.Sleep(wait)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s after %d attempts: %w", cfg.URL, cfg.ConnectAttempts, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	return &Client{nc: nc, js: js, cfg: cfg, logger: logger}, nil
}

// Publish sends data through JetStream, retrying transient publish failures
// before surfacing the error to the caller.
func (c *Client) Publish(subject string, data []byte) error {
	var err error
	attempts := c.cfg.PublishAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if _, err = c.js.Publish(subject, data); err == nil {
			return nil
		}
		wait := c.cfg.ConnectBackoff * (1 << i)
		c.logger.Warn("publish failed, retrying", "subject", subject, "attempt", i+1, "wait", wait, "error", err)
		time.Sleep(wait)
	}
	return fmt.Errorf("publish to %s after %d attempts: %w", subject, attempts, err)
}

// QueueSubscribe consumes a subject with explicit acknowledgment. The message
// is acked after the handler returns; a crash mid-handler redelivers, which
// downstream handlers must tolerate.
func (c *Client) QueueSubscribe(subject, group string, h Handler) (Subscription, error) {
	sub, err := c.js.QueueSubscribe(subject, group, func(m *nats.Msg) {
		h(Msg{Subject: m.Subject, Data: m.Data})
		if err := m.Ack(); err != nil {
			c.logger.Warn("failed to ack message", "subject", m.Subject, "error", err)
		}
	}, nats.ManualAck())
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s (group %s): %w", subject, group, err)
	}
	c.logger.Info("subscribed", "subject", subject, "group", group)
	return sub, nil
}

// JetStream exposes the management surface for the topology initializer.
func (c *Client) JetStream() nats.JetStreamManager {
	return c.js
}

// Request performs a request/reply round trip on a core subject.
func (c *Client) Request(subject string, data []byte, timeout time.Duration) ([]byte, error) {
	msg, err := c.nc.Request(subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("request to %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Close drains in-flight messages and releases the connection.
func (c *Client) Close() {
	if err := c.nc.Drain(); err != nil {
		c.logger.Warn("drain failed, closing hard", "error", err)
		c.nc.Close()
	}
}
