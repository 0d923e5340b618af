// Package bus wraps publish/subscribe on named subjects with durable
// acknowledgment. Every other component talks to the bus through the Conn
// interface; the NATS client and the in-memory test bus both satisfy it.
package bus

// Msg is one delivered message.
type Msg struct {
	Subject string
	Data    []byte
}

// Handler consumes one message. Handlers must be safe to invoke twice for the
// same logical message: the bus guarantees at-least-once delivery, not
// exactly-once.
type Handler func(msg Msg)

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the pub/sub surface used by the dispatcher and workers.
type Conn interface {
	// Publish sends data to a subject. Transport errors are retried inside
	// the client; an error return means the retry budget is exhausted.
	Publish(subject string, data []byte) error

	// QueueSubscribe delivers messages on subject to h. All subscribers
	// sharing a group receive each message once per group.
	QueueSubscribe(subject, group string, h Handler) (Subscription, error)
}
