// Package topology provisions the JetStream streams the rest of the system
// assumes exist. It runs once at cluster start; dependent services gate on
// its exit code.
package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nbrelay/nbrelay/internal/config"
	"github.com/nbrelay/nbrelay/internal/log"
	"github.com/nbrelay/nbrelay/internal/protocol"
)

// StreamManager is the JetStream management subset the initializer needs.
// nats.JetStreamManager satisfies it.
type StreamManager interface {
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	DeleteStream(name string, opts ...nats.JSOpt) error
}

// Streams derives the stream set from the configured subjects. Every stream
// uses work-queue retention: a message is removed once its consumer acks it.
func Streams(subjects config.SubjectsConfig) []nats.StreamConfig {
	streams := []nats.StreamConfig{
		{
			Name:      "DRAWIO_PROCESS_STREAM",
			Subjects:  withWildcard(subjects.RequestSubject(protocol.KindDrawio)),
			Retention: nats.WorkQueuePolicy,
		},
		{
			Name:      "PLANTUML_PROCESS_STREAM",
			Subjects:  withWildcard(subjects.RequestSubject(protocol.KindPlantUML)),
			Retention: nats.WorkQueuePolicy,
		},
		{
			Name:      "IMG_RESULT_STREAM",
			Subjects:  withWildcard(subjects.Response),
			Retention: nats.WorkQueuePolicy,
		},
		{
			Name:      "NOTEBOOK_PROCESS_STREAM",
			Subjects:  withWildcard(subjects.NotebookJobs),
			Retention: nats.WorkQueuePolicy,
		},
		{
			Name:      "NOTEBOOK_RESULT_STREAM",
			Subjects:  withWildcard(subjects.NotebookResult),
			Retention: nats.WorkQueuePolicy,
		},
	}
	return streams
}

// withWildcard covers both the bare subject and its token subtree, so
// per-job reply subjects like img.result.<job> land in the same stream.
func withWildcard(subject string) []string {
	return []string{subject, subject + ".>"}
}

// Options tune the initializer.
type Options struct {
	// ForceDelete drops each stream before recreating it. Used on dev
	// clusters where stale work-queue contents would poison a fresh run.
	ForceDelete bool
	Attempts    int
	Backoff     time.Duration
}

// Initializer creates streams idempotently.
type Initializer struct {
	mgr    StreamManager
	opts   Options
	logger *slog.Logger
}

// New creates an Initializer.
func New(mgr StreamManager, opts Options) *Initializer {
	if opts.Attempts <= 0 {
		opts.Attempts = 5
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	return &Initializer{mgr: mgr, opts: opts, logger: log.WithComponent("topology")}
}

// EnsureStreams provisions every stream. Any stream that cannot be created
// within the attempt budget fails the whole initialization: nothing
// downstream can function on partial topology.
func (in *Initializer) EnsureStreams(ctx context.Context, streams []nats.StreamConfig) error {
	for i := range streams {
		if err := in.ensureStream(ctx, &streams[i]); err != nil {
			return fmt.Errorf("ensure stream %s: %w", streams[i].Name, err)
		}
	}
	return nil
}

func (in *Initializer) ensureStream(ctx context.Context, cfg *nats.StreamConfig) error {
	if in.opts.ForceDelete {
		in.logger.Info("force-deleting stream", "stream", cfg.Name)
		if err := in.mgr.DeleteStream(cfg.Name); err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("delete stream: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < in.opts.Attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, in.opts.Backoff*time.Duration(attempt)); err != nil {
				return err
			}
		}

		_, err := in.mgr.StreamInfo(cfg.Name)
		if err == nil {
			in.logger.Debug("stream already exists", "stream", cfg.Name)
			return nil
		}
		if !errors.Is(err, nats.ErrStreamNotFound) {
			lastErr = err
			in.logger.Warn("stream lookup failed, retrying", "stream", cfg.Name, "error", err)
			continue
		}

		if _, err := in.mgr.AddStream(cfg); err != nil {
			lastErr = err
			in.logger.Warn("stream creation failed, retrying", "stream", cfg.Name, "error", err)
			continue
		}
		in.logger.Info("stream created", "stream", cfg.Name, "subjects", cfg.Subjects)
		return nil
	}
	return fmt.Errorf("after %d attempts: %w", in.opts.Attempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
