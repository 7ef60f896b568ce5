package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"collab-core/internal/models"

	"github.com/rs/zerolog"
)

// FanOut delivers each event to a list of fallible sinks. It is
// registered with the session manager as a single EventSink.
type FanOut struct {
	sinks  []Sink
	logger zerolog.Logger
	failed atomic.Int64
}

func NewFanOut(logger zerolog.Logger, sinks ...Sink) *FanOut {
	return &FanOut{
		sinks:  sinks,
		logger: logger.With().Str("component", "fanout").Logger(),
	}
}

// Len returns the number of sinks
func (f *FanOut) Len() int { return len(f.sinks) }

// Failed returns how many deliveries failed across all sinks
func (f *FanOut) Failed() int64 { return f.failed.Load() }

func (f *FanOut) Publish(ctx context.Context, ev models.CollaborationEvent) {
	for _, sink := range f.sinks {
		if err := f.deliver(ctx, sink, ev); err != nil {
			f.failed.Add(1)
			f.logger.Warn().
				Err(err).
				Str("sink", sink.Name()).
				Str("session_id", ev.SessionID).
				Str("event", string(ev.Type)).
				Msg("sink delivery failed")
		}
	}
}

// deliver isolates a panicking sink from the others
func (f *FanOut) deliver(ctx context.Context, sink Sink, ev models.CollaborationEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return sink.Deliver(ctx, ev)
}

// QueuedFanOut moves FanOut delivery off the publish path. Publish only
// enqueues; a single worker delivers, so sinks still see events in issue
// order. A full queue drops the event like the archiver does.
type QueuedFanOut struct {
	fan     *FanOut
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	jobs    chan models.CollaborationEvent
	done    chan struct{}
	start   sync.Once
	started atomic.Bool

	dropped atomic.Int64
}

// NewQueuedFanOut wraps fan with a queue of queueSize events. Each
// delivery gets its own timeout.
func NewQueuedFanOut(fan *FanOut, queueSize int, timeout time.Duration, logger zerolog.Logger) *QueuedFanOut {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &QueuedFanOut{
		fan:     fan,
		timeout: timeout,
		logger:  logger.With().Str("component", "fanout").Logger(),
		jobs:    make(chan models.CollaborationEvent, queueSize),
		done:    make(chan struct{}),
	}
}

func (q *QueuedFanOut) Start() {
	q.start.Do(func() {
		q.started.Store(true)
		go q.worker()
	})
}

func (q *QueuedFanOut) worker() {
	defer close(q.done)
	for ev := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		q.fan.Publish(ctx, ev)
		cancel()
	}
}

func (q *QueuedFanOut) Publish(_ context.Context, ev models.CollaborationEvent) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}

	select {
	case q.jobs <- ev:
	default:
		q.dropped.Add(1)
		q.logger.Warn().
			Str("session_id", ev.SessionID).
			Str("event", string(ev.Type)).
			Msg("sink queue full, event dropped")
	}
}

// Shutdown stops accepting events and waits until queued ones are
// delivered. Without Start it only discards the queue.
func (q *QueuedFanOut) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	if q.started.Load() {
		<-q.done
	}
}

// QueueLength returns the number of events waiting for delivery
func (q *QueuedFanOut) QueueLength() int { return len(q.jobs) }

func (q *QueuedFanOut) Dropped() int64 { return q.dropped.Load() }
