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

/*
LEARNING: ARCHIVE WORKER POOL PATTERN

Same shape as any bounded worker pool:
1. **Jobs channel**: buffered, sized by ARCHIVE_QUEUE_SIZE
2. **Workers**: a fixed number of goroutines draining it
3. **Graceful Shutdown**: close the channel, let workers drain, Wait

One difference: Publish runs inside the session manager's publish path,
so it must never block. When the queue is full the event is dropped and
counted instead of applying backpressure to every collaborator.
*/

// ArchiverOptions sizes the worker pool
type ArchiverOptions struct {
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
}

func (o *ArchiverOptions) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
}

// EventArchiver copies retained collaboration events into an EventStore
type EventArchiver struct {
	store  EventStore
	opts   ArchiverOptions
	logger zerolog.Logger

	// mu guards closed and the send on jobs against Shutdown closing it
	mu     sync.RWMutex
	closed bool
	jobs   chan models.CollaborationEvent
	wg     sync.WaitGroup
	start  sync.Once

	archived atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

// NewEventArchiver creates the worker pool; Start spawns the workers
func NewEventArchiver(store EventStore, opts ArchiverOptions, logger zerolog.Logger) *EventArchiver {
	opts.applyDefaults()
	return &EventArchiver{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "archiver").Logger(),
		jobs:   make(chan models.CollaborationEvent, opts.QueueSize),
	}
}

func (a *EventArchiver) Start() {
	a.start.Do(func() {
		a.logger.Info().Int("workers", a.opts.Workers).Int("queue_size", a.opts.QueueSize).Msg("starting archive workers")
		for i := 0; i < a.opts.Workers; i++ {
			a.wg.Add(1)
			go a.worker(i)
		}
	})
}

func (a *EventArchiver) worker(id int) {
	defer a.wg.Done()

	// Drain until Shutdown closes the channel so queued events still land
	for ev := range a.jobs {
		if err := a.archive(ev); err != nil {
			a.failed.Add(1)
			a.logger.Warn().
				Err(err).
				Int("worker", id).
				Str("session_id", ev.SessionID).
				Uint64("seq", ev.SequenceNumber).
				Msg("failed to archive event")
			continue
		}
		a.archived.Add(1)
	}
}

func (a *EventArchiver) archive(ev models.CollaborationEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.WriteTimeout)
	defer cancel()
	return a.store.StoreEvent(ctx, models.NewEventRecord(ev))
}

// Publish queues a retained event. Ephemeral events are never archived.
func (a *EventArchiver) Publish(_ context.Context, ev models.CollaborationEvent) {
	if ev.Ephemeral {
		return
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}

	select {
	case a.jobs <- ev:
	default:
		a.dropped.Add(1)
		a.logger.Warn().
			Str("session_id", ev.SessionID).
			Uint64("seq", ev.SequenceNumber).
			Msg("archive queue full, event dropped")
	}
}

// History returns archived events of a session with sequence > since
func (a *EventArchiver) History(ctx context.Context, sessionID string, since uint64, limit int) ([]models.CollaborationEvent, error) {
	records, err := a.store.GetEventsSince(ctx, sessionID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load archived events: %w", err)
	}
	events := make([]models.CollaborationEvent, 0, len(records))
	for _, r := range records {
		events = append(events, r.Event())
	}
	return events, nil
}

// Shutdown stops accepting events and waits for queued ones to be written
func (a *EventArchiver) Shutdown() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.jobs)
	a.mu.Unlock()

	a.wg.Wait()
	a.logger.Info().
		Int64("archived", a.archived.Load()).
		Int64("dropped", a.dropped.Load()).
		Msg("archiver stopped")
}

// QueueLength returns the number of events waiting for a worker
func (a *EventArchiver) QueueLength() int {
	return len(a.jobs)
}

func (a *EventArchiver) Archived() int64 { return a.archived.Load() }
func (a *EventArchiver) Dropped() int64  { return a.dropped.Load() }
func (a *EventArchiver) Failed() int64   { return a.failed.Load() }
