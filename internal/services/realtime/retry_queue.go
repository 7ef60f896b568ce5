package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"collab-core/internal/models"

	"github.com/rs/zerolog"
)

// RetryOptions configures the retry queue
type RetryOptions struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	TickInterval time.Duration
	Clock        func() time.Time
}

func (o *RetryOptions) norm() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// BackoffDelay is the wait before retry n (0-based): base * 2^n
func BackoffDelay(base time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	return base * time.Duration(1<<uint(n))
}

// QueuedMessage is an undelivered message and the connections still
// waiting for it
type QueuedMessage struct {
	Message     models.SyncMessage
	Attempts    int
	MaxAttempts int
	NextRetry   time.Time
	Targets     map[string]struct{}

	frame []byte
}

func (q *QueuedMessage) targetIDs() []string {
	ids := make([]string, 0, len(q.Targets))
	for id := range q.Targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RetryResult summarises one ProcessDue pass
type RetryResult struct {
	Attempted int
	Delivered int
	Dropped   int
}

// RetryQueue re-sends failed messages with exponential backoff. Delivery
// is best effort: after MaxAttempts the message is dropped and logged.
type RetryQueue struct {
	opts     RetryOptions
	registry *Registry

	mu      sync.Mutex
	items   []*QueuedMessage
	dropped uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	logger zerolog.Logger
}

func NewRetryQueue(registry *Registry, opts RetryOptions, logger zerolog.Logger) *RetryQueue {
	opts.norm()
	ctx, cancel := context.WithCancel(context.Background())
	return &RetryQueue{
		opts:     opts,
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With().Str("component", "retry_queue").Logger(),
	}
}

// Enqueue schedules msg for the given connections. frame is the already
// encoded wire form of msg.
func (q *RetryQueue) Enqueue(msg models.SyncMessage, frame []byte, targets ...string) {
	if len(targets) == 0 {
		return
	}

	item := &QueuedMessage{
		Message:     msg,
		MaxAttempts: q.opts.MaxAttempts,
		NextRetry:   q.opts.Clock().Add(BackoffDelay(q.opts.BaseDelay, 0)),
		Targets:     make(map[string]struct{}, len(targets)),
		frame:       frame,
	}
	for _, id := range targets {
		item.Targets[id] = struct{}{}
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	depth := len(q.items)
	q.mu.Unlock()

	q.logger.Debug().
		Str("message_id", msg.ID).
		Strs("targets", item.targetIDs()).
		Int("depth", depth).
		Msg("message queued for retry")
}

// ProcessDue retries every message whose NextRetry has passed
func (q *RetryQueue) ProcessDue(ctx context.Context) RetryResult {
	now := q.opts.Clock()

	q.mu.Lock()
	var due []*QueuedMessage
	pending := q.items[:0]
	for _, item := range q.items {
		if now.Before(item.NextRetry) {
			pending = append(pending, item)
		} else {
			due = append(due, item)
		}
	}
	q.items = pending
	q.mu.Unlock()

	var result RetryResult
	var requeue []*QueuedMessage
	for _, item := range due {
		if ctx.Err() != nil {
			requeue = append(requeue, item)
			continue
		}

		item.Attempts++
		result.Attempted++
		for _, id := range item.targetIDs() {
			conn, ok := q.registry.Get(id)
			if !ok || !conn.live() {
				// Target is gone; nothing left to deliver to
				delete(item.Targets, id)
				continue
			}
			if err := conn.socket.Send(item.frame); err != nil {
				conn.recordFailure()
				continue
			}
			conn.recordSent()
			delete(item.Targets, id)
			result.Delivered++
		}

		switch {
		case len(item.Targets) == 0:
		case item.Attempts >= item.MaxAttempts:
			result.Dropped++
			q.logger.Warn().
				Str("message_id", item.Message.ID).
				Str("type", string(item.Message.Type)).
				Int("attempts", item.Attempts).
				Strs("targets", item.targetIDs()).
				Msg("retries exhausted, message dropped")
		default:
			item.NextRetry = now.Add(BackoffDelay(q.opts.BaseDelay, item.Attempts))
			requeue = append(requeue, item)
		}
	}

	q.mu.Lock()
	q.items = append(q.items, requeue...)
	q.dropped += uint64(result.Dropped)
	q.mu.Unlock()

	return result
}

// Len is the number of queued messages
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped is the number of messages dropped after exhausting retries
func (q *RetryQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Start runs ProcessDue every TickInterval until Stop
func (q *RetryQueue) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		ticker := time.NewTicker(q.opts.TickInterval)
		defer ticker.Stop()

		q.logger.Info().Dur("interval", q.opts.TickInterval).Msg("retry queue started")

		for {
			select {
			case <-q.ctx.Done():
				return
			case <-ticker.C:
				q.ProcessDue(q.ctx)
			}
		}
	}()
}

// Stop halts the processor and waits for it to exit. Queued messages are discarded.
func (q *RetryQueue) Stop() {
	q.once.Do(q.cancel)
	q.wg.Wait()

	q.mu.Lock()
	remaining := len(q.items)
	q.items = nil
	q.mu.Unlock()

	q.logger.Info().Int("discarded", remaining).Msg("retry queue stopped")
}
