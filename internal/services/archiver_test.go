package services

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"collab-core/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu      sync.Mutex
	records []*models.EventRecord
	fail    error
	block   chan struct{}
}

func (m *memoryStore) StoreEvent(_ context.Context, r *models.EventRecord) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.records = append(m.records, r)
	return nil
}

func (m *memoryStore) GetEventsSince(_ context.Context, sessionID string, since uint64, limit int) ([]*models.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.EventRecord
	for _, r := range m.records {
		if r.SessionID == sessionID && r.SequenceNumber > since {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func event(seq uint64, eventType models.EventType, ephemeral bool) models.CollaborationEvent {
	return models.CollaborationEvent{
		ID:             "ev-" + strconv.FormatUint(seq, 10),
		SessionID:      "session-P1",
		Type:           eventType,
		UserID:         "u1",
		Timestamp:      time.Date(2026, 3, 1, 9, 0, int(seq), 0, time.UTC),
		Data:           []byte(`{"userId":"u1"}`),
		SequenceNumber: seq,
		Ephemeral:      ephemeral,
	}
}

func TestArchiverSkipsEphemeralEvents(t *testing.T) {
	store := &memoryStore{}
	a := NewEventArchiver(store, ArchiverOptions{Workers: 2, QueueSize: 16}, zerolog.Nop())
	a.Start()

	ctx := context.Background()
	a.Publish(ctx, event(1, models.EventUserJoined, false))
	a.Publish(ctx, event(2, models.EventCursorMoved, true))
	a.Publish(ctx, event(3, models.EventResourceLocked, false))
	a.Shutdown()

	assert.Equal(t, 2, store.count())
	assert.EqualValues(t, 2, a.Archived())

	history, err := a.History(ctx, "session-P1", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(1), history[0].SequenceNumber)
	assert.Equal(t, models.EventResourceLocked, history[1].Type)
	assert.JSONEq(t, `{"userId":"u1"}`, string(history[1].Data))
}

func TestArchiverDropsWhenQueueFull(t *testing.T) {
	store := &memoryStore{block: make(chan struct{})}
	a := NewEventArchiver(store, ArchiverOptions{Workers: 1, QueueSize: 1}, zerolog.Nop())

	// Not started: the queue fills without a consumer
	ctx := context.Background()
	a.Publish(ctx, event(1, models.EventUserJoined, false))
	a.Publish(ctx, event(2, models.EventUserJoined, false))
	assert.EqualValues(t, 1, a.Dropped())
	assert.Equal(t, 1, a.QueueLength())

	a.Start()
	close(store.block)
	a.Shutdown()
	assert.Equal(t, 1, store.count())
}

func TestArchiverCountsStoreFailures(t *testing.T) {
	store := &memoryStore{fail: errors.New("db down")}
	a := NewEventArchiver(store, ArchiverOptions{Workers: 1}, zerolog.Nop())
	a.Start()
	a.Publish(context.Background(), event(1, models.EventUserJoined, false))
	a.Shutdown()

	assert.EqualValues(t, 1, a.Failed())
	assert.EqualValues(t, 0, a.Archived())
}

func TestArchiverPublishAfterShutdown(t *testing.T) {
	a := NewEventArchiver(&memoryStore{}, ArchiverOptions{}, zerolog.Nop())
	a.Start()
	a.Shutdown()
	a.Shutdown()

	assert.NotPanics(t, func() {
		a.Publish(context.Background(), event(1, models.EventUserJoined, false))
	})
}
