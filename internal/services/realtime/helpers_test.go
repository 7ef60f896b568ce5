package realtime_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"collab-core/internal/models"
	"collab-core/internal/services/realtime"
	"collab-core/internal/services/realtime/realtimetest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTransport(t *testing.T, opts realtime.Options) (*realtime.Transport, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	if opts.Clock == nil {
		opts.Clock = clock.Now
	}
	tr := realtime.NewTransport(opts, nopLogger())
	t.Cleanup(func() { tr.Stop(context.Background()) })
	return tr, clock
}

func register(t *testing.T, tr *realtime.Transport, userID, sessionID string) (*realtime.Connection, *realtimetest.Socket) {
	t.Helper()
	sock := realtimetest.NewSocket()
	conn, err := tr.RegisterConnection(context.Background(), sock, userID, sessionID)
	require.NoError(t, err)
	return conn, sock
}

func newMessage(t *testing.T, msgType models.MessageType, sessionID, userID string, data any) models.SyncMessage {
	t.Helper()
	msg, err := models.NewSyncMessage(msgType, sessionID, userID, data)
	require.NoError(t, err)
	return msg
}

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// compressedFrame builds the wire form of a message whose payload was
// compressed by the peer
func compressedFrame(t *testing.T, encoding string, packed []byte) []byte {
	t.Helper()
	data, err := json.Marshal(packed)
	require.NoError(t, err)
	frame, err := json.Marshal(models.SyncMessage{
		ID:         "m1",
		Type:       models.MessageEvent,
		SessionID:  "s",
		UserID:     "u1",
		Data:       data,
		Compressed: true,
		Encoding:   encoding,
	})
	require.NoError(t, err)
	return frame
}
