package realtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"collab-core/internal/models"
	"collab-core/internal/services/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterConnectionSendsConnectAck(t *testing.T) {
	tr, _ := newTestTransport(t, realtime.Options{})

	conn, sock := register(t, tr, "u1", "session-P1")
	assert.Equal(t, realtime.StateConnected, conn.State())
	assert.Equal(t, 1, tr.Registry().Count())

	acks := sock.SentOfType(models.MessageConnect)
	require.Len(t, acks, 1)

	var data models.ConnectData
	require.NoError(t, json.Unmarshal(acks[0].Data, &data))
	assert.Equal(t, conn.ID, data.ConnectionID)
	assert.Equal(t, "session-P1", data.SessionID)
}

func TestRegisterConnectionValidates(t *testing.T) {
	tr, _ := newTestTransport(t, realtime.Options{})

	_, err := tr.RegisterConnection(context.Background(), nil, "u1", "s")
	assert.Error(t, err)

	_, sock := register(t, tr, "u1", "s")
	_, err = tr.RegisterConnection(context.Background(), sock, "", "s")
	assert.Error(t, err)
}

func TestMultipleConnectionsPerUser(t *testing.T) {
	tr, _ := newTestTransport(t, realtime.Options{})

	a, _ := register(t, tr, "u1", "s")
	b, _ := register(t, tr, "u1", "s")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, tr.Registry().UserConnections("s", "u1"), 2)
}

func TestSendMessageRejectsOversized(t *testing.T) {
	tr, _ := newTestTransport(t, realtime.Options{MaxMessageSize: 1024})
	conn, sock := register(t, tr, "u1", "s")
	require.Len(t, sock.SentOfType(models.MessageConnect), 1, "connect ack fits the limit")
	before := len(sock.Frames())
	droppedBefore := tr.Stats().Dropped

	msg := newMessage(t, models.MessageEvent, "s", "u1", map[string]string{"blob": strings.Repeat("x", 2048)})
	err := tr.SendMessage(context.Background(), conn, msg)
	assert.ErrorIs(t, err, realtime.ErrMessageTooLarge)
	assert.Len(t, sock.Frames(), before)
	assert.Equal(t, 0, tr.Retry().Len(), "oversized messages are never retried")
	assert.Equal(t, droppedBefore+1, tr.Stats().Dropped)
}

func TestSendMessageCompressesLargePayloads(t *testing.T) {
	zstd, err := realtime.NewCompressor("zstd")
	require.NoError(t, err)

	tr, _ := newTestTransport(t, realtime.Options{Compressor: zstd, CompressionThreshold: 64})
	conn, sock := register(t, tr, "u1", "s")

	payload := map[string]string{"content": strings.Repeat("func main() {}\n", 100)}
	msg := newMessage(t, models.MessageEvent, "s", "u1", payload)
	require.NoError(t, tr.SendMessage(context.Background(), conn, msg))

	frames := sock.Frames()
	var wire models.SyncMessage
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], &wire))
	assert.True(t, wire.Compressed)
	assert.Equal(t, "zstd", wire.Encoding)
	assert.Less(t, len(frames[len(frames)-1]), len(msg.Data))

	decoded, err := realtime.Decode(frames[len(frames)-1], realtime.DefaultMaxMessageSize)
	require.NoError(t, err)
	assert.False(t, decoded.Compressed)
	assert.JSONEq(t, string(msg.Data), string(decoded.Data))
}

func TestSmallPayloadsStayUncompressed(t *testing.T) {
	zstd, err := realtime.NewCompressor("zstd")
	require.NoError(t, err)

	tr, _ := newTestTransport(t, realtime.Options{Compressor: zstd})
	conn, sock := register(t, tr, "u1", "s")

	require.NoError(t, tr.SendMessage(context.Background(), conn, newMessage(t, models.MessageEvent, "s", "u1", map[string]int{"n": 1})))

	frames := sock.Frames()
	var wire models.SyncMessage
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], &wire))
	assert.False(t, wire.Compressed)
}

func TestSendFailureGoesToRetryQueue(t *testing.T) {
	tr, clock := newTestTransport(t, realtime.Options{})
	conn, sock := register(t, tr, "u1", "s")

	sock.FailSends(1)
	msg := newMessage(t, models.MessageEvent, "s", "u1", nil)
	require.NoError(t, tr.SendMessage(context.Background(), conn, msg), "send failures are absorbed")
	assert.Equal(t, 1, tr.Retry().Len())
	assert.Equal(t, realtime.StateReconnecting, conn.State())

	clock.Advance(time.Second)
	result := tr.Retry().ProcessDue(context.Background())
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 0, tr.Retry().Len())
	assert.Equal(t, realtime.StateConnected, conn.State())

	events := sock.SentOfType(models.MessageEvent)
	require.Len(t, events, 1)
	assert.Equal(t, msg.ID, events[0].ID)
}

func TestBroadcastExcludesSender(t *testing.T) {
	tr, _ := newTestTransport(t, realtime.Options{})
	_, s1 := register(t, tr, "u1", "s")
	_, s1b := register(t, tr, "u1", "s")
	_, s2 := register(t, tr, "u2", "s")
	_, other := register(t, tr, "u3", "elsewhere")

	msg := newMessage(t, models.MessageBroadcast, "s", "u1", map[string]string{"k": "v"})
	n, err := tr.BroadcastMessage(context.Background(), "s", msg, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Empty(t, s1.SentOfType(models.MessageBroadcast))
	assert.Empty(t, s1b.SentOfType(models.MessageBroadcast))
	assert.Len(t, s2.SentOfType(models.MessageBroadcast), 1)
	assert.Empty(t, other.SentOfType(models.MessageBroadcast))

	n, err = tr.BroadcastMessage(context.Background(), "s", msg, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestBroadcastQueuesOnlyFailedTargets(t *testing.T) {
	tr, clock := newTestTransport(t, realtime.Options{})
	_, ok := register(t, tr, "u1", "s")
	_, bad := register(t, tr, "u2", "s")

	bad.FailSends(1)
	msg := newMessage(t, models.MessageBroadcast, "s", "u3", nil)
	n, err := tr.BroadcastMessage(context.Background(), "s", msg, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, tr.Retry().Len())

	clock.Advance(time.Second)
	tr.Retry().ProcessDue(context.Background())

	assert.Len(t, ok.SentOfType(models.MessageBroadcast), 1, "no duplicate for the healthy connection")
	assert.Len(t, bad.SentOfType(models.MessageBroadcast), 1)
}

func TestUnregisterConnectionIsIdempotent(t *testing.T) {
	tr, _ := newTestTransport(t, realtime.Options{})

	var mu sync.Mutex
	var reasons []string
	tr.OnDisconnect(func(_ context.Context, _ *realtime.Connection, reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})

	conn, sock := register(t, tr, "u1", "s")

	require.NoError(t, tr.UnregisterConnection(context.Background(), conn.ID, "client_left"))
	err := tr.UnregisterConnection(context.Background(), conn.ID, "client_left")
	assert.ErrorIs(t, err, realtime.ErrConnectionNotFound)

	assert.True(t, sock.Closed())
	assert.Equal(t, realtime.StateDisconnected, conn.State())
	assert.Len(t, sock.SentOfType(models.MessageDisconnect), 1)
	assert.Equal(t, 0, tr.Registry().Count())

	// The handler loop exits on close without unregistering a second time
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"client_left"}, reasons)

	err = tr.SendMessage(context.Background(), conn, newMessage(t, models.MessageEvent, "s", "u1", nil))
	assert.ErrorIs(t, err, realtime.ErrConnectionClosed)
}

func TestSocketDropUnregisters(t *testing.T) {
	tr, _ := newTestTransport(t, realtime.Options{})

	reasons := make(chan string, 1)
	tr.OnDisconnect(func(_ context.Context, _ *realtime.Connection, reason string) {
		reasons <- reason
	})

	_, sock := register(t, tr, "u1", "s")
	sock.Drop(errors.New("connection reset"))

	select {
	case reason := <-reasons:
		assert.Equal(t, "socket_error", reason)
	case <-time.After(time.Second):
		t.Fatal("connection was not unregistered")
	}
	assert.Equal(t, 0, tr.Registry().Count())
}

func TestInboundDispatch(t *testing.T) {
	tr, _ := newTestTransport(t, realtime.Options{})

	received := make(chan models.SyncMessage, 4)
	tr.SetHandler(realtime.MessageHandlerFunc(func(_ context.Context, _ *realtime.Connection, msg models.SyncMessage) {
		received <- msg
	}))

	conn, sock := register(t, tr, "u1", "s")

	require.NoError(t, sock.Deliver(newMessage(t, models.MessagePing, "s", "u1", nil)))
	require.NoError(t, sock.Deliver(newMessage(t, models.MessageDelta, "s", "u1", map[string]string{"resourceId": "f"})))

	select {
	case msg := <-received:
		assert.Equal(t, models.MessageDelta, msg.Type, "pings are answered by the transport")
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}

	assert.Eventually(t, func() bool {
		return len(sock.SentOfType(models.MessagePong)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), conn.Stats().Received)
}

func TestInvalidFrameGetsErrorReply(t *testing.T) {
	tr, _ := newTestTransport(t, realtime.Options{})
	_, sock := register(t, tr, "u1", "s")

	sock.DeliverRaw([]byte("{not json"))

	assert.Eventually(t, func() bool {
		errs := sock.SentOfType(models.MessageError)
		if len(errs) != 1 {
			return false
		}
		var data models.ErrorData
		return json.Unmarshal(errs[0].Data, &data) == nil && data.Code == "invalid_message"
	}, time.Second, 5*time.Millisecond)
}

func TestInboundPayloadInflatingPastLimitIsDropped(t *testing.T) {
	tr, _ := newTestTransport(t, realtime.Options{MaxMessageSize: 64 << 10})

	var mu sync.Mutex
	handled := 0
	tr.SetHandler(realtime.MessageHandlerFunc(func(context.Context, *realtime.Connection, models.SyncMessage) {
		mu.Lock()
		handled++
		mu.Unlock()
	}))

	_, sock := register(t, tr, "u1", "s")

	gz, err := realtime.NewCompressor("gzip")
	require.NoError(t, err)
	packed, err := gz.Compress(make([]byte, 8<<20))
	require.NoError(t, err)
	frame := compressedFrame(t, "gzip", packed)
	require.Less(t, len(frame), 64<<10, "the frame itself is under the limit")

	sock.DeliverRaw(frame)

	assert.Eventually(t, func() bool {
		errs := sock.SentOfType(models.MessageError)
		if len(errs) != 1 {
			return false
		}
		var data models.ErrorData
		return json.Unmarshal(errs[0].Data, &data) == nil && data.Code == "message_too_large"
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, handled)
	assert.Equal(t, uint64(1), tr.Stats().Dropped)
}

func TestRateLimitDropsExcessMessages(t *testing.T) {
	tr, _ := newTestTransport(t, realtime.Options{RateLimit: 1})

	var mu sync.Mutex
	handled := 0
	tr.SetHandler(realtime.MessageHandlerFunc(func(context.Context, *realtime.Connection, models.SyncMessage) {
		mu.Lock()
		handled++
		mu.Unlock()
	}))

	_, sock := register(t, tr, "u1", "s")
	for i := 0; i < 5; i++ {
		require.NoError(t, sock.Deliver(newMessage(t, models.MessageEvent, "s", "u1", nil)))
	}

	assert.Eventually(t, func() bool {
		return len(sock.SentOfType(models.MessageRateLimit)) >= 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, handled, 5)
}

func TestStatsCountConnections(t *testing.T) {
	tr, _ := newTestTransport(t, realtime.Options{})
	register(t, tr, "u1", "a")
	register(t, tr, "u2", "b")

	stats := tr.Stats()
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, 2, stats.Sessions)
	assert.Equal(t, uint64(2), stats.MessagesSent, "one connect ack each")
	assert.Len(t, stats.PerConnection, 2)
}
