package realtime_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collab-core/internal/services/realtime"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startWSServer upgrades one connection and hands the adapter to the test
func startWSServer(t *testing.T) (*httptest.Server, <-chan *realtime.WSSocket) {
	t.Helper()
	sockets := make(chan *realtime.WSSocket, 1)
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sockets <- realtime.NewWSSocket(conn, realtime.WSOptions{SendBuffer: 4}, nopLogger())
	}))
	t.Cleanup(server.Close)
	return server, sockets
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func nextEvent(t *testing.T, sock *realtime.WSSocket) realtime.SocketEvent {
	t.Helper()
	select {
	case ev, ok := <-sock.Inbound():
		require.True(t, ok, "inbound closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no socket event")
		return realtime.SocketEvent{}
	}
}

func TestWSSocketExchangesFrames(t *testing.T) {
	server, sockets := startWSServer(t)
	client := dial(t, server)
	sock := <-sockets
	defer sock.Close()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	ev := nextEvent(t, sock)
	assert.Equal(t, realtime.SocketMessage, ev.Kind)
	assert.JSONEq(t, `{"type":"ping"}`, string(ev.Data))

	require.NoError(t, sock.Send([]byte(`{"type":"pong"}`)))
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := client.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(frame))
}

func TestWSSocketReportsPong(t *testing.T) {
	server, sockets := startWSServer(t)
	client := dial(t, server)
	sock := <-sockets
	defer sock.Close()

	// The client must be reading for gorilla to answer pings
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.NoError(t, sock.Ping())
	ev := nextEvent(t, sock)
	assert.Equal(t, realtime.SocketPong, ev.Kind)
}

func TestWSSocketCloseIsTerminal(t *testing.T) {
	server, sockets := startWSServer(t)
	client := dial(t, server)
	sock := <-sockets

	require.NoError(t, client.Close())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sock.Inbound():
			if !ok {
				assert.ErrorIs(t, sock.Send([]byte("x")), realtime.ErrConnectionClosed)
				_ = sock.Close()
				return
			}
		case <-deadline:
			t.Fatal("inbound never closed")
		}
	}
}

func TestWSSocketSendAfterCloseNeverSucceeds(t *testing.T) {
	server, sockets := startWSServer(t)
	client := dial(t, server)
	defer client.Close()
	sock := <-sockets

	var closed atomic.Bool
	var late atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				after := closed.Load()
				err := sock.Send([]byte(`{"type":"event"}`))
				if after && err == nil {
					late.Add(1)
				}
				if errors.Is(err, realtime.ErrConnectionClosed) {
					return
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, sock.Close())
	closed.Store(true)
	wg.Wait()

	assert.Zero(t, late.Load(), "Send reported success after Close returned")
}
