package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"collab-core/internal/models"
	"collab-core/internal/services/collaboration"
	"collab-core/internal/services/gateway"
	"collab-core/internal/services/realtime"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router   *mux.Router
	sessions *collaboration.SessionManager
}

func newTestServer(t *testing.T, opts ...HandlerOption) *testServer {
	t.Helper()
	logger := zerolog.Nop()
	sessions := collaboration.NewSessionManager(collaboration.Options{}, logger)
	transport := realtime.NewTransport(realtime.Options{}, logger)
	t.Cleanup(func() { transport.Stop(context.Background()) })
	gw := gateway.New(sessions, transport, logger)

	h := NewHandler(sessions, transport, gw, logger, opts...)
	return &testServer{router: SetupRoutes(h, logger), sessions: sessions}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createSession(t *testing.T) models.Session {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/sessions", createSessionRequest{ProjectID: "P1", OwnerID: "owner", OwnerName: "Owner"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[models.Session](t, rec)
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestServer(t)
	created := s.createSession(t)
	assert.Equal(t, "session-P1", created.ID)
	require.Len(t, created.Participants, 1)
	assert.Equal(t, models.RoleOwner, created.Participants[0].Role)

	rec := s.do(t, http.MethodGet, "/api/sessions/session-P1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = s.do(t, http.MethodPost, "/api/sessions", createSessionRequest{ProjectID: "P1", OwnerID: "other"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/sessions/session-nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "session_not_found", decode[errorBody](t, rec).Code)
}

func TestBadInput(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/sessions", createSessionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.createSession(t)
	rec = s.do(t, http.MethodPost, "/api/sessions/session-P1/participants", joinRequest{UserID: "u2", Role: "root"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/sessions/session-P1/events?since=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLockLifecycle(t *testing.T) {
	s := newTestServer(t)
	s.createSession(t)

	rec := s.do(t, http.MethodPost, "/api/sessions/session-P1/participants", joinRequest{UserID: "u2", DisplayName: "Bo"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, models.RoleEditor, decode[models.Participant](t, rec).Role)

	rec = s.do(t, http.MethodPost, "/api/sessions/session-P1/locks", lockRequest{UserID: "owner", ResourceID: "file-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, decode[models.ResourceLock](t, rec).Exclusive)

	rec = s.do(t, http.MethodPost, "/api/sessions/session-P1/locks", lockRequest{UserID: "u2", ResourceID: "file-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "resource_locked", body.Code)
	assert.Equal(t, "owner", body.HolderID)

	rec = s.do(t, http.MethodGet, "/api/sessions/session-P1/locks/file-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["locked"])

	rec = s.do(t, http.MethodDelete, "/api/sessions/session-P1/locks/file-1?user_id=u2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "u2 does not hold it")

	rec = s.do(t, http.MethodDelete, "/api/sessions/session-P1/locks/file-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/sessions/session-P1/locks/file-1?user_id=owner", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/sessions/session-P1/locks/file-1", nil)
	got := decode[map[string]any](t, rec)
	assert.Equal(t, false, got["locked"])
	assert.Empty(t, got["locks"])
}

func TestRoleChangeAndPause(t *testing.T) {
	s := newTestServer(t)
	s.createSession(t)
	s.do(t, http.MethodPost, "/api/sessions/session-P1/participants", joinRequest{UserID: "u2"})

	rec := s.do(t, http.MethodPut, "/api/sessions/session-P1/participants/owner/role", roleRequest{ActorID: "u2", Role: models.RoleViewer})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/sessions/session-P1/participants/u2/role", roleRequest{ActorID: "owner", Role: models.RoleViewer, Refresh: true})
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[models.Participant](t, rec)
	assert.Equal(t, models.RoleViewer, p.Role)
	assert.Equal(t, []models.Permission{models.PermissionRead}, p.Permissions)

	rec = s.do(t, http.MethodPost, "/api/sessions/session-P1/pause", actorRequest{ActorID: "owner"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.SessionPaused, decode[models.Session](t, rec).State)

	rec = s.do(t, http.MethodPost, "/api/sessions/session-P1/locks", lockRequest{UserID: "owner", ResourceID: "file-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/sessions/session-P1/resume", actorRequest{ActorID: "owner"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

type fakeHistory struct {
	events []models.CollaborationEvent
}

func (f fakeHistory) History(_ context.Context, _ string, since uint64, _ int) ([]models.CollaborationEvent, error) {
	var out []models.CollaborationEvent
	for _, ev := range f.events {
		if ev.SequenceNumber > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func TestEventsFallBackToArchive(t *testing.T) {
	archived := fakeHistory{events: []models.CollaborationEvent{
		{ID: "e1", SessionID: "session-P1", Type: models.EventUserJoined, SequenceNumber: 1},
		{ID: "e2", SessionID: "session-P1", Type: models.EventUserLeft, SequenceNumber: 2},
	}}
	s := newTestServer(t, WithEventHistory(archived))
	s.createSession(t)
	s.do(t, http.MethodPost, "/api/sessions/session-P1/participants", joinRequest{UserID: "u2"})

	rec := s.do(t, http.MethodGet, "/api/sessions/session-P1/events?since=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	live := decode[struct {
		Events []models.CollaborationEvent `json:"events"`
		Source string                      `json:"source"`
	}](t, rec)
	assert.Equal(t, "memory", live.Source)
	require.Len(t, live.Events, 1)
	assert.Equal(t, models.EventUserJoined, live.Events[0].Type)
	assert.Equal(t, uint64(2), live.Events[0].SequenceNumber)

	rec = s.do(t, http.MethodDelete, "/api/sessions/session-P1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/sessions/session-P1/events?since=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	old := decode[struct {
		Events []models.CollaborationEvent `json:"events"`
		Source string                      `json:"source"`
	}](t, rec)
	assert.Equal(t, "archive", old.Source)
	require.Len(t, old.Events, 1)
	assert.Equal(t, "e2", old.Events[0].ID)
}

func TestStatsAndHealth(t *testing.T) {
	s := newTestServer(t)
	s.createSession(t)

	rec := s.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, stats["sessions"])
}

func TestPresenceFromMemory(t *testing.T) {
	s := newTestServer(t)
	s.createSession(t)

	rec := s.do(t, http.MethodGet, "/api/sessions/session-P1/presence", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "memory", decode[map[string]any](t, rec)["source"])
}

func TestRemoveParticipant(t *testing.T) {
	s := newTestServer(t)
	s.createSession(t)
	s.do(t, http.MethodPost, "/api/sessions/session-P1/participants", joinRequest{UserID: "u2"})

	rec := s.do(t, http.MethodDelete, "/api/sessions/session-P1/participants/u2", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/sessions/session-P1/participants/u2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "participant_not_found", decode[errorBody](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/sessions/session-P1", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "the owner is still in the session")
}

func TestWebSocketConnect(t *testing.T) {
	s := newTestServer(t)
	s.createSession(t)
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws/sessions/session-P1", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+"/ws/sessions/session-nope?user_id=u2", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+"/ws/sessions/session-P1?user_id=u2&user_name=Bo&role=commenter", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first models.SyncMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, models.MessageConnect, first.Type)

	p, err := s.sessions.GetParticipant("session-P1", "u2")
	require.NoError(t, err)
	assert.Equal(t, models.RoleCommenter, p.Role)
	assert.Equal(t, "Bo", p.DisplayName)
}

func TestWebSocketOriginCheck(t *testing.T) {
	dialWithOrigin := func(t *testing.T, s *testServer, origin string) (*websocket.Conn, *http.Response, error) {
		srv := httptest.NewServer(s.router)
		t.Cleanup(srv.Close)
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/session-P1?user_id=u2"
		return websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{origin}})
	}

	t.Run("allow list", func(t *testing.T) {
		s := newTestServer(t, WithAllowedOrigins([]string{"https://app.example.com/"}))
		s.createSession(t)

		_, resp, err := dialWithOrigin(t, s, "https://evil.example.com")
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		conn, _, err := dialWithOrigin(t, s, "https://app.example.com")
		require.NoError(t, err)
		_ = conn.Close()
	})

	t.Run("same origin by default", func(t *testing.T) {
		s := newTestServer(t)
		s.createSession(t)

		_, resp, err := dialWithOrigin(t, s, "https://evil.example.com")
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("wildcard", func(t *testing.T) {
		s := newTestServer(t, WithAllowedOrigins([]string{"*"}))
		s.createSession(t)

		conn, _, err := dialWithOrigin(t, s, "https://anywhere.example.com")
		require.NoError(t, err)
		_ = conn.Close()
	})
}
