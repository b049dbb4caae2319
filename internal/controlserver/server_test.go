package controlserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjoeboo/relaydeck/internal/config"
	"github.com/sjoeboo/relaydeck/internal/gateway"
	"github.com/sjoeboo/relaydeck/internal/relay"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.Aggregator.ShortTimeoutSecs = 3600
	cfg.Aggregator.LongTimeoutSecs = 3600
	cfg.Aggregator.BurstWindowSecs = 30
	cfg.Aggregator.MaxBufferSize = 100
	cfg.Claude.Command = "claude"
	cfg.Claude.ReplyWaitSecs = 3600
	cfg.Bridge.Dir = t.TempDir()
	cfg.Bridge.PollIntervalMs = 100000

	sink := gateway.SinkFunc(func(conversationID, text string) error { return nil })
	r, err := relay.New(cfg, sink, nil)
	require.NoError(t, err)
	return New(0, r)
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st relay.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Empty(t, st.Buffers)
}

func TestStatusRejectsPost(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHookEndpointAcceptsStopEvent(t *testing.T) {
	s := newTestServer(t)

	body := `{"hook_event_name":"Stop","session_id":"abc123"}`
	req := httptest.NewRequest(http.MethodPost, "/hooks", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHookEndpointToleratesGarbage(t *testing.T) {
	s := newTestServer(t)

	for _, body := range []string{"", "{broken", `{"unrelated": true}`} {
		req := httptest.NewRequest(http.MethodPost, "/hooks", strings.NewReader(body))
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "body %q", body)
	}
}

func TestHookEndpointRejectsGet(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/hooks", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEventsStreamDeliversHookEvents(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server a beat to register the client.
	time.Sleep(50 * time.Millisecond)

	body := `{"hook_event_name":"Stop","session_id":"abc123"}`
	resp, err := http.Post(ts.URL+"/hooks", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "hook", ev.Type)
	assert.Equal(t, "abc123", ev.Session)
	assert.Equal(t, "Stop", ev.Event)
}
