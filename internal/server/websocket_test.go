package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/liidi/scoutd/internal/interfaces"
	"github.com/liidi/scoutd/internal/services/events"
)

func TestWebSocketHandler_BroadcastsPublishedEventToConnectedClient(t *testing.T) {
	logger := arbor.NewLogger()
	evts := events.NewService(logger)
	t.Cleanup(func() { evts.Close() })

	handler := NewWebSocketHandler(evts, logger)
	httpServer := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(httpServer.Close)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Give HandleWebSocket's registration goroutine a moment to run before
	// publishing, since registration happens after the upgrade completes.
	require.Eventually(t, func() bool {
		handler.mu.RLock()
		defer handler.mu.RUnlock()
		return len(handler.clients) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, evts.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobStatusChanged,
		Payload: map[string]interface{}{"job_id": "job-1", "status": "completed"},
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), "job-status-changed")
	require.Contains(t, string(data), "job-1")
}

func TestWebSocketHandler_ClientDisconnectIsRemovedFromRegistry(t *testing.T) {
	logger := arbor.NewLogger()
	evts := events.NewService(logger)
	t.Cleanup(func() { evts.Close() })

	handler := NewWebSocketHandler(evts, logger)
	httpServer := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(httpServer.Close)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		handler.mu.RLock()
		defer handler.mu.RUnlock()
		return len(handler.clients) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		handler.mu.RLock()
		defer handler.mu.RUnlock()
		return len(handler.clients) == 0
	}, time.Second, 10*time.Millisecond)
}
