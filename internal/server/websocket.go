// -----------------------------------------------------------------------
// Adapted from the teacher's internal/handlers/websocket.go: a connected-
// client registry broadcasting push events over gorilla/websocket, fed by
// interfaces.EventService subscriptions instead of crawler progress.
// -----------------------------------------------------------------------

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/liidi/scoutd/internal/interfaces"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local desktop client only, loopback-bound server
	},
}

// WSMessage is the envelope sent to every connected client: Type mirrors
// the interfaces.EventType that produced it.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WebSocketHandler fans every published scheduler event out to connected
// clients on /events (SPEC_FULL.md §5's push-event channel).
type WebSocketHandler struct {
	logger      arbor.ILogger
	clients     map[*websocket.Conn]bool
	clientMutex map[*websocket.Conn]*sync.Mutex
	mu          sync.RWMutex
	events      interfaces.EventService
}

// NewWebSocketHandler constructs a handler and subscribes it to every
// scheduler event type the server forwards to clients.
func NewWebSocketHandler(events interfaces.EventService, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:      logger,
		clients:     make(map[*websocket.Conn]bool),
		clientMutex: make(map[*websocket.Conn]*sync.Mutex),
		events:      events,
	}
	if events != nil {
		h.subscribeAll()
	}
	return h
}

func (h *WebSocketHandler) subscribeAll() {
	eventTypes := []interfaces.EventType{
		interfaces.EventJobCreated,
		interfaces.EventJobStatusChanged,
		interfaces.EventJobLogsAppended,
		interfaces.EventLeadUpdated,
		interfaces.EventPersonUpdated,
		interfaces.EventLeadScored,
		interfaces.EventPeopleBulkCreated,
		interfaces.EventCompanyProfileUpdated,
	}
	for _, eventType := range eventTypes {
		et := eventType
		_ = h.events.Subscribe(et, func(ctx context.Context, event interfaces.Event) error {
			h.broadcast(WSMessage{Type: string(et), Payload: event.Payload})
			return nil
		})
	}
}

// HandleWebSocket upgrades the connection and registers the client until
// it disconnects.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Info().Int("clients", clientCount).Msg("Event stream client connected")

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Info().Int("clients", remaining).Msg("Event stream client disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("Event stream read error")
			}
			break
		}
	}
}

func (h *WebSocketHandler) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal event message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()
		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to send event to client")
		}
	}
}
