package api

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"futures-signal-engine/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The UI connects from a different origin in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventHub pushes engine events to connected UI clients over websocket.
type eventHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan events.Event
	logger  zerolog.Logger
}

func newEventHub(bus *events.Bus, logger zerolog.Logger) *eventHub {
	h := &eventHub{
		clients: make(map[*websocket.Conn]chan events.Event),
		logger:  logger.With().Str("component", "event-hub").Logger(),
	}
	bus.SubscribeAll(h.broadcast)
	return h
}

// broadcast fans an event out to every client. Slow clients drop events
// instead of blocking the bus.
func (h *eventHub) broadcast(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *eventHub) handleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	ch := make(chan events.Event, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	go h.writeLoop(conn, ch)
	go h.readLoop(conn)
}

func (h *eventHub) writeLoop(conn *websocket.Conn, ch chan events.Event) {
	defer h.drop(conn)
	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// readLoop drains control frames and detects disconnects.
func (h *eventHub) readLoop(conn *websocket.Conn) {
	defer h.drop(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *eventHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	ch, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
		conn.Close()
	}
}
