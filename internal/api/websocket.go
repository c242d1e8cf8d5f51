package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"positionbot/internal/events"
	"positionbot/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteDeadline   = 10 * time.Second
	wsReadDeadline    = 60 * time.Second
	wsPingInterval    = 30 * time.Second
	wsSendBuffer      = 256
	wsBroadcastBuffer = 4096
)

// wsClient is one connected dashboard browser.
type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *wsHub
	closeChan chan struct{}
}

// wsHub fans the five domain event types out to every connected dashboard.
// This surface serves an ops dashboard with at most a handful of concurrent
// viewers rather than a market-data firehose, so client bookkeeping is a
// plain mutex-guarded map instead of a register/unregister actor loop; only
// the fan-out itself is buffered through a channel, so a publish from the
// event bus never blocks on a slow client's send buffer filling up.
type wsHub struct {
	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	outgoing chan []byte

	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// newWSHub builds a hub whose upgrader rejects cross-origin handshakes
// unless allowedOrigins is empty (dev mode, accept anything) or contains
// "*" or a case-insensitive match for the request's Origin header.
func newWSHub(allowedOrigins []string) *wsHub {
	h := &wsHub{
		clients:        make(map[*wsClient]struct{}),
		outgoing:       make(chan []byte, wsBroadcastBuffer),
		allowedOrigins: allowedOrigins,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *wsHub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (h *wsHub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *wsHub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// run drains outgoing and fans each message to every registered client,
// dropping (and unregistering) any client whose send buffer is still full.
func (h *wsHub) run() {
	for msg := range h.outgoing {
		h.mu.Lock()
		for c := range h.clients {
			select {
			case c.send <- msg:
			default:
				delete(h.clients, c)
				close(c.send)
			}
		}
		h.mu.Unlock()
	}
}

func (h *wsHub) broadcastEvent(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logging.Component("api").Warn().Err(err).Msg("failed to marshal event for websocket broadcast")
		return
	}
	select {
	case h.outgoing <- data:
	default:
		logging.Component("api").Warn().Msg("websocket broadcast channel full, dropping event")
	}
}

func (h *wsHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
		// dashboard clients are read-only subscribers; anything they send is drained, not processed
	}
}

// initWebSocket builds and starts a hub subscribed to every domain event.
func initWebSocket(bus *events.EventBus, allowedOrigins []string) *wsHub {
	h := newWSHub(allowedOrigins)
	go h.run()
	bus.SubscribeAll(func(event events.Event) {
		h.broadcastEvent(event)
	})
	return h
}

// handleEventsWebSocket upgrades GET /ws/events and streams domain events.
func (s *Server) handleEventsWebSocket(c *gin.Context) {
	conn, err := s.wsHub.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Component("api").Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn:      conn,
		send:      make(chan []byte, wsSendBuffer),
		hub:       s.wsHub,
		closeChan: make(chan struct{}),
	}
	client.hub.register(client)

	go client.writePump()
	go client.readPump()
}
