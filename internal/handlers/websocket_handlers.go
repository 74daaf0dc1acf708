package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/sand/solana-trading-bot/backend/internal/core/ports"
	"github.com/sand/solana-trading-bot/backend/internal/entities"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

var _ ports.TradeEvents = (*Manager)(nil)

// TradeEvent is the frame pushed to feed subscribers.
type TradeEvent struct {
	Type  string         `json:"type"`
	Trade entities.Trade `json:"trade"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Manager fans trade snapshots out to websocket subscribers. Slow clients
// are dropped instead of stalling the publisher.
type Manager struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewWebSocketManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger: logger.With("component", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

func (m *Manager) Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return m.upgrader.Upgrade(w, r, nil)
}

// Publish implements ports.TradeEvents.
func (m *Manager) Publish(trade entities.Trade) {
	data, err := json.Marshal(TradeEvent{Type: "trade", Trade: trade})
	if err != nil {
		m.logger.Error("Failed to encode trade event", "trade_id", trade.ID, "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.clients {
		select {
		case c.send <- data:
		default:
			m.logger.Warn("Dropping slow websocket subscriber")
			m.removeLocked(c)
		}
	}
}

func (m *Manager) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *Manager) add(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	m.mu.Lock()
	m.clients[c] = struct{}{}
	total := len(m.clients)
	m.mu.Unlock()
	m.logger.Info("Subscriber connected", "clients", total)
	return c
}

func (m *Manager) remove(c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(c)
}

func (m *Manager) removeLocked(c *client) {
	if _, ok := m.clients[c]; !ok {
		return
	}
	delete(m.clients, c)
	close(c.send)
	m.logger.Info("Subscriber disconnected", "clients", len(m.clients))
}

// Close disconnects every subscriber.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.clients {
		m.removeLocked(c)
	}
}

type WebSocketHandler struct {
	logger  *slog.Logger
	manager *Manager
	auth    *AdminAuth
}

func NewWebSocketHandler(logger *slog.Logger, manager *Manager, auth *AdminAuth) *WebSocketHandler {
	return &WebSocketHandler{
		logger:  logger,
		manager: manager,
		auth:    auth,
	}
}

func (h *WebSocketHandler) RegisterRoutes(router *mux.Router) {
	router.Handle("/ws/trades", h.auth.Middleware(http.HandlerFunc(h.HandleConnection))).Methods(http.MethodGet)
}

// HandleConnection streams trade events until the peer goes away. The feed
// is read-only; inbound frames are discarded.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.manager.Upgrade(w, r)
	if err != nil {
		h.logger.Error("Error upgrading connection", "error", err)
		return
	}

	c := h.manager.add(conn)
	h.logger.Info("New WebSocket connection", "admin", AdminSubject(r.Context()))

	go h.writePump(c)

	defer func() {
		h.manager.remove(c)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket connection closed", "error", err)
			}
			return
		}
	}
}

func (h *WebSocketHandler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
