// Package websocket pushes fired reminders to the live sessions of their
// owner. Every connection is pinned to the topic of the authenticated owner.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/salus/reminders/internal/platform/auth"
)

// EventReminder is the type of events carrying a fired reminder.
const EventReminder = "reminder.fired"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

// ErrNoSession is returned by Push when no live session took the event.
var ErrNoSession = errors.New("websocket: owner has no live session")

// Event is the JSON frame sent to clients.
type Event struct {
	Type      string         `json:"type"`
	Topic     string         `json:"topic"`
	Title     string         `json:"title,omitempty"`
	Body      string         `json:"body,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// OwnerTopic is the topic every session of ownerID listens on.
func OwnerTopic(ownerID string) string {
	return "owner:" + ownerID
}

// Client is a single connection.
type Client struct {
	ID    string
	Topic string
	Send  chan []byte
}

// Hub tracks connected clients by topic. Safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	now     func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		now:     time.Now,
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	if h.clients[client.Topic] == nil {
		h.clients[client.Topic] = make(map[*Client]struct{})
	}
	h.clients[client.Topic][client] = struct{}{}
}

// Unregister removes the client and closes its Send channel. Unregistering
// twice is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	if subscribers, ok := h.clients[client.Topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, client.Topic)
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// Broadcast queues event for every client of topic and returns how many
// took it. Clients with a full buffer are skipped.
func (h *Hub) Broadcast(topic string, event Event) (int, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
			delivered++
		default:
		}
	}
	return delivered, nil
}

// Push sends a fired reminder to the live sessions of ownerID.
func (h *Hub) Push(_ context.Context, ownerID, title, body string, data map[string]any) error {
	topic := OwnerTopic(ownerID)
	n, err := h.Broadcast(topic, Event{
		Type:      EventReminder,
		Topic:     topic,
		Title:     title,
		Body:      body,
		Timestamp: h.now().UTC(),
		Data:      data,
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoSession
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Handler upgrades authenticated requests and wires them into the hub.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler accepts upgrades from the given origins. "*" allows any origin;
// requests without an Origin header are always accepted.
func NewHandler(hub *Hub, origins []string, logger zerolog.Logger) *Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
		logger: logger,
	}
}

func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

func (wsh *Handler) HandleConnect(c echo.Context) error {
	owner := auth.OwnerFromContext(c.Request().Context())
	if owner == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing owner")
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		wsh.logger.Debug().Err(err).Str("owner_id", owner).Msg("websocket upgrade failed")
		return nil
	}

	client := &Client{
		ID:    uuid.NewString(),
		Topic: OwnerTopic(owner),
		Send:  make(chan []byte, sendBuffer),
	}
	wsh.hub.Register(client)
	wsh.logger.Debug().Str("owner_id", owner).Str("client_id", client.ID).Msg("websocket connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

// readPump only watches for pongs and the close frame; clients have nothing
// to say.
func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, nil)
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
