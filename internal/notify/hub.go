package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xtrntr/spotex/internal/models"
)

const writeWait = 5 * time.Second

// WSClient is one websocket connection of a user
type WSClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *WSClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub keeps the open websocket connections of each user and pushes
// notifications to the ones belonging to a trade's parties.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[int64]map[*WSClient]struct{}
}

func NewHub(allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)},
		logger:   logger,
		clients:  make(map[int64]map[*WSClient]struct{}),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Serve upgrades the request and holds the connection open for userID
// until the client goes away.
func (h *Hub) Serve(userID int64, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := &WSClient{conn: conn}
	h.add(userID, client)
	h.logger.Debug("websocket connected", "user_id", userID)

	defer func() {
		h.remove(userID, client)
		conn.Close()
		h.logger.Debug("websocket disconnected", "user_id", userID)
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) add(userID int64, c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[userID]
	if !ok {
		set = make(map[*WSClient]struct{})
		h.clients[userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(userID int64, c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[userID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, userID)
	}
}

// Connections returns how many sockets userID has open.
func (h *Hub) Connections(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Notify writes the event to every connection of both parties. Users with
// no connection are skipped; a dead connection is dropped, not retried.
func (h *Hub) Notify(_ context.Context, n models.Notification) error {
	data, err := json.Marshal(Event{Event: EventOrderMatched, Data: n})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	for _, userID := range n.Recipients() {
		h.mu.RLock()
		targets := make([]*WSClient, 0, len(h.clients[userID]))
		for c := range h.clients[userID] {
			targets = append(targets, c)
		}
		h.mu.RUnlock()

		for _, c := range targets {
			if err := c.write(data); err != nil {
				h.logger.Warn("websocket write failed", "user_id", userID, "error", err)
				h.remove(userID, c)
				c.conn.Close()
			}
		}
	}
	return nil
}
