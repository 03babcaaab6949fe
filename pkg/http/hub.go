package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/metrics"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 256
)

// hubClient is one live coaching subscriber. It follows either a single
// call or every call of a team.
type hubClient struct {
	hub    *CoachingHub
	conn   *websocket.Conn
	send   chan []byte
	callID string
	teamID string
}

// CoachingHub fans coaching events out to closer UIs over WebSocket.
type CoachingHub struct {
	logger   *logrus.Entry
	upgrader websocket.Upgrader

	mutex           sync.RWMutex
	clients         map[*hubClient]bool
	callSubscribers map[string]map[*hubClient]bool
	teamSubscribers map[string]map[*hubClient]bool
}

// NewCoachingHub creates a hub. An empty allowedOrigins accepts any origin.
func NewCoachingHub(allowedOrigins []string, logger *logrus.Logger) *CoachingHub {
	return &CoachingHub{
		logger:          logger.WithField("component", "coaching_hub"),
		upgrader:        newUpgrader(allowedOrigins),
		clients:         make(map[*hubClient]bool),
		callSubscribers: make(map[string]map[*hubClient]bool),
		teamSubscribers: make(map[string]map[*hubClient]bool),
	}
}

// Name identifies the sink in metrics.
func (h *CoachingHub) Name() string {
	return "coaching_hub"
}

// Publish delivers event to the call's subscribers and the team's
// subscribers. Slow clients are dropped rather than blocking the caller.
func (h *CoachingHub) Publish(ctx context.Context, event coaching.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	// Sends happen under the read lock so unregister cannot close a
	// channel mid-send.
	var slow []*hubClient
	h.mutex.RLock()
	for _, subscribers := range []map[*hubClient]bool{h.callSubscribers[event.CallID], h.teamSubscribers[event.TeamID]} {
		for c := range subscribers {
			select {
			case c.send <- data:
			default:
				slow = append(slow, c)
			}
		}
	}
	h.mutex.RUnlock()

	for _, c := range slow {
		h.logger.WithField("call_id", event.CallID).Warn("Dropping slow coaching subscriber")
		h.unregister(c)
	}
	return nil
}

// ServeWs upgrades a subscriber connection. Exactly one of call_id or
// team_id selects what it follows.
func (h *CoachingHub) ServeWs(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	teamID := r.URL.Query().Get("team_id")
	if (callID == "") == (teamID == "") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "exactly one of call_id or team_id is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade connection to WebSocket")
		return
	}

	client := &hubClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, clientSendSize),
		callID: callID,
		teamID: teamID,
	}
	h.register(client)

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected subscribers.
func (h *CoachingHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every subscriber.
func (h *CoachingHub) CloseAll() {
	h.mutex.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mutex.RUnlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

func (h *CoachingHub) register(c *hubClient) {
	h.mutex.Lock()
	h.clients[c] = true
	if c.callID != "" {
		addSubscriber(h.callSubscribers, c.callID, c)
	} else {
		addSubscriber(h.teamSubscribers, c.teamID, c)
	}
	count := len(h.clients)
	h.mutex.Unlock()

	metrics.SetCoachingSubscribers(count)
	h.logger.WithFields(logrus.Fields{
		"call_id": c.callID,
		"team_id": c.teamID,
	}).Info("Coaching subscriber connected")
}

func (h *CoachingHub) unregister(c *hubClient) {
	h.mutex.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		removeSubscriber(h.callSubscribers, c.callID, c)
		removeSubscriber(h.teamSubscribers, c.teamID, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mutex.Unlock()

	if !ok {
		return
	}
	metrics.SetCoachingSubscribers(count)
	h.logger.WithField("call_id", c.callID).Info("Coaching subscriber disconnected")
}

func addSubscriber(index map[string]map[*hubClient]bool, key string, c *hubClient) {
	if _, exists := index[key]; !exists {
		index[key] = make(map[*hubClient]bool)
	}
	index[key][c] = true
}

func removeSubscriber(index map[string]map[*hubClient]bool, key string, c *hubClient) {
	if key == "" {
		return
	}
	if subscribers, exists := index[key]; exists {
		delete(subscribers, c)
		if len(subscribers) == 0 {
			delete(index, key)
		}
	}
}

// readPump discards inbound frames and unregisters the client once the
// connection fails.
func (c *hubClient) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump sends one event per text frame and pings idle connections.
func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// newUpgrader builds an upgrader that checks Origin against allowed.
func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
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
		},
	}
}
