package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/metrics"
	"github.com/hadrianai/hadrian/internal/services/auth"
	"github.com/hadrianai/hadrian/internal/services/events"
)

const sessionCookieName = "hadrian_session"

// WSHandler upgrades clients onto the event bus. Each connection holds its
// own bus subscription and topic filter; slow clients lose events rather
// than stall publishers.
type WSHandler struct {
	bus      *events.Bus
	keys     *auth.KeyCache
	sessions auth.SessionStore
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewWSHandler(bus *events.Bus, keys *auth.KeyCache, sessions auth.SessionStore, cfg config.WebSocketConfig, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	return &WSHandler{
		bus:      bus,
		keys:     keys,
		sessions: sessions,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser clients cannot set Authorization headers on WebSocket
			// upgrades, so origin policy is enforced by the CORS middleware
			// in front of the router.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// clientFrame is anything the client sends after the upgrade.
type clientFrame struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
}

type serverFrame struct {
	Type    string        `json:"type"`
	Topics  []string      `json:"topics,omitempty"`
	Event   *events.Event `json:"event,omitempty"`
	Lagged  uint64        `json:"lagged,omitempty"`
	Message string        `json:"message,omitempty"`
}

type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	topicMu sync.RWMutex
	topics  map[events.Topic]struct{}
}

func (c *wsClient) write(frame serverFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(frame)
}

func (c *wsClient) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

// initialTopics seeds the subscription set from the upgrade query
// (`?topics=audit,usage`). Absent or unparseable values subscribe to
// everything.
func initialTopics(raw string) map[events.Topic]struct{} {
	topics := map[events.Topic]struct{}{}
	for _, name := range strings.Split(raw, ",") {
		if topic, ok := events.ParseTopic(strings.TrimSpace(name)); ok {
			topics[topic] = struct{}{}
		}
	}
	if len(topics) == 0 {
		topics[events.TopicAll] = struct{}{}
	}
	return topics
}

func (c *wsClient) topicNames() []string {
	c.topicMu.RLock()
	defer c.topicMu.RUnlock()
	names := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		names = append(names, string(topic))
	}
	sort.Strings(names)
	return names
}

func (c *wsClient) wants(topic events.Topic) bool {
	c.topicMu.RLock()
	defer c.topicMu.RUnlock()
	if _, ok := c.topics[events.TopicAll]; ok {
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

func (c *wsClient) setTopics(names []string, subscribe bool) []string {
	c.topicMu.Lock()
	defer c.topicMu.Unlock()
	applied := make([]string, 0, len(names))
	for _, name := range names {
		topic, ok := events.ParseTopic(name)
		if !ok {
			continue
		}
		if subscribe {
			c.topics[topic] = struct{}{}
		} else {
			delete(c.topics, topic)
		}
		applied = append(applied, string(topic))
	}
	return applied
}

// Serve authenticates and upgrades the request, then pumps events until the
// client goes away.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	if h.cfg.RequireAuth && !h.authenticate(r) {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "valid API key or session required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn:   conn,
		topics: initialTopics(r.URL.Query().Get("topics")),
	}
	sub := h.bus.Subscribe()
	metrics.WSConnections.Inc()
	defer func() {
		sub.Unsubscribe()
		metrics.WSConnections.Dec()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	_ = client.write(serverFrame{Type: "connected", Topics: client.topicNames()})

	done := make(chan struct{})
	go h.pumpEvents(client, sub, done)

	h.readLoop(client)
	close(done)
}

// authenticate accepts an API key (query token or bearer header) or a
// session cookie.
func (h *WSHandler) authenticate(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if token == "" {
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
	}
	if token != "" && h.keys != nil {
		if _, err := h.keys.Authenticate(r.Context(), token); err == nil {
			return true
		}
	}

	if h.sessions != nil {
		if cookie, err := r.Cookie(sessionCookieName); err == nil {
			session, err := h.sessions.Lookup(r.Context(), cookie.Value)
			if err == nil && session != nil && session.ExpiresAt.After(time.Now()) {
				return true
			}
		}
	}
	return false
}

// pumpEvents forwards bus deliveries matching the client's topic filter and
// keeps the connection alive with pings.
func (h *WSHandler) pumpEvents(client *wsClient, sub *events.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case delivery, ok := <-sub.C():
			if !ok {
				return
			}
			if !client.wants(delivery.Event.Topic) {
				continue
			}
			if delivery.Lagged > 0 {
				h.logger.Warn("websocket subscriber lagged",
					zap.Uint64("dropped", delivery.Lagged))
			}
			evt := delivery.Event
			if err := client.write(serverFrame{Type: "event", Event: &evt, Lagged: delivery.Lagged}); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.writePing(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *WSHandler) readLoop(client *wsClient) {
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = client.write(serverFrame{Type: "error", Message: "malformed frame"})
			continue
		}

		switch frame.Type {
		case "subscribe":
			applied := client.setTopics(frame.Topics, true)
			_ = client.write(serverFrame{Type: "subscribed", Topics: applied})
		case "unsubscribe":
			applied := client.setTopics(frame.Topics, false)
			_ = client.write(serverFrame{Type: "unsubscribed", Topics: applied})
		case "ping":
			_ = client.write(serverFrame{Type: "pong"})
		default:
			_ = client.write(serverFrame{Type: "error", Message: "unknown frame type " + frame.Type})
		}
	}
}
