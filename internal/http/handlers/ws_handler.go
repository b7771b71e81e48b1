package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/autobb888/verus-agent-platform/internal/events"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// WSHub pushes QR challenge updates to the browser showing that challenge, so
// it can poll status (and collect the cookie) right away instead of on a timer.
// Events arrive over redis, so any api instance can serve the socket.
type WSHub struct {
	subscriber  events.Subscriber
	log         *zap.Logger
	mu          sync.RWMutex
	connections map[string][]*wsConn
}

// wsConn serialises writes; the websocket conn is not safe for concurrent writers.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func NewWSHub(subscriber events.Subscriber, log *zap.Logger) *WSHub {
	return &WSHub{
		subscriber:  subscriber,
		log:         log,
		connections: make(map[string][]*wsConn),
	}
}

func (h *WSHub) Start(ctx context.Context) error {
	return h.subscriber.Subscribe(ctx, events.StreamAuth, h.dispatch)
}

func (h *WSHub) dispatch(event events.Event) {
	if event.Type != events.EventQRSigned && event.Type != events.EventQRCompleted {
		return
	}
	id, _ := event.Payload["challenge_id"].(string)
	if id == "" {
		return
	}
	h.SendToChallenge(id, event)
}

func (h *WSHub) SendToChallenge(challengeID string, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	conns := append([]*wsConn(nil), h.connections[challengeID]...)
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.write(data); err != nil {
			h.log.Debug("ws write failed", zap.String("challenge_id", challengeID), zap.Error(err))
		}
	}
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

// HandleWS serves /ws/qr/:id. The socket only ever receives; knowing the
// challenge id is enough because events carry no secrets.
func (h *WSHub) HandleWS(conn *websocket.Conn) {
	challengeID := conn.Params("id")
	if challengeID == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing challenge id"}`))
		conn.Close()
		return
	}

	wc := &wsConn{conn: conn}
	h.mu.Lock()
	h.connections[challengeID] = append(h.connections[challengeID], wc)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		conns := h.connections[challengeID]
		for i, c := range conns {
			if c == wc {
				h.connections[challengeID] = append(conns[:i], conns[i+1:]...)
				break
			}
		}
		if len(h.connections[challengeID]) == 0 {
			delete(h.connections, challengeID)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	// Read loop (keep alive / pings)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
