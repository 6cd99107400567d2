package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tasklane/platform/internal/platform/auth"
	"github.com/tasklane/platform/internal/platform/metrics"
)

var (
	connectionsGauge = metrics.NewGauge(metrics.Opts{
		Name: "tasklane_ws_connections",
		Help: "Open websocket connections.",
	})

	framesDropped = metrics.NewCounter(metrics.Opts{
		Name: "tasklane_ws_frames_dropped_total",
		Help: "Outbound frames dropped because a client's buffer was full.",
	})

	fanoutTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "tasklane_ws_fanout_total",
		Help: "Frames fanned out to subscribed connections.",
	}, []string{"type"})
)

func init() {
	metrics.Default.MustRegister(connectionsGauge, framesDropped, fanoutTotal)
}

// TokenParser is the slice of auth.Manager the gateway consumes.
type TokenParser interface {
	Parse(token string) (auth.Claims, error)
}

// Gateway owns the websocket surface: handshake and auth, the per
// connection read loop, and fanout of consumed events to the registry.
type Gateway struct {
	Registry *Registry
	Auth     TokenParser

	NewID    func() string
	NewToken func() string
	Now      func() time.Time

	upgrader websocket.Upgrader
}

func New(registry *Registry, tokenParser TokenParser) *Gateway {
	return &Gateway{
		Registry: registry,
		Auth:     tokenParser,
		NewID:    uuid.NewString,
		NewToken: uuid.NewString,
		Now:      func() time.Time { return time.Now().UTC() },
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleWS is the websocket endpoint. Credentials ride in the query
// string because browsers cannot set headers on websocket dials.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}

	claims, err := g.Auth.Parse(r.URL.Query().Get("token"))
	if err != nil {
		g.rejectAuth(ws, err)
		return
	}
	userID := claims.Subject

	scopes, resumed := g.Registry.Resume(r.URL.Query().Get("reconnectToken"), userID)

	// The reconnect token rotates every handshake; a consumed token is
	// never valid twice.
	c := newConn(g.NewID(), userID, g.NewToken(), ws)
	if resumed {
		c.Subscribe(scopes)
	}
	g.Registry.Register(c)
	connectionsGauge.Inc()
	log.Printf("ws connected: conn=%s user=%s resumed=%t", c.ID, userID, resumed)

	go c.writePump()
	c.SendMessage(ServerMessage{Type: MsgConnectionAck, Payload: ConnectionAckPayload{
		ConnectionID:   c.ID,
		UserID:         userID,
		ServerTime:     g.Now(),
		ReconnectToken: c.ReconnectToken,
		Resumed:        resumed,
	}})

	g.readLoop(c)

	g.Registry.Deregister(c)
	c.Close()
	connectionsGauge.Dec()
	log.Printf("ws disconnected: conn=%s user=%s", c.ID, userID)
}

func (g *Gateway) rejectAuth(ws *websocket.Conn, err error) {
	frame, _ := marshalServerMessage(ServerMessage{Type: MsgError, Payload: ErrorPayload{
		Code:    "AUTH_FAILED",
		Message: "invalid or expired token",
	}})
	deadline := time.Now().Add(writeTimeout)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.WriteMessage(websocket.TextMessage, frame)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseAuthFailure, "authentication failed"), deadline)
	_ = ws.Close()
	log.Printf("ws auth rejected: %v", err)
}

// readLoop consumes client frames until the peer goes away. The read
// deadline doubles as the heartbeat grace: any frame or pong extends
// it, silence past pongWait drops the connection.
func (g *Gateway) readLoop(c *Conn) {
	c.ws.SetReadLimit(64 << 10)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			c.SendMessage(ServerMessage{Type: MsgError, Payload: ErrorPayload{
				Code:    "INVALID_MESSAGE",
				Message: "frame is not valid JSON",
			}})
			continue
		}
		g.dispatch(c, msg)
	}
}

func (g *Gateway) dispatch(c *Conn, msg ClientMessage) {
	switch msg.Type {
	case MsgPing:
		c.SendMessage(ServerMessage{Type: MsgPong, Payload: PongPayload{
			ClientTimestamp: msg.Timestamp,
			ServerTimestamp: g.Now().UnixMilli(),
		}})
	case MsgSubscribe:
		var payload SubscribePayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				c.SendMessage(ServerMessage{Type: MsgError, Payload: ErrorPayload{
					Code:    "INVALID_MESSAGE",
					Message: "subscribe payload is malformed",
				}})
				return
			}
		}
		c.Subscribe(payload.Scopes)
		_, scopes := c.Subscription()
		c.SendMessage(ServerMessage{Type: MsgSubscriptionAck, Payload: SubscriptionAckPayload{
			Scopes:     scopes,
			Subscribed: true,
		}})
	case MsgUnsubscribe:
		c.Unsubscribe()
	default:
		c.SendMessage(ServerMessage{Type: MsgError, Payload: ErrorPayload{
			Code:    "INVALID_MESSAGE",
			Message: "unknown message type: " + msg.Type,
		}})
	}
}

// Broadcast sends one frame to every subscribed connection of the
// user. Returns how many connections took it.
func (g *Gateway) Broadcast(userID string, msgType string, payload any) int {
	frame, err := marshalServerMessage(ServerMessage{Type: msgType, Payload: payload})
	if err != nil {
		log.Printf("broadcast marshal failed: %v", err)
		return 0
	}

	sent := 0
	for _, c := range g.Registry.ForUser(userID) {
		subscribed, _ := c.Subscription()
		if !subscribed {
			continue
		}
		if c.Send(frame) {
			sent++
		} else {
			framesDropped.Inc()
		}
	}
	if sent > 0 {
		fanoutTotal.WithLabelValues(msgType).Add(float64(sent))
	}
	return sent
}
