package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 90 * time.Second

	sendBuffer = 32
)

// Conn is one client session. The write pump is the only goroutine
// touching the socket for writes; everyone else goes through the send
// channel, which drops on overflow so a slow client only loses its own
// frames.
type Conn struct {
	ID             string
	UserID         string
	ReconnectToken string

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu         sync.Mutex
	subscribed bool
	scopes     []string
}

func newConn(id, userID, reconnectToken string, ws *websocket.Conn) *Conn {
	return &Conn{
		ID:             id,
		UserID:         userID,
		ReconnectToken: reconnectToken,
		ws:             ws,
		send:           make(chan []byte, sendBuffer),
		done:           make(chan struct{}),
	}
}

// Send queues a marshaled frame. Returns false when the buffer is full
// or the connection is closing; the frame is dropped either way.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) SendMessage(msg ServerMessage) bool {
	frame, err := marshalServerMessage(msg)
	if err != nil {
		return false
	}
	return c.Send(frame)
}

// Close stops the write pump and closes the socket.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) Subscribe(scopes []string) {
	if len(scopes) == 0 {
		scopes = []string{ScopeOwnTasks}
	}
	c.mu.Lock()
	c.subscribed = true
	c.scopes = scopes
	c.mu.Unlock()
}

func (c *Conn) Unsubscribe() {
	c.mu.Lock()
	c.subscribed = false
	c.mu.Unlock()
}

func (c *Conn) Subscription() (bool, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	scopes := make([]string, len(c.scopes))
	copy(scopes, c.scopes)
	return c.subscribed, scopes
}

// writePump owns the socket's write side: queued frames and protocol
// pings, each under a write deadline.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
