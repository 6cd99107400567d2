package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tasklane/platform/internal/contracts"
	"github.com/tasklane/platform/internal/gateway"
)

// Status is the client's connection state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Conn is the slice of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens one websocket connection.
type DialFunc func(ctx context.Context, url string) (Conn, error)

func gorillaDial(ctx context.Context, rawURL string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	return ws, err
}

// Client maintains one logical connection to the gateway: it dials,
// subscribes, pings, and reconnects with capped exponential backoff.
// An auth-failure close (4001) and backoff exhaustion are terminal;
// only Reconnect restarts a terminal client.
type Client struct {
	URL    string
	Token  string
	Scopes []string

	Dial         DialFunc
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	PingInterval time.Duration
	Sleep        func(ctx context.Context, d time.Duration) error
	Now          func() time.Time

	OnUpdate   func(contracts.TaskUpdatePayload)
	OnReminder func(contracts.ReminderDuePayload)
	OnStatus   func(Status)

	mu             sync.Mutex
	status         Status
	reconnectToken string
	conn           Conn
	cancel         context.CancelFunc
	done           chan struct{}
	writeMu        sync.Mutex
}

func New(rawURL, token string) *Client {
	return &Client{
		URL:          rawURL,
		Token:        token,
		Scopes:       []string{gateway.ScopeOwnTasks},
		Dial:         gorillaDial,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
		PingInterval: 30 * time.Second,
		Sleep:        sleepCtx,
		Now:          func() time.Time { return time.Now().UTC() },
		status:       StatusDisconnected,
	}
}

// Connect starts the connection loop. It returns immediately; watch
// OnStatus or Status for progress.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(runCtx)
	}()
}

// Disconnect stops the loop and closes the connection. No reconnect is
// attempted.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	done := c.done
	c.cancel = nil
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	c.setStatus(StatusDisconnected)
}

// Reconnect restarts a terminal client with a fresh attempt budget.
func (c *Client) Reconnect(ctx context.Context) {
	c.Disconnect()
	c.Connect(ctx)
}

// Send writes one message on the live connection. It fails when the
// client is not currently connected.
func (c *Client) Send(msg gateway.ClientMessage) error {
	c.mu.Lock()
	conn := c.conn
	status := c.status
	c.mu.Unlock()
	if conn == nil || status != StatusConnected {
		return errors.New("wsclient: not connected")
	}
	return c.writeJSON(conn, msg)
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	onStatus := c.OnStatus
	c.mu.Unlock()
	if changed && onStatus != nil {
		onStatus(s)
	}
}

func (c *Client) run(ctx context.Context) {
	attempt := 0
	for {
		c.setStatus(StatusConnecting)
		conn, err := c.Dial(ctx, c.dialURL())
		if err == nil {
			attempt = 0
			terminal := c.session(ctx, conn)
			if terminal {
				c.setStatus(StatusError)
				return
			}
		} else {
			log.Printf("ws dial failed: %v", err)
		}
		if ctx.Err() != nil {
			return
		}

		if attempt >= c.MaxAttempts {
			log.Printf("ws reconnect gave up after %d attempts", attempt)
			c.setStatus(StatusError)
			return
		}
		c.setStatus(StatusDisconnected)
		delay := c.backoff(attempt)
		attempt++
		if err := c.Sleep(ctx, delay); err != nil {
			return
		}
	}
}

// backoff is min(base*2^attempt, cap).
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.BaseDelay
	for i := 0; i < attempt && delay < c.MaxDelay; i++ {
		delay *= 2
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// session drives one live connection until it drops. Returns true when
// the drop is terminal.
func (c *Client) session(ctx context.Context, conn Conn) bool {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == gateway.CloseAuthFailure {
				log.Printf("ws closed for auth failure, not reconnecting")
				return true
			}
			if ctx.Err() == nil {
				log.Printf("ws read failed: %v", err)
			}
			return false
		}

		var msg struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(frame, &msg); err != nil {
			log.Printf("ws frame is not valid JSON: %v", err)
			continue
		}

		switch msg.Type {
		case gateway.MsgConnectionAck:
			var ack gateway.ConnectionAckPayload
			if err := json.Unmarshal(msg.Payload, &ack); err != nil {
				log.Printf("connection_ack payload: %v", err)
				continue
			}
			c.mu.Lock()
			c.reconnectToken = ack.ReconnectToken
			c.mu.Unlock()
			c.setStatus(StatusConnected)
			// Resubscribe on every ack; a resumed session tolerates the
			// duplicate.
			if err := c.subscribe(conn); err != nil {
				log.Printf("subscribe failed: %v", err)
				return false
			}
			go c.pingLoop(pingCtx, conn)
		case gateway.MsgTaskUpdate:
			var update contracts.TaskUpdatePayload
			if err := json.Unmarshal(msg.Payload, &update); err != nil {
				log.Printf("task_update payload: %v", err)
				continue
			}
			if c.OnUpdate != nil {
				c.OnUpdate(update)
			}
		case gateway.MsgReminderDue:
			var reminder contracts.ReminderDuePayload
			if err := json.Unmarshal(msg.Payload, &reminder); err != nil {
				log.Printf("reminder_due payload: %v", err)
				continue
			}
			if c.OnReminder != nil {
				c.OnReminder(reminder)
			}
		case gateway.MsgPong, gateway.MsgSubscriptionAck:
			// Nothing to do.
		case gateway.MsgError:
			log.Printf("ws server error: %s", msg.Payload)
		}
	}
}

func (c *Client) subscribe(conn Conn) error {
	payload, err := json.Marshal(gateway.SubscribePayload{Scopes: c.Scopes})
	if err != nil {
		return err
	}
	return c.writeJSON(conn, gateway.ClientMessage{Type: gateway.MsgSubscribe, Payload: payload})
}

func (c *Client) pingLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(c.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := gateway.ClientMessage{Type: gateway.MsgPing, Timestamp: c.Now().UnixMilli()}
			if err := c.writeJSON(conn, msg); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeJSON(conn Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) dialURL() string {
	query := url.Values{}
	query.Set("token", c.Token)
	c.mu.Lock()
	if c.reconnectToken != "" {
		query.Set("reconnectToken", c.reconnectToken)
	}
	c.mu.Unlock()
	return c.URL + "?" + query.Encode()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
