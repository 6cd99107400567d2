package gateway

import (
	"encoding/json"
	"time"
)

// Client to server message types.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPing        = "ping"
)

// Server to client message types.
const (
	MsgConnectionAck   = "connection_ack"
	MsgSubscriptionAck = "subscription_ack"
	MsgTaskUpdate      = "task_update"
	MsgReminderDue     = "reminder_due"
	MsgPong            = "pong"
	MsgError           = "error"
)

// CloseAuthFailure is terminal: clients must not auto-reconnect after
// receiving it. Every other close code is treated as transient.
const CloseAuthFailure = 4001

// ScopeOwnTasks is the default subscription scope.
const ScopeOwnTasks = "own_tasks"

// ClientMessage is one inbound frame.
type ClientMessage struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is one outbound frame.
type ServerMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type SubscribePayload struct {
	Scopes []string `json:"scopes"`
}

type ConnectionAckPayload struct {
	ConnectionID   string    `json:"connectionId"`
	UserID         string    `json:"userId"`
	ServerTime     time.Time `json:"serverTime"`
	ReconnectToken string    `json:"reconnectToken"`
	Resumed        bool      `json:"resumed,omitempty"`
}

type SubscriptionAckPayload struct {
	Scopes     []string `json:"scopes"`
	Subscribed bool     `json:"subscribed"`
}

type PongPayload struct {
	ClientTimestamp int64 `json:"clientTimestamp,omitempty"`
	ServerTimestamp int64 `json:"serverTimestamp"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func marshalServerMessage(msg ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}
