package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tasklane/platform/internal/contracts"
	platformauth "github.com/tasklane/platform/internal/platform/auth"
	"github.com/tasklane/platform/internal/runtime"
)

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server, platformauth.Manager) {
	t.Helper()
	mgr := platformauth.NewManager("secret", time.Hour)
	g := New(NewRegistry(), mgr)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.HandleWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return g, srv, mgr
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg.Type, msg.Payload
}

func signToken(t *testing.T, mgr platformauth.Manager, userID string) string {
	t.Helper()
	token, err := mgr.Sign(userID, userID)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func connectAndAck(t *testing.T, srv *httptest.Server, mgr platformauth.Manager, userID string) (*websocket.Conn, ConnectionAckPayload) {
	t.Helper()
	ws := dial(t, srv, "token="+signToken(t, mgr, userID))
	msgType, payload := readMessage(t, ws)
	if msgType != MsgConnectionAck {
		t.Fatalf("expected connection_ack, got %s", msgType)
	}
	var ack ConnectionAckPayload
	if err := json.Unmarshal(payload, &ack); err != nil {
		t.Fatalf("ack payload: %v", err)
	}
	return ws, ack
}

func subscribe(t *testing.T, ws *websocket.Conn, scopes ...string) {
	t.Helper()
	payload, _ := json.Marshal(SubscribePayload{Scopes: scopes})
	if err := ws.WriteJSON(ClientMessage{Type: MsgSubscribe, Payload: payload}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	msgType, _ := readMessage(t, ws)
	if msgType != MsgSubscriptionAck {
		t.Fatalf("expected subscription_ack, got %s", msgType)
	}
}

func TestHandshake_SendsConnectionAck(t *testing.T) {
	_, srv, mgr := newTestGateway(t)

	_, ack := connectAndAck(t, srv, mgr, "user-1")
	if ack.ConnectionID == "" || ack.UserID != "user-1" || ack.ReconnectToken == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if ack.Resumed {
		t.Fatal("a fresh connection must not be resumed")
	}
}

func TestHandshake_InvalidTokenClosesWith4001(t *testing.T) {
	_, srv, _ := newTestGateway(t)

	ws := dial(t, srv, "token=not-a-token")

	msgType, payload := readMessage(t, ws)
	if msgType != MsgError {
		t.Fatalf("expected error frame, got %s", msgType)
	}
	var errPayload ErrorPayload
	if err := json.Unmarshal(payload, &errPayload); err != nil || errPayload.Code != "AUTH_FAILED" {
		t.Fatalf("unexpected error payload: %s", payload)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != CloseAuthFailure {
		t.Fatalf("expected close %d, got %v", CloseAuthFailure, err)
	}
}

func TestPing_EchoesClientTimestamp(t *testing.T) {
	g, srv, mgr := newTestGateway(t)
	g.Now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }

	ws, _ := connectAndAck(t, srv, mgr, "user-1")
	if err := ws.WriteJSON(ClientMessage{Type: MsgPing, Timestamp: 12345}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	msgType, payload := readMessage(t, ws)
	if msgType != MsgPong {
		t.Fatalf("expected pong, got %s", msgType)
	}
	var pong PongPayload
	if err := json.Unmarshal(payload, &pong); err != nil {
		t.Fatalf("pong payload: %v", err)
	}
	if pong.ClientTimestamp != 12345 || pong.ServerTimestamp == 0 {
		t.Fatalf("unexpected pong: %+v", pong)
	}
}

func TestBroadcast_ReachesOnlySubscribedConnectionsOfUser(t *testing.T) {
	g, srv, mgr := newTestGateway(t)

	subA, _ := connectAndAck(t, srv, mgr, "user-1")
	subscribe(t, subA, ScopeOwnTasks)
	subB, _ := connectAndAck(t, srv, mgr, "user-1")
	subscribe(t, subB, ScopeOwnTasks)
	idle, _ := connectAndAck(t, srv, mgr, "user-1") // never subscribes
	other, _ := connectAndAck(t, srv, mgr, "user-2")
	subscribe(t, other, ScopeOwnTasks)

	sent := g.Broadcast("user-1", MsgTaskUpdate, contracts.TaskUpdatePayload{
		Action: contracts.ActionCreated,
		TaskID: "task-1",
	})
	if sent != 2 {
		t.Fatalf("expected 2 deliveries, got %d", sent)
	}

	for _, ws := range []*websocket.Conn{subA, subB} {
		msgType, payload := readMessage(t, ws)
		if msgType != MsgTaskUpdate {
			t.Fatalf("expected task_update, got %s", msgType)
		}
		var update contracts.TaskUpdatePayload
		if err := json.Unmarshal(payload, &update); err != nil || update.TaskID != "task-1" {
			t.Fatalf("unexpected update: %s", payload)
		}
	}

	// Neither the unsubscribed connection nor the other user has
	// anything queued.
	for _, ws := range []*websocket.Conn{idle, other} {
		_ = ws.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
		if _, _, err := ws.ReadMessage(); err == nil {
			t.Fatal("connection must not receive the frame")
		}
	}
}

func TestUnsubscribe_StopsFanout(t *testing.T) {
	g, srv, mgr := newTestGateway(t)

	ws, _ := connectAndAck(t, srv, mgr, "user-1")
	subscribe(t, ws, ScopeOwnTasks)

	if err := ws.WriteJSON(ClientMessage{Type: MsgUnsubscribe}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}

	// Unsubscribe has no reply; wait for it to take effect.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if g.Broadcast("user-1", MsgTaskUpdate, contracts.TaskUpdatePayload{TaskID: "task-1"}) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("broadcast still reaches an unsubscribed connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReconnect_ResumesSubscription(t *testing.T) {
	g, srv, mgr := newTestGateway(t)

	ws, ack := connectAndAck(t, srv, mgr, "user-1")
	subscribe(t, ws, ScopeOwnTasks)
	ws.Close()

	// Wait for the server side to park the session.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, _, sessions := g.Registry.Stats(); sessions == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session was never parked")
		}
		time.Sleep(10 * time.Millisecond)
	}

	token := signToken(t, mgr, "user-1")
	reconnected := dial(t, srv, "token="+token+"&reconnectToken="+ack.ReconnectToken)
	msgType, payload := readMessage(t, reconnected)
	if msgType != MsgConnectionAck {
		t.Fatalf("expected connection_ack, got %s", msgType)
	}
	var resumedAck ConnectionAckPayload
	if err := json.Unmarshal(payload, &resumedAck); err != nil {
		t.Fatalf("ack payload: %v", err)
	}
	if !resumedAck.Resumed {
		t.Fatal("expected session to resume")
	}
	if resumedAck.ReconnectToken == ack.ReconnectToken {
		t.Fatal("reconnect token must rotate on every handshake")
	}

	// Resumed connection receives fanout without re-subscribing.
	if sent := g.Broadcast("user-1", MsgTaskUpdate, contracts.TaskUpdatePayload{TaskID: "task-1"}); sent != 1 {
		t.Fatalf("expected 1 delivery to the resumed connection, got %d", sent)
	}
	msgType, _ = readMessage(t, reconnected)
	if msgType != MsgTaskUpdate {
		t.Fatalf("expected task_update, got %s", msgType)
	}
}

func TestHandleEvent_TaskUpdateFrame(t *testing.T) {
	g, srv, mgr := newTestGateway(t)

	ws, _ := connectAndAck(t, srv, mgr, "user-1")
	subscribe(t, ws, ScopeOwnTasks)

	snapshot := contracts.TaskSnapshot{TaskID: "task-1", UserID: "user-1", Title: "Buy milk"}
	payload, _ := json.Marshal(contracts.TaskEventPayload{Task: snapshot, ChangedFields: []string{"title"}})
	event := contracts.DomainEvent{
		EventID:       "evt-1",
		Type:          contracts.EventTaskUpdated,
		SubjectUserID: "user-1",
		OccurredAt:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		SchemaVersion: contracts.SchemaVersion,
		Payload:       payload,
	}
	if err := g.HandleEvent(context.Background(), nil, event); err != nil {
		t.Fatalf("HandleEvent returned error: %v", err)
	}

	msgType, framePayload := readMessage(t, ws)
	if msgType != MsgTaskUpdate {
		t.Fatalf("expected task_update, got %s", msgType)
	}
	var update contracts.TaskUpdatePayload
	if err := json.Unmarshal(framePayload, &update); err != nil {
		t.Fatalf("update payload: %v", err)
	}
	if update.Action != contracts.ActionUpdated || update.TaskID != "task-1" || update.EventID != "evt-1" {
		t.Fatalf("unexpected update: %+v", update)
	}
	if update.Task == nil || update.Task.Title != "Buy milk" {
		t.Fatalf("snapshot missing: %+v", update)
	}
	if len(update.ChangedFields) != 1 || update.ChangedFields[0] != "title" {
		t.Fatalf("changed fields missing: %+v", update)
	}
}

func TestHandleEvent_DeletedFrameCarriesNoSnapshot(t *testing.T) {
	g, srv, mgr := newTestGateway(t)

	ws, _ := connectAndAck(t, srv, mgr, "user-1")
	subscribe(t, ws, ScopeOwnTasks)

	payload, _ := json.Marshal(contracts.TaskEventPayload{
		Task: contracts.TaskSnapshot{TaskID: "task-1", UserID: "user-1"},
	})
	event := contracts.DomainEvent{
		EventID:       "evt-2",
		Type:          contracts.EventTaskDeleted,
		SubjectUserID: "user-1",
		SchemaVersion: contracts.SchemaVersion,
		Payload:       payload,
	}
	if err := g.HandleEvent(context.Background(), nil, event); err != nil {
		t.Fatalf("HandleEvent returned error: %v", err)
	}

	_, framePayload := readMessage(t, ws)
	var update contracts.TaskUpdatePayload
	if err := json.Unmarshal(framePayload, &update); err != nil {
		t.Fatalf("update payload: %v", err)
	}
	if update.Action != contracts.ActionDeleted || update.Task != nil {
		t.Fatalf("deleted frame must carry no snapshot: %+v", update)
	}
}

func TestHandleEvent_MalformedPayloadIsDiscard(t *testing.T) {
	g := New(NewRegistry(), platformauth.NewManager("secret", time.Hour))

	event := contracts.DomainEvent{
		EventID: "evt-3",
		Type:    contracts.EventTaskUpdated,
		Payload: []byte("{not json"),
	}
	if !errors.Is(g.HandleEvent(context.Background(), nil, event), runtime.ErrDiscard) {
		t.Fatal("expected ErrDiscard for malformed payload")
	}
}

func TestHandleEvent_ReminderDueFrame(t *testing.T) {
	g, srv, mgr := newTestGateway(t)

	ws, _ := connectAndAck(t, srv, mgr, "user-1")
	subscribe(t, ws, ScopeOwnTasks)

	dueAt := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	payload, _ := json.Marshal(contracts.ReminderDuePayload{
		ReminderID: "rem-1", TaskID: "task-1", Title: "Dentist", DueAt: dueAt,
	})
	event := contracts.DomainEvent{
		EventID:       "evt-4",
		Type:          contracts.EventReminderDue,
		SubjectUserID: "user-1",
		SchemaVersion: contracts.SchemaVersion,
		Payload:       payload,
	}
	if err := g.HandleEvent(context.Background(), nil, event); err != nil {
		t.Fatalf("HandleEvent returned error: %v", err)
	}

	msgType, framePayload := readMessage(t, ws)
	if msgType != MsgReminderDue {
		t.Fatalf("expected reminder_due, got %s", msgType)
	}
	var reminder contracts.ReminderDuePayload
	if err := json.Unmarshal(framePayload, &reminder); err != nil || reminder.TaskID != "task-1" {
		t.Fatalf("unexpected reminder frame: %s", framePayload)
	}
}

func TestUnknownMessageType_ReturnsError(t *testing.T) {
	_, srv, mgr := newTestGateway(t)

	ws, _ := connectAndAck(t, srv, mgr, "user-1")
	if err := ws.WriteJSON(ClientMessage{Type: "archive"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	msgType, payload := readMessage(t, ws)
	if msgType != MsgError {
		t.Fatalf("expected error frame, got %s", msgType)
	}
	var errPayload ErrorPayload
	if err := json.Unmarshal(payload, &errPayload); err != nil || errPayload.Code != "INVALID_MESSAGE" {
		t.Fatalf("unexpected error payload: %s", payload)
	}
}
