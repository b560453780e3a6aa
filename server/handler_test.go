package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alimasry/go-code-rooms/ot"
	"github.com/alimasry/go-code-rooms/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	st := store.NewMemoryStore()
	hub := NewHub(st, &ot.JupiterEngine{})
	go hub.Run()
	srv := httptest.NewServer(NewHandler(hub))
	t.Cleanup(srv.Close)
	return srv, hub
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func wsSend(t *testing.T, conn *websocket.Conn, msgType, roomID string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	env := Envelope{Type: msgType, RoomID: roomID, Payload: raw}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

func wsRecv(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func TestHandler_JoinAndEditOverWebSocket(t *testing.T) {
	srv, _ := newTestServer(t)

	alice := dialWS(t, srv)
	wsSend(t, alice, MsgJoinRoom, "doc1", JoinRoomPayload{UserID: "alice"})

	env := wsRecv(t, alice)
	if env.Type != MsgRoomState {
		t.Fatalf("expected room_state, got %q", env.Type)
	}
	var state RoomStatePayload
	decodePayload(t, env, &state)
	if state.DocumentSnapshot == nil || state.DocumentSnapshot.Revision != 0 {
		t.Fatalf("snapshot = %+v", state.DocumentSnapshot)
	}

	bob := dialWS(t, srv)
	wsSend(t, bob, MsgJoinRoom, "doc1", JoinRoomPayload{UserID: "bob"})
	if env := wsRecv(t, bob); env.Type != MsgRoomState {
		t.Fatalf("bob expected room_state, got %q", env.Type)
	}
	if env := wsRecv(t, alice); env.Type != MsgUserJoined {
		t.Fatalf("alice expected user_joined, got %q", env.Type)
	}

	wsSend(t, alice, MsgCodeChange, "doc1", CodeChangePayload{
		UserID:       "alice",
		BaseRevision: 0,
		Operation:    ot.Wire(ot.Operation{Ops: []ot.Component{{Insert: "func main() {}"}}}),
	})

	env = wsRecv(t, alice)
	if env.Type != MsgAck {
		t.Fatalf("expected ack, got %q", env.Type)
	}
	var ack AckPayload
	decodePayload(t, env, &ack)
	if ack.NewRevision != 1 {
		t.Errorf("ack revision = %d, want 1", ack.NewRevision)
	}

	env = wsRecv(t, bob)
	if env.Type != MsgCodeChange {
		t.Fatalf("bob expected code_change, got %q", env.Type)
	}
	var change CodeChangeBroadcast
	decodePayload(t, env, &change)
	op, err := change.Operation.Operation()
	if err != nil {
		t.Fatalf("decode op: %v", err)
	}
	got, err := ot.Apply("", op)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got != "func main() {}" {
		t.Errorf("bob's doc = %q", got)
	}
}

func TestHandler_PingPong(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv)
	wsSend(t, conn, MsgPing, "", PingPayload{Timestamp: 12345})

	env := wsRecv(t, conn)
	if env.Type != MsgPong {
		t.Fatalf("expected pong, got %q", env.Type)
	}
	var pong PingPayload
	decodePayload(t, env, &pong)
	if pong.Timestamp != 12345 {
		t.Errorf("timestamp = %d, want 12345", pong.Timestamp)
	}
}

func TestHandler_MessageBeforeJoinRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv)
	wsSend(t, conn, MsgGetDocState, "doc1", GetDocStatePayload{})

	env := wsRecv(t, conn)
	if env.Type != MsgError {
		t.Fatalf("expected error, got %q", env.Type)
	}
	var errPayload ErrorPayload
	decodePayload(t, env, &errPayload)
	if errPayload.Code != CodeUnknownRoom {
		t.Errorf("code = %q, want %q", errPayload.Code, CodeUnknownRoom)
	}
}

func TestHandler_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv)
	wsSend(t, conn, MsgJoinRoom, "doc1", JoinRoomPayload{UserID: "alice"})
	wsRecv(t, conn) // room_state

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Rooms       int    `json:"rooms"`
		Timestamp   string `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
	if body.Connections != 1 || body.Rooms != 1 {
		t.Errorf("connections = %d rooms = %d, want 1/1", body.Connections, body.Rooms)
	}
	if _, err := time.Parse(time.RFC3339, body.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", body.Timestamp, err)
	}
}

func TestHandler_CORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/health", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if origin := resp.Header.Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("allow-origin = %q", origin)
	}
}
