package server

import (
	"encoding/json"
	"log"
	"time"

	"github.com/alimasry/go-code-rooms/ot"
)

// Message types accepted from clients.
const (
	MsgJoinRoom    = "join_room"
	MsgLeaveRoom   = "leave_room"
	MsgCodeChange  = "code_change"
	MsgCursorMove  = "cursor_move"
	MsgChatMessage = "chat_message"
	MsgUserTyping  = "user_typing"
	MsgFileSave    = "file_save"
	MsgGetDocState = "get_document_state"
	MsgPing        = "ping"
)

// Message types sent to clients. code_change, chat_message and
// user_typing are echoed under the inbound name.
const (
	MsgRoomState    = "room_state"
	MsgAck          = "ack"
	MsgCursorUpdate = "cursor_update"
	MsgUserJoined   = "user_joined"
	MsgUserLeft     = "user_left"
	MsgDocState     = "document_state"
	MsgResync       = "resync"
	MsgPong         = "pong"
	MsgError        = "error"
)

// Reason codes carried by negative acknowledgments.
const (
	CodeBadMessage         = "bad_message"
	CodeMalformedOperation = "malformed_operation"
	CodeInvalidRevision    = "invalid_revision"
	CodeHistoryTooOld      = "history_too_old"
	CodeResyncRequired     = "resync_required"
	CodeUnknownRoom        = "unknown_room"
	CodeInternalError      = "internal_error"
)

// Envelope is the wire frame for every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// encode builds an outbound frame. Marshal failures are programming
// errors on our own payload types; log and drop.
func encode(msgType, roomID string, payload interface{}) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("encode %s payload: %v", msgType, err)
		return nil
	}
	data, err := json.Marshal(Envelope{Type: msgType, RoomID: roomID, Payload: raw})
	if err != nil {
		log.Printf("encode %s envelope: %v", msgType, err)
		return nil
	}
	return data
}

// JoinRoomPayload joins (or rejoins) a room. LastRevision, when set,
// asks for a replay of everything committed since that revision.
type JoinRoomPayload struct {
	UserID       string                 `json:"userId"`
	UserData     map[string]interface{} `json:"userData,omitempty"`
	LastRevision *int                   `json:"lastRevision,omitempty"`
}

type LeaveRoomPayload struct {
	UserID string `json:"userId,omitempty"`
}

// CodeChangePayload submits an operation based on BaseRevision.
type CodeChangePayload struct {
	FileID       string           `json:"fileId,omitempty"`
	UserID       string           `json:"userId"`
	BaseRevision int              `json:"baseRevision"`
	Operation    ot.WireOperation `json:"operation"`
	Timestamp    int64            `json:"timestamp,omitempty"`
}

// CodeChangeBroadcast carries a committed, transformed operation to the
// other participants.
type CodeChangeBroadcast struct {
	FileID    string           `json:"fileId,omitempty"`
	UserID    string           `json:"userId"`
	Revision  int              `json:"revision"`
	Operation ot.WireOperation `json:"operation"`
}

// AckPayload confirms the sender's operation at its committed revision.
type AckPayload struct {
	NewRevision int `json:"newRevision"`
}

type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type CursorMovePayload struct {
	UserID string          `json:"userId"`
	Cursor *CursorPosition `json:"cursor"`
}

type ChatPayload struct {
	MessageID string    `json:"messageId,omitempty"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	Kind      string    `json:"type,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type TypingPayload struct {
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

type FileSavePayload struct {
	FileID string `json:"fileId,omitempty"`
	UserID string `json:"userId,omitempty"`
}

type GetDocStatePayload struct {
	FileID string `json:"fileId,omitempty"`
}

// DocStatePayload is an atomic {content, revision} snapshot.
type DocStatePayload struct {
	Content  string `json:"content"`
	Revision int    `json:"revision"`
}

// UserInfo describes one participant.
type UserInfo struct {
	ConnectionID string          `json:"connectionId"`
	UserID       string          `json:"userId"`
	Cursor       *CursorPosition `json:"cursor,omitempty"`
}

// RoomStatePayload answers join_room. DocumentSnapshot is omitted when
// the client instead receives a resync replay. ResyncRequired is set
// when the client declared a stale revision that could not be replayed
// and has to reconcile its local unacknowledged edits itself.
type RoomStatePayload struct {
	RoomID           string           `json:"roomId"`
	Users            []UserInfo       `json:"users"`
	DocumentSnapshot *DocStatePayload `json:"documentSnapshot,omitempty"`
	ChatLog          []ChatPayload    `json:"chatLog,omitempty"`
	ResyncRequired   bool             `json:"resyncRequired,omitempty"`
}

// ResyncPayload replays everything a reconnecting client missed,
// composed into a single operation against its FromRevision copy.
type ResyncPayload struct {
	FromRevision int               `json:"fromRevision"`
	Revision     int               `json:"revision"`
	Operation    *ot.WireOperation `json:"operation,omitempty"`
}

type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
