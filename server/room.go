package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/alimasry/go-code-rooms/ot"
	"github.com/alimasry/go-code-rooms/store"
)

const (
	roomMailboxSize = 64
	chatLogLimit    = 500
)

type joinRequest struct {
	client  *Client
	roomID  string
	payload JoinRoomPayload
}

type inbound struct {
	client *Client
	env    Envelope
}

// presence is one participant's live state. Owned by the room loop;
// only the originating connection's messages update it.
type presence struct {
	userID   string
	cursor   *CursorPosition
	lastSeen time.Time
}

// Room is the live collaboration context for one document. A single
// goroutine (Run) owns the document, its history, the participant set
// and the chat log — every mutation for this document flows through the
// mailbox, which is what turns N concurrent submitters into one total
// order.
type Room struct {
	id     string
	doc    *ot.Document
	engine ot.Engine
	store  store.DocumentStore

	participants map[*Client]*presence
	chatLog      []ChatPayload

	join     chan joinRequest
	leave    chan *Client
	incoming chan inbound
	stop     chan struct{}
	done     chan struct{}
}

func newRoom(id, content string, revision, historyLimit int, engine ot.Engine, st store.DocumentStore) *Room {
	return &Room{
		id:           id,
		doc:          ot.NewDocument(content, revision, historyLimit),
		engine:       engine,
		store:        st,
		participants: make(map[*Client]*presence),
		join:         make(chan joinRequest, 16),
		leave:        make(chan *Client, 16),
		incoming:     make(chan inbound, roomMailboxSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Run is the room's sequencer loop. It is the only goroutine that
// touches the document; no two operations for this room are ever
// handled concurrently. done is closed once the final snapshot has been
// written, so shutdown can wait on it.
func (r *Room) Run() {
	defer close(r.done)
	for {
		select {
		case req := <-r.join:
			r.handleJoin(req)
		case c := <-r.leave:
			r.handleLeave(c)
		case in := <-r.incoming:
			r.dispatch(in)
		case <-r.stop:
			r.persistSnapshot()
			return
		}
	}
}

func (r *Room) dispatch(in inbound) {
	if _, ok := r.participants[in.client]; !ok {
		in.client.sendError(r.id, CodeUnknownRoom, "not a participant of this room")
		return
	}
	switch in.env.Type {
	case MsgCodeChange:
		r.handleCodeChange(in)
	case MsgCursorMove:
		r.handleCursorMove(in)
	case MsgChatMessage:
		r.handleChat(in)
	case MsgUserTyping:
		r.handleTyping(in)
	case MsgFileSave:
		r.handleFileSave(in)
	case MsgGetDocState:
		in.client.sendMsg(MsgDocState, r.id, DocStatePayload{
			Content:  r.doc.Content,
			Revision: r.doc.Revision,
		})
	default:
		in.client.sendError(r.id, CodeBadMessage, "unknown message type: "+in.env.Type)
	}
}

// handleJoin admits a participant and answers with either the full
// room state or, for a reconnecting client whose last revision is still
// inside the history window, a composed replay of everything it missed.
func (r *Room) handleJoin(req joinRequest) {
	p := &presence{userID: req.payload.UserID, lastSeen: time.Now()}
	r.participants[req.client] = p
	req.client.setRoom(r, p.userID)

	if req.payload.LastRevision != nil {
		r.resync(req.client, *req.payload.LastRevision)
	} else {
		r.sendRoomState(req.client, false)
	}

	r.broadcast(req.client, MsgUserJoined, UserInfo{
		ConnectionID: req.client.ID,
		UserID:       p.userID,
	})
}

// resync replays missed operations to a reconnecting client, composed
// into one operation. Outside the history window the client gets a full
// snapshot instead, flagged so it knows any local unacknowledged edits
// are its problem to reconcile.
func (r *Room) resync(c *Client, lastRevision int) {
	op, err := r.doc.ComposeSince(lastRevision)
	if err != nil {
		if !errors.Is(err, ot.ErrHistoryTooOld) && !errors.Is(err, ot.ErrInvalidRevision) {
			log.Printf("room %s: compose replay since %d: %v", r.id, lastRevision, err)
		}
		r.sendRoomState(c, true)
		return
	}

	var wire *ot.WireOperation
	if !op.IsNoop() {
		w := ot.Wire(op)
		wire = &w
	}
	c.sendMsg(MsgResync, r.id, ResyncPayload{
		FromRevision: lastRevision,
		Revision:     r.doc.Revision,
		Operation:    wire,
	})
	// Participant list and chat still need delivering; the snapshot is
	// omitted since the replay already brings the client current.
	c.sendMsg(MsgRoomState, r.id, RoomStatePayload{
		RoomID:  r.id,
		Users:   r.userInfos(),
		ChatLog: r.chatLog,
	})
}

func (r *Room) sendRoomState(c *Client, resyncRequired bool) {
	c.sendMsg(MsgRoomState, r.id, RoomStatePayload{
		RoomID: r.id,
		Users:  r.userInfos(),
		DocumentSnapshot: &DocStatePayload{
			Content:  r.doc.Content,
			Revision: r.doc.Revision,
		},
		ChatLog:        r.chatLog,
		ResyncRequired: resyncRequired,
	})
}

func (r *Room) handleLeave(c *Client) {
	p, ok := r.participants[c]
	if !ok {
		return
	}
	delete(r.participants, c)
	c.clearRoom(r)

	r.broadcast(nil, MsgUserLeft, UserInfo{ConnectionID: c.ID, UserID: p.userID})
}

// handleCodeChange runs the submit protocol: validate, rebase against
// everything committed since the client's base revision, apply, ack,
// broadcast.
func (r *Room) handleCodeChange(in inbound) {
	var payload CodeChangePayload
	if err := json.Unmarshal(in.env.Payload, &payload); err != nil {
		in.client.sendError(r.id, CodeBadMessage, "invalid code_change payload")
		return
	}

	op, err := payload.Operation.Operation()
	if err != nil {
		in.client.sendError(r.id, CodeMalformedOperation, err.Error())
		return
	}

	transformed, err := r.engine.TransformIncoming(op, payload.BaseRevision, r.doc)
	switch {
	case errors.Is(err, ot.ErrInvalidRevision):
		// Client claims a future revision: desynced or lying. Force a
		// snapshot resync.
		in.client.sendError(r.id, CodeInvalidRevision, err.Error())
		in.client.sendMsg(MsgDocState, r.id, DocStatePayload{
			Content:  r.doc.Content,
			Revision: r.doc.Revision,
		})
		return
	case errors.Is(err, ot.ErrHistoryTooOld):
		in.client.sendError(r.id, CodeHistoryTooOld, err.Error())
		return
	case errors.Is(err, ot.ErrLengthMismatch):
		// Well-formed in isolation but does not fit the document the
		// client claims to have edited.
		in.client.sendError(r.id, CodeMalformedOperation, err.Error())
		return
	case err != nil:
		// Incompatible lengths past validation means an engine bug.
		// Drop the operation, leave the document untouched, keep
		// serving.
		log.Printf("room %s: ENGINE BUG rebasing op from %s at revision %d: %v",
			r.id, in.client.ID, payload.BaseRevision, err)
		in.client.sendError(r.id, CodeInternalError, "operation could not be sequenced")
		return
	}

	authorID := r.authorID(in.client, payload.UserID)
	if err := r.doc.Apply(transformed, authorID); err != nil {
		log.Printf("room %s: ENGINE BUG applying rebased op from %s: %v", r.id, in.client.ID, err)
		in.client.sendError(r.id, CodeInternalError, "operation could not be applied")
		return
	}

	// Persistence is fire-and-forget: a store failure is logged and the
	// room keeps going.
	ctx := context.Background()
	if err := r.store.AppendOperation(ctx, r.id, transformed, r.doc.Revision); err != nil {
		log.Printf("room %s: persist op %d: %v", r.id, r.doc.Revision, err)
	}

	in.client.sendMsg(MsgAck, r.id, AckPayload{NewRevision: r.doc.Revision})

	r.broadcast(in.client, MsgCodeChange, CodeChangeBroadcast{
		FileID:    payload.FileID,
		UserID:    authorID,
		Revision:  r.doc.Revision,
		Operation: ot.Wire(transformed),
	})
}

// handleCursorMove is fire-and-forget presence: last write per
// connection wins, with no ordering relative to text operations.
func (r *Room) handleCursorMove(in inbound) {
	var payload CursorMovePayload
	if err := json.Unmarshal(in.env.Payload, &payload); err != nil {
		in.client.sendError(r.id, CodeBadMessage, "invalid cursor_move payload")
		return
	}
	p := r.participants[in.client]
	p.cursor = payload.Cursor
	p.lastSeen = time.Now()

	r.broadcast(in.client, MsgCursorUpdate, CursorMovePayload{
		UserID: p.userID,
		Cursor: payload.Cursor,
	})
}

func (r *Room) handleChat(in inbound) {
	var payload ChatPayload
	if err := json.Unmarshal(in.env.Payload, &payload); err != nil {
		in.client.sendError(r.id, CodeBadMessage, "invalid chat_message payload")
		return
	}
	p := r.participants[in.client]
	p.lastSeen = time.Now()

	msg := ChatPayload{
		MessageID: uuid.NewString(),
		UserID:    p.userID,
		Content:   payload.Content,
		Kind:      payload.Kind,
		Timestamp: time.Now(),
	}
	if msg.Kind == "" {
		msg.Kind = "text"
	}
	// Chat ordering is arrival order at this loop, nothing more.
	r.chatLog = append(r.chatLog, msg)
	if len(r.chatLog) > chatLogLimit {
		r.chatLog = r.chatLog[len(r.chatLog)-chatLogLimit:]
	}

	r.broadcast(in.client, MsgChatMessage, msg)
}

func (r *Room) handleTyping(in inbound) {
	var payload TypingPayload
	if err := json.Unmarshal(in.env.Payload, &payload); err != nil {
		return
	}
	p := r.participants[in.client]
	p.lastSeen = time.Now()
	r.broadcast(in.client, MsgUserTyping, TypingPayload{
		UserID: p.userID,
		Typing: payload.Typing,
	})
}

// handleFileSave asks the store to durably snapshot the document. The
// save is a notification, not a dependency: failures are logged only.
func (r *Room) handleFileSave(in inbound) {
	if err := r.store.SaveSnapshot(context.Background(), r.id, r.doc.Content, r.doc.Revision); err != nil {
		log.Printf("room %s: file_save snapshot at revision %d: %v", r.id, r.doc.Revision, err)
	}
}

func (r *Room) persistSnapshot() {
	if err := r.store.SaveSnapshot(context.Background(), r.id, r.doc.Content, r.doc.Revision); err != nil {
		log.Printf("room %s: final snapshot at revision %d: %v", r.id, r.doc.Revision, err)
	}
}

func (r *Room) authorID(c *Client, fallback string) string {
	if p, ok := r.participants[c]; ok && p.userID != "" {
		return p.userID
	}
	return fallback
}

// broadcast fans a message out to every participant except the author.
// Each delivery is an independent non-blocking enqueue; a slow
// participant drops messages instead of stalling the others.
func (r *Room) broadcast(except *Client, msgType string, payload interface{}) {
	data := encode(msgType, r.id, payload)
	if data == nil {
		return
	}
	for c := range r.participants {
		if c != except {
			c.enqueue(data)
		}
	}
}

func (r *Room) userInfos() []UserInfo {
	infos := make([]UserInfo, 0, len(r.participants))
	for c, p := range r.participants {
		infos = append(infos, UserInfo{
			ConnectionID: c.ID,
			UserID:       p.userID,
			Cursor:       p.cursor,
		})
	}
	return infos
}
