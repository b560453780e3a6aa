package server

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alimasry/go-code-rooms/ot"
	"github.com/alimasry/go-code-rooms/store"
)

// DefaultGracePeriod is how long an empty room survives before it is
// destroyed, to tolerate brief reconnects.
const DefaultGracePeriod = 30 * time.Second

// Hub is the room manager. A single loop (Run) owns room lifecycle:
// lazy creation on first join, participant refcounts, and destruction
// after a grace period at zero participants. Established connections
// talk to their room's mailbox directly; only joins, leaves and
// disconnects pass through here.
type Hub struct {
	store  store.DocumentStore
	engine ot.Engine

	// Tunable before Run is started.
	HistoryLimit int
	GracePeriod  time.Duration

	mu      sync.RWMutex
	rooms   map[string]*Room
	counts  map[string]int
	members map[*Client]string

	join       chan joinRequest
	leave      chan *Client
	disconnect chan *Client
	reap       chan string

	connections atomic.Int64
}

func NewHub(st store.DocumentStore, engine ot.Engine) *Hub {
	return &Hub{
		store:        st,
		engine:       engine,
		HistoryLimit: ot.DefaultHistoryLimit,
		GracePeriod:  DefaultGracePeriod,
		rooms:        make(map[string]*Room),
		counts:       make(map[string]int),
		members:      make(map[*Client]string),
		join:         make(chan joinRequest, 64),
		leave:        make(chan *Client, 64),
		disconnect:   make(chan *Client, 64),
		reap:         make(chan string, 16),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case req := <-h.join:
			h.handleJoin(req)
		case c := <-h.leave:
			h.handleLeave(c)
		case c := <-h.disconnect:
			h.connections.Add(-1)
			h.handleLeave(c)
		case id := <-h.reap:
			h.handleReap(id)
		}
	}
}

func (h *Hub) handleJoin(req joinRequest) {
	// A connection is in at most one room; joining another leaves the
	// first.
	h.detach(req.client)

	r := h.GetRoom(req.roomID)
	if r == nil {
		var err error
		r, err = h.createRoom(req.roomID)
		if err != nil {
			log.Printf("hub: create room %q: %v", req.roomID, err)
			req.client.sendError(req.roomID, CodeInternalError, "failed to open room")
			return
		}
	}

	h.mu.Lock()
	h.counts[req.roomID]++
	h.members[req.client] = req.roomID
	h.mu.Unlock()

	r.join <- req
}

// createRoom loads (or creates) the document snapshot and starts the
// room's sequencer goroutine.
func (h *Hub) createRoom(roomID string) (*Room, error) {
	ctx := context.Background()
	info, err := h.store.Get(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		if err := h.store.Create(ctx, roomID, ""); err != nil && !errors.Is(err, store.ErrExists) {
			return nil, err
		}
		info, err = h.store.Get(ctx, roomID)
	}
	if err != nil {
		return nil, err
	}

	r := newRoom(roomID, info.Content, info.Revision, h.HistoryLimit, h.engine, h.store)
	h.mu.Lock()
	h.rooms[roomID] = r
	h.mu.Unlock()
	go r.Run()
	log.Printf("hub: room %q opened at revision %d", roomID, info.Revision)
	return r, nil
}

func (h *Hub) handleLeave(c *Client) {
	h.detach(c)
}

// detach removes a client's membership and decrements the room's count.
// Membership lives in a hub-owned map rather than the client's room
// pointer: the pointer is cleared asynchronously by the room goroutine,
// so a leave followed by the read pump's disconnect would otherwise
// decrement twice and let the count go negative. Here the second event
// finds no membership and is a no-op.
func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	roomID, ok := h.members[c]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.members, c)
	r := h.rooms[roomID]
	h.counts[roomID]--
	empty := h.counts[roomID] <= 0
	h.mu.Unlock()

	if r != nil {
		r.leave <- c
	}
	if empty {
		// Grace period before destruction; a rejoin in the meantime
		// wins because the reap re-checks the count on this loop.
		time.AfterFunc(h.GracePeriod, func() {
			h.reap <- roomID
		})
	}
}

func (h *Hub) handleReap(roomID string) {
	h.mu.Lock()
	if h.counts[roomID] > 0 {
		h.mu.Unlock()
		return
	}
	r := h.rooms[roomID]
	delete(h.rooms, roomID)
	delete(h.counts, roomID)
	h.mu.Unlock()

	if r != nil {
		close(r.stop)
		log.Printf("hub: room %q closed (empty)", roomID)
	}
}

// Shutdown stops every live room and waits for each to write its final
// snapshot, or until ctx expires. Rooms are removed from the maps
// first, so a racing reap finds nothing to close.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for id, r := range h.rooms {
		rooms = append(rooms, r)
		delete(h.rooms, id)
		delete(h.counts, id)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		close(r.stop)
	}
	for _, r := range rooms {
		select {
		case <-r.done:
		case <-ctx.Done():
			log.Printf("hub: shutdown interrupted with %d rooms pending", len(rooms))
			return
		}
	}
}

// GetRoom returns the live room for an ID, or nil.
func (h *Hub) GetRoom(roomID string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[roomID]
}

// RoomCount reports the number of live rooms, for /health.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// ConnectionCount reports open WebSocket connections, for /health.
func (h *Hub) ConnectionCount() int64 {
	return h.connections.Load()
}

func (h *Hub) trackConnection() {
	h.connections.Add(1)
}
