// Package websocket distributes conversation events to connected staff
// clients. Clients are grouped into rooms (per user, per branch, per
// conversation) and an event addressed to several rooms reaches each client
// at most once.
package websocket

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Room names.
const AllBranchesRoom = "branch:*"

func UserRoom(userID string) string           { return "user:" + userID }
func BranchRoom(branchID uuid.UUID) string    { return "branch:" + branchID.String() }
func ConversationRoom(convID uuid.UUID) string { return "conversation:" + convID.String() }

// sendBuffer is the per-client outbound queue size. A client that falls this
// far behind starts losing events.
const sendBuffer = 256

// Frame is the wire envelope in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Conn is the part of a WebSocket connection the pumps drive.
// *gorillawebsocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Viewer is the identity a connection was authenticated as.
type Viewer struct {
	UserID     string
	Privileged bool
	BranchIDs  []uuid.UUID
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	Viewer Viewer
	Send   chan []byte

	// rooms is guarded by the hub's mutex.
	rooms map[string]struct{}
	conn  Conn
}

// NewClient returns an unregistered client with a buffered send queue.
func NewClient(viewer Viewer, conn Conn) *Client {
	return &Client{
		ID:     uuid.NewString(),
		Viewer: viewer,
		Send:   make(chan []byte, sendBuffer),
		rooms:  make(map[string]struct{}),
		conn:   conn,
	}
}

// Hub is the process-local room registry. All operations are safe for
// concurrent use.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{} // room -> set of clients
	all     map[*Client]struct{}
	dropped atomic.Int64
	logger  zerolog.Logger
}

// NewHub creates a new Hub ready to manage WebSocket clients.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Client]struct{}),
		all:    make(map[*Client]struct{}),
		logger: logger.With().Str("component", "realtime").Logger(),
	}
}

// Register adds a client to the hub and joins it to the given rooms.
func (h *Hub) Register(client *Client, rooms ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, room := range rooms {
		h.joinLocked(client, room)
	}
}

// Unregister removes a client from every room and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}

	for room := range client.rooms {
		h.leaveLocked(client, room)
	}
	delete(h.all, client)
	close(client.Send)
}

// Join adds a registered client to room.
func (h *Hub) Join(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	h.joinLocked(client, room)
}

// Leave removes a client from room. Leaving a room the client is not in is a no-op.
func (h *Hub) Leave(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(client, room)
}

// InRoom reports whether client is currently a member of room.
func (h *Hub) InRoom(client *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := client.rooms[room]
	return ok
}

func (h *Hub) joinLocked(client *Client, room string) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][client] = struct{}{}
	client.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(client *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(client.rooms, room)
}

// Deliver queues data for the union of the members of rooms, or for every
// connected client when everyone is true. Each client is queued at most once
// and exclude (may be nil) is skipped. It returns the number of clients the
// frame was queued for.
func (h *Hub) Deliver(rooms []string, everyone bool, data []byte, exclude *Client) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := make(map[*Client]struct{})
	if everyone {
		for c := range h.all {
			targets[c] = struct{}{}
		}
	} else {
		for _, room := range rooms {
			for c := range h.rooms[room] {
				targets[c] = struct{}{}
			}
		}
	}
	delete(targets, exclude)

	queued := 0
	for c := range targets {
		if h.enqueueLocked(c, data) {
			queued++
		}
	}
	return queued
}

// SendTo queues data for a single registered client.
func (h *Hub) SendTo(client *Client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.all[client]; !ok {
		return false
	}
	return h.enqueueLocked(client, data)
}

func (h *Hub) enqueueLocked(c *Client, data []byte) bool {
	select {
	case c.Send <- data:
		return true
	default:
		// Slow consumer: drop rather than block the emitter.
		h.dropped.Add(1)
		h.logger.Warn().Str("client_id", c.ID).Str("user_id", c.Viewer.UserID).Msg("send buffer full, event dropped")
		return false
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// RoomSize returns the number of clients in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Dropped returns how many frames were discarded because a client's buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
