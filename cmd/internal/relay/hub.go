package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	v1 "spikechat/shared/contracts/relay/v1"
)

// Hub is the session/room registry: it owns the map from room id to Room and
// answers the "is this room now empty" question in O(1) on unbind.
// It holds no message state; history always comes from upstream.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// GetOrCreateRoom returns a stable room handle, creating it on first join.
func (h *Hub) GetOrCreateRoom(roomID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[roomID]; ok {
		return r
	}

	r := NewRoom(h.log, roomID)
	h.rooms[roomID] = r
	return r
}

// Room returns the room handle if it exists.
func (h *Hub) Room(roomID string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[roomID]
	return r, ok
}

// Leave unbinds a session from a room and returns the remaining member count.
// Rooms left empty are pruned so inactive rooms cost nothing.
func (h *Hub) Leave(roomID, sessionID string) int {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return 0
	}
	h.mu.Unlock()

	remaining := r.Leave(sessionID)

	if remaining == 0 {
		h.mu.Lock()
		// Re-check under the lock: a concurrent join may have raced the leave.
		if cur, ok := h.rooms[roomID]; ok && cur == r && r.Size() == 0 {
			delete(h.rooms, roomID)
		}
		h.mu.Unlock()
	}
	return remaining
}

// Size returns the membership count of a room, zero for unknown rooms.
func (h *Hub) Size(roomID string) int {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	return r.Size()
}

// BroadcastMessages delivers formatted messages, one new_message envelope
// each, to every connection bound to the room. This is the poll tick fan-out.
func (h *Hub) BroadcastMessages(roomID string, msgs []v1.Message) {
	if len(msgs) == 0 {
		return
	}

	r, ok := h.Room(roomID)
	if !ok {
		// Everybody left between fetch and delivery. Nothing to do.
		return
	}

	now := time.Now().UTC()
	for _, m := range msgs {
		payload, err := json.Marshal(m)
		if err != nil {
			h.log.Error("hub.broadcast.encode.fail", "room_id", roomID, "message_id", m.ID, "err", err)
			continue
		}
		r.Broadcast(v1.Envelope{
			V:       v1.Version,
			Type:    v1.TypeNewMessage,
			ID:      NewEnvelopeID(now),
			TS:      now,
			Payload: payload,
		})
	}
}
