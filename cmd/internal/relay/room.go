package relay

import (
	"log/slog"
	"sync"

	v1 "spikechat/shared/contracts/relay/v1"
)

// Room is the in-memory binding between a room id and the connections
// watching it, plus the broadcast fan-out primitive.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs a room binding.
func NewRoom(log *slog.Logger, id string) *Room {
	return &Room{
		log:     log,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	n := len(r.members)
	r.mu.Unlock()

	r.log.Info("room.member.join", "room_id", r.ID, "session_id", client.SessionID, "members", n)
}

// Leave removes a client from membership and reports the remaining member
// count, so the caller can decide whether the room's polling should stop.
// It does not close the client: a connection may rebind to another room.
func (r *Room) Leave(sessionID string) int {
	if r == nil || sessionID == "" {
		return 0
	}

	r.mu.Lock()
	delete(r.members, sessionID)
	n := len(r.members)
	r.mu.Unlock()

	r.log.Info("room.member.leave", "room_id", r.ID, "session_id", sessionID, "members", n)
	return n
}

// Size returns the current membership count.
func (r *Room) Size() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fans an envelope out to all members.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (r *Room) Broadcast(env v1.Envelope) {
	r.BroadcastExcept("", env)
}

// BroadcastExcept fans an envelope out to all members except the named
// session. Used for video-call notifications, which go to other participants.
func (r *Room) BroadcastExcept(exceptSessionID string, env v1.Envelope) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, m := range r.members {
		if m == nil || id == exceptSessionID {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole room.
		}
	}
}
