package relay

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// newULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps session and envelope ids
// useful for tracing and ordering in logs.
func newULID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		// crypto/rand failure is not recoverable at this layer; an empty id
		// shows up in logs and tests as an error-like condition.
		return ""
	}
	return id.String()
}

// NewSessionID returns the id assigned to a websocket session.
func NewSessionID(now time.Time) string {
	return newULID(now)
}

// NewEnvelopeID returns the id stamped on an outbound envelope.
func NewEnvelopeID(now time.Time) string {
	return newULID(now)
}

// NewMeetingRoomName generates a conferencing room name for video-call
// notifications. The relay only relays the name; it never joins the call.
func NewMeetingRoomName(roomID string, now time.Time) string {
	return "spikechat-" + roomID + "-" + strings.ToLower(newULID(now))
}
