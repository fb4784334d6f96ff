package relay

import (
	"encoding/json"
	"testing"

	v1 "spikechat/shared/contracts/relay/v1"
)

func TestHubGetOrCreateRoomIsStable(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())

	r1 := h.GetOrCreateRoom("GENERAL")
	r2 := h.GetOrCreateRoom("GENERAL")
	if r1 != r2 {
		t.Fatalf("expected the same room handle for repeated lookups")
	}

	if _, ok := h.Room("GENERAL"); !ok {
		t.Fatalf("room should exist after GetOrCreateRoom")
	}
	if _, ok := h.Room("missing"); ok {
		t.Fatalf("unknown room must not exist")
	}
}

func TestHubLeavePrunesEmptyRooms(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	r := h.GetOrCreateRoom("GENERAL")

	a := NewClient("session-a", 8)
	b := NewClient("session-b", 8)
	r.Join(a)
	r.Join(b)

	if got := h.Leave("GENERAL", "session-a"); got != 1 {
		t.Fatalf("Leave=%d want=1", got)
	}
	if _, ok := h.Room("GENERAL"); !ok {
		t.Fatalf("room must survive while members remain")
	}

	if got := h.Leave("GENERAL", "session-b"); got != 0 {
		t.Fatalf("Leave=%d want=0", got)
	}
	if _, ok := h.Room("GENERAL"); ok {
		t.Fatalf("empty room must be pruned")
	}
	if got := h.Size("GENERAL"); got != 0 {
		t.Fatalf("Size=%d want=0 for pruned room", got)
	}
}

func TestHubLeaveUnknownRoom(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	if got := h.Leave("missing", "session-a"); got != 0 {
		t.Fatalf("Leave=%d want=0", got)
	}
}

func TestHubBroadcastMessagesWrapsEachMessage(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	r := h.GetOrCreateRoom("GENERAL")
	c := NewClient("session-a", 8)
	r.Join(c)

	msgs := []v1.Message{
		{ID: "m1", Text: "one", RoomID: "GENERAL", Type: "message"},
		{ID: "m2", Text: "two", RoomID: "GENERAL", Type: "message"},
	}
	h.BroadcastMessages("GENERAL", msgs)

	for _, want := range msgs {
		select {
		case env := <-c.Send:
			if env.Type != v1.TypeNewMessage {
				t.Fatalf("type=%q want=%q", env.Type, v1.TypeNewMessage)
			}
			if err := env.Validate(); err != nil {
				t.Fatalf("invalid envelope: %v", err)
			}
			if env.ID == "" {
				t.Fatalf("envelope id must be set")
			}

			var got v1.Message
			if err := json.Unmarshal(env.Payload, &got); err != nil {
				t.Fatalf("unmarshal payload: %v", err)
			}
			if got.ID != want.ID || got.Text != want.Text {
				t.Fatalf("payload=%+v want=%+v", got, want)
			}
		default:
			t.Fatalf("missing new_message envelope for %q", want.ID)
		}
	}
}

func TestHubBroadcastMessagesToUnknownRoomIsNoop(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	// Neither of these may panic or create rooms as a side effect.
	h.BroadcastMessages("missing", []v1.Message{{ID: "m1"}})
	h.BroadcastMessages("missing", nil)

	if _, ok := h.Room("missing"); ok {
		t.Fatalf("broadcast must not create rooms")
	}
}
