package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"spikechat/cmd/internal/upstream"
	v1 "spikechat/shared/contracts/relay/v1"

	"github.com/coder/websocket"
)

// fakeUpstream is an in-memory UpstreamService: history fetches return a fixed
// batch, sends are recorded.
type fakeUpstream struct {
	mu      sync.Mutex
	history []upstream.RawMessage

	sent chan upstream.SendMessageInput
}

func newFakeUpstream(history []upstream.RawMessage) *fakeUpstream {
	return &fakeUpstream{
		history: history,
		sent:    make(chan upstream.SendMessageInput, 16),
	}
}

func (f *fakeUpstream) SyncMessages(_ context.Context, _ string, _ int64) ([]upstream.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]upstream.RawMessage, len(f.history))
	copy(out, f.history)
	return out, nil
}

func (f *fakeUpstream) SendMessage(_ context.Context, in upstream.SendMessageInput) (upstream.RawMessage, error) {
	f.sent <- in
	return upstream.RawMessage{ID: "sent-1", RoomID: in.RoomID, Text: in.Text}, nil
}

func newTestGatewayServer(t *testing.T, up *fakeUpstream, grace time.Duration) (*httptest.Server, *Hub, *Scheduler) {
	t.Helper()

	log := testLogger()
	hub := NewHub(log)
	sched := NewScheduler(log, up, hub, SchedulerConfig{
		Interval: time.Minute, // only the immediate catch-up tick fires during a test
		Lookback: time.Hour,
	}, nil)

	g := NewWSGateway(log, hub, sched, up, GatewayConfig{
		DefaultRoomID:   "GENERAL",
		DisconnectGrace: grace,
		OriginRequired:  false,
		DevInsecure:     true,
	}, nil)

	srv := httptest.NewServer(g)
	t.Cleanup(func() {
		sched.Shutdown()
		srv.Close()
	})
	return srv, hub, sched
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func dialTestGateway(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if got := conn.Subprotocol(); got != wsSubprotocolV1 {
		t.Fatalf("subprotocol=%q want=%q", got, wsSubprotocolV1)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func sendTestEnvelope(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	p, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	b, err := json.Marshal(v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		TS:      time.Now().UTC(),
		Payload: p,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readUntilType skips unrelated envelopes (poll fan-out, history pushes) until
// one of the wanted type arrives.
func readUntilType(t *testing.T, conn *websocket.Conn, want string) v1.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", want, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type == want {
			return env
		}
	}
}

func TestGatewayJoinPushesHistorySnapshot(t *testing.T) {
	up := newFakeUpstream([]upstream.RawMessage{
		{ID: "m2", RoomID: "GENERAL", Text: "second", TS: "2026-03-01T12:00:01Z"},
		{ID: "m1", RoomID: "GENERAL", Text: "first", TS: "2026-03-01T12:00:00Z"},
	})
	srv, _, sched := newTestGatewayServer(t, up, 0)

	conn := dialTestGateway(t, srv)
	sendTestEnvelope(t, conn, v1.TypeJoinRoom, v1.JoinRoomPayload{RoomID: "GENERAL"})

	env := readUntilType(t, conn, v1.TypeMessagesHistory)

	var p v1.MessagesHistoryPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if p.RoomID != "GENERAL" {
		t.Fatalf("roomId=%q want=GENERAL", p.RoomID)
	}
	if len(p.Messages) != 2 || p.Messages[0].ID != "m1" || p.Messages[1].ID != "m2" {
		t.Fatalf("snapshot not sorted ascending: %+v", p.Messages)
	}

	// The join also started the room's polling.
	waitFor(t, 2*time.Second, func() bool { return sched.Active("GENERAL") }, "join to activate polling")
}

func TestGatewayVideoCallFanout(t *testing.T) {
	up := newFakeUpstream(nil)
	srv, _, _ := newTestGatewayServer(t, up, 0)

	caller := dialTestGateway(t, srv)
	watcher := dialTestGateway(t, srv)

	sendTestEnvelope(t, caller, v1.TypeJoinRoom, v1.JoinRoomPayload{RoomID: "GENERAL"})
	readUntilType(t, caller, v1.TypeMessagesHistory)
	sendTestEnvelope(t, watcher, v1.TypeJoinRoom, v1.JoinRoomPayload{RoomID: "GENERAL"})
	readUntilType(t, watcher, v1.TypeMessagesHistory)

	sendTestEnvelope(t, caller, v1.TypeVideoCallStarted, v1.VideoCallPayload{
		RoomID:   "GENERAL",
		Username: "ada",
	})

	env := readUntilType(t, watcher, v1.TypeVideoCallStarted)
	var p v1.VideoCallPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.RoomID != "GENERAL" || p.Username != "ada" {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if !strings.HasPrefix(p.MeetingRoom, "spikechat-GENERAL-") {
		t.Fatalf("meeting room not generated: %q", p.MeetingRoom)
	}
	if p.Timestamp == "" {
		t.Fatalf("timestamp must be defaulted")
	}
}

func TestGatewaySendMessageForwardsUpstream(t *testing.T) {
	up := newFakeUpstream(nil)
	srv, _, _ := newTestGatewayServer(t, up, 0)

	conn := dialTestGateway(t, srv)
	sendTestEnvelope(t, conn, v1.TypeJoinRoom, v1.JoinRoomPayload{RoomID: "GENERAL"})
	readUntilType(t, conn, v1.TypeMessagesHistory)

	sendTestEnvelope(t, conn, v1.TypeSendMessage, v1.SendMessagePayload{
		Message:   "  hello upstream  ",
		UserID:    "u1",
		AuthToken: "tok",
	})

	select {
	case in := <-up.sent:
		if in.RoomID != "GENERAL" {
			t.Fatalf("roomID=%q want=GENERAL (bound room fallback)", in.RoomID)
		}
		if in.Text != "hello upstream" {
			t.Fatalf("text=%q want trimmed", in.Text)
		}
		if in.Credentials.AuthToken != "tok" || in.Credentials.UserID != "u1" {
			t.Fatalf("credentials not forwarded: %+v", in.Credentials)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("upstream never received the message")
	}
}

func TestGatewaySendMessageWithoutCredentials(t *testing.T) {
	up := newFakeUpstream(nil)
	srv, _, _ := newTestGatewayServer(t, up, 0)

	conn := dialTestGateway(t, srv)
	sendTestEnvelope(t, conn, v1.TypeSendMessage, v1.SendMessagePayload{
		Message: "no credentials",
		RoomID:  "GENERAL",
	})

	env := readUntilType(t, conn, v1.TypeMessageError)
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Code != "send_failed" {
		t.Fatalf("code=%q want=send_failed", p.Code)
	}

	select {
	case in := <-up.sent:
		t.Fatalf("message must not reach upstream without credentials: %+v", in)
	default:
	}
}

func TestGatewayRejectsUnknownEnvelopeType(t *testing.T) {
	up := newFakeUpstream(nil)
	srv, _, _ := newTestGatewayServer(t, up, 0)

	conn := dialTestGateway(t, srv)
	sendTestEnvelope(t, conn, "subscribe", map[string]string{"roomId": "GENERAL"})

	env := readUntilType(t, conn, v1.TypeError)
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Code != "bad_envelope" {
		t.Fatalf("code=%q want=bad_envelope", p.Code)
	}
}

func TestGatewayLastLeaveDeactivatesScheduler(t *testing.T) {
	up := newFakeUpstream(nil)
	srv, hub, sched := newTestGatewayServer(t, up, 0)

	a := dialTestGateway(t, srv)
	b := dialTestGateway(t, srv)

	sendTestEnvelope(t, a, v1.TypeJoinRoom, v1.JoinRoomPayload{RoomID: "X"})
	readUntilType(t, a, v1.TypeMessagesHistory)
	sendTestEnvelope(t, b, v1.TypeJoinRoom, v1.JoinRoomPayload{RoomID: "X"})
	readUntilType(t, b, v1.TypeMessagesHistory)

	waitFor(t, 2*time.Second, func() bool { return sched.Active("X") }, "join to activate polling")
	if got := hub.Size("X"); got != 2 {
		t.Fatalf("Size=%d want=2", got)
	}

	// First leave: the room still has a member, polling must continue.
	sendTestEnvelope(t, a, v1.TypeLeaveRoom, v1.LeaveRoomPayload{RoomID: "X"})
	waitFor(t, 2*time.Second, func() bool { return hub.Size("X") == 1 }, "first leave to unbind")
	if !sched.Active("X") {
		t.Fatalf("polling must survive while members remain")
	}

	// Last leave: the room is empty, polling must stop.
	sendTestEnvelope(t, b, v1.TypeLeaveRoom, v1.LeaveRoomPayload{RoomID: "X"})
	waitFor(t, 2*time.Second, func() bool { return !sched.Active("X") }, "last leave to deactivate polling")
	if got := hub.Size("X"); got != 0 {
		t.Fatalf("Size=%d want=0", got)
	}
}

func TestGatewayDisconnectGraceDeactivatesScheduler(t *testing.T) {
	up := newFakeUpstream(nil)
	srv, hub, sched := newTestGatewayServer(t, up, 500*time.Millisecond)

	conn := dialTestGateway(t, srv)
	sendTestEnvelope(t, conn, v1.TypeJoinRoom, v1.JoinRoomPayload{RoomID: "X"})
	readUntilType(t, conn, v1.TypeMessagesHistory)
	waitFor(t, 2*time.Second, func() bool { return sched.Active("X") }, "join to activate polling")

	if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Membership drops right away; the scheduler teardown waits out the grace
	// delay so a reconnect blip would keep the room's polling alive.
	waitFor(t, 2*time.Second, func() bool { return hub.Size("X") == 0 }, "disconnect to unbind")
	if !sched.Active("X") {
		t.Fatalf("polling must survive until the disconnect grace elapses")
	}

	waitFor(t, 3*time.Second, func() bool { return !sched.Active("X") }, "grace to deactivate polling")
}
