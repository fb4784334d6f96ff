// Package main provides a CI-friendly websocket smoke test for the SpikeChat relay.
//
// It validates:
//   - handshake + subprotocol selection
//   - join_room -> messages_history snapshot
//   - video_call_started fanout to the other room member (and not back to the caller)
//   - video_call_ended fanout
//
// Message sending is deliberately not exercised: it requires live upstream
// credentials, which CI does not have.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "spikechat/shared/contracts/relay/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "spikechat.relay.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:3001/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		roomID  = flag.String("room", "GENERAL", "Room ID to join")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A and B, origin=%q\n", *origin)
	}

	mustJoin(root, a, *roomID, *timeout)
	mustJoin(root, b, *roomID, *timeout)

	meetingRoom := fmt.Sprintf("smoke-%d", time.Now().UnixNano())

	mustSend(root, a, v1.TypeVideoCallStarted, v1.VideoCallPayload{
		RoomID:      *roomID,
		MeetingRoom: meetingRoom,
		Username:    "smoke-a",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}, *timeout)

	started := b.mustReadUntilType(root, v1.TypeVideoCallStarted, *timeout)
	var sp v1.VideoCallPayload
	if err := json.Unmarshal(started.Payload, &sp); err != nil {
		fatalf("unmarshal video_call_started payload: %v", err)
	}
	if sp.MeetingRoom != meetingRoom {
		fatalf("meetingRoom mismatch: got=%q want=%q", sp.MeetingRoom, meetingRoom)
	}
	if sp.RoomID != *roomID {
		fatalf("roomId mismatch: got=%q want=%q", sp.RoomID, *roomID)
	}

	// The caller must not receive its own notification back.
	mustAssertNoType(a, v1.TypeVideoCallStarted, 1200*time.Millisecond)

	mustSend(root, a, v1.TypeVideoCallEnded, v1.VideoCallPayload{
		RoomID:      *roomID,
		MeetingRoom: meetingRoom,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}, *timeout)

	_ = b.mustReadUntilType(root, v1.TypeVideoCallEnded, *timeout)

	fmt.Printf("OK: room=%s meeting_room=%s\n", *roomID, meetingRoom)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.reportErr(err)
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.reportErr(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.reportErr(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.reportErr(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.reportErr(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) reportErr(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustReadUntilType drains the inbox until an envelope of the wanted type
// arrives; anything else (history pushes, new_message fanout) is skipped.
func (c *smokeClient) mustReadUntilType(parent context.Context, want string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("%s: timeout waiting for %q", c.name, want)
		case err := <-c.errCh:
			fatalf("%s: read loop failed waiting for %q: %v", c.name, want, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("%s: connection closed waiting for %q", c.name, want)
			}
			if env.Type == v1.TypeError {
				fatalf("%s: server error while waiting for %q: %s", c.name, want, string(env.Payload))
			}
			if env.Type == want {
				return env
			}
		}
	}
}

func mustAssertNoType(c *smokeClient, banned string, window time.Duration) {
	deadline := time.After(window)
	for {
		select {
		case <-deadline:
			return
		case env, ok := <-c.inbox:
			if !ok {
				return
			}
			if env.Type == banned {
				fatalf("%s: unexpected %q envelope: %s", c.name, banned, string(env.Payload))
			}
		}
	}
}

func mustJoin(parent context.Context, c *smokeClient, roomID string, stepTimeout time.Duration) {
	mustSend(parent, c, v1.TypeJoinRoom, v1.JoinRoomPayload{RoomID: roomID}, stepTimeout)

	// The join triggers a one-shot history snapshot for this connection.
	snap := c.mustReadUntilType(parent, v1.TypeMessagesHistory, stepTimeout)

	var p v1.MessagesHistoryPayload
	if err := json.Unmarshal(snap.Payload, &p); err != nil {
		fatalf("%s: unmarshal messages_history payload: %v", c.name, err)
	}
	if p.RoomID != roomID {
		fatalf("%s: history roomId mismatch: got=%q want=%q", c.name, p.RoomID, roomID)
	}
}

func mustSend(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal %s envelope: %v", typ, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("%s: write %s: %v", c.name, typ, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal payload: %v", err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "SMOKE FAIL: "+format+"\n", args...)
	os.Exit(1)
}
