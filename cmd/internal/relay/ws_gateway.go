// Package relay implements the realtime core of the SpikeChat relay: the
// websocket gateway, the session/room registry, the per-room poll scheduler
// and the upstream-to-client message formatter.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"spikechat/cmd/internal/upstream"
	v1 "spikechat/shared/contracts/relay/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "spikechat.relay.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Disconnects tear the room's polling down only after a short grace
	// delay, so a reconnect blip does not thrash the scheduler.
	wsDefaultDisconnectGrace = 1 * time.Second
)

// Only localhost is allowed by default (secure-by-default for dev).
var wsDefaultAllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}

// UpstreamService is the subset of the upstream client the gateway calls.
type UpstreamService interface {
	Fetcher
	SendMessage(ctx context.Context, in upstream.SendMessageInput) (upstream.RawMessage, error)
}

// GatewayConfig carries the gateway tunables. Zero values select defaults.
type GatewayConfig struct {
	DefaultRoomID   string
	DisconnectGrace time.Duration
	HistoryLookback time.Duration
	FetchTimeout    time.Duration

	OriginRequired bool
	AllowedOrigins []string
	DevInsecure    bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = wsDefaultDisconnectGrace
	}
	if c.HistoryLookback <= 0 {
		c.HistoryLookback = DefaultLookback
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = wsDefaultAllowedOrigins
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsDefaultSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// WSGateway terminates client websocket connections and translates inbound
// events into upstream calls and scheduler commands.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats the way the rest of the relay's HTTP surface does.
type WSGateway struct {
	log   *slog.Logger
	hub   *Hub
	sched *Scheduler
	up    UpstreamService
	cfg   GatewayConfig

	metrics *Metrics

	// Derived for websocket.Accept origin checks. Accept() authorizes
	// same-host origins by default; cross-origin requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway with secure defaults. metrics may be nil.
func NewWSGateway(log *slog.Logger, hub *Hub, sched *Scheduler, up UpstreamService, cfg GatewayConfig, metrics *Metrics) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &WSGateway{
		log:            log,
		hub:            hub,
		sched:          sched,
		up:             up,
		cfg:            cfg,
		metrics:        metrics,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the
// per-connection state machine: Connected(unbound) -> Connected(bound to R).
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := NewSessionID(time.Now().UTC())
	client := NewClient(sessionID, g.cfg.SendQueueSize)

	g.metrics.connUp()
	g.log.Info("ws.connect", "session_id", sessionID, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// bound is written by the read loop and read by shutdown, which the
	// writer and heartbeat goroutines may invoke. Guarded by boundMu.
	var (
		closeOnce sync.Once

		boundMu sync.Mutex
		bound   *Room
	)
	getBound := func() *Room {
		boundMu.Lock()
		defer boundMu.Unlock()
		return bound
	}
	setBound := func(r *Room) {
		boundMu.Lock()
		defer boundMu.Unlock()

		select {
		case <-client.Done():
			// Shutdown already ran; a join that raced it must be undone or
			// its membership would pin the room's poller forever.
			bound = nil
			if r != nil {
				g.leaveRoom(r.ID, sessionID)
			}
		default:
			bound = r
		}
	}

	// shutdown is idempotent. It does NOT close client.Send.
	// The client is closed before the binding is read so a concurrent
	// setBound either lands before the read or takes the undo path.
	// Membership is removed immediately; the scheduler teardown is deferred
	// by the disconnect grace so a reconnect can keep the room's polling.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()

			boundMu.Lock()
			room := bound
			bound = nil
			boundMu.Unlock()

			if room != nil {
				roomID := room.ID
				g.hub.Leave(roomID, sessionID)

				time.AfterFunc(g.cfg.DisconnectGrace, func() {
					if g.hub.Size(roomID) == 0 {
						g.sched.Deactivate(roomID)
					}
				})
			}

			_ = conn.Close(code, reason)
			cancel()

			g.metrics.connDown()
			g.log.Info("ws.disconnect", "session_id", sessionID, "reason", reason)
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, v1.TypeError, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, v1.TypeError, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, v1.TypeError, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeJoinRoom:
			room, err := g.onJoinRoom(ctx, client, getBound(), env)
			if err != nil {
				g.trySendError(ctx, client, v1.TypeMessagesError, "join_failed", err.Error())
				continue readLoop
			}
			setBound(room)

		case v1.TypeLeaveRoom:
			setBound(g.onLeaveRoom(client, getBound(), env))

		case v1.TypeSendMessage:
			if err := g.onSendMessage(ctx, client, getBound(), env); err != nil {
				g.trySendError(ctx, client, v1.TypeMessageError, "send_failed", err.Error())
				continue readLoop
			}

		case v1.TypeGetMessages:
			if err := g.onGetMessages(ctx, client, env); err != nil {
				g.trySendError(ctx, client, v1.TypeMessagesError, "history_failed", err.Error())
				continue readLoop
			}

		case v1.TypeVideoCallStarted, v1.TypeVideoCallEnded:
			if err := g.onVideoCall(client, getBound(), env, now); err != nil {
				g.trySendError(ctx, client, v1.TypeError, "video_call_failed", err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, v1.TypeError, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

// onJoinRoom binds the connection to a room, activates its polling and pushes
// a one-time history snapshot to the joining connection only.
func (g *WSGateway) onJoinRoom(ctx context.Context, client *Client, bound *Room, env v1.Envelope) (*Room, error) {
	var p v1.JoinRoomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	roomID := g.effectiveRoomID(p.RoomID, nil)
	if roomID == "" {
		return nil, errors.New("missing roomId and no default room configured")
	}

	if bound != nil && bound.ID == roomID {
		// Rejoining the bound room is a no-op, not a duplicate scheduler.
		return bound, nil
	}

	// Membership stability: leave the old room before switching.
	if bound != nil {
		g.leaveRoom(bound.ID, client.SessionID)
	}

	room := g.hub.GetOrCreateRoom(roomID)
	room.Join(client)
	g.sched.Activate(roomID)

	if err := g.pushHistory(ctx, client, roomID, 0); err != nil {
		// The join itself succeeded; surface the snapshot failure only.
		g.log.Warn("ws.join.history.fail", "session_id", client.SessionID, "room_id", roomID, "err", err)
		g.trySendError(ctx, client, v1.TypeMessagesError, "history_failed", err.Error())
	}

	return room, nil
}

// onLeaveRoom unbinds the connection; the scheduler stops when the room's
// last participant leaves. Returns the new binding (nil when unbound).
func (g *WSGateway) onLeaveRoom(client *Client, bound *Room, env v1.Envelope) *Room {
	var p v1.LeaveRoomPayload
	_ = json.Unmarshal(env.Payload, &p)

	if bound == nil {
		return nil
	}
	if p.RoomID != "" && p.RoomID != bound.ID {
		// Leaving a room the connection is not bound to is a no-op.
		return bound
	}

	g.leaveRoom(bound.ID, client.SessionID)
	return nil
}

func (g *WSGateway) leaveRoom(roomID, sessionID string) {
	if g.hub.Leave(roomID, sessionID) == 0 {
		g.sched.Deactivate(roomID)
	}
}

// onSendMessage forwards a message upstream with the caller's credentials.
// There is deliberately no optimistic local echo: the message reaches the
// room via the next poll tick, from upstream's canonical copy.
func (g *WSGateway) onSendMessage(ctx context.Context, client *Client, bound *Room, env v1.Envelope) error {
	var p v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	text := strings.TrimSpace(p.Message)
	if text == "" {
		return errors.New("missing message")
	}
	if len([]rune(text)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}
	if p.AuthToken == "" || p.UserID == "" {
		return errors.New("authToken and userId are required to send messages")
	}

	roomID := g.effectiveRoomID(p.RoomID, bound)
	if roomID == "" {
		return errors.New("missing roomId")
	}

	atts := make([]upstream.RawAttachment, 0, len(p.Attachments))
	for _, a := range p.Attachments {
		atts = append(atts, upstream.RawAttachment{
			Title:     a.Title,
			TitleLink: a.TitleLink,
			Text:      a.Text,
			Color:     a.Color,
			ImageURL:  a.ImageURL,
		})
	}

	sendCtx, cancel := context.WithTimeout(ctx, g.cfg.FetchTimeout)
	defer cancel()

	_, err := g.up.SendMessage(sendCtx, upstream.SendMessageInput{
		RoomID:      roomID,
		Text:        text,
		Credentials: upstream.Credentials{AuthToken: p.AuthToken, UserID: p.UserID},
		Alias:       p.Alias,
		Emoji:       p.Emoji,
		Avatar:      p.Avatar,
		Attachments: atts,
	})
	if err != nil {
		g.log.Info("ws.send_message.fail", "session_id", client.SessionID, "room_id", roomID, "err", err)
		return err
	}
	return nil
}

// onGetMessages serves a one-shot history fetch.
func (g *WSGateway) onGetMessages(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.GetMessagesPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	roomID := g.effectiveRoomID(p.RoomID, nil)
	if roomID == "" {
		return errors.New("missing roomId")
	}

	return g.pushHistory(ctx, client, roomID, p.Previous)
}

// pushHistory fetches messages since sinceMillis (or the lookback window when
// zero) and enqueues a messages_history snapshot to one connection.
func (g *WSGateway) pushHistory(ctx context.Context, client *Client, roomID string, sinceMillis int64) error {
	if sinceMillis <= 0 {
		sinceMillis = time.Now().UTC().Add(-g.cfg.HistoryLookback).UnixMilli()
	}

	fetchCtx, cancel := context.WithTimeout(ctx, g.cfg.FetchTimeout)
	defer cancel()

	raw, err := g.up.SyncMessages(fetchCtx, roomID, sinceMillis)
	if err != nil {
		return err
	}

	msgs := FormatBatch(raw)
	payload, _ := json.Marshal(v1.MessagesHistoryPayload{Messages: msgs, RoomID: roomID})

	if !g.enqueue(ctx, client, newEnvelope(v1.TypeMessagesHistory, payload, time.Now().UTC())) {
		return errors.New("backpressure: history snapshot")
	}
	return nil
}

// onVideoCall rebroadcasts a call start/end marker to the other connections
// in the room. The relay generates a meeting-room name when the caller did
// not provide one; it never manages conferencing state.
func (g *WSGateway) onVideoCall(client *Client, bound *Room, env v1.Envelope, now time.Time) error {
	var p v1.VideoCallPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	roomID := g.effectiveRoomID(p.RoomID, bound)
	if roomID == "" {
		return errors.New("missing roomId")
	}
	p.RoomID = roomID

	if p.MeetingRoom == "" {
		if env.Type == v1.TypeVideoCallEnded {
			return errors.New("missing meetingRoom")
		}
		p.MeetingRoom = NewMeetingRoomName(roomID, now)
	}
	if p.Timestamp == "" {
		p.Timestamp = now.Format(time.RFC3339)
	}

	room, ok := g.hub.Room(roomID)
	if !ok {
		// Nobody is watching the room; a notification has no audience.
		return nil
	}

	payload, _ := json.Marshal(p)
	room.BroadcastExcept(client.SessionID, newEnvelope(env.Type, payload, now))
	return nil
}

// effectiveRoomID resolves the room id for an event: explicit payload value,
// then the connection's bound room, then the configured default room.
func (g *WSGateway) effectiveRoomID(payloadRoomID string, bound *Room) string {
	if s := strings.TrimSpace(payloadRoomID); s != "" {
		return s
	}
	if bound != nil {
		return bound.ID
	}
	return g.cfg.DefaultRoomID
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, typ, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Error: msg, Code: code})
	_ = g.enqueue(ctx, client, newEnvelope(typ, p, time.Now().UTC()))
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatterns(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host.
	// Keep this strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
