package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"spikechat/cmd/internal/upstream"
	v1 "spikechat/shared/contracts/relay/v1"
)

const (
	// DefaultPollInterval is the fixed delay between a room's poll ticks.
	DefaultPollInterval = 2 * time.Second

	// DefaultFetchTimeout bounds the upstream call inside a tick so an
	// overrun tick cannot collide with its rescheduled successor.
	DefaultFetchTimeout = 10 * time.Second

	// DefaultLookback is the history window of the first catch-up fetch.
	DefaultLookback = 24 * time.Hour
)

// Fetcher is the upstream seam used by the scheduler.
type Fetcher interface {
	SyncMessages(ctx context.Context, roomID string, sinceMillis int64) ([]upstream.RawMessage, error)
}

// Broadcaster delivers a formatted batch to the connections bound to a room.
// *Hub satisfies it.
type Broadcaster interface {
	BroadcastMessages(roomID string, msgs []v1.Message)
}

// SchedulerConfig carries the scheduler's tunables.
type SchedulerConfig struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	Lookback     time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.Lookback <= 0 {
		c.Lookback = DefaultLookback
	}
	return c
}

// roomPoller is the per-room poll state. cursor and initialLoad are owned by
// the room's tick goroutine (ticks are serialized: the next one is scheduled
// only after the current one completes); stopped and timer are guarded by the
// scheduler mutex.
type roomPoller struct {
	roomID      string
	cursor      int64 // milliseconds since epoch
	initialLoad bool

	timer   *time.Timer
	stopped bool
}

// Scheduler owns one polling task per active room: started when the first
// participant joins, stopped when the last one leaves. It is constructed once
// at startup with injected dependencies; there is no ambient global poller.
type Scheduler struct {
	log     *slog.Logger
	fetch   Fetcher
	deliver Broadcaster
	cfg     SchedulerConfig
	now     func() time.Time
	metrics *Metrics

	mu    sync.Mutex
	rooms map[string]*roomPoller
}

// NewScheduler constructs a Scheduler. metrics may be nil in tests.
func NewScheduler(log *slog.Logger, fetch Fetcher, deliver Broadcaster, cfg SchedulerConfig, metrics *Metrics) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		log:     log,
		fetch:   fetch,
		deliver: deliver,
		cfg:     cfg.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
		metrics: metrics,
		rooms:   make(map[string]*roomPoller),
	}
}

// Activate starts polling for a room. Idempotent: a second activation of an
// already-active room is a no-op, never a duplicate scheduler. The first tick
// runs immediately and fetches the configured lookback window.
func (s *Scheduler) Activate(roomID string) {
	if roomID == "" {
		return
	}

	s.mu.Lock()
	if _, ok := s.rooms[roomID]; ok {
		s.mu.Unlock()
		s.log.Debug("poll.activate.already_active", "room_id", roomID)
		return
	}

	p := &roomPoller{
		roomID:      roomID,
		cursor:      s.now().Add(-s.cfg.Lookback).UnixMilli(),
		initialLoad: true,
	}
	s.rooms[roomID] = p
	p.timer = time.AfterFunc(0, func() { s.tick(p) })
	s.mu.Unlock()

	s.metrics.pollerUp()
	s.log.Info("poll.activate", "room_id", roomID, "interval", s.cfg.Interval)
}

// Deactivate cancels the pending timer and deletes the room's poll state.
// Safe to call on a non-existent room. A tick already mid-flight detects the
// deregistration on completion and aborts without rescheduling.
func (s *Scheduler) Deactivate(roomID string) {
	s.mu.Lock()
	p, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(s.rooms, roomID)
	s.mu.Unlock()

	s.metrics.pollerDown()
	s.log.Info("poll.deactivate", "room_id", roomID)
}

// Active reports whether a room currently has a poll task.
func (s *Scheduler) Active(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

// ActiveCount returns the number of rooms currently being polled.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// Shutdown deactivates every room. Used on process stop.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Deactivate(id)
	}
}

// tick runs one poll-and-deliver cycle for a room and reschedules itself
// while the room stays registered.
func (s *Scheduler) tick(p *roomPoller) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FetchTimeout)
	raw, err := s.fetch.SyncMessages(ctx, p.roomID, p.cursor)
	cancel()

	switch {
	case err != nil:
		// Best-effort degradation: a failed fetch is an empty tick. The
		// schedule stays alive and the next interval retries, so transient
		// upstream outages self-heal without operator action.
		s.metrics.fetchFailed()
		s.log.Warn("poll.tick.fetch.fail", "room_id", p.roomID, "err", err)

	default:
		if len(raw) > 0 {
			msgs := FormatBatch(raw)
			s.deliver.BroadcastMessages(p.roomID, msgs)
			s.metrics.fanout(len(msgs))
			s.log.Debug("poll.tick.delivered", "room_id", p.roomID, "count", len(msgs))
		}

		if p.initialLoad {
			// First successful poll: the catch-up window was delivered once.
			// Resetting the cursor to "now" instead of the newest message
			// timestamp avoids re-delivering the historical window.
			p.initialLoad = false
			p.cursor = s.now().UnixMilli()
		} else if len(raw) > 0 {
			if ts := latestUpdateMillis(raw); ts > p.cursor {
				p.cursor = ts
			}
		}
	}

	s.metrics.tick()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rooms[p.roomID]
	if !ok || cur != p || p.stopped {
		// Deactivated while this tick was in flight. Do not resurrect.
		return
	}
	p.timer = time.AfterFunc(s.cfg.Interval, func() { s.tick(p) })
}

// latestUpdateMillis returns the newest upstream-update timestamp in a batch,
// in milliseconds since epoch, or 0 when none parses.
func latestUpdateMillis(raw []upstream.RawMessage) int64 {
	var latest int64
	for _, m := range raw {
		stamp := m.UpdatedAt
		if stamp == "" {
			stamp = m.TS
		}
		t, err := time.Parse(time.RFC3339, stamp)
		if err != nil {
			continue
		}
		if ms := t.UnixMilli(); ms > latest {
			latest = ms
		}
	}
	return latest
}
