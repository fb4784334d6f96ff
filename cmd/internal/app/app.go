// Package app wires the SpikeChat relay runtime: config, logging, the
// upstream client, the poll scheduler, the websocket gateway and the HTTP
// surface.
//
// It is intentionally small and deterministic: everything is constructed once
// from config and injected by handle, with no ambient singletons.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"spikechat/cmd/internal/relay"
	"spikechat/cmd/internal/upstream"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the relay runtime: it owns HTTP server wiring and the realtime
// gateway dependencies.
type App struct {
	cfg Config
	log Logger

	hub   *relay.Hub
	sched *relay.Scheduler
	ws    *relay.WSGateway
	api   *apiHandler

	registry *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.UpstreamURL == "" {
		return nil, errors.New("SPIKECHAT_UPSTREAM_URL is required")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := relay.NewMetrics(registry)

	up := upstream.NewClient(log, cfg.UpstreamURL, upstream.Credentials{
		AuthToken: cfg.UpstreamToken,
		UserID:    cfg.UpstreamUserID,
	}, cfg.UpstreamTimeout)

	hub := relay.NewHub(log)
	sched := relay.NewScheduler(log, up, hub, relay.SchedulerConfig{
		Interval:     cfg.PollInterval,
		FetchTimeout: cfg.UpstreamTimeout,
		Lookback:     cfg.HistoryLookback,
	}, metrics)

	ws := relay.NewWSGateway(log, hub, sched, up, relay.GatewayConfig{
		DefaultRoomID:    cfg.DefaultRoomID,
		DisconnectGrace:  cfg.DisconnectGrace,
		HistoryLookback:  cfg.HistoryLookback,
		FetchTimeout:     cfg.UpstreamTimeout,
		OriginRequired:   cfg.WSOriginRequired,
		AllowedOrigins:   cfg.WSAllowedOrigins,
		DevInsecure:      cfg.WSDevInsecure,
		SendQueueSize:    cfg.WSSendQueue,
		HeartbeatEvery:   cfg.WSHeartbeatEvery,
		HeartbeatTimeout: cfg.WSHeartbeatTimeout,
		RateEvents:       cfg.WSRateEvents,
		RateWindow:       cfg.WSRateWindow,
	}, metrics)

	api := newAPIHandler(log, up, cfg)

	return &App{
		cfg:      cfg,
		log:      log,
		hub:      hub,
		sched:    sched,
		ws:       ws,
		api:      api,
		registry: registry,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.api, a.ws, a.registry)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"upstream", a.cfg.UpstreamURL,
		"default_room", a.cfg.DefaultRoomID,
		"poll_interval", a.cfg.PollInterval,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return fmt.Errorf("shutdown: %w", err)
	}

	a.sched.Shutdown()

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
