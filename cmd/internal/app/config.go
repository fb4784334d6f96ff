package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Upstream chat backend (Rocket.Chat).
	UpstreamURL     string
	UpstreamToken   string
	UpstreamUserID  string
	UpstreamTimeout time.Duration

	// Relay behavior.
	DefaultRoomID   string
	PollInterval    time.Duration
	HistoryLookback time.Duration
	DisconnectGrace time.Duration

	// Websocket surface.
	WSOriginRequired   bool
	WSAllowedOrigins   []string
	WSDevInsecure      bool
	WSSendQueue        int
	WSHeartbeatEvery   time.Duration
	WSHeartbeatTimeout time.Duration
	WSRateEvents       int
	WSRateWindow       time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("SPIKECHAT_HTTP_ADDR", "0.0.0.0:3001"),
		LogLevel:  EnvString("SPIKECHAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("SPIKECHAT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("SPIKECHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SPIKECHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("SPIKECHAT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("SPIKECHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("SPIKECHAT_HTTP_MAX_HEADER_BYTES", 1<<20),

		UpstreamURL:     EnvString("SPIKECHAT_UPSTREAM_URL", ""),
		UpstreamToken:   EnvString("SPIKECHAT_UPSTREAM_TOKEN", ""),
		UpstreamUserID:  EnvString("SPIKECHAT_UPSTREAM_USER_ID", ""),
		UpstreamTimeout: EnvDuration("SPIKECHAT_UPSTREAM_TIMEOUT", 10*time.Second),

		DefaultRoomID:   EnvString("SPIKECHAT_DEFAULT_ROOM_ID", "GENERAL"),
		PollInterval:    EnvDuration("SPIKECHAT_POLL_INTERVAL", 2*time.Second),
		HistoryLookback: EnvDuration("SPIKECHAT_HISTORY_LOOKBACK", 24*time.Hour),
		DisconnectGrace: EnvDuration("SPIKECHAT_DISCONNECT_GRACE", time.Second),

		WSOriginRequired:   EnvBool("SPIKECHAT_WS_ORIGIN_REQUIRED", true),
		WSAllowedOrigins:   EnvCSV("SPIKECHAT_WS_ALLOWED_ORIGINS", []string{"http://localhost", "http://127.0.0.1"}),
		WSDevInsecure:      EnvBool("SPIKECHAT_WS_DEV_INSECURE", false),
		WSSendQueue:        EnvInt("SPIKECHAT_WS_SEND_QUEUE", 256),
		WSHeartbeatEvery:   EnvDuration("SPIKECHAT_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		WSHeartbeatTimeout: EnvDuration("SPIKECHAT_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		WSRateEvents:       EnvInt("SPIKECHAT_WS_RATE_EVENTS", 120),
		WSRateWindow:       EnvDuration("SPIKECHAT_WS_RATE_WINDOW", 10*time.Second),
	}
}
