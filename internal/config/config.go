package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr  string // websocket listen address
	ObserveAddr string // metrics/health HTTP address
	WSPath      string

	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	StaleThreshold    time.Duration
	WriteTimeout      time.Duration
	ResumeWindow      time.Duration

	MaxFrameSize int

	RateLimitWindow time.Duration
	RateLimitMax    int

	// Cross-instance bridge. Empty RedisAddr disables the bridge.
	RedisAddr   string
	RedisDB     int
	RedisStream string
	RedisGroup  string
	NodeID      string
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func Load() *Config {
	cfg := &Config{
		ListenAddr:  getEnv("RELAY_ADDR", ":8080"),
		ObserveAddr: getEnv("RELAY_OBSERVE_ADDR", ":9090"),
		WSPath:      getEnv("RELAY_WS_PATH", "/ws"),

		HeartbeatInterval: getDuration("RELAY_HEARTBEAT_INTERVAL", 30*time.Second),
		SweepInterval:     getDuration("RELAY_SWEEP_INTERVAL", 60*time.Second),
		StaleThreshold:    getDuration("RELAY_STALE_THRESHOLD", 300*time.Second),
		WriteTimeout:      getDuration("RELAY_WRITE_TIMEOUT", 10*time.Second),
		ResumeWindow:      getDuration("RELAY_RESUME_WINDOW", 2*time.Minute),

		MaxFrameSize: getInt("RELAY_MAX_FRAME", 1<<20),

		RateLimitWindow: getDuration("RELAY_RATE_WINDOW", time.Minute),
		RateLimitMax:    getInt("RELAY_RATE_MAX", 120),

		RedisAddr:   getEnv("RELAY_REDIS_ADDR", ""),
		RedisDB:     getInt("RELAY_REDIS_DB", 0),
		RedisStream: getEnv("RELAY_REDIS_STREAM", "relay:broadcast"),
		RedisGroup:  getEnv("RELAY_REDIS_GROUP", "relay"),
		NodeID:      getEnv("RELAY_NODE_ID", ""),
	}
	// A threshold at or below the heartbeat interval would evict healthy
	// connections that miss a single ping.
	if cfg.StaleThreshold < 2*cfg.HeartbeatInterval {
		cfg.StaleThreshold = 2 * cfg.HeartbeatInterval
	}
	return cfg
}
