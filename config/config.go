// Package config holds the delivery engine's tunable settings: sensible
// defaults overlaid with COMMEAZY_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config carries every knob the composition root needs to build the
// engine. Zero values are filled in by Default.
type Config struct {
	// DatabasePath is the location of the outbox SQLite database.
	DatabasePath string `envconfig:"DB_PATH"`
	// ServerURL is the chat server WebSocket endpoint.
	ServerURL string `envconfig:"SERVER_URL"`
	// PingTimeout bounds the foreground liveness probe.
	PingTimeout time.Duration `envconfig:"PING_TIMEOUT"`
	// ConnectTimeout bounds a connect or forced-reconnect attempt.
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT"`
	// SendTimeout bounds a single envelope hand-off.
	SendTimeout time.Duration `envconfig:"SEND_TIMEOUT"`
	// TickInterval is how often the retry scheduler examines the outbox.
	TickInterval time.Duration `envconfig:"TICK_INTERVAL"`
	// PresenceDeadline bounds the best-effort unavailable broadcast on
	// backgrounding.
	PresenceDeadline time.Duration `envconfig:"PRESENCE_DEADLINE"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		DatabasePath:     "commeazy-outbox.db",
		ServerURL:        "wss://chat.commeazy.net/ws",
		PingTimeout:      3 * time.Second,
		ConnectTimeout:   30 * time.Second,
		SendTimeout:      30 * time.Second,
		TickInterval:     15 * time.Second,
		PresenceDeadline: 2 * time.Second,
	}
}

// Load returns the defaults overlaid with COMMEAZY_* environment
// variables.
func Load() (Config, error) {
	cfg := Default()
	if err := envconfig.Process("COMMEAZY", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config from environment: %w", err)
	}
	return cfg, nil
}
