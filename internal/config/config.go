// Package config holds the client and relay configuration. Values come from
// the environment (optionally seeded from a .env file) and may be overridden
// by CLI flags in cmd/.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Client stores everything the call/chat client needs at startup.
type Client struct {
	RelayURL      string        `env:"MEET_RELAY_URL"`
	Name          string        `env:"MEET_NAME"`
	RingTimeout   time.Duration `env:"MEET_RING_TIMEOUT" envDefault:"45s"` // 0 rings forever
	STUNServers   []string      `env:"MEET_STUN_SERVERS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"`
	StatsInterval time.Duration `env:"MEET_STATS_INTERVAL" envDefault:"10s"` // 0 disables the reporter
	// MaxMessageBytes must not exceed the relay's RELAY_MAX_MESSAGE_BYTES.
	MaxMessageBytes int64 `env:"MEET_MAX_MESSAGE_BYTES" envDefault:"65536"`
	Debug           bool  `env:"MEET_DEBUG" envDefault:"false"`
}

// Relay stores the rendezvous server settings.
type Relay struct {
	ListenAddr      string `env:"RELAY_LISTEN_ADDR" envDefault:":8080"`
	MaxMessageBytes int64  `env:"RELAY_MAX_MESSAGE_BYTES" envDefault:"65536"`
	Debug           bool   `env:"RELAY_DEBUG" envDefault:"false"`
}

// LoadEnvFile loads path into the process environment. An empty path means
// ".env" in the working directory, which is allowed to be missing.
func LoadEnvFile(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadClient parses the client configuration from the environment.
func LoadClient() (*Client, error) {
	cfg := &Client{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	return cfg, nil
}

// LoadRelay parses the relay configuration from the environment.
func LoadRelay() (*Relay, error) {
	cfg := &Relay{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("invalid relay config: %w", err)
	}
	if cfg.MaxMessageBytes <= 0 {
		return nil, fmt.Errorf("invalid relay config: RELAY_MAX_MESSAGE_BYTES must be positive")
	}
	return cfg, nil
}

// Validate checks the fields that cannot be defaulted.
func (c *Client) Validate() error {
	if c.RelayURL == "" {
		return errors.New("missing relay URL")
	}
	if c.RingTimeout < 0 {
		return errors.New("ring timeout must not be negative")
	}
	if c.MaxMessageBytes <= 0 {
		return errors.New("message size limit must be positive")
	}
	return nil
}

// NormalizeRelayURL validates and normalizes a raw relay address. Bare hosts
// default to wss, http(s) schemes are mapped to ws(s) and the path is forced
// to /ws.
func NormalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" && !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}

	scheme := "wss"
	switch u.Scheme {
	case "ws", "http":
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}
