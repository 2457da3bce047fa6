package msgr

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML-loadable set of tunables for a Messenger. Nothing
// here changes wire semantics, only local policy knobs like backoff
// timing and socket options.
type Config struct {
	BindAddr  string `yaml:"bind_addr"`
	BindIPv6  bool   `yaml:"bind_ipv6"`
	TCPNoDelay bool  `yaml:"tcp_nodelay"`

	PortStart uint16 `yaml:"port_start"`
	PortEnd   uint16 `yaml:"port_end"`

	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`

	// Timeout bounds how long a read may block during the handshake or
	// steady-state, refreshed before each read. Zero disables it (blocks
	// forever), which is never the production default but is occasionally
	// useful under a debugger.
	Timeout time.Duration `yaml:"timeout"`

	AcceptBacklog int `yaml:"accept_backlog"`

	PolicyThrottleBytes   int64   `yaml:"policy_throttle_bytes"`
	DispatchThrottleBytes int64   `yaml:"dispatch_throttle_bytes"`
	RateLimitBytesPerSec  float64 `yaml:"rate_limit_bytes_per_sec"`
	RateLimitBurst        int     `yaml:"rate_limit_burst"`

	DebugAddr string `yaml:"debug_addr"`
	LogLevel  string `yaml:"log_level"`

	// LoopbackEnabled short-circuits sends addressed to our own bound
	// address straight to the dispatch queue, skipping the socket and
	// handshake entirely. On by default; a test harness that wants to
	// exercise the real self-connect path can turn it off.
	LoopbackEnabled bool `yaml:"loopback_enabled"`
}

// DefaultConfig returns the values a Messenger runs with when no config
// file is supplied.
func DefaultConfig() Config {
	return Config{
		BindAddr:              "0.0.0.0:0",
		TCPNoDelay:            true,
		PortStart:             6800,
		PortEnd:               7300,
		InitialBackoff:        200 * time.Millisecond,
		MaxBackoff:            15 * time.Second,
		DialTimeout:           10 * time.Second,
		Timeout:               15 * time.Second,
		AcceptBacklog:         128,
		PolicyThrottleBytes:   0,
		DispatchThrottleBytes: 100 << 20,
		RateLimitBytesPerSec:  0,
		RateLimitBurst:        0,
		DebugAddr:             "",
		LogLevel:              "info",
		LoopbackEnabled:       true,
	}
}

// LoadConfig reads a YAML config file, starting from DefaultConfig and
// overlaying whatever fields the file sets.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("msgr: open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("msgr: parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) slogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
