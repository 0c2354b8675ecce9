// Package config holds the gateway's environment-driven configuration
// contract: variable names, defaults, and the validation rules applied at
// startup.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Defaults for the configuration contract.
const (
	DefaultGatewayHost  = "127.0.0.1"
	DefaultGatewayPort  = 8765
	DefaultOpenClawHost = "127.0.0.1"
	DefaultOpenClawPort = 18789
	DefaultAgentTimeout = 120 * time.Second
	DefaultAuthTimeout  = 5 * time.Second

	DefaultWhisperModel       = "base.en"
	DefaultWhisperDevice      = "cpu"
	DefaultWhisperComputeType = "int8"
)

// loopbackHosts are the listen addresses that may run without a token.
var loopbackHosts = map[string]bool{
	"127.0.0.1": true,
	"localhost": true,
	"::1":       true,
}

// weakTokens are well-known placeholder values that trigger a startup
// warning.
var weakTokens = map[string]bool{
	"changeme": true,
	"test":     true,
	"password": true,
	"secret":   true,
	"token":    true,
	"admin":    true,
	"":         true,
}

// LogLevel is a configurable slog level name.
type LogLevel string

// IsValid reports whether the log level is one of debug, info, warn, error.
func (l LogLevel) IsValid() bool {
	switch l {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

// SlogLevel maps the level name to its slog.Level. Unknown names map to Info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
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

// Config is the gateway's full runtime configuration.
type Config struct {
	// GatewayHost and GatewayPort form the client-facing listen address.
	GatewayHost string
	GatewayPort int

	// GatewayToken authenticates clients. Empty skips the auth handshake,
	// which is only permitted on loopback hosts.
	GatewayToken string

	// OpenClawHost and OpenClawPort locate the upstream agent service.
	OpenClawHost string
	OpenClawPort int

	// OpenClawToken authenticates the gateway upstream. Empty selects the
	// mock response handler.
	OpenClawToken string

	// AgentTimeout bounds one full response cycle.
	AgentTimeout time.Duration

	// AuthTimeout bounds the client auth handshake.
	AuthTimeout time.Duration

	// AllowedOrigins restricts WebSocket Origin headers. Empty allows all.
	AllowedOrigins []string

	// Whisper transcriber tuning.
	WhisperModel       string
	WhisperDevice      string
	WhisperComputeType string

	// LogLevel controls slog verbosity.
	LogLevel LogLevel

	// MetricsAddr is the listen address for the metrics/health HTTP server.
	// Empty disables it.
	MetricsAddr string
}

// GatewayAddr returns the host:port the gateway listens on.
func (c *Config) GatewayAddr() string {
	return fmt.Sprintf("%s:%d", c.GatewayHost, c.GatewayPort)
}

// IsLoopback reports whether the gateway listens on a loopback host.
func (c *Config) IsLoopback() bool {
	return loopbackHosts[c.GatewayHost]
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found and warns (without
// failing) about weak tokens and disabled auth.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.GatewayPort < 1 || cfg.GatewayPort > 65535 {
		errs = append(errs, fmt.Errorf("GATEWAY_PORT %d is out of range [1, 65535]", cfg.GatewayPort))
	}
	if cfg.OpenClawPort < 1 || cfg.OpenClawPort > 65535 {
		errs = append(errs, fmt.Errorf("OPENCLAW_PORT %d is out of range [1, 65535]", cfg.OpenClawPort))
	}
	if cfg.AgentTimeout <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_TIMEOUT %s must be positive", cfg.AgentTimeout))
	}
	if cfg.AuthTimeout <= 0 {
		errs = append(errs, fmt.Errorf("AUTH_TIMEOUT %s must be positive", cfg.AuthTimeout))
	}
	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("GATEWAY_LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if !cfg.IsLoopback() && cfg.GatewayToken == "" {
		errs = append(errs, fmt.Errorf("GATEWAY_TOKEN is required when listening on non-loopback host %q", cfg.GatewayHost))
	}

	if cfg.GatewayToken == "" {
		if cfg.IsLoopback() {
			slog.Warn("no GATEWAY_TOKEN set; client auth is disabled (loopback only)")
		}
	} else if weakTokens[strings.ToLower(cfg.GatewayToken)] {
		slog.Warn("GATEWAY_TOKEN is a well-known placeholder value; choose a strong token")
	}

	if cfg.OpenClawToken == "" {
		slog.Warn("no OPENCLAW_GATEWAY_TOKEN set; using the mock response handler")
	}

	return errors.Join(errs...)
}
