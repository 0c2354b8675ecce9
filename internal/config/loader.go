package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load builds a validated [Config] from the process environment. A .env file
// in the working directory is merged in first without overriding variables
// already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a validated [Config] from the given lookup function.
// Separated from [Load] so tests can inject environments without touching
// the process state.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		GatewayHost:        get("GATEWAY_HOST", DefaultGatewayHost),
		GatewayToken:       get("GATEWAY_TOKEN", ""),
		OpenClawHost:       get("OPENCLAW_HOST", DefaultOpenClawHost),
		OpenClawToken:      get("OPENCLAW_GATEWAY_TOKEN", ""),
		WhisperModel:       get("WHISPER_MODEL", DefaultWhisperModel),
		WhisperDevice:      get("WHISPER_DEVICE", DefaultWhisperDevice),
		WhisperComputeType: get("WHISPER_COMPUTE_TYPE", DefaultWhisperComputeType),
		LogLevel:           LogLevel(strings.ToLower(get("GATEWAY_LOG_LEVEL", ""))),
		MetricsAddr:        get("GATEWAY_METRICS_ADDR", ""),
	}

	var err error
	if cfg.GatewayPort, err = intVar(lookup, "GATEWAY_PORT", DefaultGatewayPort); err != nil {
		return nil, err
	}
	if cfg.OpenClawPort, err = intVar(lookup, "OPENCLAW_PORT", DefaultOpenClawPort); err != nil {
		return nil, err
	}
	if cfg.AgentTimeout, err = secondsVar(lookup, "AGENT_TIMEOUT", DefaultAgentTimeout); err != nil {
		return nil, err
	}
	if cfg.AuthTimeout, err = secondsVar(lookup, "AUTH_TIMEOUT", DefaultAuthTimeout); err != nil {
		return nil, err
	}

	if raw := get("ALLOWED_ORIGINS", ""); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func intVar(lookup func(string) (string, bool), key string, def int) (int, error) {
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s %q is not an integer", key, raw)
	}
	return v, nil
}

// secondsVar parses a duration given in seconds, accepting fractional values
// so AUTH_TIMEOUT=5.0 and AUTH_TIMEOUT=0.5 both work.
func secondsVar(lookup func(string) (string, bool), key string, def time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s %q is not a number of seconds", key, raw)
	}
	return time.Duration(v * float64(time.Second)), nil
}
