package main

import (
	"fmt"
	"time"

	teachnlearn "github.com/anandamarsh/teachnlearn-sub001"
)

// newClient creates a client from the effective configuration.
func newClient(cfg *Config) *teachnlearn.Client {
	opts := []teachnlearn.ClientOption{teachnlearn.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, teachnlearn.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.Audience != "" {
		opts = append(opts, teachnlearn.WithAudience(cfg.Default.Audience))
	}
	return teachnlearn.NewClient(cfg.Default.Token, opts...)
}

// channelOptions turns the [channel] section into manager options. Unset
// values keep the SDK defaults.
func channelOptions(c ConfigChannel) ([]teachnlearn.ManagerOption, error) {
	floor, err := parseDuration(c.ReconnectFloor)
	if err != nil {
		return nil, fmt.Errorf("channel.reconnect_floor: %w", err)
	}
	ceiling, err := parseDuration(c.ReconnectCeiling)
	if err != nil {
		return nil, fmt.Errorf("channel.reconnect_ceiling: %w", err)
	}
	heartbeat, err := parseDuration(c.Heartbeat)
	if err != nil {
		return nil, fmt.Errorf("channel.heartbeat: %w", err)
	}
	stale, err := parseDuration(c.StaleAfter)
	if err != nil {
		return nil, fmt.Errorf("channel.stale_after: %w", err)
	}

	return []teachnlearn.ManagerOption{
		teachnlearn.WithReconnectBackoff(floor, ceiling),
		teachnlearn.WithHeartbeat(heartbeat, stale),
	}, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// maskKey shows the first 8 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
