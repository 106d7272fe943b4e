// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	WebSocketURL string
	APIURL       string
	DBPath       string
	AssistantID  string
	StatusAddr   string
	CORSOrigins  []string
	Debug        bool
	Connection   ConnectionConfig
	DedupWindow  time.Duration
}

// ConnectionConfig controls the connection lifecycle timers and send limits.
type ConnectionConfig struct {
	Debounce       time.Duration
	RetryDelay     time.Duration
	SettleDelay    time.Duration
	ConnectTimeout time.Duration
	SendRate       float64
	SendBurst      int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		WebSocketURL: getEnv("CHATSYNC_WS_URL", "ws://localhost:8000/ws"),
		APIURL:       getEnv("CHATSYNC_API_URL", "http://localhost:8000"),
		DBPath:       getEnv("CHATSYNC_DB_PATH", "./data/credentials.db"),
		AssistantID:  getEnv("CHATSYNC_ASSISTANT_ID", "ai_assistant"),
		StatusAddr:   getEnv("CHATSYNC_STATUS_ADDR", "127.0.0.1:8090"),
		CORSOrigins:  getEnvList("CHATSYNC_CORS_ORIGINS"),
		Debug:        getEnvBool("CHATSYNC_DEBUG", false),
		Connection: ConnectionConfig{
			Debounce:       getEnvDuration("CHATSYNC_CONNECT_DEBOUNCE", 100*time.Millisecond),
			RetryDelay:     getEnvDuration("CHATSYNC_RETRY_DELAY", 3*time.Second),
			SettleDelay:    getEnvDuration("CHATSYNC_VISIBILITY_SETTLE", 200*time.Millisecond),
			ConnectTimeout: getEnvDuration("CHATSYNC_CONNECT_TIMEOUT", 5*time.Second),
			SendRate:       getEnvFloat("CHATSYNC_SEND_RATE", 5),
			SendBurst:      getEnvInt("CHATSYNC_SEND_BURST", 10),
		},
		DedupWindow: getEnvDuration("CHATSYNC_DEDUP_WINDOW", time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if err := validateURL("CHATSYNC_WS_URL", c.WebSocketURL, "ws", "wss"); err != nil {
		return err
	}
	if err := validateURL("CHATSYNC_API_URL", c.APIURL, "http", "https"); err != nil {
		return err
	}
	if c.DBPath == "" {
		return fmt.Errorf("CHATSYNC_DB_PATH cannot be empty")
	}
	if c.AssistantID == "" {
		return fmt.Errorf("CHATSYNC_ASSISTANT_ID cannot be empty")
	}
	if c.StatusAddr == "" {
		return fmt.Errorf("CHATSYNC_STATUS_ADDR cannot be empty")
	}
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"CHATSYNC_CONNECT_DEBOUNCE", c.Connection.Debounce},
		{"CHATSYNC_RETRY_DELAY", c.Connection.RetryDelay},
		{"CHATSYNC_VISIBILITY_SETTLE", c.Connection.SettleDelay},
		{"CHATSYNC_CONNECT_TIMEOUT", c.Connection.ConnectTimeout},
		{"CHATSYNC_DEDUP_WINDOW", c.DedupWindow},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}
	if c.Connection.SendRate <= 0 {
		return fmt.Errorf("CHATSYNC_SEND_RATE must be > 0")
	}
	if c.Connection.SendBurst <= 0 {
		return fmt.Errorf("CHATSYNC_SEND_BURST must be > 0")
	}
	return nil
}

func validateURL(name, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %s, got %q", name, strings.Join(schemes, ", "), u.Scheme)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
