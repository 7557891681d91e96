package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries the environment-driven settings shared by the systrack
// processes. Every field has a default so a bare checkout runs locally.
type Config struct {
	DBPath string

	APIAddr        string
	ChatClientAddr string

	// BridgeURL is the websocket endpoint hosted by the chat client process
	// that worker/API processes dial to relay messages.
	BridgeURL string
	// APIBaseURL is where the chat client posts inbound commands.
	APIBaseURL string
	// GatewayURL points at the chat transport gateway holding the session.
	GatewayURL string

	// SyncHour/SyncMinute define the daily sync time-of-day in Timezone.
	SyncHour   int
	SyncMinute int
	Timezone   string

	SyncConcurrency    int
	MessageConcurrency int
	CommandConcurrency int

	AllowedGroups []string
	AdminPhone    string
}

// Load reads .env when present and resolves every setting with its default.
func Load() *Config {
	_ = godotenv.Load() // ignore error if .env not found

	hour, minute := parseClock(envStr("SYNC_TIME", "02:30"))

	return &Config{
		DBPath:             envStr("DB_PATH", "systrack.db"),
		APIAddr:            envStr("API_ADDR", ":8080"),
		ChatClientAddr:     envStr("CHAT_CLIENT_ADDR", ":8090"),
		BridgeURL:          envStr("BRIDGE_URL", "ws://localhost:8090/bridge"),
		APIBaseURL:         envStr("API_BASE_URL", "http://localhost:8080"),
		GatewayURL:         envStr("GATEWAY_URL", "http://localhost:3000"),
		SyncHour:           hour,
		SyncMinute:         minute,
		Timezone:           envStr("SYNC_TIMEZONE", "Asia/Tehran"),
		SyncConcurrency:    envInt("SYNC_CONCURRENCY", 5),
		MessageConcurrency: envInt("MESSAGE_CONCURRENCY", 3),
		CommandConcurrency: envInt("COMMAND_CONCURRENCY", 2),
		AllowedGroups:      envList("ALLOWED_GROUPS"),
		AdminPhone:         envStr("ADMIN_PHONE", ""),
	}
}

// Location resolves the configured timezone, falling back to UTC so a bad
// value degrades the schedule rather than crashing the worker.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func parseClock(value string) (int, int) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 2, 30
	}
	hour, err1 := strconv.Atoi(parts[0])
	minute, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 2, 30
	}
	return hour, minute
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
