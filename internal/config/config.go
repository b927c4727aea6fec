// Package config provides configuration management for voxgate.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the voxgate server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7090").
	ServerAddr string

	// DataDir is the directory for persistent data (transcript DB, etc.).
	DataDir string

	// TranscriptPath is the full path to the transcript SQLite database.
	TranscriptPath string

	// AuthToken, when set, is required on every WebSocket connection.
	AuthToken string

	// Connection admission.
	MaxConnections int
	AcquireTimeout time.Duration

	// Idle watchdog.
	IdleTimeout  time.Duration
	WatchdogTick time.Duration

	// Per-connection rate limits.
	MessageLimit  int
	MessageWindow time.Duration
	CancelLimit   int
	CancelWindow  time.Duration

	// Per-session chat_prompt update limit.
	PromptUpdateLimit  int
	PromptUpdateWindow time.Duration

	// SessionTTL is how long idle sessions survive in memory.
	SessionTTL time.Duration

	// Orchestrator mode: chat_only, tool_only, sequential, or concurrent.
	Mode string

	// ToolTimeout bounds the classifier call (<= 0 waits indefinitely);
	// GenTimeout bounds one chat generation (0 disables).
	ToolTimeout time.Duration
	GenTimeout  time.Duration

	// PrebufferMaxChars is the concurrent-mode buffered-token threshold.
	PrebufferMaxChars int

	// Token budgets for the rendered chat history and the classifier's
	// user-only history.
	HistoryBudget      int
	ToolHistoryBudget  int
	ToolHistorySepCost int

	// CacheResetInterval rate-limits engine cache resets; zero disables the
	// periodic daemon.
	CacheResetInterval time.Duration

	// Chat engine runtime. Empty ChatEngineURL selects the built-in mock.
	ChatEngineURL string
	ChatModel     string
	ChatAPIKey    string

	// Tool classifier runtime (optional).
	ToolEngineURL string
	ToolModel     string
	ToolAPIKey    string
}

// Load creates a Config from environment variables with sensible defaults.
func Load() (*Config, error) {
	dataDir := envOr("VOXGATE_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		ServerAddr:     envOr("VOXGATE_ADDR", ":7090"),
		DataDir:        dataDir,
		TranscriptPath: filepath.Join(dataDir, "voxgate.db"),
		AuthToken:      os.Getenv("VOXGATE_AUTH_TOKEN"),

		MaxConnections: envOrInt("VOXGATE_MAX_CONNECTIONS", 64),
		AcquireTimeout: envOrDuration("VOXGATE_ACQUIRE_TIMEOUT", 2*time.Second),

		IdleTimeout:  envOrDuration("VOXGATE_IDLE_TIMEOUT", 5*time.Minute),
		WatchdogTick: envOrDuration("VOXGATE_WATCHDOG_TICK", 10*time.Second),

		MessageLimit:  envOrInt("VOXGATE_MESSAGE_LIMIT", 30),
		MessageWindow: envOrDuration("VOXGATE_MESSAGE_WINDOW", time.Minute),
		CancelLimit:   envOrInt("VOXGATE_CANCEL_LIMIT", 60),
		CancelWindow:  envOrDuration("VOXGATE_CANCEL_WINDOW", time.Minute),

		PromptUpdateLimit:  envOrInt("VOXGATE_PROMPT_UPDATE_LIMIT", 5),
		PromptUpdateWindow: envOrDuration("VOXGATE_PROMPT_UPDATE_WINDOW", time.Minute),

		SessionTTL: envOrDuration("VOXGATE_SESSION_TTL", time.Hour),

		Mode:        envOr("VOXGATE_MODE", "concurrent"),
		ToolTimeout: envOrDuration("VOXGATE_TOOL_TIMEOUT", 2*time.Second),
		GenTimeout:  envOrDuration("VOXGATE_GEN_TIMEOUT", 2*time.Minute),

		PrebufferMaxChars: envOrInt("VOXGATE_PREBUFFER_MAX_CHARS", 1000),

		HistoryBudget:      envOrInt("VOXGATE_HISTORY_BUDGET", 1536),
		ToolHistoryBudget:  envOrInt("VOXGATE_TOOL_HISTORY_BUDGET", 256),
		ToolHistorySepCost: envOrInt("VOXGATE_TOOL_HISTORY_SEP_COST", 1),

		CacheResetInterval: envOrDuration("VOXGATE_CACHE_RESET_INTERVAL", 10*time.Minute),

		ChatEngineURL: os.Getenv("VOXGATE_CHAT_ENGINE_URL"),
		ChatModel:     envOr("VOXGATE_CHAT_MODEL", "chat-default"),
		ChatAPIKey:    os.Getenv("VOXGATE_CHAT_API_KEY"),

		ToolEngineURL: os.Getenv("VOXGATE_TOOL_ENGINE_URL"),
		ToolModel:     envOr("VOXGATE_TOOL_MODEL", "tool-default"),
		ToolAPIKey:    os.Getenv("VOXGATE_TOOL_API_KEY"),
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	switch c.Mode {
	case "chat_only", "tool_only", "sequential", "concurrent":
	default:
		return fmt.Errorf("invalid VOXGATE_MODE %q", c.Mode)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("VOXGATE_MAX_CONNECTIONS must be at least 1")
	}
	if (c.Mode == "tool_only" || c.Mode == "sequential" || c.Mode == "concurrent") &&
		c.ToolEngineURL == "" && c.ChatEngineURL != "" {
		return fmt.Errorf("VOXGATE_TOOL_ENGINE_URL is required in %s mode", c.Mode)
	}
	return nil
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".voxgate"
	}
	return filepath.Join(home, ".voxgate")
}
