package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"

	"github.com/synaptiq/graphchat/pkg/utils"
)

type Config struct {
	Backend   BackendConfig   `json:"backend"`
	Chat      ChatConfig      `json:"chat"`
	Ingestion IngestionConfig `json:"ingestion"`
	Polling   PollingConfig   `json:"polling"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Logging   LoggingConfig   `json:"logging"`
	mu        sync.RWMutex
}

type BackendConfig struct {
	BaseURL        string `json:"base_url" env:"GRAPHCHAT_BACKEND_BASE_URL"`
	APIToken       string `json:"api_token" env:"GRAPHCHAT_BACKEND_API_TOKEN"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"GRAPHCHAT_BACKEND_TIMEOUT_SECONDS"`
}

type ChatConfig struct {
	Workspace string `json:"workspace" env:"GRAPHCHAT_CHAT_WORKSPACE"`
	Thread    string `json:"thread" env:"GRAPHCHAT_CHAT_THREAD"`
}

type IngestionConfig struct {
	// TokenBudget * CharsPerToken is the inline-vs-ingest character threshold.
	TokenBudget        int `json:"token_budget" env:"GRAPHCHAT_INGESTION_TOKEN_BUDGET"`
	CharsPerToken      int `json:"chars_per_token" env:"GRAPHCHAT_INGESTION_CHARS_PER_TOKEN"`
	WaitAttempts       int `json:"wait_attempts" env:"GRAPHCHAT_INGESTION_WAIT_ATTEMPTS"`
	WaitIntervalMS     int `json:"wait_interval_ms" env:"GRAPHCHAT_INGESTION_WAIT_INTERVAL_MS"`
	ReingestDeltaChars int `json:"reingest_delta_chars" env:"GRAPHCHAT_INGESTION_REINGEST_DELTA_CHARS"`
}

type PollingConfig struct {
	FastIntervalMS     int `json:"fast_interval_ms" env:"GRAPHCHAT_POLLING_FAST_INTERVAL_MS"`
	IdleIntervalMS     int `json:"idle_interval_ms" env:"GRAPHCHAT_POLLING_IDLE_INTERVAL_MS"`
	TerminalRetentionS int `json:"terminal_retention_s" env:"GRAPHCHAT_POLLING_TERMINAL_RETENTION_S"`
}

type HeartbeatConfig struct {
	Enabled     bool   `json:"enabled" env:"GRAPHCHAT_HEARTBEAT_ENABLED"`
	Schedule    string `json:"schedule" env:"GRAPHCHAT_HEARTBEAT_SCHEDULE"` // cron expression
	Topic       string `json:"topic" env:"GRAPHCHAT_HEARTBEAT_TOPIC"`
	Depth       int    `json:"depth" env:"GRAPHCHAT_HEARTBEAT_DEPTH"`
	SaveToNotes bool   `json:"save_to_notes" env:"GRAPHCHAT_HEARTBEAT_SAVE_TO_NOTES"`
}

type LoggingConfig struct {
	Level       string `json:"level" env:"GRAPHCHAT_LOGGING_LEVEL"`
	FileEnabled bool   `json:"file_enabled" env:"GRAPHCHAT_LOGGING_FILE_ENABLED"`
	FilePath    string `json:"file_path" env:"GRAPHCHAT_LOGGING_FILE_PATH"`
	MaxSizeMB   int    `json:"max_size_mb" env:"GRAPHCHAT_LOGGING_MAX_SIZE_MB"`
}

func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8000",
			TimeoutSeconds: 120,
		},
		Chat: ChatConfig{},
		Ingestion: IngestionConfig{
			TokenBudget:        5000,
			CharsPerToken:      4,
			WaitAttempts:       20,
			WaitIntervalMS:     3000,
			ReingestDeltaChars: 500,
		},
		Polling: PollingConfig{
			FastIntervalMS:     2000,
			IdleIntervalMS:     10000,
			TerminalRetentionS: 30,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  false,
			Schedule: "0 * * * *",
			Depth:    1,
		},
		Logging: LoggingConfig{
			Level:       "INFO",
			FileEnabled: true,
			FilePath:    "~/.graphchat/graphchat.log",
			MaxSizeMB:   50,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(utils.ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	cfg.Backend.APIToken = resolveEnvRef(cfg.Backend.APIToken)
	cfg.Backend.BaseURL = resolveEnvRef(cfg.Backend.BaseURL)

	return cfg, cfg.Validate()
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path = utils.ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Ingestion.TokenBudget <= 0 || c.Ingestion.CharsPerToken <= 0 {
		return fmt.Errorf("ingestion.token_budget and ingestion.chars_per_token must be positive")
	}
	if c.Polling.FastIntervalMS <= 0 || c.Polling.IdleIntervalMS < c.Polling.FastIntervalMS {
		return fmt.Errorf("polling intervals invalid: fast=%dms idle=%dms", c.Polling.FastIntervalMS, c.Polling.IdleIntervalMS)
	}
	if c.Heartbeat.Enabled {
		if !gronx.New().IsValid(c.Heartbeat.Schedule) {
			return fmt.Errorf("heartbeat.schedule is not a valid cron expression: %q", c.Heartbeat.Schedule)
		}
	}
	return nil
}

// InlineThreshold is the character count above which page content is
// off-loaded to a server-side ingestion job instead of embedded inline.
func (c *Config) InlineThreshold() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Ingestion.TokenBudget * c.Ingestion.CharsPerToken
}

func (c *Config) BackendTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Backend.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

func (c *Config) FastPollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Polling.FastIntervalMS) * time.Millisecond
}

func (c *Config) IdlePollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Polling.IdleIntervalMS) * time.Millisecond
}

func (c *Config) TerminalRetention() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Polling.TerminalRetentionS) * time.Second
}

func (c *Config) IngestWaitInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Ingestion.WaitIntervalMS) * time.Millisecond
}

func resolveEnvRef(v string) string {
	s := strings.TrimSpace(v)
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		key := strings.TrimSpace(s[2 : len(s)-1])
		if key == "" {
			return v
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return v
	}
	if strings.HasPrefix(s, "$") && len(s) > 1 {
		if val, ok := os.LookupEnv(strings.TrimSpace(s[1:])); ok {
			return val
		}
	}
	return v
}
