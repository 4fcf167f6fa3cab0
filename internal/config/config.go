package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// PlaceholderAuthToken is the token shipped in the default config.
// Startup warns when it is still in use.
const PlaceholderAuthToken = "change-me-agent-token"

// LocalConfigName is the per-project config file searched for upward
// from the working directory.
const LocalConfigName = "solo-unicorn.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	AgentUI       AgentUIConfig       `toml:"agent_ui"`
	Orchestrator  OrchestratorConfig  `toml:"orchestrator"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath    string `toml:"database_path"`
	PromptOverrides string `toml:"prompt_overrides"`
	AuthToken       string `toml:"auth_token"`
}

// AgentUIConfig holds the connection to the external agent UI
type AgentUIConfig struct {
	BaseURL            string `toml:"base_url"`
	ConnectTimeoutSecs int    `toml:"connect_timeout_secs"`
	ReconnectAttempts  int    `toml:"reconnect_attempts"`
}

// OrchestratorConfig holds the push loop tunables
type OrchestratorConfig struct {
	PushEnabled       bool   `toml:"push_enabled"`
	TickIntervalSecs  int    `toml:"tick_interval_secs"`
	AvailabilitySecs  int    `toml:"availability_window_secs"`
	SessionMaxAgeMins int    `toml:"session_max_age_mins"`
	SessionKeepDays   int    `toml:"session_keep_days"`
	MaintenanceCron   string `toml:"maintenance_cron"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds the HTTP server settings. The JSON API, the MCP tool
// endpoint and the WebSocket gateway share one listener.
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".solo-unicorn", "solo-unicorn.db"),
			AuthToken:    PlaceholderAuthToken,
		},
		AgentUI: AgentUIConfig{
			BaseURL:            "ws://127.0.0.1:3001",
			ConnectTimeoutSecs: 10,
			ReconnectAttempts:  5,
		},
		Orchestrator: OrchestratorConfig{
			PushEnabled:       true,
			TickIntervalSecs:  30,
			AvailabilitySecs:  90,
			SessionMaxAgeMins: 30,
			SessionKeepDays:   7,
			MaintenanceCron:   "0 4 * * *",
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
// AGENT_AUTH_TOKEN in the environment overrides the configured token.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg.finish(), nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.PromptOverrides = ExpandPath(cfg.General.PromptOverrides)

	return cfg.finish(), nil
}

// LoadWithLocalFallback loads the explicit path when given, otherwise a
// per-project config found by walking up from the working directory,
// otherwise the user-level config.
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for a
// solo-unicorn.toml, returning "" when none exists.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func (c *Config) finish() *Config {
	if env := os.Getenv("AGENT_AUTH_TOKEN"); env != "" {
		c.General.AuthToken = env
	}
	if c.General.AuthToken == PlaceholderAuthToken {
		log.Printf("config: auth token is the shipped placeholder, set AGENT_AUTH_TOKEN or general.auth_token")
	}
	return c
}

// TickInterval returns the push loop interval as a duration
func (c *OrchestratorConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSecs) * time.Second
}

// AvailabilityWindow returns the heartbeat freshness window
func (c *OrchestratorConfig) AvailabilityWindow() time.Duration {
	return time.Duration(c.AvailabilitySecs) * time.Second
}

// SessionMaxAge returns how long a session may stay active
func (c *OrchestratorConfig) SessionMaxAge() time.Duration {
	return time.Duration(c.SessionMaxAgeMins) * time.Minute
}

// SessionRetention returns how long finished sessions are kept
func (c *OrchestratorConfig) SessionRetention() time.Duration {
	return time.Duration(c.SessionKeepDays) * 24 * time.Hour
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "solo-unicorn", "config.toml")
}
