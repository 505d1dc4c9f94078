package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Courier.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Runs       RunsConfig       `yaml:"runs"`
	Schedules  []ScheduleConfig `yaml:"schedules"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ScheduleConfig defines one recurring agent run.
type ScheduleConfig struct {
	ID      string `yaml:"id"`
	Cron    string `yaml:"cron"`
	OwnerID string `yaml:"owner_id"`
	AgentID string `yaml:"agent_id"`
	Prompt  string `yaml:"prompt"`

	// Delivery target for the run's outcome.
	Channel   string `yaml:"channel"`
	ChannelID string `yaml:"channel_id"`
	ThreadID  string `yaml:"thread_id"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// PublicBaseURL is the externally reachable base URL used when
	// registering run callbacks, e.g. "https://courier.example.com".
	PublicBaseURL string `yaml:"public_base_url"`
}

type DatabaseConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for
	// ephemeral deployments.
	Path            string        `yaml:"path"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type ChannelsConfig struct {
	Slack SlackConfig `yaml:"slack"`
	Email EmailConfig `yaml:"email"`
}

type SlackConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BotToken      string `yaml:"bot_token"`
	AppToken      string `yaml:"app_token"`
	SigningSecret string `yaml:"signing_secret"`
}

type EmailConfig struct {
	Enabled bool `yaml:"enabled"`

	// Domain is the inbound mail domain; replies route through
	// "reply+{token}@domain".
	Domain string `yaml:"domain"`

	// TokenKey signs reply tokens. Rotating it orphans in-flight
	// email threads.
	TokenKey string `yaml:"token_key"`

	// WebhookSecret authenticates inbound posts from the mail provider
	// and the email thread API.
	WebhookSecret string `yaml:"webhook_secret"`

	SMTP SMTPConfig `yaml:"smtp"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// ClassifierConfig selects the LLM used for ambiguous-message
// classification. Provider is "openai" or "anthropic".
type ClassifierConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

type ExecutorConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

type RunsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	WaitTimeout  time.Duration `yaml:"wait_timeout"`

	// SecretKey encrypts per-run callback secrets at rest. Must be
	// 16, 24, or 32 bytes.
	SecretKey string `yaml:"secret_key"`

	// HeartbeatTTL is how long a running run may go without an
	// executor heartbeat before the sweeper fails it.
	HeartbeatTTL time.Duration `yaml:"heartbeat_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "courier.db"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Classifier.Provider == "" {
		cfg.Classifier.Provider = "openai"
	}
	if cfg.Classifier.Timeout == 0 {
		cfg.Classifier.Timeout = 4 * time.Second
	}
	if cfg.Channels.Email.SMTP.Port == 0 {
		cfg.Channels.Email.SMTP.Port = 587
	}
	if cfg.Runs.PollInterval == 0 {
		cfg.Runs.PollInterval = 5 * time.Second
	}
	if cfg.Runs.WaitTimeout == 0 {
		cfg.Runs.WaitTimeout = 30 * time.Minute
	}
	if cfg.Runs.HeartbeatTTL == 0 {
		cfg.Runs.HeartbeatTTL = 10 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the settings a running instance cannot do without.
func (c *Config) Validate() error {
	if c.Channels.Slack.Enabled {
		if c.Channels.Slack.SigningSecret == "" {
			return fmt.Errorf("channels.slack.signing_secret is required when slack is enabled")
		}
		if c.Channels.Slack.BotToken == "" {
			return fmt.Errorf("channels.slack.bot_token is required when slack is enabled")
		}
	}
	if c.Channels.Email.Enabled {
		if c.Channels.Email.Domain == "" {
			return fmt.Errorf("channels.email.domain is required when email is enabled")
		}
		if c.Channels.Email.TokenKey == "" {
			return fmt.Errorf("channels.email.token_key is required when email is enabled")
		}
		if c.Channels.Email.WebhookSecret == "" {
			return fmt.Errorf("channels.email.webhook_secret is required when email is enabled")
		}
	}
	if c.Classifier.Enabled {
		switch c.Classifier.Provider {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("classifier.provider must be openai or anthropic, got %q", c.Classifier.Provider)
		}
		if c.Classifier.APIKey == "" {
			return fmt.Errorf("classifier.api_key is required when the classifier is enabled")
		}
	}
	if c.Executor.BaseURL == "" {
		return fmt.Errorf("executor.base_url is required")
	}
	switch len(c.Runs.SecretKey) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("runs.secret_key must be 16, 24, or 32 bytes, got %d", len(c.Runs.SecretKey))
	}
	return nil
}
