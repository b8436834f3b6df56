// Package config provides YAML-based configuration loading for chatd.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the top-level chatd configuration, loaded from chatd.yaml.
type Config struct {
	// Env is "production" or "development"; defaults from CHATD_ENV.
	Env      string         `yaml:"env"`
	BotName  string         `yaml:"bot_name"` // mention handle, without @
	HTTP     HTTPConfig     `yaml:"http"`
	State    StateConfig    `yaml:"state"`
	Redis    RedisConfig    `yaml:"redis"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Adapters AdaptersConfig `yaml:"adapters"`
}

// HTTPConfig holds ingress server settings.
type HTTPConfig struct {
	Port int `yaml:"port"` // default 3000
}

// StateConfig selects the state backend.
type StateConfig struct {
	Backend string `yaml:"backend"` // "memory", "redis", or "sql"
	SQLPath string `yaml:"sql_path"`
}

// RedisConfig holds the Redis connection settings shared by the state
// backend and the gateway coordinator.
type RedisConfig struct {
	URL    string `yaml:"url"`    // defaults from REDIS_URL
	Prefix string `yaml:"prefix"` // key namespace, default "chat-sdk"
}

// GatewayConfig controls the Discord gateway listener.
type GatewayConfig struct {
	CronSecret string `yaml:"cron_secret"` // defaults from CRON_SECRET
	// WebhookBaseURL is where forwarded gateway events are POSTed;
	// defaults from VERCEL_PROJECT_PRODUCTION_URL / VERCEL_URL /
	// NEXT_PUBLIC_BASE_URL.
	WebhookBaseURL string `yaml:"webhook_base_url"`
	BypassSecret   string `yaml:"bypass_secret"` // defaults from VERCEL_AUTOMATION_BYPASS_SECRET
	// Schedule, when set, runs listeners on an in-process cron instead of
	// relying on an external trigger (e.g. "*/9 * * * *").
	Schedule string `yaml:"schedule"`
}

// AdaptersConfig holds per-platform credentials. An adapter is enabled
// when its section carries credentials.
type AdaptersConfig struct {
	Slack      SlackConfig      `yaml:"slack"`
	Discord    DiscordConfig    `yaml:"discord"`
	Teams      TeamsConfig      `yaml:"teams"`
	GoogleChat GoogleChatConfig `yaml:"googlechat"`
	Linear     LinearConfig     `yaml:"linear"`
}

// SlackConfig holds Slack credentials.
type SlackConfig struct {
	BotToken      string `yaml:"bot_token"` // xoxb-...
	SigningSecret string `yaml:"signing_secret"`
}

// DiscordConfig holds Discord credentials.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	PublicKey string `yaml:"public_key"` // hex application public key
}

// TeamsConfig holds Bot Framework credentials.
type TeamsConfig struct {
	AppID       string `yaml:"app_id"`
	AppPassword string `yaml:"app_password"`
	TenantID    string `yaml:"tenant_id"`
	ServiceURL  string `yaml:"service_url"`
}

// GoogleChatConfig holds Google Chat credentials.
type GoogleChatConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	BotUser         string `yaml:"bot_user"` // users/... resource name
}

// LinearConfig holds Linear credentials.
type LinearConfig struct {
	APIKey        string `yaml:"api_key"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// Load reads a YAML config file from path and returns a validated Config.
// ${VAR} tokens anywhere in the file expand to environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(resolveEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in environment fallbacks and default values.
func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = os.Getenv("CHATD_ENV")
	}
	if c.Env == "" {
		c.Env = "development"
	}
	if c.BotName == "" {
		c.BotName = os.Getenv("BOT_USERNAME")
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 3000
	}
	if c.Redis.URL == "" {
		c.Redis.URL = os.Getenv("REDIS_URL")
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "chat-sdk"
	}
	if c.State.Backend == "" {
		if c.Redis.URL != "" {
			c.State.Backend = "redis"
		} else {
			c.State.Backend = "memory"
		}
	}
	if c.State.SQLPath == "" {
		c.State.SQLPath = "chatd.db"
	}
	if c.Gateway.CronSecret == "" {
		c.Gateway.CronSecret = os.Getenv("CRON_SECRET")
	}
	if c.Gateway.BypassSecret == "" {
		c.Gateway.BypassSecret = os.Getenv("VERCEL_AUTOMATION_BYPASS_SECRET")
	}
	if c.Gateway.WebhookBaseURL == "" {
		for _, key := range []string{"VERCEL_PROJECT_PRODUCTION_URL", "VERCEL_URL", "NEXT_PUBLIC_BASE_URL"} {
			if v := os.Getenv(key); v != "" {
				c.Gateway.WebhookBaseURL = v
				break
			}
		}
	}
	if c.Gateway.WebhookBaseURL != "" && !strings.Contains(c.Gateway.WebhookBaseURL, "://") {
		c.Gateway.WebhookBaseURL = "https://" + c.Gateway.WebhookBaseURL
	}
}

// validate checks cross-field constraints.
func (c *Config) validate() error {
	var errs []string
	switch c.State.Backend {
	case "memory", "redis", "sql":
	default:
		errs = append(errs, fmt.Sprintf("state.backend %q is not supported (use memory, redis or sql)", c.State.Backend))
	}
	if c.State.Backend == "redis" && c.Redis.URL == "" {
		errs = append(errs, "redis.url is required when state.backend is redis")
	}
	if c.Adapters.Slack.BotToken != "" && c.Adapters.Slack.SigningSecret == "" {
		errs = append(errs, "adapters.slack.signing_secret is required with a bot token")
	}
	if c.Adapters.Teams.AppID != "" && c.Adapters.Teams.ServiceURL == "" {
		errs = append(errs, "adapters.teams.service_url is required with an app id")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Production reports whether the runtime is configured for production.
func (c *Config) Production() bool { return c.Env == "production" }

// resolveEnvVars replaces ${VAR_NAME} tokens in s with the corresponding
// environment variable value. Unset variables resolve to empty string.
func resolveEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}
