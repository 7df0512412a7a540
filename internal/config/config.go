// ABOUTME: Configuration loading and parsing for parley
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parley configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Webhook WebhookConfig `yaml:"webhook"`
	Owner   OwnerConfig   `yaml:"owner"`
	Agents  []AgentConfig `yaml:"agents"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// StorageConfig selects and configures the persistence strategy.
// Driver "sqlite" uses a local database file at Path; driver "mysql"
// connects to a remote server using DSN.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// WebhookConfig holds the global default webhook dispatch settings.
// Individual agents may override the URL via their webhook_url field.
type WebhookConfig struct {
	URL            string `yaml:"url"`
	AuthType       string `yaml:"auth_type"` // none, api_key, basic, oauth
	APIKey         string `yaml:"api_key"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Token          string `yaml:"token"`
	ResponseFormat string `yaml:"response_format"` // text, json

	Timeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// OwnerConfig identifies the local user all conversations belong to
type OwnerConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
}

// AgentConfig describes one configured agent endpoint
type AgentConfig struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Avatar      string   `yaml:"avatar"`
	Tools       []string `yaml:"tools"`
	WebhookURL  string   `yaml:"webhook_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values the config file may omit
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "0.0.0.0:8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Webhook.AuthType == "" {
		c.Webhook.AuthType = "none"
	}
	if c.Webhook.ResponseFormat == "" {
		c.Webhook.ResponseFormat = "text"
	}
	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = 60 * time.Second
	}
	if c.Owner.ID == "" {
		c.Owner.ID = "local"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case "mysql":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("storage.driver must be sqlite or mysql, got %q", c.Storage.Driver)
	}

	switch c.Webhook.AuthType {
	case "none", "api_key", "basic", "oauth":
	default:
		return fmt.Errorf("webhook.auth_type must be none, api_key, basic, or oauth, got %q", c.Webhook.AuthType)
	}

	switch c.Webhook.ResponseFormat {
	case "text", "json":
	default:
		return fmt.Errorf("webhook.response_format must be text or json, got %q", c.Webhook.ResponseFormat)
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Webhook.TimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.Webhook.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing webhook.timeout %q: %w", cfg.Webhook.TimeoutRaw, err)
		}
		cfg.Webhook.Timeout = d
	}
	return nil
}
