package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the workspace.
const FileName = "taskhub.yml"

// Config models taskhub.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr" mapstructure:"addr"`
		BasePath string `yaml:"base_path" mapstructure:"base_path"`
		// ShutdownTimeout bounds how long in-flight requests may drain.
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	} `yaml:"server" mapstructure:"server"`
	Database struct {
		Workspace string `yaml:"workspace" mapstructure:"workspace"`
	} `yaml:"database" mapstructure:"database"`
	Session struct {
		CookieName  string        `yaml:"cookie_name" mapstructure:"cookie_name"`
		Secure      bool          `yaml:"secure" mapstructure:"secure"`
		Secret      string        `yaml:"secret" mapstructure:"secret"`
		TTL         time.Duration `yaml:"ttl" mapstructure:"ttl"`
		RememberTTL time.Duration `yaml:"remember_ttl" mapstructure:"remember_ttl"`
	} `yaml:"session" mapstructure:"session"`
	Log struct {
		Level  string `yaml:"level" mapstructure:"level"`
		Format string `yaml:"format" mapstructure:"format"`
	} `yaml:"log" mapstructure:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" mapstructure:"webhooks"`
}

// WebhookConfig is one outbound receiver of audit events.
type WebhookConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
	// Events limits delivery to these event types; empty means all.
	Events  []string      `yaml:"events,omitempty" mapstructure:"events"`
	Secret  string        `yaml:"secret,omitempty" mapstructure:"secret"`
	Timeout time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
	Enabled *bool         `yaml:"enabled,omitempty" mapstructure:"enabled"`
}

func (w WebhookConfig) Active() bool {
	return (w.Enabled == nil || *w.Enabled) && strings.TrimSpace(w.URL) != ""
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if strings.HasSuffix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must not end with /")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("config.server.shutdown_timeout must not be negative")
	}
	if strings.TrimSpace(c.Session.CookieName) == "" {
		return fmt.Errorf("config.session.cookie_name is required")
	}
	if c.Session.TTL <= 0 || c.Session.RememberTTL <= 0 {
		return fmt.Errorf("config.session.ttl and remember_ttl must be positive")
	}
	if c.Session.Secret != "" && len(c.Session.Secret) < 16 {
		return fmt.Errorf("config.session.secret must be at least 16 characters")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format %q is not one of text, json", c.Log.Format)
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an absolute http(s) URL", i)
		}
		if hook.Timeout < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads config from path on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when the file does not exist.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// FromYAML parses config from raw YAML bytes; absent keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// YAML renders the config, hiding the session secret.
func (c *Config) YAML() (string, error) {
	out := *c
	if out.Session.Secret != "" {
		out.Session.Secret = "********"
	}
	out.Webhooks = make([]WebhookConfig, len(c.Webhooks))
	for i, hook := range c.Webhooks {
		if hook.Secret != "" {
			hook.Secret = "********"
		}
		out.Webhooks[i] = hook
	}
	data, err := yaml.Marshal(&out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /api
  shutdown_timeout: 10s

database:
  workspace: .

session:
  cookie_name: user_session
  secure: false
  secret: ""
  ttl: 24h
  remember_ttl: 168h

log:
  level: info
  format: text
`
