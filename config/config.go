// Package config loads and validates the control-plane configuration from a
// YAML file. A fatal error (unreadable or unparseable file) aborts startup
// with a nonzero exit; validation findings are non-fatal and surface on the
// readiness endpoint as config_error while the job and inventory services
// stay down.
package config

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// ConfigError is one validation finding.
type ConfigError struct {
	Field  string
	Reason string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("config field %q: %s", e.Field, e.Reason)
}

// ServerConfig is the HTTP listener setup.
type ServerConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SchedulerConfig tunes the remote task scheduler pool.
type SchedulerConfig struct {
	MinWorkers              int `yaml:"min_workers"`
	MaxWorkers              int `yaml:"max_workers"`
	IdleTimeoutSeconds      int `yaml:"idle_timeout_seconds"`
	ScaleUpBacklog          int `yaml:"scale_up_backlog"`
	ScaleUpThresholdSeconds int `yaml:"scale_up_threshold_seconds"`
	QueueDepth              int `yaml:"queue_depth"`
	JobTimeoutSeconds       int `yaml:"job_timeout_seconds"`
}

// InventoryConfig lists the fleet and the refresh cadence.
type InventoryConfig struct {
	Hosts                  []string `yaml:"hosts"`
	RefreshIntervalSeconds int      `yaml:"refresh_interval_seconds"`
	StartupTimeoutSeconds  int      `yaml:"startup_timeout_seconds"`
}

// TransportConfig configures the remoting command used to reach each host's
// agent. The args receive the hostname via %h.
type TransportConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	Principal  string   `yaml:"principal"`
	Realm      string   `yaml:"realm"`
	KeytabPath string   `yaml:"keytab_path"`
}

// AuthConfig configures OIDC validation and the session cookie. Disabled auth
// grants every request admin; intended for lab use only.
type AuthConfig struct {
	Enabled              bool     `yaml:"enabled"`
	Issuer               string   `yaml:"issuer"`
	Audience             string   `yaml:"audience"`
	ClientID             string   `yaml:"client_id"`
	ClientSecret         string   `yaml:"client_secret"`
	RedirectURL          string   `yaml:"redirect_url"`
	JWKSTTLSeconds       int      `yaml:"jwks_ttl_seconds"`
	MaxTokenAgeSeconds   int      `yaml:"max_token_age_seconds"`
	SessionSecret        string   `yaml:"session_secret"`
	SessionMaxAgeSeconds int      `yaml:"session_max_age_seconds"`
	SessionSecure        bool     `yaml:"session_secure"`
	LegacyRole           string   `yaml:"legacy_role"`
	RolePrefixes         []string `yaml:"role_prefixes"`
}

// Config is the full control-plane configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Inventory InventoryConfig `yaml:"inventory"`
	Transport TransportConfig `yaml:"transport"`
	Auth      AuthConfig      `yaml:"auth"`
}

// Load reads and parses the config file. Parse failures are fatal startup
// errors; validation findings are returned separately by Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	log.WithFields(log.Fields{
		"path":  path,
		"hosts": len(cfg.Inventory.Hosts),
	}).Info("📁 Configuration loaded")
	return cfg, nil
}

// Default returns the baseline configuration before file overrides.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Scheduler: SchedulerConfig{
			MinWorkers:              2,
			MaxWorkers:              16,
			IdleTimeoutSeconds:      30,
			ScaleUpBacklog:          4,
			ScaleUpThresholdSeconds: 20,
			QueueDepth:              256,
			JobTimeoutSeconds:       600,
		},
		Inventory: InventoryConfig{
			RefreshIntervalSeconds: 60,
			StartupTimeoutSeconds:  30,
		},
		Auth: AuthConfig{
			JWKSTTLSeconds:       900,
			MaxTokenAgeSeconds:   86400,
			SessionMaxAgeSeconds: 28800,
		},
	}
}

// Validate returns every finding rather than stopping at the first, so the
// readiness endpoint can report the full set.
func (c *Config) Validate() []ConfigError {
	var errs []ConfigError

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, ConfigError{Field: "log_level", Reason: fmt.Sprintf("unknown level %q", c.LogLevel)})
	}
	if c.Server.ListenAddr == "" {
		errs = append(errs, ConfigError{Field: "server.listen_addr", Reason: "must not be empty"})
	}
	if len(c.Inventory.Hosts) == 0 {
		errs = append(errs, ConfigError{Field: "inventory.hosts", Reason: "at least one host is required"})
	}
	seen := make(map[string]bool)
	for _, h := range c.Inventory.Hosts {
		if h == "" {
			errs = append(errs, ConfigError{Field: "inventory.hosts", Reason: "empty hostname"})
			continue
		}
		if seen[h] {
			errs = append(errs, ConfigError{Field: "inventory.hosts", Reason: fmt.Sprintf("duplicate host %q", h)})
		}
		seen[h] = true
	}
	if c.Scheduler.MaxWorkers < c.Scheduler.MinWorkers {
		errs = append(errs, ConfigError{Field: "scheduler.max_workers", Reason: "must be at least min_workers"})
	}
	if c.Transport.Command == "" {
		errs = append(errs, ConfigError{Field: "transport.command", Reason: "must not be empty"})
	}

	if c.Auth.Enabled {
		if c.Auth.Issuer == "" {
			errs = append(errs, ConfigError{Field: "auth.issuer", Reason: "required when auth is enabled"})
		}
		if c.Auth.Audience == "" {
			errs = append(errs, ConfigError{Field: "auth.audience", Reason: "required when auth is enabled"})
		}
		if len(c.Auth.SessionSecret) < 16 {
			errs = append(errs, ConfigError{Field: "auth.session_secret", Reason: "must be at least 16 bytes"})
		}
	}

	return errs
}

// RefreshInterval returns the inventory cadence as a duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Inventory.RefreshIntervalSeconds) * time.Second
}

// StartupTimeout returns the initial-refresh budget as a duration.
func (c *Config) StartupTimeout() time.Duration {
	return time.Duration(c.Inventory.StartupTimeoutSeconds) * time.Second
}

// JobTimeout returns the per-job envelope timeout as a duration.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Scheduler.JobTimeoutSeconds) * time.Second
}
