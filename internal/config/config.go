// Package config loads auditd and auditctl settings from an optional YAML
// file, a local .env file, and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmerrifield20/InspectionAudit/internal/audit"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds static service configuration (read-only after Load).
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Auth     AuthConfig
	Audit    AuditConfig
	Alerts   AlertsConfig

	// File is the config file that was read, empty when none was found.
	File string
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port         int
	CORSOrigins  []string
	RateLimitRPS int
}

// DatabaseConfig selects the audit storage backend.
type DatabaseConfig struct {
	Driver string // postgres, sqlite or memory
	URL    string
}

// AuthConfig configures caller identity resolution.
type AuthConfig struct {
	JWTSecret    string
	JWTIssuer    string
	TrustHeaders bool // accept X-Tenant-ID/X-User-ID/X-User-Role from a gateway
}

// AuditConfig tunes the chain appender.
type AuditConfig struct {
	MaxAppendAttempts int
	VerifyOnStart     bool          // verify chains once before serving
	VerifyInterval    time.Duration // background re-verification period, 0 disables it
	VerifyTenants     []string      // tenants to verify, empty means all
	VerifyConcurrency int           // chains verified in parallel
}

// AlertsConfig configures the chain-broken alert webhook.
type AlertsConfig struct {
	WebhookURL    string
	WebhookSecret string
}

// Store returns the ledger settings derived from the configuration.
func (c *Config) Store() audit.StoreConfig {
	return audit.StoreConfig{
		Driver:            c.Database.Driver,
		URL:               c.Database.URL,
		MaxAppendAttempts: c.Audit.MaxAppendAttempts,
	}
}

// Load reads configuration. file, when non-empty, names the config file to
// use; otherwise auditd.yaml is searched for in ./configs and the working
// directory. A missing config file is not an error. Environment variables
// override file values using "_" in place of "." (DATABASE_URL, AUTH_JWT_SECRET).
func Load(file string) (*Config, error) {
	// .env is optional and never overrides variables already set.
	_ = godotenv.Load()

	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("auditd")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// JWT_SECRET_KEY is the name the identity service exports.
	_ = v.BindEnv("auth.jwt_secret", "AUTH_JWT_SECRET", "JWT_SECRET_KEY")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.rate_limit_rps", 20)
	v.SetDefault("database.driver", audit.DriverSQLite)
	v.SetDefault("database.url", "site_inspection_audit.db")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_issuer", "")
	v.SetDefault("auth.trust_headers", false)
	v.SetDefault("audit.max_append_attempts", audit.DefaultMaxAppendAttempts)
	v.SetDefault("audit.verify_on_start", true)
	v.SetDefault("audit.verify_interval", "0s")
	v.SetDefault("audit.verify_tenants", []string{})
	v.SetDefault("audit.verify_concurrency", 4)
	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.webhook_secret", "")

	cfg := &Config{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		cfg.File = v.ConfigFileUsed()
	}

	cfg.Server = ServerConfig{
		Port:         v.GetInt("server.port"),
		CORSOrigins:  v.GetStringSlice("server.cors_origins"),
		RateLimitRPS: v.GetInt("server.rate_limit_rps"),
	}
	cfg.Database = DatabaseConfig{
		Driver: strings.ToLower(v.GetString("database.driver")),
		URL:    v.GetString("database.url"),
	}
	cfg.Auth = AuthConfig{
		JWTSecret:    v.GetString("auth.jwt_secret"),
		JWTIssuer:    v.GetString("auth.jwt_issuer"),
		TrustHeaders: v.GetBool("auth.trust_headers"),
	}
	cfg.Audit = AuditConfig{
		MaxAppendAttempts: v.GetInt("audit.max_append_attempts"),
		VerifyOnStart:     v.GetBool("audit.verify_on_start"),
		VerifyInterval:    v.GetDuration("audit.verify_interval"),
		VerifyTenants:     v.GetStringSlice("audit.verify_tenants"),
		VerifyConcurrency: v.GetInt("audit.verify_concurrency"),
	}
	cfg.Alerts = AlertsConfig{
		WebhookURL:    v.GetString("alerts.webhook_url"),
		WebhookSecret: v.GetString("alerts.webhook_secret"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case audit.DriverPostgres, audit.DriverSQLite:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for driver %q", c.Database.Driver)
		}
	case audit.DriverMemory:
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Audit.MaxAppendAttempts <= 0 {
		return fmt.Errorf("audit.max_append_attempts must be positive")
	}
	if c.Audit.VerifyConcurrency <= 0 {
		return fmt.Errorf("audit.verify_concurrency must be positive")
	}
	if c.Audit.VerifyInterval < 0 {
		return fmt.Errorf("audit.verify_interval must not be negative")
	}
	return nil
}
