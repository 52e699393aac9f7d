package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "PRCALC"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = "sqlite"
	defaultDatabasePath    = "prcalc.db"
	defaultLogLevel        = "info"
	defaultTouchBudget     = 250 * time.Millisecond
	defaultAdminIssuer     = "prcalc-admin"
	defaultAdminTokenTTL   = 30 * time.Minute
	defaultRealtimeEnabled = true
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabaseDriver     string
	DatabasePath       string
	DatabaseDSN        string
	LogLevel           string
	TouchBudget        time.Duration
	AdminSigningSecret string
	AdminIssuer        string
	AdminTokenTTL      time.Duration
	RealtimeEnabled    bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.touch_budget", defaultTouchBudget)
	configViper.SetDefault("admin.issuer", defaultAdminIssuer)
	configViper.SetDefault("admin.token_ttl", defaultAdminTokenTTL)
	configViper.SetDefault("realtime.enabled", defaultRealtimeEnabled)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:       configViper.GetString("database.path"),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		LogLevel:           configViper.GetString("log.level"),
		TouchBudget:        configViper.GetDuration("auth.touch_budget"),
		AdminSigningSecret: configViper.GetString("admin.signing_secret"),
		AdminIssuer:        configViper.GetString("admin.issuer"),
		AdminTokenTTL:      configViper.GetDuration("admin.token_ttl"),
		RealtimeEnabled:    configViper.GetBool("realtime.enabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// AdminEnabled reports whether the admin export surface should be mounted.
func (c AppConfig) AdminEnabled() bool {
	return strings.TrimSpace(c.AdminSigningSecret) != ""
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.TouchBudget <= 0 {
		return fmt.Errorf("auth.touch_budget must be positive")
	}
	if c.AdminEnabled() {
		if strings.TrimSpace(c.AdminIssuer) == "" {
			return fmt.Errorf("admin.issuer is required")
		}
		if c.AdminTokenTTL <= 0 {
			return fmt.Errorf("admin.token_ttl must be positive")
		}
	}
	return nil
}
