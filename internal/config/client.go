package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	clientEnvPrefix              = "PRCALC_CLIENT"
	defaultAPIBaseURL            = "http://localhost:8080"
	defaultStorePath             = "prcalc-local.db"
	defaultAppVersion            = "dev"
	defaultSyncDebounce          = 2500 * time.Millisecond
	defaultSyncPullInterval      = 30 * time.Minute
	defaultSyncRequestTimeout    = 20 * time.Second
	defaultSyncRealtime          = true
	defaultSyncRealtimeRetry     = 15 * time.Second
	defaultSyncWatchStore        = true
	defaultBackupS3Prefix        = "prcalc-backups/"
	defaultLogFileMaxSizeMB      = 10
	defaultLogFileMaxBackupCount = 3
)

// ClientConfig captures runtime configuration for the sync client.
type ClientConfig struct {
	APIBaseURL         string
	StorePath          string
	AppVersion         string
	SyncDebounce       time.Duration
	SyncPullInterval   time.Duration
	SyncRequestTimeout time.Duration
	SyncRealtime       bool
	SyncRealtimeRetry  time.Duration
	SyncWatchStore     bool
	LogLevel           string
	LogFile            string
	LogFileMaxSizeMB   int
	LogFileMaxBackups  int
	BackupS3Bucket     string
	BackupS3Prefix     string
	BackupS3Region     string
	BackupS3Endpoint   string
}

// NewClientViper returns a viper instance with client defaults and env bindings configured.
func NewClientViper() *viper.Viper {
	configViper := viper.New()
	ApplyClientDefaults(configViper)
	return configViper
}

// ApplyClientDefaults configures client defaults and env bindings.
func ApplyClientDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(clientEnvPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("api.base_url", defaultAPIBaseURL)
	configViper.SetDefault("store.path", defaultStorePath)
	configViper.SetDefault("app.version", defaultAppVersion)
	configViper.SetDefault("sync.debounce", defaultSyncDebounce)
	configViper.SetDefault("sync.pull_interval", defaultSyncPullInterval)
	configViper.SetDefault("sync.request_timeout", defaultSyncRequestTimeout)
	configViper.SetDefault("sync.realtime", defaultSyncRealtime)
	configViper.SetDefault("sync.realtime_retry", defaultSyncRealtimeRetry)
	configViper.SetDefault("sync.watch_store", defaultSyncWatchStore)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.max_size_mb", defaultLogFileMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogFileMaxBackupCount)
	configViper.SetDefault("backup.s3_prefix", defaultBackupS3Prefix)
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		APIBaseURL:         strings.TrimRight(strings.TrimSpace(configViper.GetString("api.base_url")), "/"),
		StorePath:          configViper.GetString("store.path"),
		AppVersion:         configViper.GetString("app.version"),
		SyncDebounce:       configViper.GetDuration("sync.debounce"),
		SyncPullInterval:   configViper.GetDuration("sync.pull_interval"),
		SyncRequestTimeout: configViper.GetDuration("sync.request_timeout"),
		SyncRealtime:       configViper.GetBool("sync.realtime"),
		SyncRealtimeRetry:  configViper.GetDuration("sync.realtime_retry"),
		SyncWatchStore:     configViper.GetBool("sync.watch_store"),
		LogLevel:           configViper.GetString("log.level"),
		LogFile:            configViper.GetString("log.file"),
		LogFileMaxSizeMB:   configViper.GetInt("log.max_size_mb"),
		LogFileMaxBackups:  configViper.GetInt("log.max_backups"),
		BackupS3Bucket:     configViper.GetString("backup.s3_bucket"),
		BackupS3Prefix:     configViper.GetString("backup.s3_prefix"),
		BackupS3Region:     configViper.GetString("backup.s3_region"),
		BackupS3Endpoint:   configViper.GetString("backup.s3_endpoint"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (c ClientConfig) validate() error {
	parsed, err := url.Parse(c.APIBaseURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("api.base_url must be an absolute http(s) url")
	}
	if strings.TrimSpace(c.StorePath) == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.SyncDebounce <= 0 {
		return fmt.Errorf("sync.debounce must be positive")
	}
	if c.SyncPullInterval <= 0 {
		return fmt.Errorf("sync.pull_interval must be positive")
	}
	if c.SyncRequestTimeout <= 0 {
		return fmt.Errorf("sync.request_timeout must be positive")
	}
	if c.SyncRealtime && c.SyncRealtimeRetry <= 0 {
		return fmt.Errorf("sync.realtime_retry must be positive")
	}
	return nil
}
