package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/MarcoPoloResearchLab/prcalc/internal/client/changes"
	"github.com/MarcoPoloResearchLab/prcalc/internal/client/engine"
	"github.com/MarcoPoloResearchLab/prcalc/internal/client/identity"
	"github.com/MarcoPoloResearchLab/prcalc/internal/client/remote"
	"github.com/MarcoPoloResearchLab/prcalc/internal/client/replica"
	"github.com/MarcoPoloResearchLab/prcalc/internal/client/store"
	"github.com/MarcoPoloResearchLab/prcalc/internal/config"
	"github.com/MarcoPoloResearchLab/prcalc/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "prcalc-sync",
		Short:        "Local PR calculator data with background sync",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newIdentityCommand(),
		newBootstrapCommand(),
		newPushCommand(),
		newPullCommand(),
		newSyncCommand(),
		newRunCommand(),
		newMovementCommand(),
		newPrCommand(),
		newPrefsCommand(),
		newBackupCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyClientDefaults(viper.GetViper())
	defaults := config.NewClientViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("api-url", defaults.GetString("api.base_url"), "Sync API base URL")
	cmd.PersistentFlags().String("store", defaults.GetString("store.path"), "Local SQLite store path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", "", "Write logs to this rotated file instead of stderr")
	cmd.PersistentFlags().Duration("debounce", defaults.GetDuration("sync.debounce"), "Quiet period before local changes are pushed")
	cmd.PersistentFlags().Duration("pull-interval", defaults.GetDuration("sync.pull_interval"), "Periodic pull interval")
	cmd.PersistentFlags().Bool("realtime", defaults.GetBool("sync.realtime"), "Listen for server change hints")

	bindFlag(cmd, "api.base_url", "api-url")
	bindFlag(cmd, "store.path", "store")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "sync.debounce", "debounce")
	bindFlag(cmd, "sync.pull_interval", "pull-interval")
	bindFlag(cmd, "sync.realtime", "realtime")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// device bundles everything a command needs to work with the local store
// and, when asked, the sync API.
type device struct {
	config   config.ClientConfig
	logger   *zap.Logger
	db       *gorm.DB
	store    *store.Store
	tracker  *changes.Tracker
	identity *identity.Provider
	engine   *engine.Engine
}

func openDevice(withSync bool) (*device, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewFileLogger(clientConfig.LogLevel, logging.FileConfig{
		Path:       clientConfig.LogFile,
		MaxSizeMB:  clientConfig.LogFileMaxSizeMB,
		MaxBackups: clientConfig.LogFileMaxBackups,
	})
	if err != nil {
		return nil, err
	}

	db, err := store.Open(clientConfig.StorePath)
	if err != nil {
		return nil, err
	}
	tracker := changes.NewTracker()
	localStore, err := store.New(store.Config{
		Database: db,
		Tracker:  tracker,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		closeDatabase(db)
		return nil, err
	}
	provider, err := identity.NewProvider(identity.Config{Store: localStore, Logger: logger})
	if err != nil {
		closeDatabase(db)
		return nil, err
	}

	dev := &device{
		config:   clientConfig,
		logger:   logger,
		db:       db,
		store:    localStore,
		tracker:  tracker,
		identity: provider,
	}
	if !withSync {
		return dev, nil
	}

	client, err := remote.New(remote.Config{
		BaseURL:    clientConfig.APIBaseURL,
		AppVersion: clientConfig.AppVersion,
		Logger:     logger,
	})
	if err != nil {
		dev.close()
		return nil, err
	}
	codec, err := replica.NewCodec(replica.Config{Store: localStore, Clock: time.Now, Logger: logger})
	if err != nil {
		dev.close()
		return nil, err
	}
	engineConfig := engine.Config{
		Remote:         client,
		Replica:        codec,
		Identity:       provider,
		Changes:        tracker,
		Debounce:       clientConfig.SyncDebounce,
		PullInterval:   clientConfig.SyncPullInterval,
		RequestTimeout: clientConfig.SyncRequestTimeout,
		RealtimeRetry:  clientConfig.SyncRealtimeRetry,
		Logger:         logger,
		OnAuthError: func(err error) {
			logger.Error("server rejected device credentials; run `prcalc-sync bootstrap`", zap.Error(err))
		},
	}
	if clientConfig.SyncRealtime {
		engineConfig.Realtime = client
	}
	syncEngine, err := engine.New(engineConfig)
	if err != nil {
		dev.close()
		return nil, err
	}
	dev.engine = syncEngine
	return dev, nil
}

func (d *device) close() {
	if d.engine != nil {
		d.engine.Stop()
	}
	closeDatabase(d.db)
	_ = d.logger.Sync()
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// withDevice opens the device for the duration of fn.
func withDevice(withSync bool, fn func(dev *device) error) error {
	dev, err := openDevice(withSync)
	if err != nil {
		return err
	}
	defer dev.close()
	return fn(dev)
}

func printf(cmd *cobra.Command, format string, args ...interface{}) {
	fmt.Fprintf(cmd.OutOrStdout(), format+"\n", args...)
}
