package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/prcalc/internal/accounts"
	"github.com/MarcoPoloResearchLab/prcalc/internal/auth"
	"github.com/MarcoPoloResearchLab/prcalc/internal/config"
	"github.com/MarcoPoloResearchLab/prcalc/internal/database"
	"github.com/MarcoPoloResearchLab/prcalc/internal/lifts"
	"github.com/MarcoPoloResearchLab/prcalc/internal/logging"
	"github.com/MarcoPoloResearchLab/prcalc/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "prcalc-api",
		Short: "PR calculator sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newExportDeviceCommand(), newAdminTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL DSN")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("admin-signing-secret", "", "Admin token signing secret (overrides env)")
	cmd.PersistentFlags().Bool("realtime", defaults.GetBool("realtime.enabled"), "Serve the realtime sync stream")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "admin.signing_secret", "admin-signing-secret")
	bindFlag(cmd, "realtime.enabled", "realtime")
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

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// apiRuntime holds the shared pieces every subcommand builds from configuration.
type apiRuntime struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	accounts *accounts.Service
	lifts    *lifts.Service
}

func openRuntime() (*apiRuntime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, err
	}

	accountService, err := accounts.NewService(accounts.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: accounts.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	liftService, err := lifts.NewService(lifts.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &apiRuntime{
		config:   appConfig,
		logger:   logger,
		db:       db,
		accounts: accountService,
		lifts:    liftService,
	}, nil
}

func (r *apiRuntime) close() {
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = r.logger.Sync()
}

func runServer(ctx context.Context) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger
	appConfig := rt.config

	deps := server.Dependencies{
		Devices:     rt.accounts,
		Sync:        rt.lifts,
		TouchBudget: appConfig.TouchBudget,
		Logger:      logger,
	}
	if appConfig.RealtimeEnabled {
		deps.Realtime = server.NewRealtimeDispatcher()
	}
	if appConfig.AdminEnabled() {
		validator, err := auth.NewAdminValidator(auth.AdminValidatorConfig{
			SigningSecret: []byte(appConfig.AdminSigningSecret),
			Issuer:        appConfig.AdminIssuer,
		})
		if err != nil {
			return err
		}
		deps.Exporter = lifts.NewExporter(rt.lifts, rt.accounts)
		deps.Admin = validator
	} else {
		logger.Info("admin export disabled; no signing secret configured")
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.Bool("realtime", appConfig.RealtimeEnabled),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server stopping")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
