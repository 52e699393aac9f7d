package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/prcalc/internal/client/identity"
	"github.com/MarcoPoloResearchLab/prcalc/internal/client/watch"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newIdentityCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Show the device identity, creating it on first use",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(false, func(dev *device) error {
				current, err := dev.identity.GetOrCreate(cmd.Context())
				if err != nil {
					return err
				}
				lastSync, err := dev.identity.LastSyncMs(cmd.Context())
				if err != nil {
					return err
				}
				accountID := current.AccountID
				if accountID == "" {
					accountID = "(not bootstrapped)"
				}
				printf(cmd, "deviceId:    %s", current.DeviceID)
				printf(cmd, "deviceToken: %s", identity.Mask(current.DeviceToken))
				printf(cmd, "accountId:   %s", accountID)
				printf(cmd, "lastSyncMs:  %d", lastSync)
				return nil
			})
		},
	}
}

func newBootstrapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Register this device with the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(true, func(dev *device) error {
				if err := dev.engine.Bootstrap(cmd.Context()); err != nil {
					return err
				}
				current, err := dev.identity.GetOrCreate(cmd.Context())
				if err != nil {
					return err
				}
				printf(cmd, "device %s bound to account %s", current.DeviceID, current.AccountID)
				return nil
			})
		},
	}
}

func newPushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Upload the full local state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(true, func(dev *device) error {
				return dev.engine.PushNow(cmd.Context())
			})
		},
	}
}

func newPullCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Merge server changes since the last sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(true, func(dev *device) error {
				return dev.engine.PullNow(cmd.Context())
			})
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push the local state, then pull",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(true, func(dev *device) error {
				return dev.engine.SyncNow(cmd.Context())
			})
		},
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the local store in sync until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withDevice(true, func(dev *device) error {
				return runDaemon(signalCtx, dev)
			})
		},
	}
}

func runDaemon(ctx context.Context, dev *device) error {
	if dev.config.SyncWatchStore {
		watcher, err := watch.New(watch.Config{
			Path:    dev.config.StorePath,
			Store:   dev.store,
			Changes: dev.tracker,
			Logger:  dev.logger,
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	if err := dev.engine.Start(ctx); err != nil {
		return err
	}
	// Edits made while no daemon was running have not been pushed yet.
	dev.tracker.MarkDirty()

	dev.logger.Info("sync daemon running",
		zap.String("store", dev.config.StorePath),
		zap.String("api", dev.config.APIBaseURL),
		zap.Bool("watch_store", dev.config.SyncWatchStore),
	)
	<-ctx.Done()
	dev.logger.Info("sync daemon stopping", zap.Stringer("state", dev.engine.State()))
	return nil
}
