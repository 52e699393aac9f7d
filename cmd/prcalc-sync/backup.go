package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/prcalc/internal/client/backup"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newBackupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export or restore the whole local dataset",
	}

	var (
		dir    string
		toS3   bool
		stdout bool
	)
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write a v1 backup to a directory, S3, or stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(false, func(dev *device) error {
				now := time.Now()
				document, err := backup.Export(cmd.Context(), dev.store, now)
				if err != nil {
					return err
				}
				if stdout {
					encoded, err := backup.Encode(document)
					if err != nil {
						return err
					}
					_, err = cmd.OutOrStdout().Write(encoded)
					return err
				}

				var sink backup.Sink = backup.FileSink{Dir: dir}
				if toS3 {
					s3Sink, err := backup.NewS3Sink(cmd.Context(), backup.S3Config{
						Bucket:   dev.config.BackupS3Bucket,
						Prefix:   dev.config.BackupS3Prefix,
						Region:   dev.config.BackupS3Region,
						Endpoint: dev.config.BackupS3Endpoint,
						Logger:   dev.logger,
					})
					if err != nil {
						return err
					}
					sink = s3Sink
				}
				location, err := backup.WriteBackup(cmd.Context(), sink, document, now)
				if err != nil {
					return err
				}
				dev.logger.Info("backup exported",
					zap.String("location", location),
					zap.Int("movements", len(document.Movements)),
					zap.Int("pr_entries", len(document.PrEntries)),
				)
				printf(cmd, "%s", location)
				return nil
			})
		},
	}
	exportCmd.Flags().StringVar(&dir, "dir", ".", "Directory for the backup file")
	exportCmd.Flags().BoolVar(&toS3, "s3", false, "Upload to the configured S3 bucket")
	exportCmd.Flags().BoolVar(&stdout, "stdout", false, "Print the backup instead of storing it")

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the local dataset with a backup file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := strings.TrimSpace(args[0])
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read backup: %w", err)
			}
			document, err := backup.Decode(data)
			if err != nil {
				return err
			}
			return withDevice(false, func(dev *device) error {
				if err := backup.Import(cmd.Context(), dev.store, document, time.Now()); err != nil {
					return err
				}
				dev.logger.Info("backup imported",
					zap.String("path", path),
					zap.String("exported_at", document.ExportedAt),
					zap.Int("movements", len(document.Movements)),
					zap.Int("pr_entries", len(document.PrEntries)),
				)
				printf(cmd, "restored %d movements and %d PR entries; run `prcalc-sync sync` to publish", len(document.Movements), len(document.PrEntries))
				return nil
			})
		},
	}

	cmd.AddCommand(exportCmd, importCmd)
	return cmd
}
