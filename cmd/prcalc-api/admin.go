package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MarcoPoloResearchLab/prcalc/internal/auth"
	"github.com/MarcoPoloResearchLab/prcalc/internal/lifts"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultAdminSubject = "operator"

func newExportDeviceCommand() *cobra.Command {
	var (
		outPath        string
		includeDeleted bool
		minified       bool
	)
	cmd := &cobra.Command{
		Use:   "export-device <deviceId>",
		Short: "Dump every lift record of the account owning a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			exporter := lifts.NewExporter(rt.lifts, rt.accounts)
			bundle, err := exporter.ExportByDevice(cmd.Context(), args[0], lifts.ExportOptions{IncludeDeleted: includeDeleted})
			if err != nil {
				var unknown *lifts.UnknownDeviceError
				if errors.As(err, &unknown) {
					printRecentDevices(cmd.ErrOrStderr(), unknown)
				}
				return err
			}

			var encoded []byte
			if minified {
				encoded, err = json.Marshal(bundle)
			} else {
				encoded, err = json.MarshalIndent(bundle, "", "  ")
			}
			if err != nil {
				return fmt.Errorf("failed to encode export: %w", err)
			}
			encoded = append(encoded, '\n')

			if strings.TrimSpace(outPath) == "" {
				_, err = cmd.OutOrStdout().Write(encoded)
				return err
			}
			if err := os.WriteFile(outPath, encoded, 0o600); err != nil {
				return fmt.Errorf("failed to write export: %w", err)
			}
			rt.logger.Info("device export written",
				zap.String("device_id", bundle.Summary.DeviceID),
				zap.String("account_id", bundle.Summary.AccountID),
				zap.Int("movements", bundle.Summary.Movements),
				zap.Int("pr_entries", bundle.Summary.PrEntries),
				zap.String("path", outPath),
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "Write the export to this file instead of stdout")
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "Include soft-deleted records")
	cmd.Flags().BoolVar(&minified, "min", false, "Emit compact JSON")
	return cmd
}

func printRecentDevices(w io.Writer, unknown *lifts.UnknownDeviceError) {
	if len(unknown.Recent) == 0 {
		fmt.Fprintln(w, "no devices are registered")
		return
	}
	fmt.Fprintln(w, "recently seen devices:")
	for _, device := range unknown.Recent {
		fmt.Fprintf(w, "  %s  account=%s  lastSeen=%s\n", device.ID, device.AccountID, device.LastSeenAt)
	}
}

func newAdminTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Mint a short-lived operator token for the export endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if !rt.config.AdminEnabled() {
				return errors.New("admin.signing_secret is not configured")
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(rt.config.AdminSigningSecret),
				Issuer:        rt.config.AdminIssuer,
				TokenTTL:      rt.config.AdminTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueAdminToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			rt.logger.Info("admin token issued", zap.String("subject", subject), zap.Int64("expires_in", expiresIn))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", defaultAdminSubject, "Subject recorded in the token")
	return cmd
}
