package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/prcalc/internal/client/store"
	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

func newMovementCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "movement",
		Short: "Manage movements in the local store",
	}

	var movementID string
	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create or rename a movement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(false, func(dev *device) error {
				movement, err := dev.store.UpsertMovement(cmd.Context(), store.Movement{ID: movementID, Name: args[0]})
				if err != nil {
					return err
				}
				printf(cmd, "%s\t%s", movement.ID, movement.Name)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&movementID, "id", "", "Update the movement with this id instead of creating one")

	var includeDeleted bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List movements, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(false, func(dev *device) error {
				movements, err := dev.store.Movements(cmd.Context(), includeDeleted)
				if err != nil {
					return err
				}
				for _, movement := range movements {
					printf(cmd, "%s\t%s\t%s%s", movement.ID, movement.Name, movement.UpdatedAt, deletedSuffix(movement.DeletedAt))
				}
				return nil
			})
		},
	}
	listCmd.Flags().BoolVar(&includeDeleted, "all", false, "Include deleted movements")

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a movement and its PR entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(false, func(dev *device) error {
				return dev.store.DeleteMovement(cmd.Context(), args[0])
			})
		},
	}

	cmd.AddCommand(addCmd, listCmd, deleteCmd)
	return cmd
}

func newPrCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pr",
		Short: "Manage PR entries in the local store",
	}

	var (
		weight float64
		reps   int
		date   string
	)
	addCmd := &cobra.Command{
		Use:   "add <movementId>",
		Short: "Record a PR attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if date == "" {
				date = time.Now().Format(dateLayout)
			}
			if _, err := time.Parse(dateLayout, date); err != nil {
				return fmt.Errorf("--date must look like %s", dateLayout)
			}
			return withDevice(false, func(dev *device) error {
				entry, err := dev.store.AddPrEntry(cmd.Context(), store.PrEntry{
					MovementID: args[0],
					Weight:     weight,
					Reps:       reps,
					Date:       date,
				})
				if err != nil {
					return err
				}
				printf(cmd, "%s\t%g x %d\t%s", entry.ID, entry.Weight, entry.Reps, entry.Date)
				return nil
			})
		},
	}
	addCmd.Flags().Float64Var(&weight, "weight", 0, "Weight lifted")
	addCmd.Flags().IntVar(&reps, "reps", 1, "Repetitions")
	addCmd.Flags().StringVar(&date, "date", "", "Date of the attempt (YYYY-MM-DD, defaults to today)")

	var includeDeleted bool
	listCmd := &cobra.Command{
		Use:   "list <movementId>",
		Short: "List PR entries of a movement, most recently changed first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(false, func(dev *device) error {
				entries, err := dev.store.PrEntries(cmd.Context(), args[0], includeDeleted)
				if err != nil {
					return err
				}
				for _, entry := range entries {
					printf(cmd, "%s\t%g x %d\t%s%s", entry.ID, entry.Weight, entry.Reps, entry.Date, deletedSuffix(entry.DeletedAt))
				}
				return nil
			})
		},
	}
	listCmd.Flags().BoolVar(&includeDeleted, "all", false, "Include deleted entries")

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a PR entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(false, func(dev *device) error {
				return dev.store.DeletePrEntry(cmd.Context(), args[0])
			})
		},
	}

	cmd.AddCommand(addCmd, listCmd, deleteCmd)
	return cmd
}

func newPrefsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show or change calculator preferences",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the current preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(false, func(dev *device) error {
				preferences, err := dev.store.Preferences(cmd.Context())
				if err != nil {
					return err
				}
				encoded, err := json.MarshalIndent(preferences, "", "  ")
				if err != nil {
					return err
				}
				printf(cmd, "%s", encoded)
				return nil
			})
		},
	}

	var (
		unit      string
		barWeight float64
		plates    []float64
		rounding  float64
		language  string
	)
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Change individual preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(false, func(dev *device) error {
				preferences, err := dev.store.Preferences(cmd.Context())
				if err != nil {
					return err
				}
				flags := cmd.Flags()
				if flags.Changed("unit") {
					preferences.Unit = unit
				}
				if flags.Changed("bar") {
					preferences.BarWeight = barWeight
				}
				if flags.Changed("plates") {
					preferences.Plates = plates
				}
				if flags.Changed("rounding") {
					preferences.Rounding = rounding
				}
				if flags.Changed("language") {
					preferences.Language = language
				}
				return dev.store.SetPreferences(cmd.Context(), preferences)
			})
		},
	}
	setCmd.Flags().StringVar(&unit, "unit", "", "Weight unit (kg or lb)")
	setCmd.Flags().Float64Var(&barWeight, "bar", 0, "Bar weight")
	setCmd.Flags().Float64SliceVar(&plates, "plates", nil, "Available plates, comma separated")
	setCmd.Flags().Float64Var(&rounding, "rounding", 0, "Rounding increment")
	setCmd.Flags().StringVar(&language, "language", "", "Interface language")

	cmd.AddCommand(showCmd, setCmd)
	return cmd
}

func deletedSuffix(deletedAt *string) string {
	if deletedAt == nil {
		return ""
	}
	return "\tdeleted " + *deletedAt
}
