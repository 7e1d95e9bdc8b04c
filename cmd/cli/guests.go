package main

import (
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cochaviz/archguest/internal/provision"
)

func newGuestsCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var overrides *runOverrides
	cmd := &cobra.Command{
		Use:   "guests",
		Short: "List guests known to the configured driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, overrides)
			if err != nil {
				return err
			}
			driver, err := newDriver(cfg, logger)
			if err != nil {
				return err
			}
			guests, err := driver.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tRUNNING\tDEFAULT")
			for _, g := range guests {
				fmt.Fprintf(w, "%s\t%s\t%s\n", g.Name, yesNo(g.Running), yesNo(g.Default))
			}
			return w.Flush()
		},
	}
	overrides = bindOverrides(cmd)
	return cmd
}

func newDestroyCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var (
		confirmed bool
		overrides *runOverrides
	)
	cmd := &cobra.Command{
		Use:   "destroy <guest>",
		Short: "Irreversibly remove a guest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !confirmed {
				return fmt.Errorf("refusing to destroy %s without --yes", name)
			}
			cfg, err := loadConfig(opts, overrides)
			if err != nil {
				return err
			}
			driver, err := newDriver(cfg, logger)
			if err != nil {
				return err
			}
			logger.Warn("destroying guest", "guest", name, "driver", driver.Name())
			if err := driver.Destroy(cmd.Context(), name); err != nil {
				return &provision.DestroyError{Guest: name, Err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "destroyed %s\n", name)
			return nil
		},
	}
	overrides = bindOverrides(cmd)
	cmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm the guest should be destroyed")
	return cmd
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
