package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cochaviz/archguest/internal/repositories/local"
)

func newRunsCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	openRepository := func() (*local.LocalRunRepository, error) {
		cfg, err := loadConfig(opts, nil)
		if err != nil {
			return nil, err
		}
		return &local.LocalRunRepository{BaseDir: filepath.Join(cfg.StateDir, "runs")}, nil
	}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded provisioning runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepository()
			if err != nil {
				return err
			}
			runs, err := repo.List()
			if err != nil {
				return err
			}
			logger.Debug("listing runs", "dir", repo.BaseDir, "count", len(runs))

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tGUEST\tSTATE\tSTARTED")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", run.ID, run.Guest, run.State, run.StartedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print the stored record of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepository()
			if err != nil {
				return err
			}
			run, err := repo.Get(args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("no run %q recorded in %s", args[0], repo.BaseDir)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		},
	}
	cmd.AddCommand(show)
	return cmd
}
