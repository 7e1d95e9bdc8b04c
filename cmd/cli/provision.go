package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cochaviz/archguest/internal/config"
	"github.com/cochaviz/archguest/internal/provision"
	"github.com/cochaviz/archguest/internal/recipes"
	"github.com/cochaviz/archguest/internal/repositories/local"
	"github.com/cochaviz/archguest/internal/setup"
	"github.com/cochaviz/archguest/internal/summary"
)

type runOverrides struct {
	guest    string
	driver   string
	noCreate bool
}

func bindOverrides(cmd *cobra.Command) *runOverrides {
	o := &runOverrides{}
	cmd.Flags().StringVar(&o.guest, "guest", "", "Guest to provision (overrides the run file)")
	cmd.Flags().StringVar(&o.driver, "driver", "", "Virtualization driver: wsl or libvirt")
	cmd.Flags().BoolVar(&o.noCreate, "no-create", false, "Use an existing guest instead of creating one")
	return o
}

func (o *runOverrides) apply(cfg *config.File) error {
	if o.guest != "" {
		cfg.Guest = o.guest
	}
	if o.driver != "" {
		cfg.Driver = o.driver
	}
	if o.noCreate {
		cfg.Create = false
	}
	return cfg.Validate()
}

func loadConfig(opts *globalOptions, overrides *runOverrides) (*config.File, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if overrides != nil {
		if err := overrides.apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newProvisionCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var (
		dryRun      bool
		format      string
		keepStaging bool
		overrides   *runOverrides
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Install packages, stage the local repository and create the user",
		Long: `Provision runs the run file against a guest. The package state and
pacman.conf are captured first; any failure afterwards rolls the guest back
to that snapshot, and a guest that cannot be rolled back is destroyed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, overrides)
			if err != nil {
				return err
			}
			if dryRun {
				return writeSummary(cmd, cfg, format)
			}
			return runProvision(cmd.Context(), cfg, keepStaging, logger)
		},
	}
	overrides = bindOverrides(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only print what would be provisioned")
	cmd.Flags().StringVar(&format, "format", "yaml", "Dry-run output format (yaml or json)")
	cmd.Flags().BoolVar(&keepStaging, "keep-staging", false, "Keep staged recipes on the host after the run")
	return cmd
}

func newSummaryCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var (
		format    string
		overrides *runOverrides
	)
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Describe what a provisioning run would do without touching a guest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, overrides)
			if err != nil {
				return err
			}
			logger.Debug("rendering summary", "config", cfg.Path)
			return writeSummary(cmd, cfg, format)
		},
	}
	overrides = bindOverrides(cmd)
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format (yaml or json)")
	return cmd
}

func writeSummary(cmd *cobra.Command, cfg *config.File, format string) error {
	run, err := cfg.NewRun()
	if err != nil {
		return err
	}
	doc, err := summary.Build(cmd.Context(), run)
	if err != nil {
		return err
	}
	return summary.Write(cmd.OutOrStdout(), doc, format)
}

func runProvision(ctx context.Context, cfg *config.File, keepStaging bool, logger *slog.Logger) error {
	if err := preflight(ctx, setup.Options{
		Driver:        cfg.Driver,
		ConnectionURI: cfg.Libvirt.URI,
		Bridge:        cfg.Libvirt.Bridge,
	}); err != nil {
		return err
	}

	driver, err := newDriver(cfg, logger)
	if err != nil {
		return err
	}
	run, err := cfg.NewRun()
	if err != nil {
		return err
	}

	stager := &recipes.Stager{WorkDir: cfg.WorkDir, Logger: logger.With("component", "recipes")}
	runs := &local.LocalRunRepository{BaseDir: filepath.Join(cfg.StateDir, "runs")}

	if cfg.Timeouts.Run > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeouts.Run)
		defer cancel()
	}

	runLogger := logger.With("component", "provision", "run", run.ID)
	p := provision.New(driver, stager, runs, run, cfg.ProvisionOptions(), runLogger)
	execErr := p.Execute(ctx)

	if !keepStaging {
		if err := stager.Cleanup(run.ID); err != nil {
			runLogger.Warn("failed to remove staged recipes", "error", err)
		}
	}

	final := p.Run()
	if report := final.Rollback; report != nil {
		runLogger.Info("rollback report",
			"restored_config", report.RestoredConfig,
			"removed_packages", len(report.RemovedPackages),
			"unremoved_packages", report.UnremovedPackages,
			"deleted_files", len(report.DeletedFiles),
			"removed_users", report.RemovedUsers,
		)
	}

	code := runExitCode(final.State, execErr)
	if code == exitOK {
		return nil
	}
	if execErr == nil {
		execErr = fmt.Errorf("run %s ended in state %s", final.ID, final.State)
	}
	return &exitError{code: code, err: fmt.Errorf("run %s ended in state %s: %w", final.ID, final.State, execErr)}
}
