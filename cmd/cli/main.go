package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cochaviz/archguest/internal/config"
	"github.com/cochaviz/archguest/internal/guest"
	"github.com/cochaviz/archguest/internal/logging"
	"github.com/cochaviz/archguest/internal/provision"
	"github.com/cochaviz/archguest/internal/setup"
)

const defaultLogLevel = "info"

const (
	exitOK            = 0
	exitFailure       = 1
	exitEnvironment   = 2
	exitUnresponsive  = 3
	exitRolledBack    = 4
	exitDestroyed     = 5
	exitDestroyFailed = 6
	exitInterrupted   = 130
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	mode, modeErr := logging.ParseMode(os.Getenv(logging.FormatEnv))
	logger := logging.New(mode, os.Stderr, &levelVar)
	slog.SetDefault(logger)
	if modeErr != nil {
		logger.Warn("falling back to cli log format", "error", modeErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	root := newRootCommand(logger, &levelVar, os.Stdout)
	err := root.ExecuteContext(ctx)
	stop()

	code := exitCodeFor(err)
	switch {
	case err == nil:
	case code == exitInterrupted:
		logger.Warn("command interrupted", "error", err)
	default:
		logger.Error("command execution failed", "error", err, "exit_code", code)
	}
	os.Exit(code)
}

// exitError carries the exit code decided by a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var coded *exitError
	if errors.As(err, &coded) {
		return coded.code
	}
	if errors.Is(err, context.Canceled) {
		return exitInterrupted
	}
	var envErr *provision.EnvironmentError
	if errors.As(err, &envErr) {
		return exitEnvironment
	}
	var timeoutErr *provision.TimeoutError
	if errors.As(err, &timeoutErr) {
		return exitUnresponsive
	}
	var destroyErr *provision.DestroyError
	if errors.As(err, &destroyErr) {
		return exitDestroyFailed
	}
	return exitFailure
}

// runExitCode maps the final state of a run to an exit code. A guest that
// was destroyed, or could not be, outranks an interrupt because the operator
// has to know about it.
func runExitCode(state provision.State, err error) int {
	switch state {
	case provision.StateSuccess:
		return exitOK
	case provision.StateDestroyFailed:
		return exitDestroyFailed
	case provision.StateDestroyed:
		return exitDestroyed
	}
	if errors.Is(err, context.Canceled) {
		return exitInterrupted
	}
	if state == provision.StateRolledBack {
		return exitRolledBack
	}
	return exitCodeFor(err)
}

type globalOptions struct {
	configPath string
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar, out io.Writer) *cobra.Command {
	setup.SetLogger(logger.With("component", "setup"))

	logLevel := defaultLogLevel
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "archguest",
		Short:         "Provision an Arch Linux guest and roll it back when anything fails",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Run file (default: ./archguest.yaml, then the user config directory)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newProvisionCommand(logger, opts),
		newSummaryCommand(logger, opts),
		newGuestsCommand(logger, opts),
		newDestroyCommand(logger, opts),
		newRunsCommand(logger, opts),
	)
	return root
}

// Replaced in tests.
var preflight = setup.Verify

// newDriver is replaced in tests.
var newDriver = func(cfg *config.File, logger *slog.Logger) (guest.Driver, error) {
	switch cfg.Driver {
	case config.DriverWSL:
		return guest.NewWSLDriver(logger.With("component", "wsl")), nil
	case config.DriverLibvirt:
		return guest.NewLibvirtDriver(cfg.Libvirt.URI, cfg.WorkDir, logger.With("component", "libvirt")), nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
