package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/presenton/stackvisor/internal/core"
	"github.com/presenton/stackvisor/internal/state"
	"github.com/presenton/stackvisor/internal/supervisor"
)

// newRunCmd creates the run command
func newRunCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Materialize the user config and supervise the stack",
		Long: `Materialize the shared user configuration, start the gateway on its bootstrap
configuration, launch the services and switch the gateway over once the
frontend is reachable. This is the default command when no subcommand is specified.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runSupervisor(cmd.Context())
		},
	}
}

// runSupervisor runs the whole stack until a fatal condition or a shutdown signal
func (c *cli) runSupervisor(ctx context.Context) error {
	defer zap.L().Sync() //nolint:errcheck // Ignore sync errors on stdout/stderr, they're not critical and common in test environments

	materialized, err := state.Materialize(c.fs, c.cfg.MaterializerOverrides(os.Environ()))
	if err != nil {
		return &supervisor.ExitError{Code: core.ExitCodeFailure, Err: fmt.Errorf("failed to materialize user config: %w", err)}
	}

	// #nosec G301 -- the scratch directory is shared with the services
	if err := c.fs.MkdirAll(c.cfg.TempDirectory, 0755); err != nil {
		return &supervisor.ExitError{Code: core.ExitCodeFailure, Err: fmt.Errorf("failed to create temp directory: %w", err)}
	}

	stack := c.cfg.BuildStack(materialized.Env())

	ctx, cancel := setupSignalHandling(ctx)
	defer cancel()

	// Run reports every failure, including its exit code, as an *ExitError
	if _, err := supervisor.New(c.fs, stack).Run(ctx); err != nil {
		return err
	}

	zap.L().Info("Supervisor stopped")
	return nil
}

// setupSignalHandling cancels the returned context on SIGINT or SIGTERM
func setupSignalHandling(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			zap.L().Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
