package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/presenton/stackvisor/internal/core"
	"github.com/presenton/stackvisor/internal/supervisor"
)

var (
	version = "dev"
	// build time date
	buildDate = "unknown"
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and returns the process exit code. A
// supervisor failure carries the exit code of the process that caused it.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var exitErr *supervisor.ExitError
	if errors.As(err, &exitErr) {
		core.MustFprintf(stderr, "Error: %v\n", err)
		return exitErr.Code
	}

	core.MustFprintf(stderr, "Error: %v\n", err)
	return core.ExitCodeFailure
}

func newRootCmd() *cobra.Command {
	app := &cli{}

	rootCmd := &cobra.Command{
		Use:   "stackvisor",
		Short: "Container entrypoint that supervises the application stack",
		Long: `stackvisor starts the gateway on a placeholder configuration, launches the
backend, auxiliary and frontend services, waits for them to listen on their
loopback ports, and switches the gateway to its final configuration.

It exits with the exit code of the first critical process to exit.`,
		Version:           fmt.Sprintf("%s (built: %s)", version, buildDate),
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: app.setup,
		// Default to the run command when no subcommand is provided
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runSupervisor(cmd.Context())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&app.configPath, "config", "", "Path to stackvisor.yaml config file")
	flags.StringArrayVar(&app.envFiles, "env-file", nil, "Load environment variables from a dotenv file (repeatable; existing variables win)")
	flags.BoolVar(&app.prettyLog, "pretty", false, "Use pretty-printed logs instead of JSON")
	flags.StringVar(&app.logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides config)")

	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newMaterializeCmd(app))
	rootCmd.AddCommand(newRenderCmd(app))
	rootCmd.AddCommand(newProbeCmd(app))
	rootCmd.AddCommand(newConfigCmd(app))

	return rootCmd
}
