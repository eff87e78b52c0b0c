package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/presenton/stackvisor/internal/core"
	"github.com/presenton/stackvisor/internal/probe"
)

// newProbeCmd creates the probe command
func newProbeCmd(_ *cli) *cobra.Command {
	var (
		host      string
		port      int
		timeoutMs int
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Wait until a TCP port accepts connections",
		Long: `Poll a TCP port until it accepts a connection or the timeout expires.
Exits non-zero on timeout. Useful as a container health or readiness check.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port < 1 || port > 65535 {
				return fmt.Errorf("port must be between 1 and 65535, got %d", port)
			}
			if timeoutMs < 1 {
				return fmt.Errorf("timeout must be a positive number of milliseconds, got %d", timeoutMs)
			}

			target := probe.Target{
				Name:    "probe",
				Host:    host,
				Port:    port,
				Timeout: time.Duration(timeoutMs) * time.Millisecond,
			}
			if err := probe.NewProber().WaitForPort(cmd.Context(), target); err != nil {
				return err
			}

			core.MustFprintf(cmd.OutOrStdout(), "%s is reachable\n", target.Address())
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", core.LoopbackHost, "Host to connect to")
	cmd.Flags().IntVar(&port, "port", 0, "Port to connect to")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 30000, "Give up after this many milliseconds")
	_ = cmd.MarkFlagRequired("port")

	return cmd
}
