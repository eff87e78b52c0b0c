package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/presenton/stackvisor/internal/core"
	"github.com/presenton/stackvisor/internal/state"
)

// newMaterializeCmd creates the materialize command
func newMaterializeCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "materialize",
		Short: "Write the shared user config and print it",
		Long: `Resolve the shared user configuration from the environment and any existing
file, write it, and print the result with credentials redacted. No process is started.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			materialized, err := state.Materialize(app.fs, app.cfg.MaterializerOverrides(os.Environ()))
			if err != nil {
				return fmt.Errorf("failed to materialize user config: %w", err)
			}

			out := struct {
				Path    string            `yaml:"path"`
				DataDir string            `yaml:"data_dir"`
				Config  map[string]string `yaml:"config"`
			}{
				Path:    materialized.Path,
				DataDir: materialized.DataDir,
				Config:  materialized.Config.Redacted(),
			}

			encoder := yaml.NewEncoder(cmd.OutOrStdout())
			defer core.LogDeferredError(encoder.Close)
			return encoder.Encode(out)
		},
	}
}
