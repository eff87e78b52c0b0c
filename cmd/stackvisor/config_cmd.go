package main

import (
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/presenton/stackvisor/internal/config"
	"github.com/presenton/stackvisor/internal/core"
)

// newConfigCmd creates the config command
func newConfigCmd(app *cli) *cobra.Command {
	var showSources bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the effective supervisor configuration as YAML.

With --sources, print every key with the place its value came from
(env, file or default).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !showSources {
				encoder := yaml.NewEncoder(cmd.OutOrStdout())
				defer core.LogDeferredError(encoder.Close)
				return encoder.Encode(app.cfg)
			}

			values, err := config.ListConfig(app.configPath)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			core.MustFprintf(w, "KEY\tVALUE\tSOURCE\n")
			for _, key := range config.Keys() {
				value := values[key]
				core.MustFprintf(w, "%s\t%v\t%s\n", key, value.Value, value.Source)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&showSources, "sources", false, "Show where each value came from")

	return cmd
}
