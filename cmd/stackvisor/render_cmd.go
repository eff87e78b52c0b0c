package main

import (
	"github.com/spf13/cobra"

	"github.com/presenton/stackvisor/internal/core"
	"github.com/presenton/stackvisor/internal/gateway"
)

// newRenderCmd creates the render command
func newRenderCmd(app *cli) *cobra.Command {
	var (
		phaseFlag    string
		portFlag     string
		templateFlag string
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print a gateway configuration",
		Long: `Print the gateway configuration for a phase without writing it.

The bootstrap phase is the placeholder served while the stack starts; the final
phase is the template with its listen port replaced by the public port.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			phase, err := gateway.ParsePhase(phaseFlag)
			if err != nil {
				return err
			}

			port := app.cfg.PublicPort
			if portFlag != "" {
				port = portFlag
			}
			templatePath := app.cfg.GatewayTemplatePath
			if templateFlag != "" {
				templatePath = templateFlag
			}

			var rendered string
			switch phase {
			case gateway.PhaseBootstrap:
				rendered, err = gateway.RenderBootstrap(port)
			case gateway.PhaseFinal:
				rendered, err = gateway.RenderFinal(app.fs, templatePath, port)
			}
			if err != nil {
				return err
			}

			core.MustFprintf(cmd.OutOrStdout(), "%s", rendered)
			return nil
		},
	}

	cmd.Flags().StringVar(&phaseFlag, "phase", string(gateway.PhaseBootstrap), "Configuration phase: bootstrap or final")
	cmd.Flags().StringVar(&portFlag, "port", "", "Public port (overrides config)")
	cmd.Flags().StringVar(&templateFlag, "template", "", "Final configuration template (overrides config)")

	return cmd
}
