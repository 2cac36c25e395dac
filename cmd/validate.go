package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/mediacore/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without replaying anything.

Examples:
  mediacore validate -c config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("INVALID: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "VALID: node %q, %d worker(s), %d pipeline(s), %d static stream(s)\n",
			cfg.Node.ID,
			cfg.Dispatch.Workers,
			cfg.Pipeline.Count,
			len(cfg.Streams),
		)
		return nil
	},
}
