// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mediacore",
	Short: "mediacore - VoIP media capture distribution backbone",
	Long: `mediacore replays captured VoIP traffic through a zero-copy distribution
backbone: frames land in pooled blocks, producer pipelines classify them
(SIP, RTP, RTCP, DTLS), and a fixed worker pool folds media into per-call
statistics. DTLS seen before its call is known waits in a link-keyed
pending buffer.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (empty = defaults)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(configCmd)
}
