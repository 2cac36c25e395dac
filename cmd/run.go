package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/mediacore/internal/config"
	"firestige.xyz/mediacore/internal/log"
	"firestige.xyz/mediacore/internal/metrics"
	"firestige.xyz/mediacore/internal/task"
)

var runCmd = &cobra.Command{
	Use:   "run [capture.pcap]",
	Short: "Replay a capture through the pipeline",
	Long: `Replay a pcap or pcapng file through the distribution backbone and print
the task status, including per-call media statistics, as JSON.

The capture path overrides mediacore.source.file. SIGINT or SIGTERM ends the
replay early; queued packets are still drained.

Examples:
  mediacore run -c config.yml
  mediacore run -c config.yml call.pcap`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			cfg.Source.File = args[0]
		}
		return runReplay(cmd, cfg)
	},
}

func runReplay(cmd *cobra.Command, cfg *config.GlobalConfig) error {
	if err := log.Init(cfg.Log, "node", cfg.Node.ID); err != nil {
		return fmt.Errorf("failed to init logging: %w", err)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := srv.Stop(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("metrics server stop error", "error", err)
			}
		}()
	}

	t, err := task.NewTask(*cfg)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := t.Start(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- t.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		slog.Info("signal received, stopping replay")
		runErr = t.Stop()
	}

	out, err := json.MarshalIndent(t.GetStatus(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format status: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return runErr
}
