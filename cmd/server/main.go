package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quartzvm/quartz/internal/app"
	"github.com/quartzvm/quartz/internal/config"
	"github.com/quartzvm/quartz/internal/log"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "quartz",
		Short: "Collaborative remote machine gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
		SilenceUsage: true,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	bootLog := log.New("info", true)

	cfg, path, err := config.Load(bootLog, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.New(cfg.Log.Level, cfg.Log.Pretty)
	logger.Info().Str("config", path).Msg("configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg, path, logger)
	if err != nil {
		return err
	}

	logger.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
	if err := application.Run(ctx); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
