package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chimenet/internal/config"
	"chimenet/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a chime node and its control API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	svc, err := service.NewServiceBuilder(cfg).Build()
	if err != nil {
		return fmt.Errorf("failed to build service: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}
