package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/agentconsole/internal/api"
	"github.com/mattjoyce/agentconsole/internal/config"
	"github.com/mattjoyce/agentconsole/internal/eventbus"
	"github.com/mattjoyce/agentconsole/internal/provider"
	"github.com/mattjoyce/agentconsole/internal/responder"
	"github.com/mattjoyce/agentconsole/internal/storage"
	"github.com/mattjoyce/agentconsole/internal/store"
)

func newKernelCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "kernel",
		Short: "Run the local development kernel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			return runKernel(cfg)
		},
	}
}

func runKernel(cfg *config.Config) error {
	logger := newLogger(cfg.Service.LogLevel, os.Stdout).With("service", cfg.Service.Name)

	logger.Info("starting kernel", "version", version, "listen", cfg.Kernel.Listen, "provider", cfg.Kernel.LLM.Provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Kernel.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	messages := store.NewMessageStore(db)
	bus := eventbus.New(cfg.Kernel.HistorySize, logger)

	gen, err := provider.NewGenerator(ctx, cfg.Kernel.LLM)
	if err != nil {
		return err
	}

	runner := responder.NewRunner(messages, bus, gen, responder.Options{
		QueueCapacity:   cfg.Kernel.QueueCapacity,
		EnqueueTimeout:  cfg.Kernel.EnqueueTimeout,
		ContextMessages: cfg.Kernel.ContextMessages,
		ReplyTimeout:    cfg.Kernel.ReplyTimeout,
	}, logger)
	go runner.Start(ctx)

	srv := api.New(api.Config{
		Listen:            cfg.Kernel.Listen,
		APIKey:            cfg.Kernel.APIKey,
		HeartbeatInterval: cfg.Kernel.HeartbeatInterval,
	}, messages, bus, runner, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
		select {
		case <-runner.Done():
			logger.Info("responder stopped gracefully")
		case <-time.After(10 * time.Second):
			logger.Warn("responder did not stop within 10s, exiting anyway")
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	}
}
