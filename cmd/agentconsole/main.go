package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/agentconsole/internal/config"
	"github.com/mattjoyce/agentconsole/internal/kernel"
	"github.com/mattjoyce/agentconsole/internal/legacy"
	"github.com/mattjoyce/agentconsole/internal/storage"
	"github.com/mattjoyce/agentconsole/internal/store"
	"github.com/mattjoyce/agentconsole/internal/stream"
)

var version = "dev"

const defaultConfigPath = "config.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "agentconsole",
		Short:         "Operator console for a multi-agent platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "path to config file")

	load := func(cmd *cobra.Command) (*config.Config, error) {
		return loadConfig(configPath, cmd.Flags().Changed("config"))
	}

	root.AddCommand(
		newChatCmd(load),
		newMonitorCmd(load),
		newLogsCmd(load),
		newKernelCmd(load),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "agentconsole %s\n", version)
			},
		},
	)
	return root
}

type configLoader func(cmd *cobra.Command) (*config.Config, error)

// loadConfig reads path. A missing default config file falls back to
// defaults plus environment; an explicitly named one must exist.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(level string, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

// fileLogger sends logs to the configured log file so they do not draw over
// a terminal UI. The returned func closes the file.
func fileLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Service.LogFile), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.Service.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := newLogger(cfg.Service.LogLevel, f).With("service", cfg.Service.Name)
	slog.SetDefault(logger)
	return logger, func() { _ = f.Close() }, nil
}

// console bundles the collaborators shared by the chat, monitor and logs
// commands.
type console struct {
	cfg      *config.Config
	client   *kernel.Client
	hub      *stream.Hub
	migrator *legacy.Migrator
	closers  []func()
}

func newConsole(ctx context.Context, cfg *config.Config, logger *slog.Logger, withLegacy bool) (*console, error) {
	header := http.Header{}
	if cfg.Console.APIKey != "" {
		header.Set("X-API-Key", cfg.Console.APIKey)
	}

	c := &console{
		cfg:    cfg,
		client: kernel.NewClient(cfg.Console.URL, cfg.Console.APIKey, cfg.Console.RequestTimeout, logger).ForUser(cfg.Console.UserID),
		hub: stream.NewHub(stream.HubOptions{
			Transport:      stream.NewAutoTransport(nil, header),
			Logger:         logger,
			InitialBackoff: cfg.Stream.InitialBackoff,
			MaxBackoff:     cfg.Stream.MaxBackoff,
		}),
	}
	c.closers = append(c.closers, c.hub.Close)

	if withLegacy && cfg.Console.LegacyDB != "" {
		db, err := storage.OpenSQLite(ctx, cfg.Console.LegacyDB)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("open legacy database: %w", err)
		}
		c.closers = append(c.closers, func() { _ = db.Close() })
		c.migrator = legacy.NewMigrator(store.NewLegacyStore(db), c.client, cfg.Console.UserID, logger)
	}
	return c, nil
}

func (c *console) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
