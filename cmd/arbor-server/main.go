// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// arbor-server is the Arbor chat sync server. It serves the human and
// agent websocket endpoints, persists conversations to the configured
// store, and relays agent streams.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/arbor-chat/arbor/lib/clock"
	"github.com/arbor-chat/arbor/lib/config"
	"github.com/arbor-chat/arbor/lib/process"
	"github.com/arbor-chat/arbor/lib/version"
	"github.com/arbor-chat/arbor/server"
	"github.com/arbor-chat/arbor/store"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var logLevel string
	var showVersion bool

	flagSet := pflag.NewFlagSet("arbor-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (default: $ARBOR_CONFIG, else built-in defaults)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showVersion {
		version.Print("arbor-server")
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	st, err := openStore(cfg.Store, clk, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := server.New(server.Config{
		Logger:           logger,
		Clock:            clk,
		Store:            st,
		Sessions:         server.SessionResolverFunc(resolveSession),
		SendLimit:        cfg.Limits.SendPerWindow,
		SendWindow:       cfg.Limits.Window,
		SyncBatch:        cfg.Limits.SyncBatch,
		HeartbeatTimeout: cfg.Timeouts.Heartbeat,
		AgentAuthTimeout: cfg.Timeouts.AgentAuth,
		TaskIdleTimeout:  cfg.Timeouts.TaskIdle,
	})
	go srv.Run(ctx)

	httpServer := &http.Server{
		Addr:        cfg.Listen,
		Handler:     srv.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	serveDone := make(chan error, 1)
	go func() { serveDone <- httpServer.ListenAndServe() }()
	logger.Info("arbor server running",
		"listen", cfg.Listen,
		"store", cfg.Store.Backend,
		"version", version.Info(),
	)

	select {
	case err := <-serveDone:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func openStore(cfg config.StoreConfig, clk clock.Clock, logger *slog.Logger) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		logger.Warn("using the in-memory store: messages are lost on restart")
		return store.NewMemory(clk), nil
	case "sqlite":
		return store.OpenSQLite(store.SQLiteConfig{
			Path:   cfg.Path,
			Clock:  clk,
			Logger: logger,
		})
	case "postgres":
		return store.OpenPostgres(cfg.DSN, clk, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// resolveSession identifies the human behind a websocket handshake.
// The identity surface (accounts, session cookies, login) lives in the
// application gateway in front of this server; standalone deployments
// carry the resolved user id in the X-Arbor-User header or a user
// query parameter.
func resolveSession(r *http.Request) (string, error) {
	if user := r.Header.Get("X-Arbor-User"); user != "" {
		return user, nil
	}
	if user := r.URL.Query().Get("user"); user != "" {
		return user, nil
	}
	return "", errors.New("no session identity on handshake")
}
