// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// arbor-agent-echo is an example agent built on the agent SDK. It
// streams the triggering message back word by word, which makes it
// useful for exercising the full invoke/stream/cancel path against a
// running server without an AI backend or API key.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/arbor-chat/arbor/agent"
	"github.com/arbor-chat/arbor/lib/clock"
	"github.com/arbor-chat/arbor/lib/process"
	"github.com/arbor-chat/arbor/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var url string
	var agentID string
	var credential string
	var chunkDelay time.Duration
	var showVersion bool

	flagSet := pflag.NewFlagSet("arbor-agent-echo", pflag.ContinueOnError)
	flagSet.StringVar(&url, "url", "ws://127.0.0.1:8800/ws/agent", "agent websocket endpoint")
	flagSet.StringVar(&agentID, "agent", "", "agent id (required)")
	flagSet.StringVar(&credential, "credential", os.Getenv("ARBOR_AGENT_CREDENTIAL"), "agent credential (default: $ARBOR_AGENT_CREDENTIAL)")
	flagSet.DurationVar(&chunkDelay, "chunk-delay", 150*time.Millisecond, "pause between echoed words")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showVersion {
		version.Print("arbor-agent-echo")
		return nil
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	clk := clock.Real()

	bridge, err := agent.New(agent.Config{
		URL:        url,
		AgentID:    agentID,
		Credential: credential,
		Clock:      clk,
		Logger:     logger,
		Handler: func(ctx context.Context, task *agent.Task) error {
			var reply strings.Builder
			for _, word := range strings.Fields(task.Content) {
				select {
				case <-ctx.Done():
					// Cancelled by the user or the connection died;
					// the server settles the partial content.
					return nil
				case <-clk.After(chunkDelay):
				}
				delta := word
				if reply.Len() > 0 {
					delta = " " + word
				}
				reply.WriteString(delta)
				if err := task.SendChunk(delta); err != nil {
					return err
				}
			}
			return task.Complete(reply.String())
		},
		OnConnected: func(name string) {
			logger.Info("echoing as", "agent", name)
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = bridge.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
