// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// arbor-chat is a terminal client for Arbor chat. It connects to the
// server's human endpoint, syncs one conversation, and renders live
// messages and agent streams with a composer line at the bottom.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/arbor-chat/arbor/client"
	"github.com/arbor-chat/arbor/lib/clock"
	"github.com/arbor-chat/arbor/lib/process"
	"github.com/arbor-chat/arbor/lib/version"
	"github.com/arbor-chat/arbor/wire"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var url string
	var user string
	var conversationID string
	var statePath string
	var logOutput string
	var showVersion bool

	flagSet := pflag.NewFlagSet("arbor-chat", pflag.ContinueOnError)
	flagSet.StringVar(&url, "url", "ws://127.0.0.1:8800/ws", "server websocket endpoint")
	flagSet.StringVar(&user, "user", "", "user id (required)")
	flagSet.StringVar(&conversationID, "conversation", "", "conversation id (required)")
	flagSet.StringVar(&statePath, "state", defaultStatePath(), "sync cursor file (empty disables persistence)")
	flagSet.StringVar(&logOutput, "log-output", "", "write log records to this file instead of discarding them")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showVersion {
		version.Print("arbor-chat")
		return nil
	}
	if user == "" || conversationID == "" {
		return fmt.Errorf("--user and --conversation are required")
	}

	// Logs cannot share the terminal with the TUI renderer.
	logWriter := io.Writer(io.Discard)
	if logOutput != "" {
		f, err := os.OpenFile(logOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening --log-output: %w", err)
		}
		defer f.Close()
		logWriter = f
	}
	logger := slog.New(slog.NewTextHandler(logWriter, nil))

	// Client notifications cross into the bubbletea message loop
	// through this channel; the model re-reads client state when each
	// one lands.
	events := make(chan tea.Msg, 256)
	notify := func(msg tea.Msg) {
		select {
		case events <- msg:
		default:
			// A full queue means a redraw is already pending.
		}
	}

	c, err := client.New(client.Config{
		URL:       url + "?user=" + user,
		Clock:     clock.Real(),
		Logger:    logger,
		StatePath: statePath,
		Handlers: client.Handlers{
			OnState:   func(s client.State) { notify(stateMsg{state: s}) },
			OnMessage: func(conv string, msg wire.Message) { notify(timelineMsg{}) },
			OnStreamError: func(ev wire.StreamError) {
				notify(noticeMsg{text: ev.Message})
			},
			OnQueued: func(ev wire.StreamQueued) {
				notify(noticeMsg{text: ev.AgentName + " will reply when its current response finishes"})
			},
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Connect(ctx)
	defer c.Disconnect()

	model := newModel(c, conversationID, events)
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err = program.Run()
	return err
}

func defaultStatePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "arbor", "cursors.cbor")
}
