// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arbor-chat/arbor/client"
	"github.com/arbor-chat/arbor/lib/clock"
	"github.com/arbor-chat/arbor/wire"
)

const (
	// DefaultReconnectInterval is the fixed delay between reconnect
	// attempts. Agents are servers in spirit, so there is no backoff:
	// a steady cadence reattaches promptly after a restart.
	DefaultReconnectInterval = 5 * time.Second

	// DefaultPingInterval paces the application-level heartbeat.
	DefaultPingInterval = 30 * time.Second
)

// ErrAuthRejected reports a credential the server refused. Run stops
// on it rather than retrying a token that cannot start working.
var ErrAuthRejected = errors.New("agent: authentication rejected")

// Handler runs one task. ctx is cancelled when the user cancels the
// stream or the connection carrying the task dies. A non-nil return
// fails the task with the error text, unless the handler already
// called Complete or Fail.
type Handler func(ctx context.Context, task *Task) error

// Config holds the parameters for creating an Agent.
type Config struct {
	// URL is the server's agent websocket endpoint.
	URL string

	// AgentID and Credential authenticate the agent.
	AgentID    string
	Credential string

	// Handler receives each task. Required.
	Handler Handler

	Transport client.Transport
	Clock     clock.Clock
	Logger    *slog.Logger

	// OnConnected fires after a successful handshake with the
	// server-registered display name.
	OnConnected func(agentName string)

	// OnDisconnected fires when an established connection drops.
	OnDisconnected func()

	// ReconnectInterval and PingInterval default to the package
	// constants if zero.
	ReconnectInterval time.Duration
	PingInterval      time.Duration
}

// Agent maintains the connection to the server and dispatches tasks
// to the Handler. Safe for concurrent use.
type Agent struct {
	cfg Config

	mu      sync.Mutex
	conn    client.TransportConn
	cancels map[string]context.CancelFunc
	tasks   sync.WaitGroup
}

// New builds an agent.
func New(cfg Config) (*Agent, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("agent: URL is required")
	}
	if cfg.AgentID == "" || cfg.Credential == "" {
		return nil, fmt.Errorf("agent: AgentID and Credential are required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("agent: Handler is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("agent: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("agent: Logger is required")
	}
	if cfg.Transport == nil {
		cfg.Transport = client.WebsocketTransport{}
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	return &Agent{
		cfg:     cfg,
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// Run connects and serves tasks until ctx is cancelled or the server
// rejects the credential. Every other failure reconnects after the
// configured interval.
func (a *Agent) Run(ctx context.Context) error {
	for {
		err := a.session(ctx)
		switch {
		case errors.Is(err, ErrAuthRejected):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		}
		a.cfg.Logger.Info("connection lost, reconnecting",
			"error", err, "delay", a.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.cfg.Clock.After(a.cfg.ReconnectInterval):
		}
	}
}

// Send posts an unprompted message to a conversation the agent is a
// member of. Fails if no connection is established.
func (a *Agent) Send(conversationID, content string) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("agent: not connected")
	}
	return conn.Send(wire.AgentSend{ConversationID: conversationID, Content: content})
}

// session runs one connection: handshake, then the read loop until
// the connection dies.
func (a *Agent) session(ctx context.Context) error {
	conn, err := a.cfg.Transport.Dial(ctx, a.cfg.URL)
	if err != nil {
		return fmt.Errorf("dialing: %w", err)
	}

	// Unblock Receive when ctx is cancelled mid-session.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-sessionDone:
		}
	}()

	if err := conn.Send(wire.AgentAuth{AgentID: a.cfg.AgentID, Credential: a.cfg.Credential}); err != nil {
		conn.Close()
		return fmt.Errorf("sending auth: %w", err)
	}
	ev, err := conn.Receive()
	if err != nil {
		conn.Close()
		return fmt.Errorf("awaiting auth ack: %w", err)
	}
	ack, ok := ev.(*wire.AuthAck)
	if !ok {
		conn.Close()
		return fmt.Errorf("expected auth ack, got %s", ev.EventType())
	}
	if !ack.OK {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrAuthRejected, ack.Message)
	}

	a.cfg.Logger.Info("connected", "agent", ack.AgentName)
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	if a.cfg.OnConnected != nil {
		a.cfg.OnConnected(ack.AgentName)
	}

	pingDone := make(chan struct{})
	go a.pingLoop(conn, pingDone)

	err = a.readLoop(ctx, conn)

	close(pingDone)
	conn.Close()
	a.mu.Lock()
	a.conn = nil
	for id, cancel := range a.cancels {
		cancel()
		delete(a.cancels, id)
	}
	a.mu.Unlock()
	a.tasks.Wait()
	if a.cfg.OnDisconnected != nil {
		a.cfg.OnDisconnected()
	}
	return err
}

func (a *Agent) readLoop(ctx context.Context, conn client.TransportConn) error {
	for {
		ev, err := conn.Receive()
		if err != nil {
			return fmt.Errorf("receiving: %w", err)
		}
		switch ev := ev.(type) {
		case *wire.Pong:
			// Liveness only.
		case *wire.Cancel:
			a.cancelTask(ev.TaskID)
		case *wire.Invoke:
			a.startTask(ctx, conn, ev)
		default:
			a.cfg.Logger.Debug("ignoring unexpected event", "event", ev.EventType())
		}
	}
}

func (a *Agent) pingLoop(conn client.TransportConn, done <-chan struct{}) {
	ticker := a.cfg.Clock.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.Send(wire.Ping{}); err != nil {
				return
			}
		}
	}
}

func (a *Agent) startTask(ctx context.Context, conn client.TransportConn, inv *wire.Invoke) {
	taskCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancels[inv.TaskID] = cancel
	a.mu.Unlock()

	task := &Task{
		ID:             inv.TaskID,
		ConversationID: inv.ConversationID,
		Content:        inv.Content,
		SenderUserID:   inv.SenderUserID,
		History:        inv.History,
		conn:           conn,
	}

	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		defer func() {
			cancel()
			a.mu.Lock()
			delete(a.cancels, inv.TaskID)
			a.mu.Unlock()
		}()

		if err := a.cfg.Handler(taskCtx, task); err != nil {
			a.cfg.Logger.Warn("task handler failed", "task", inv.TaskID, "error", err)
			if ferr := task.Fail(err.Error()); ferr != nil && !errors.Is(ferr, ErrTaskFinished) {
				a.cfg.Logger.Debug("reporting task failure", "task", inv.TaskID, "error", ferr)
			}
		}
	}()
}

func (a *Agent) cancelTask(taskID string) {
	a.mu.Lock()
	cancel := a.cancels[taskID]
	delete(a.cancels, taskID)
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
