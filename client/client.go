// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/arbor-chat/arbor/lib/clock"
	"github.com/arbor-chat/arbor/lib/codec"
	"github.com/arbor-chat/arbor/wire"
)

const (
	// InitialBackoff is the delay before the first reconnect attempt.
	// Each failure doubles it up to MaxBackoff; a successful sync
	// resets it.
	InitialBackoff = time.Second

	// MaxBackoff caps the reconnect delay.
	MaxBackoff = 30 * time.Second

	// DefaultPingInterval paces the application-level heartbeat.
	DefaultPingInterval = 30 * time.Second
)

// ErrNotConnected reports a send attempted without a live connection.
var ErrNotConnected = errors.New("client: not connected")

// State is the connection lifecycle position.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSyncing      State = "syncing"
	StateSynced       State = "synced"
)

// Handlers receive client notifications. All are optional and are
// invoked without internal locks held, so they may call back into the
// client.
type Handlers struct {
	// OnState fires on every state transition.
	OnState func(State)

	// OnMessage fires when a message is added or updated in a
	// conversation's timeline, including streaming updates.
	OnMessage func(conversationID string, msg wire.Message)

	// OnConversation fires once per conversation summary in each
	// sync response.
	OnConversation func(summary wire.ConversationSummary)

	// OnStreamError fires for server-reported errors: agent failures,
	// rate limiting, protocol rejections.
	OnStreamError func(ev wire.StreamError)

	// OnQueued fires when a send is parked behind an active stream.
	OnQueued func(ev wire.StreamQueued)
}

// Config holds the parameters for creating a Client.
type Config struct {
	// URL is the websocket endpoint, including any session
	// credentials the server's resolver expects.
	URL string

	Transport Transport
	Clock     clock.Clock
	Logger    *slog.Logger
	Handlers  Handlers

	// StatePath, if set, persists sync cursors across restarts so a
	// relaunched client fetches only what it missed.
	StatePath string

	// PingInterval defaults to DefaultPingInterval if zero.
	PingInterval time.Duration
}

// Client is the reconnecting connection manager. Safe for concurrent
// use.
type Client struct {
	url          string
	transport    Transport
	clk          clock.Clock
	logger       *slog.Logger
	handlers     Handlers
	statePath    string
	pingInterval time.Duration

	mu           sync.Mutex
	state        State
	epoch        uint64
	conn         TransportConn
	backoff      time.Duration
	retryTimer   *clock.Timer
	retryPending bool
	stopped      bool
	cursors      map[string]int64
	timeline     *Timeline
	presync      []wire.Event
}

// New builds a client. If StatePath names an existing cursor file the
// saved cursors are loaded; a missing file starts fresh.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("client: URL is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("client: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("client: Logger is required")
	}
	if cfg.Transport == nil {
		cfg.Transport = WebsocketTransport{}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	c := &Client{
		url:          cfg.URL,
		transport:    cfg.Transport,
		clk:          cfg.Clock,
		logger:       cfg.Logger,
		handlers:     cfg.Handlers,
		statePath:    cfg.StatePath,
		pingInterval: cfg.PingInterval,
		state:        StateDisconnected,
		backoff:      InitialBackoff,
		stopped:      true,
		cursors:      make(map[string]int64),
		timeline:     NewTimeline(),
	}
	if cfg.StatePath != "" {
		var saved map[string]int64
		switch err := codec.LoadFile(cfg.StatePath, &saved); {
		case err == nil:
			c.cursors = saved
		case errors.Is(err, os.ErrNotExist):
			// First run.
		default:
			return nil, err
		}
	}
	return c, nil
}

// Connect starts the state machine. Reconnection is automatic until
// Disconnect is called.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	c.stopped = false
	c.epoch++
	epoch := c.epoch
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	go c.attempt(ctx, epoch)
}

// Disconnect tears the connection down and cancels any scheduled
// retry. The client stays down until the next Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	c.epoch++
	c.cancelRetryLocked()
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.persistCursors()
}

// ForceReconnect drops the current connection (if any), resets the
// backoff, and dials immediately. Wired to connectivity-regained and
// tab-visible signals, where waiting out a 30 second backoff would
// feel broken.
func (c *Client) ForceReconnect(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.cancelRetryLocked()
	c.backoff = InitialBackoff
	conn := c.conn
	c.conn = nil
	c.epoch++
	epoch := c.epoch
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	go c.attempt(ctx, epoch)
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns the local timeline for a conversation.
func (c *Client) Messages(conversationID string) []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeline.Messages(conversationID)
}

// SendMessage submits a message to a conversation.
func (c *Client) SendMessage(conversationID, content string) error {
	return c.send(wire.SendMessage{ConversationID: conversationID, Content: content})
}

// CancelStream asks the server to stop an in-flight agent reply.
func (c *Client) CancelStream(conversationID, taskID string) error {
	return c.send(wire.CancelStream{ConversationID: conversationID, TaskID: taskID})
}

// MarkRead advances the read position in a conversation.
func (c *Client) MarkRead(conversationID string, seq int64) error {
	return c.send(wire.MarkRead{ConversationID: conversationID, Seq: seq})
}

// SetVisible reports tab visibility to the server.
func (c *Client) SetVisible(visible bool) error {
	return c.send(wire.Focus{Visible: visible})
}

func (c *Client) send(ev wire.Event) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(ev)
}

func (c *Client) attempt(ctx context.Context, epoch uint64) {
	conn, err := c.transport.Dial(ctx, c.url)

	c.mu.Lock()
	if epoch != c.epoch || c.stopped {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.logger.Warn("dial failed", "error", err)
		c.scheduleRetryLocked(ctx)
		c.mu.Unlock()
		return
	}
	c.conn = conn
	c.presync = nil
	c.setStateLocked(StateSyncing)
	syncReq := wire.Sync{Conversations: make(map[string]int64, len(c.cursors))}
	for id, seq := range c.cursors {
		syncReq.Conversations[id] = seq
	}
	c.mu.Unlock()

	if err := conn.Send(syncReq); err != nil {
		c.connectionLost(ctx, epoch)
		return
	}
	go c.pingLoop(epoch, conn)
	c.readLoop(ctx, epoch, conn)
}

func (c *Client) readLoop(ctx context.Context, epoch uint64, conn TransportConn) {
	for {
		ev, err := conn.Receive()
		if err != nil {
			c.connectionLost(ctx, epoch)
			return
		}
		c.handleEvent(epoch, ev)
	}
}

func (c *Client) pingLoop(epoch uint64, conn TransportConn) {
	ticker := c.clk.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		stale := epoch != c.epoch
		c.mu.Unlock()
		if stale {
			return
		}
		if err := conn.Send(wire.Ping{}); err != nil {
			return
		}
	}
}

// connectionLost transitions to disconnected and schedules a retry,
// unless the epoch shows a newer connection already took over.
func (c *Client) connectionLost(ctx context.Context, epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch || c.stopped {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	c.scheduleRetryLocked(ctx)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// scheduleRetryLocked arms the single retry timer. Scheduling while a
// retry is already pending is a no-op, so overlapping failure signals
// cannot stack timers.
func (c *Client) scheduleRetryLocked(ctx context.Context) {
	if c.retryPending || c.stopped {
		return
	}
	c.retryPending = true
	delay := c.backoff
	c.backoff = min(c.backoff*2, MaxBackoff)
	c.logger.Info("reconnect scheduled", "delay", delay)
	c.retryTimer = c.clk.AfterFunc(delay, func() {
		c.mu.Lock()
		c.retryPending = false
		if c.stopped {
			c.mu.Unlock()
			return
		}
		c.epoch++
		epoch := c.epoch
		c.setStateLocked(StateConnecting)
		c.mu.Unlock()
		go c.attempt(ctx, epoch)
	})
}

func (c *Client) cancelRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryPending = false
}

func (c *Client) handleEvent(epoch uint64, ev wire.Event) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}

	// Until the sync response lands, live events are buffered so the
	// merged timeline applies them in order after the backfill.
	if c.state == StateSyncing {
		switch ev.(type) {
		case *wire.SyncResponse:
		case *wire.Pong:
			c.mu.Unlock()
			return
		default:
			c.presync = append(c.presync, ev)
			c.mu.Unlock()
			return
		}
	}

	notify := c.applyLocked(ev)
	var buffered []func()
	if _, ok := ev.(*wire.SyncResponse); ok {
		for _, pending := range c.presync {
			buffered = append(buffered, c.applyLocked(pending)...)
		}
		c.presync = nil
	}
	c.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	for _, fn := range buffered {
		fn()
	}
	if _, ok := ev.(*wire.SyncResponse); ok {
		c.persistCursors()
	}
}

// applyLocked folds one event into local state and returns the
// handler notifications to fire once the lock is released.
func (c *Client) applyLocked(ev wire.Event) []func() {
	var notify []func()
	message := func(msg wire.Message) {
		if fn := c.handlers.OnMessage; fn != nil {
			notify = append(notify, func() { fn(msg.ConversationID, msg) })
		}
	}

	switch ev := ev.(type) {
	case *wire.SyncResponse:
		for _, msg := range ev.MissedMessages {
			c.timeline.Apply(msg)
			c.advanceCursorLocked(msg.ConversationID, msg.Seq)
			message(msg)
		}
		for _, summary := range ev.Conversations {
			// A truncated backfill leaves the cursor at the highest
			// received seq so the gap is refetched; a complete one
			// jumps straight to the server's max.
			if !summary.Truncated {
				c.advanceCursorLocked(summary.ConversationID, summary.MaxSeq)
			}
			if fn := c.handlers.OnConversation; fn != nil {
				s := summary
				notify = append(notify, func() { fn(s) })
			}
		}
		c.backoff = InitialBackoff
		c.setStateLocked(StateSynced)

	case *wire.NewMessage:
		c.timeline.Apply(ev.Message)
		c.advanceCursorLocked(ev.ConversationID, ev.Message.Seq)
		message(ev.Message)

	case *wire.StreamStart:
		placeholder := wire.Message{
			ID:             ev.TaskID,
			ConversationID: ev.ConversationID,
			Seq:            ev.Seq,
			Role:           wire.RoleAgent,
			Status:         wire.StatusStreaming,
			SenderAgentID:  ev.AgentID,
		}
		c.timeline.Apply(placeholder)
		c.advanceCursorLocked(ev.ConversationID, ev.Seq)
		message(placeholder)

	case *wire.StreamChunk:
		if msg, ok := c.timeline.AppendChunk(ev.ConversationID, ev.TaskID, ev.Chunk); ok {
			message(msg)
		}

	case *wire.StreamEnd:
		if msg, ok := c.timeline.Finalize(ev.ConversationID, ev.TaskID, ev.Content, wire.StatusCompleted); ok {
			message(msg)
		}

	case *wire.StreamError:
		if ev.TaskID != "" {
			if msg, ok := c.timeline.Finalize(ev.ConversationID, ev.TaskID, "", wire.StatusError); ok {
				message(msg)
			}
		}
		if fn := c.handlers.OnStreamError; fn != nil {
			e := *ev
			notify = append(notify, func() { fn(e) })
		}

	case *wire.StreamQueued:
		if fn := c.handlers.OnQueued; fn != nil {
			e := *ev
			notify = append(notify, func() { fn(e) })
		}

	case *wire.Pong:
		// Liveness only.

	default:
		c.logger.Warn("unexpected event from server", "event", ev.EventType())
	}
	return notify
}

func (c *Client) advanceCursorLocked(conversationID string, seq int64) {
	if seq > c.cursors[conversationID] {
		c.cursors[conversationID] = seq
	}
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if fn := c.handlers.OnState; fn != nil {
		go fn(s)
	}
}

func (c *Client) persistCursors() {
	if c.statePath == "" {
		return
	}
	c.mu.Lock()
	snapshot := make(map[string]int64, len(c.cursors))
	for id, seq := range c.cursors {
		snapshot[id] = seq
	}
	c.mu.Unlock()
	if err := codec.SaveFile(c.statePath, snapshot); err != nil {
		c.logger.Error("persisting sync cursors", "path", c.statePath, "error", err)
	}
}
