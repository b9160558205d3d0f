// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arbor-chat/arbor/lib/clock"
	"github.com/arbor-chat/arbor/wire"
)

type dialResult struct {
	conn *scriptedConn
	err  error
}

// scriptedTransport hands out pre-scripted dial outcomes so tests
// control exactly which attempts succeed.
type scriptedTransport struct {
	script chan dialResult
	dials  atomic.Int64
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{script: make(chan dialResult, 16)}
}

func (t *scriptedTransport) failNext() {
	t.script <- dialResult{err: errors.New("connection refused")}
}

func (t *scriptedTransport) succeedNext() *scriptedConn {
	conn := newScriptedConn()
	t.script <- dialResult{conn: conn}
	return conn
}

func (t *scriptedTransport) Dial(ctx context.Context, url string) (TransportConn, error) {
	t.dials.Add(1)
	select {
	case res := <-t.script:
		if res.err != nil {
			return nil, res.err
		}
		return res.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type scriptedConn struct {
	incoming chan wire.Event
	sent     chan wire.Event
	closed   chan struct{}
	closing  atomic.Bool
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{
		incoming: make(chan wire.Event, 64),
		sent:     make(chan wire.Event, 256),
		closed:   make(chan struct{}),
	}
}

func (c *scriptedConn) Send(ev wire.Event) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.sent <- ev:
		return nil
	}
}

func (c *scriptedConn) Receive() (wire.Event, error) {
	select {
	case <-c.closed:
		return nil, errors.New("connection closed")
	case ev := <-c.incoming:
		return ev, nil
	}
}

func (c *scriptedConn) Close() error {
	if c.closing.CompareAndSwap(false, true) {
		close(c.closed)
	}
	return nil
}

// deliver pushes a server event into the connection's read loop.
func (c *scriptedConn) deliver(ev wire.Event) { c.incoming <- ev }

func nextSent(t *testing.T, conn *scriptedConn) wire.Event {
	t.Helper()
	select {
	case ev := <-conn.sent:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event sent within 5s")
		return nil
	}
}

// expectSync consumes the sync request every fresh connection opens
// with and returns its cursor map.
func expectSync(t *testing.T, conn *scriptedConn) wire.Sync {
	t.Helper()
	ev := nextSent(t, conn)
	req, ok := ev.(wire.Sync)
	if !ok {
		t.Fatalf("first sent event = %T, want wire.Sync", ev)
	}
	return req
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestClient(t *testing.T, tr *scriptedTransport, handlers Handlers, statePath string) (*Client, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	c, err := New(Config{
		URL:       "ws://chat.test/ws",
		Transport: tr,
		Clock:     clk,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Handlers:  handlers,
		StatePath: statePath,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, clk
}

func (c *Client) locked(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

func (c *Client) retryArmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryPending
}

func (c *Client) currentBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff
}

func completedMsg(conversationID, id string, seq int64, content string) wire.Message {
	return wire.Message{
		ID:             id,
		ConversationID: conversationID,
		Seq:            seq,
		Role:           wire.RoleUser,
		Content:        content,
		Status:         wire.StatusCompleted,
		SenderUserID:   "alice",
	}
}

func TestConnectSyncsAndDeliversMessages(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	conn := tr.succeedNext()

	var convs atomic.Int64
	c, _ := newTestClient(t, tr, Handlers{
		OnConversation: func(wire.ConversationSummary) { convs.Add(1) },
	}, "")
	c.Connect(context.Background())

	req := expectSync(t, conn)
	if len(req.Conversations) != 0 {
		t.Fatalf("fresh client sent cursors %v, want none", req.Conversations)
	}

	conn.deliver(&wire.SyncResponse{
		Conversations: []wire.ConversationSummary{
			{ConversationID: "conv-1", MaxSeq: 2, UnreadCount: 2},
		},
		MissedMessages: []wire.Message{
			completedMsg("conv-1", "m1", 1, "hello"),
			completedMsg("conv-1", "m2", 2, "world"),
		},
	})

	waitUntil(t, "synced state", func() bool { return c.State() == StateSynced })

	msgs := c.Messages("conv-1")
	if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Content != "world" {
		t.Fatalf("timeline after sync = %+v", msgs)
	}
	waitUntil(t, "conversation summary handler", func() bool { return convs.Load() == 1 })

	// Live traffic after sync lands directly.
	conn.deliver(&wire.NewMessage{
		ConversationID: "conv-1",
		Message:        completedMsg("conv-1", "m3", 3, "again"),
	})
	waitUntil(t, "live message", func() bool { return len(c.Messages("conv-1")) == 3 })

	var cursor int64
	c.locked(func() { cursor = c.cursors["conv-1"] })
	if cursor != 3 {
		t.Fatalf("cursor = %d, want 3", cursor)
	}
}

func TestPingLoopSendsOnInterval(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	conn := tr.succeedNext()
	c, clk := newTestClient(t, tr, Handlers{}, "")
	c.Connect(context.Background())

	expectSync(t, conn)
	conn.deliver(&wire.SyncResponse{})
	waitUntil(t, "synced state", func() bool { return c.State() == StateSynced })

	// The ping ticker is registered by a goroutine; make sure it
	// exists before advancing.
	waitUntil(t, "ping tick", func() bool {
		clk.Advance(DefaultPingInterval)
		select {
		case ev := <-conn.sent:
			if _, ok := ev.(wire.Ping); !ok {
				t.Fatalf("sent %T, want wire.Ping", ev)
			}
			return true
		default:
			return false
		}
	})
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	tr.failNext()
	c, clk := newTestClient(t, tr, Handlers{}, "")
	c.Connect(context.Background())

	waitUntil(t, "first retry armed", func() bool { return c.retryArmed() })
	if got := c.currentBackoff(); got != 2*time.Second {
		t.Fatalf("backoff after 1 failure = %v, want 2s", got)
	}

	// Advancing short of the delay must not dial.
	clk.Advance(InitialBackoff / 2)
	time.Sleep(10 * time.Millisecond)
	if got := tr.dials.Load(); got != 1 {
		t.Fatalf("dials = %d before retry delay elapsed, want 1", got)
	}

	want := 4 * time.Second
	for i := 0; i < 8; i++ {
		tr.failNext()
		dialsBefore := tr.dials.Load()
		clk.Advance(MaxBackoff)
		waitUntil(t, "retry attempt", func() bool {
			return tr.dials.Load() == dialsBefore+1 && c.retryArmed()
		})
		if got := c.currentBackoff(); got != want {
			t.Fatalf("backoff after %d failures = %v, want %v", i+2, got, want)
		}
		want = min(want*2, MaxBackoff)
	}
	if got := c.currentBackoff(); got != MaxBackoff {
		t.Fatalf("backoff never reached cap, got %v", got)
	}
}

func TestBackoffResetsAfterSync(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	tr.failNext()
	c, clk := newTestClient(t, tr, Handlers{}, "")
	c.Connect(context.Background())

	waitUntil(t, "retry armed", func() bool { return c.retryArmed() })
	tr.failNext()
	clk.Advance(InitialBackoff)
	waitUntil(t, "second retry armed", func() bool {
		return tr.dials.Load() == 2 && c.retryArmed()
	})

	conn := tr.succeedNext()
	clk.Advance(2 * time.Second)
	expectSync(t, conn)
	conn.deliver(&wire.SyncResponse{})
	waitUntil(t, "synced state", func() bool { return c.State() == StateSynced })

	if got := c.currentBackoff(); got != InitialBackoff {
		t.Fatalf("backoff after successful sync = %v, want %v", got, InitialBackoff)
	}
}

func TestScheduleRetryIsIdempotent(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	tr.failNext()
	c, _ := newTestClient(t, tr, Handlers{}, "")
	c.Connect(context.Background())
	waitUntil(t, "retry armed", func() bool { return c.retryArmed() })

	// Overlapping failure signals must not stack timers or double
	// the backoff more than once.
	c.locked(func() { c.scheduleRetryLocked(context.Background()) })
	if got := c.currentBackoff(); got != 2*time.Second {
		t.Fatalf("backoff after duplicate schedule = %v, want 2s", got)
	}
}

func TestDisconnectCancelsRetry(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	tr.failNext()
	c, clk := newTestClient(t, tr, Handlers{}, "")
	c.Connect(context.Background())
	waitUntil(t, "retry armed", func() bool { return c.retryArmed() })

	c.Disconnect()
	if c.State() != StateDisconnected {
		t.Fatalf("state after Disconnect = %v", c.State())
	}

	clk.Advance(10 * MaxBackoff)
	time.Sleep(10 * time.Millisecond)
	if got := tr.dials.Load(); got != 1 {
		t.Fatalf("dials after Disconnect = %d, want 1", got)
	}
}

func TestForceReconnectResetsBackoffAndDialsImmediately(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	tr.failNext()
	c, clk := newTestClient(t, tr, Handlers{}, "")
	c.Connect(context.Background())
	waitUntil(t, "retry armed", func() bool { return c.retryArmed() })

	tr.failNext()
	clk.Advance(InitialBackoff)
	waitUntil(t, "second failure", func() bool {
		return tr.dials.Load() == 2 && c.retryArmed()
	})
	if got := c.currentBackoff(); got != 4*time.Second {
		t.Fatalf("backoff before ForceReconnect = %v, want 4s", got)
	}

	// No clock advance: the forced dial must happen immediately.
	conn := tr.succeedNext()
	c.ForceReconnect(context.Background())
	expectSync(t, conn)
	if got := c.currentBackoff(); got != InitialBackoff {
		t.Fatalf("backoff after ForceReconnect = %v, want %v", got, InitialBackoff)
	}
	if c.retryArmed() {
		t.Fatal("retry still pending after ForceReconnect")
	}
}

func TestStaleConnectionEventsIgnored(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	conn1 := tr.succeedNext()
	c, _ := newTestClient(t, tr, Handlers{}, "")
	c.Connect(context.Background())
	expectSync(t, conn1)
	conn1.deliver(&wire.SyncResponse{})
	waitUntil(t, "first sync", func() bool { return c.State() == StateSynced })

	conn2 := tr.succeedNext()
	c.ForceReconnect(context.Background())
	expectSync(t, conn2)

	// conn1 was closed by ForceReconnect; its read loop error must
	// not schedule a retry on top of the live connection.
	waitUntil(t, "old connection closed", func() bool { return conn1.closing.Load() })
	time.Sleep(10 * time.Millisecond)
	if c.retryArmed() {
		t.Fatal("stale connection loss scheduled a retry")
	}

	conn2.deliver(&wire.SyncResponse{
		MissedMessages: []wire.Message{completedMsg("conv-1", "m1", 1, "fresh")},
	})
	waitUntil(t, "second sync", func() bool { return c.State() == StateSynced })
	if got := len(c.Messages("conv-1")); got != 1 {
		t.Fatalf("timeline = %d messages, want 1", got)
	}
	if got := tr.dials.Load(); got != 2 {
		t.Fatalf("dials = %d, want 2", got)
	}
}

func TestEventsBufferedUntilSyncResponse(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	conn := tr.succeedNext()
	c, _ := newTestClient(t, tr, Handlers{}, "")
	c.Connect(context.Background())
	expectSync(t, conn)

	// Live traffic racing the backfill is held until the sync
	// response applies, then folded in on top of it.
	conn.deliver(&wire.NewMessage{
		ConversationID: "conv-1",
		Message:        completedMsg("conv-1", "m3", 3, "live"),
	})
	conn.deliver(&wire.SyncResponse{
		Conversations: []wire.ConversationSummary{
			{ConversationID: "conv-1", MaxSeq: 2},
		},
		MissedMessages: []wire.Message{
			completedMsg("conv-1", "m1", 1, "old-1"),
			completedMsg("conv-1", "m2", 2, "old-2"),
		},
	})

	waitUntil(t, "synced state", func() bool { return c.State() == StateSynced })
	waitUntil(t, "buffered event applied", func() bool { return len(c.Messages("conv-1")) == 3 })

	msgs := c.Messages("conv-1")
	for i, want := range []string{"old-1", "old-2", "live"} {
		if msgs[i].Content != want {
			t.Fatalf("msgs[%d].Content = %q, want %q", i, msgs[i].Content, want)
		}
	}
}

func TestStreamLifecycle(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	conn := tr.succeedNext()

	var streamErrs atomic.Int64
	var queued atomic.Int64
	c, _ := newTestClient(t, tr, Handlers{
		OnStreamError: func(wire.StreamError) { streamErrs.Add(1) },
		OnQueued:      func(wire.StreamQueued) { queued.Add(1) },
	}, "")
	c.Connect(context.Background())
	expectSync(t, conn)
	conn.deliver(&wire.SyncResponse{})
	waitUntil(t, "synced state", func() bool { return c.State() == StateSynced })

	conn.deliver(&wire.StreamStart{ConversationID: "conv-1", TaskID: "t1", Seq: 5, AgentID: "agent-1", AgentName: "Echo"})
	conn.deliver(&wire.StreamChunk{ConversationID: "conv-1", TaskID: "t1", Seq: 5, Chunk: "Hel"})
	conn.deliver(&wire.StreamChunk{ConversationID: "conv-1", TaskID: "t1", Seq: 5, Chunk: "lo"})

	waitUntil(t, "chunks applied", func() bool {
		msgs := c.Messages("conv-1")
		return len(msgs) == 1 && msgs[0].Content == "Hello"
	})
	if got := c.Messages("conv-1")[0].Status; got != wire.StatusStreaming {
		t.Fatalf("mid-stream status = %q, want streaming", got)
	}

	conn.deliver(&wire.StreamEnd{ConversationID: "conv-1", TaskID: "t1", Seq: 5})
	waitUntil(t, "stream finalized", func() bool {
		msgs := c.Messages("conv-1")
		return len(msgs) == 1 && msgs[0].Status == wire.StatusCompleted
	})
	if got := c.Messages("conv-1")[0].Content; got != "Hello" {
		t.Fatalf("finalized content = %q, want accumulated chunks", got)
	}

	// A failing stream flips its placeholder to error and surfaces
	// the handler.
	conn.deliver(&wire.StreamStart{ConversationID: "conv-1", TaskID: "t2", Seq: 6, AgentID: "agent-1", AgentName: "Echo"})
	conn.deliver(&wire.StreamError{ConversationID: "conv-1", TaskID: "t2", Seq: 6, Message: "agent is offline"})
	waitUntil(t, "stream error applied", func() bool {
		msgs := c.Messages("conv-1")
		return len(msgs) == 2 && msgs[1].Status == wire.StatusError
	})
	waitUntil(t, "error handler", func() bool { return streamErrs.Load() == 1 })

	conn.deliver(&wire.StreamQueued{ConversationID: "conv-1", AgentID: "agent-1", AgentName: "Echo"})
	waitUntil(t, "queued handler", func() bool { return queued.Load() == 1 })
}

func TestTruncatedSyncKeepsCursorAtReceivedMax(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	conn := tr.succeedNext()
	c, _ := newTestClient(t, tr, Handlers{}, "")
	c.Connect(context.Background())
	expectSync(t, conn)

	conn.deliver(&wire.SyncResponse{
		Conversations: []wire.ConversationSummary{
			{ConversationID: "conv-1", MaxSeq: 50, Truncated: true},
		},
		MissedMessages: []wire.Message{
			completedMsg("conv-1", "m1", 1, "a"),
			completedMsg("conv-1", "m2", 2, "b"),
		},
	})
	waitUntil(t, "synced state", func() bool { return c.State() == StateSynced })

	// The cursor stays at the highest received seq so the next
	// reconnect refetches the gap instead of skipping it.
	var cursor int64
	c.locked(func() { cursor = c.cursors["conv-1"] })
	if cursor != 2 {
		t.Fatalf("cursor after truncated sync = %d, want 2", cursor)
	}
}

func TestCursorsPersistAcrossRestarts(t *testing.T) {
	t.Parallel()

	statePath := filepath.Join(t.TempDir(), "cursors.cbor")
	tr := newScriptedTransport()
	conn := tr.succeedNext()
	c, _ := newTestClient(t, tr, Handlers{}, statePath)
	c.Connect(context.Background())
	expectSync(t, conn)

	conn.deliver(&wire.SyncResponse{
		Conversations: []wire.ConversationSummary{
			{ConversationID: "conv-1", MaxSeq: 7},
		},
	})
	waitUntil(t, "synced state", func() bool { return c.State() == StateSynced })
	c.Disconnect()

	tr2 := newScriptedTransport()
	conn2 := tr2.succeedNext()
	c2, _ := newTestClient(t, tr2, Handlers{}, statePath)
	c2.Connect(context.Background())

	req := expectSync(t, conn2)
	if got := req.Conversations["conv-1"]; got != 7 {
		t.Fatalf("restarted client sent cursor %d, want 7", got)
	}
}

func TestSendRequiresConnection(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	c, _ := newTestClient(t, tr, Handlers{}, "")

	if err := c.SendMessage("conv-1", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendMessage while disconnected = %v, want ErrNotConnected", err)
	}
}

func TestSendForwardsToConnection(t *testing.T) {
	t.Parallel()

	tr := newScriptedTransport()
	conn := tr.succeedNext()
	c, _ := newTestClient(t, tr, Handlers{}, "")
	c.Connect(context.Background())
	expectSync(t, conn)
	conn.deliver(&wire.SyncResponse{})
	waitUntil(t, "synced state", func() bool { return c.State() == StateSynced })

	if err := c.SendMessage("conv-1", "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	ev := nextSent(t, conn)
	send, ok := ev.(wire.SendMessage)
	if !ok || send.ConversationID != "conv-1" || send.Content != "hi" {
		t.Fatalf("sent %#v", ev)
	}

	if err := c.MarkRead("conv-1", 3); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if _, ok := nextSent(t, conn).(wire.MarkRead); !ok {
		t.Fatal("MarkRead not forwarded")
	}

	if err := c.CancelStream("conv-1", "t1"); err != nil {
		t.Fatalf("CancelStream: %v", err)
	}
	if _, ok := nextSent(t, conn).(wire.CancelStream); !ok {
		t.Fatal("CancelStream not forwarded")
	}
}
