// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/arbor-chat/arbor/lib/clock"
	"github.com/arbor-chat/arbor/lib/pairing"
	"github.com/arbor-chat/arbor/session"
	"github.com/arbor-chat/arbor/store"
	"github.com/arbor-chat/arbor/wire"
)

const testCredential = "arb_000102030405060708090a0b0c0d0e0f1011121314151617"

type fakeConn struct {
	mu   sync.Mutex
	sent []wire.Event
}

func (c *fakeConn) Send(ev wire.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, ev)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) all() []wire.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Event(nil), c.sent...)
}

func (c *fakeConn) byType(t wire.Type) []wire.Event {
	var out []wire.Event
	for _, ev := range c.all() {
		if ev.EventType() == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	srv   *Server
	clk   *clock.FakeClock
	store *store.Memory
	alice *fakeConn
	bob   *fakeConn
	agent *fakeConn
}

// newFixture builds a server over a memory store with one
// conversation (members alice and bob, agent "Echo") and live fake
// connections for all three.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	mem := store.NewMemory(clk)
	for _, err := range []error{
		mem.CreateConversation(ctx, "conv-1"),
		mem.AddMember(ctx, "conv-1", "alice"),
		mem.AddMember(ctx, "conv-1", "bob"),
		mem.CreateAgent(ctx, store.Agent{
			ID:             "agent-1",
			Name:           "Echo",
			CredentialHash: pairing.HashToken(testCredential),
		}),
		mem.AddAgent(ctx, "conv-1", "agent-1"),
	} {
		if err != nil {
			t.Fatalf("seeding store: %v", err)
		}
	}

	srv := New(Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  clk,
		Store:  mem,
		Sessions: SessionResolverFunc(func(r *http.Request) (string, error) {
			return r.URL.Query().Get("user"), nil
		}),
	})

	f := &fixture{srv: srv, clk: clk, store: mem,
		alice: &fakeConn{}, bob: &fakeConn{}, agent: &fakeConn{}}
	srv.registry.Register(session.KindHuman, "alice", f.alice)
	srv.registry.Register(session.KindHuman, "bob", f.bob)
	srv.registry.Register(session.KindAgent, "agent-1", f.agent)
	return f
}

func TestSendMessageRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.srv.handleHumanEvent(ctx, "alice",
		&wire.SendMessage{ConversationID: "conv-1", Content: "hi"}, f.alice)

	// Both members see the user message and the placeholder
	// announcement; the agent gets the invocation.
	for name, conn := range map[string]*fakeConn{"alice": f.alice, "bob": f.bob} {
		if got := len(conn.byType(wire.TypeNewMessage)); got != 1 {
			t.Errorf("%s received %d new_message events, want 1", name, got)
		}
		if got := len(conn.byType(wire.TypeStreamStart)); got != 1 {
			t.Errorf("%s received %d stream_start events, want 1", name, got)
		}
	}
	invokes := f.agent.byType(wire.TypeInvoke)
	if len(invokes) != 1 {
		t.Fatalf("agent received %d invokes, want 1", len(invokes))
	}
	invoke := invokes[0].(wire.Invoke)
	if invoke.Content != "hi" || invoke.ConversationID != "conv-1" {
		t.Errorf("invoke = %+v", invoke)
	}

	// Agent streams two deltas and completes.
	for _, chunk := range []string{"Hel", "lo"} {
		f.srv.handleAgentEvent(ctx, "agent-1",
			&wire.AgentChunk{TaskID: invoke.TaskID, Chunk: chunk}, f.agent)
	}
	f.srv.handleAgentEvent(ctx, "agent-1",
		&wire.AgentComplete{TaskID: invoke.TaskID, Content: "Hello"}, f.agent)

	chunks := f.bob.byType(wire.TypeStreamChunk)
	if len(chunks) != 2 {
		t.Fatalf("bob received %d chunks, want 2", len(chunks))
	}
	if c := chunks[0].(wire.StreamChunk); c.Chunk != "Hel" {
		t.Errorf("first chunk = %q, want Hel", c.Chunk)
	}
	ends := f.bob.byType(wire.TypeStreamEnd)
	if len(ends) != 1 || ends[0].(wire.StreamEnd).Content != "Hello" {
		t.Fatalf("stream end = %+v, want content Hello", ends)
	}

	// Persisted timeline: user message at seq 1, agent reply at 2.
	msgs, _, err := f.store.MessagesAfter(ctx, "conv-1", 0, 10)
	if err != nil {
		t.Fatalf("MessagesAfter: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].Seq != 1 || msgs[0].Role != wire.RoleUser || msgs[0].Content != "hi" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Seq != 2 || msgs[1].Content != "Hello" || msgs[1].Status != wire.StatusCompleted {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
}

func TestSendMessageNonMemberRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	mallory := &fakeConn{}

	f.srv.handleHumanEvent(context.Background(), "mallory",
		&wire.SendMessage{ConversationID: "conv-1", Content: "hi"}, mallory)

	if got := len(mallory.byType(wire.TypeStreamError)); got != 1 {
		t.Errorf("mallory received %d stream_error events, want 1", got)
	}
	max, _ := f.store.MaxSeq(context.Background(), "conv-1")
	if max != 0 {
		t.Errorf("message persisted for non-member, max seq %d", max)
	}
}

func TestSendMessageRateLimited(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 61; i++ {
		f.srv.handleHumanEvent(ctx, "alice",
			&wire.SendMessage{ConversationID: "conv-1", Content: "spam"}, f.alice)
	}

	if got := len(f.alice.byType(wire.TypeStreamError)); got != 1 {
		t.Errorf("alice received %d rejection events, want 1", got)
	}
	// 60 user messages plus the first send's placeholder (later
	// sends park behind the active stream); the 61st persisted
	// nothing.
	max, _ := f.store.MaxSeq(ctx, "conv-1")
	if max != 61 {
		t.Errorf("max seq = %d, want 61", max)
	}
}

func TestSecondSendWhileStreamingIsQueued(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.srv.handleHumanEvent(ctx, "alice",
		&wire.SendMessage{ConversationID: "conv-1", Content: "first"}, f.alice)
	f.srv.handleHumanEvent(ctx, "alice",
		&wire.SendMessage{ConversationID: "conv-1", Content: "second"}, f.alice)

	if got := len(f.agent.byType(wire.TypeInvoke)); got != 1 {
		t.Fatalf("agent received %d invokes while streaming, want 1", got)
	}
	queued := f.alice.byType(wire.TypeStreamQueued)
	if len(queued) != 1 || queued[0].(wire.StreamQueued).AgentName != "Echo" {
		t.Fatalf("queued events = %+v, want one naming Echo", queued)
	}

	// Completing the first task dispatches the parked invocation.
	first := f.agent.byType(wire.TypeInvoke)[0].(wire.Invoke)
	f.srv.handleAgentEvent(ctx, "agent-1",
		&wire.AgentComplete{TaskID: first.TaskID, Content: "done"}, f.agent)

	invokes := f.agent.byType(wire.TypeInvoke)
	if len(invokes) != 2 {
		t.Fatalf("agent received %d invokes after completion, want 2", len(invokes))
	}
	if got := invokes[1].(wire.Invoke).Content; got != "second" {
		t.Errorf("second invoke content = %q, want second", got)
	}
}

func TestCancelStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.srv.handleHumanEvent(ctx, "alice",
		&wire.SendMessage{ConversationID: "conv-1", Content: "go"}, f.alice)
	invoke := f.agent.byType(wire.TypeInvoke)[0].(wire.Invoke)
	f.srv.handleAgentEvent(ctx, "agent-1",
		&wire.AgentChunk{TaskID: invoke.TaskID, Chunk: "part"}, f.agent)

	f.srv.handleHumanEvent(ctx, "alice",
		&wire.CancelStream{ConversationID: "conv-1", TaskID: invoke.TaskID}, f.alice)

	cancels := f.agent.byType(wire.TypeCancel)
	if len(cancels) != 1 || cancels[0].(wire.Cancel).TaskID != invoke.TaskID {
		t.Fatalf("agent cancel events = %+v", cancels)
	}
	msgs, _, _ := f.store.MessagesAfter(ctx, "conv-1", 0, 10)
	final := msgs[len(msgs)-1]
	if final.Status != wire.StatusCancelled || final.Content != "part" {
		t.Errorf("cancelled message = %q/%s, want part/cancelled", final.Content, final.Status)
	}
}

func TestSyncReturnsMissedAndUnread(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		msg := wire.Message{ID: "m-" + content, ConversationID: "conv-1",
			Role: wire.RoleUser, Content: content, Status: wire.StatusCompleted,
			SenderUserID: "bob"}
		if err := f.store.AppendMessage(ctx, &msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	if err := f.store.SetReadPosition(ctx, "conv-1", "alice", 1); err != nil {
		t.Fatalf("SetReadPosition: %v", err)
	}

	f.srv.handleHumanEvent(ctx, "alice",
		&wire.Sync{Conversations: map[string]int64{"conv-1": 1}}, f.alice)

	resps := f.alice.byType(wire.TypeSyncResponse)
	if len(resps) != 1 {
		t.Fatalf("received %d sync responses, want 1", len(resps))
	}
	resp := resps[0].(wire.SyncResponse)
	if len(resp.Conversations) != 1 {
		t.Fatalf("summaries = %+v", resp.Conversations)
	}
	summary := resp.Conversations[0]
	if summary.MaxSeq != 3 || summary.UnreadCount != 2 || summary.Truncated {
		t.Errorf("summary = %+v, want maxSeq 3, unread 2, not truncated", summary)
	}
	if len(resp.MissedMessages) != 2 {
		t.Fatalf("missed = %d messages, want 2", len(resp.MissedMessages))
	}
	if resp.MissedMessages[0].Seq != 2 || resp.MissedMessages[1].Seq != 3 {
		t.Errorf("missed seqs = %d, %d; want 2, 3",
			resp.MissedMessages[0].Seq, resp.MissedMessages[1].Seq)
	}
}

func TestSyncTruncationFlag(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < DefaultSyncBatch+10; i++ {
		msg := wire.Message{ID: uuidLike(i), ConversationID: "conv-1",
			Role: wire.RoleUser, Content: "x", Status: wire.StatusCompleted}
		if err := f.store.AppendMessage(ctx, &msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	f.srv.handleHumanEvent(ctx, "alice", &wire.Sync{}, f.alice)
	resp := f.alice.byType(wire.TypeSyncResponse)[0].(wire.SyncResponse)
	if !resp.Conversations[0].Truncated {
		t.Error("truncation flag not set for oversized gap")
	}
	if len(resp.MissedMessages) != DefaultSyncBatch {
		t.Errorf("missed = %d, want %d", len(resp.MissedMessages), DefaultSyncBatch)
	}
}

func TestSyncRepairsStaleStreaming(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// Placeholders with no live task: one with partial content, one
	// empty. Simulates a server restart mid-stream.
	partial := wire.Message{ID: "stale-partial", ConversationID: "conv-1",
		Role: wire.RoleAgent, Content: "half an answ", Status: wire.StatusStreaming,
		SenderAgentID: "agent-1"}
	empty := wire.Message{ID: "stale-empty", ConversationID: "conv-1",
		Role: wire.RoleAgent, Status: wire.StatusStreaming, SenderAgentID: "agent-1"}
	for _, msg := range []*wire.Message{&partial, &empty} {
		if err := f.store.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	f.srv.handleHumanEvent(ctx, "alice", &wire.Sync{}, f.alice)

	resp := f.alice.byType(wire.TypeSyncResponse)[0].(wire.SyncResponse)
	statuses := make(map[string]wire.Status)
	for _, msg := range resp.MissedMessages {
		statuses[msg.ID] = msg.Status
	}
	if statuses["stale-partial"] != wire.StatusCompleted {
		t.Errorf("partial placeholder = %s, want completed", statuses["stale-partial"])
	}
	if statuses["stale-empty"] != wire.StatusError {
		t.Errorf("empty placeholder = %s, want error", statuses["stale-empty"])
	}
}

func TestAgentAuthentication(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	agent, err := f.srv.authenticateAgent(ctx,
		&wire.AgentAuth{AgentID: "agent-1", Credential: testCredential})
	if err != nil {
		t.Fatalf("authenticateAgent with valid credential: %v", err)
	}
	if agent.Name != "Echo" {
		t.Errorf("agent name = %q, want Echo", agent.Name)
	}

	if _, err := f.srv.authenticateAgent(ctx,
		&wire.AgentAuth{AgentID: "agent-1", Credential: "arb_wrong"}); err == nil {
		t.Error("authenticateAgent accepted a bad credential")
	}
	if _, err := f.srv.authenticateAgent(ctx,
		&wire.AgentAuth{AgentID: "ghost", Credential: testCredential}); err == nil {
		t.Error("authenticateAgent accepted an unknown agent")
	}
}

func TestAgentReconnectRepairsStuckMessages(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	stuck := wire.Message{ID: "stuck-1", ConversationID: "conv-1",
		Role: wire.RoleAgent, Status: wire.StatusStreaming, SenderAgentID: "agent-1"}
	if err := f.store.AppendMessage(ctx, &stuck); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	// A live task for the same agent must survive the repair.
	f.srv.handleHumanEvent(ctx, "alice",
		&wire.SendMessage{ConversationID: "conv-1", Content: "go"}, f.alice)
	liveTask := f.agent.byType(wire.TypeInvoke)[0].(wire.Invoke).TaskID

	f.srv.repairAgentMessages(ctx, "agent-1")

	msgs, _, _ := f.store.MessagesAfter(ctx, "conv-1", 0, 100)
	for _, msg := range msgs {
		switch msg.ID {
		case "stuck-1":
			if msg.Status != wire.StatusError || msg.Content != "Agent reconnected" {
				t.Errorf("stuck message = %q/%s", msg.Content, msg.Status)
			}
		case liveTask:
			if msg.Status != wire.StatusStreaming {
				t.Errorf("live task repaired to %s", msg.Status)
			}
		}
	}
}

func TestOfflineMemberGetsQueuedEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// Bob drops off; alice keeps chatting.
	f.srv.registry.ExpireIdle(0)
	f.srv.registry.Register(session.KindHuman, "alice", f.alice)
	f.srv.registry.Register(session.KindAgent, "agent-1", f.agent)

	f.srv.handleHumanEvent(ctx, "alice",
		&wire.SendMessage{ConversationID: "conv-1", Content: "hi"}, f.alice)

	if got := len(f.bob.all()); got != 0 {
		t.Fatalf("offline bob received %d events directly", got)
	}
	drained := f.srv.pending.Drain("bob")
	if len(drained) == 0 {
		t.Fatal("nothing queued for offline bob")
	}
	var sawNewMessage bool
	for _, ev := range drained {
		if ev.EventType() == wire.TypeNewMessage {
			sawNewMessage = true
		}
	}
	if !sawNewMessage {
		t.Error("queued events missing new_message")
	}
}

func TestHeartbeatSweepFinalizesAgentTasks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.srv.handleHumanEvent(ctx, "alice",
		&wire.SendMessage{ConversationID: "conv-1", Content: "go"}, f.alice)
	taskID := f.agent.byType(wire.TypeInvoke)[0].(wire.Invoke).TaskID

	done := make(chan struct{})
	go func() {
		f.srv.Run(ctx)
		close(done)
	}()

	// No Touch from anyone: the sweep evicts the agent connection and
	// finalizes its task. Advance in a loop because the sweeper's
	// ticker registers asynchronously.
	finalized := func() bool {
		msgs, _, _ := f.store.MessagesAfter(context.Background(), "conv-1", 0, 10)
		for _, msg := range msgs {
			if msg.ID == taskID {
				return msg.Status != wire.StatusStreaming
			}
		}
		return false
	}
	deadline := time.Now().Add(5 * time.Second)
	for !finalized() {
		if time.Now().After(deadline) {
			t.Fatal("task still streaming after agent eviction")
		}
		f.clk.Advance(DefaultHeartbeatTimeout + time.Second)
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
}

func uuidLike(i int) string {
	return fmt.Sprintf("msg-%d", i)
}

// frames scripts a sequence of encoded events for the auth handshake,
// ending with io.EOF as a closed socket would.
func frames(t *testing.T, evs ...wire.Event) func() ([]byte, error) {
	t.Helper()
	i := 0
	return func() ([]byte, error) {
		if i >= len(evs) {
			return nil, io.EOF
		}
		frame, err := wire.Encode(evs[i])
		if err != nil {
			t.Fatalf("encoding scripted frame: %v", err)
		}
		i++
		return frame, nil
	}
}

func TestAgentAuthHandshakeAnswersPreAuthPings(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := &fakeConn{}

	auth, ok := f.srv.awaitAgentAuth(frames(t,
		&wire.Ping{}, &wire.Ping{},
		&wire.AgentAuth{AgentID: "agent-1", Credential: testCredential}), conn)
	if !ok {
		t.Fatal("handshake rejected a socket that pinged before authenticating")
	}
	if auth.AgentID != "agent-1" {
		t.Errorf("auth agent = %q, want agent-1", auth.AgentID)
	}
	if got := len(conn.byType(wire.TypePong)); got != 2 {
		t.Errorf("received %d pongs before auth, want 2", got)
	}
}

func TestAgentAuthHandshakeRejectsOtherEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := &fakeConn{}

	if _, ok := f.srv.awaitAgentAuth(frames(t,
		&wire.SendMessage{ConversationID: "conv-1", Content: "hi"}), conn); ok {
		t.Fatal("handshake accepted a socket that never authenticated")
	}
	acks := conn.byType(wire.TypeAuthAck)
	if len(acks) != 1 {
		t.Fatalf("received %d auth_ack events, want 1", len(acks))
	}
	if ack := acks[0].(wire.AuthAck); ack.OK || ack.Message != "authenticate first" {
		t.Errorf("auth_ack = %+v, want rejection with %q", ack, "authenticate first")
	}
}

func TestHumanTeardownForgetsRateLimitWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	connID := f.srv.registry.Register(session.KindHuman, "alice", f.alice)

	for i := 0; i < 61; i++ {
		f.srv.handleHumanEvent(ctx, "alice",
			&wire.SendMessage{ConversationID: "conv-1", Content: "spam"}, f.alice)
	}
	if got := len(f.alice.byType(wire.TypeStreamError)); got != 1 {
		t.Fatalf("alice received %d rejection events before teardown, want 1", got)
	}

	// A stale connection id must not clear the live session's window.
	f.srv.teardownHuman("alice", "stale-conn")
	f.srv.handleHumanEvent(ctx, "alice",
		&wire.SendMessage{ConversationID: "conv-1", Content: "still spam"}, f.alice)
	if got := len(f.alice.byType(wire.TypeStreamError)); got != 2 {
		t.Fatalf("alice received %d rejection events after stale teardown, want 2", got)
	}

	f.srv.teardownHuman("alice", connID)
	f.srv.registry.Register(session.KindHuman, "alice", f.alice)
	f.srv.handleHumanEvent(ctx, "alice",
		&wire.SendMessage{ConversationID: "conv-1", Content: "fresh session"}, f.alice)
	if got := len(f.alice.byType(wire.TypeStreamError)); got != 2 {
		t.Errorf("alice received %d rejection events after reconnect, want 2", got)
	}
}

func TestAgentTeardownForgetsRateLimitWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	connID := f.srv.registry.Register(session.KindAgent, "agent-1", f.agent)

	for i := 0; i < 61; i++ {
		f.srv.handleAgentEvent(ctx, "agent-1",
			&wire.AgentSend{ConversationID: "conv-1", Content: "notice"}, f.agent)
	}
	if got := len(f.agent.byType(wire.TypeStreamError)); got != 1 {
		t.Fatalf("agent received %d rejection events before teardown, want 1", got)
	}

	f.srv.teardownAgent(ctx, "agent-1", connID)
	f.srv.registry.Register(session.KindAgent, "agent-1", f.agent)
	f.srv.handleAgentEvent(ctx, "agent-1",
		&wire.AgentSend{ConversationID: "conv-1", Content: "fresh session"}, f.agent)
	if got := len(f.agent.byType(wire.TypeStreamError)); got != 1 {
		t.Errorf("agent received %d rejection events after reconnect, want 1", got)
	}
}
