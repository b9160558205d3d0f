// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/arbor-chat/arbor/lib/clock"
	"github.com/arbor-chat/arbor/wire"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(SQLiteConfig{
		Path:   filepath.Join(t.TempDir(), "arbor.db"),
		Clock:  clock.Fake(time.Unix(1_700_000_000, 0)),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteAppendStampsDenseSeq(t *testing.T) {
	t.Parallel()

	s := openTestSQLite(t)
	ctx := context.Background()
	if err := s.CreateConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := s.CreateConversation(ctx, "conv-2"); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	for i := 1; i <= 3; i++ {
		msg := &wire.Message{
			ID:             messageID("a", i),
			ConversationID: "conv-1",
			Role:           wire.RoleUser,
			Content:        "hello",
			Status:         wire.StatusCompleted,
			SenderUserID:   "alice",
		}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
		if msg.Seq != int64(i) {
			t.Fatalf("seq = %d, want %d", msg.Seq, i)
		}
		if msg.CreatedAt.IsZero() || msg.UpdatedAt.IsZero() {
			t.Fatal("timestamps not stamped")
		}
	}

	// Conversations stamp independently.
	other := &wire.Message{
		ID:             "b1",
		ConversationID: "conv-2",
		Role:           wire.RoleUser,
		Status:         wire.StatusCompleted,
		SenderUserID:   "bob",
	}
	if err := s.AppendMessage(ctx, other); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if other.Seq != 1 {
		t.Fatalf("other conversation seq = %d, want 1", other.Seq)
	}

	max, err := s.MaxSeq(ctx, "conv-1")
	if err != nil || max != 3 {
		t.Fatalf("MaxSeq = %d, %v, want 3", max, err)
	}
}

func TestSQLiteMessagesAfterTruncation(t *testing.T) {
	t.Parallel()

	s := openTestSQLite(t)
	ctx := context.Background()
	seedConversation(t, s, "conv-1", 5)

	msgs, truncated, err := s.MessagesAfter(ctx, "conv-1", 1, 2)
	if err != nil {
		t.Fatalf("MessagesAfter: %v", err)
	}
	if !truncated {
		t.Fatal("gap larger than limit not flagged truncated")
	}
	if len(msgs) != 2 || msgs[0].Seq != 2 || msgs[1].Seq != 3 {
		t.Fatalf("msgs = %+v", msgs)
	}

	msgs, truncated, err = s.MessagesAfter(ctx, "conv-1", 3, 10)
	if err != nil || truncated {
		t.Fatalf("MessagesAfter tail: truncated=%v err=%v", truncated, err)
	}
	if len(msgs) != 2 || msgs[0].Seq != 4 {
		t.Fatalf("tail msgs = %+v", msgs)
	}
}

func TestSQLiteUpdateMessageKeepsSeq(t *testing.T) {
	t.Parallel()

	s := openTestSQLite(t)
	ctx := context.Background()
	seedConversation(t, s, "conv-1", 1)

	placeholder := &wire.Message{
		ID:             "task-1",
		ConversationID: "conv-1",
		Role:           wire.RoleAgent,
		Status:         wire.StatusStreaming,
		SenderAgentID:  "agent-1",
	}
	if err := s.AppendMessage(ctx, placeholder); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	updated, err := s.UpdateMessage(ctx, "conv-1", "task-1", "final text", wire.StatusCompleted)
	if err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}
	if updated.Seq != placeholder.Seq || updated.Content != "final text" || updated.Status != wire.StatusCompleted {
		t.Fatalf("updated = %+v", updated)
	}

	if _, err := s.UpdateMessage(ctx, "conv-1", "missing", "x", wire.StatusError); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateMessage missing = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStreamingMessagesByAgent(t *testing.T) {
	t.Parallel()

	s := openTestSQLite(t)
	ctx := context.Background()
	seedConversation(t, s, "conv-1", 1)

	for i, agent := range []string{"agent-1", "agent-1", "agent-2"} {
		msg := &wire.Message{
			ID:             messageID("s", i),
			ConversationID: "conv-1",
			Role:           wire.RoleAgent,
			Status:         wire.StatusStreaming,
			SenderAgentID:  agent,
		}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	stuck, err := s.StreamingMessages(ctx, "agent-1")
	if err != nil {
		t.Fatalf("StreamingMessages: %v", err)
	}
	if len(stuck) != 2 {
		t.Fatalf("streaming for agent-1 = %d, want 2", len(stuck))
	}
}

func TestSQLiteMembershipAndAgents(t *testing.T) {
	t.Parallel()

	s := openTestSQLite(t)
	ctx := context.Background()
	if err := s.CreateConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	for _, user := range []string{"alice", "bob"} {
		if err := s.AddMember(ctx, "conv-1", user); err != nil {
			t.Fatalf("AddMember: %v", err)
		}
	}
	if err := s.CreateAgent(ctx, Agent{ID: "agent-1", Name: "Echo", CredentialHash: "h"}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if err := s.AddAgent(ctx, "conv-1", "agent-1"); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}

	ok, err := s.IsMember(ctx, "conv-1", "alice")
	if err != nil || !ok {
		t.Fatalf("IsMember alice = %v, %v", ok, err)
	}
	ok, err = s.IsMember(ctx, "conv-1", "mallory")
	if err != nil || ok {
		t.Fatalf("IsMember mallory = %v, %v", ok, err)
	}

	members, err := s.MembersOf(ctx, "conv-1")
	if err != nil || len(members) != 2 {
		t.Fatalf("MembersOf = %v, %v", members, err)
	}

	agents, err := s.AgentsFor(ctx, "conv-1")
	if err != nil || len(agents) != 1 || agents[0].Name != "Echo" {
		t.Fatalf("AgentsFor = %+v, %v", agents, err)
	}

	convs, err := s.AgentConversations(ctx, "agent-1")
	if err != nil || len(convs) != 1 || convs[0] != "conv-1" {
		t.Fatalf("AgentConversations = %v, %v", convs, err)
	}

	agent, err := s.AgentByID(ctx, "agent-1")
	if err != nil || agent.CredentialHash != "h" {
		t.Fatalf("AgentByID = %+v, %v", agent, err)
	}
	if _, err := s.AgentByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AgentByID missing = %v, want ErrNotFound", err)
	}
}

func TestSQLiteReadPositions(t *testing.T) {
	t.Parallel()

	s := openTestSQLite(t)
	ctx := context.Background()
	seedConversation(t, s, "conv-1", 4)

	if err := s.SetReadPosition(ctx, "conv-1", "alice", 3); err != nil {
		t.Fatalf("SetReadPosition: %v", err)
	}
	// Read positions never move backward.
	if err := s.SetReadPosition(ctx, "conv-1", "alice", 1); err != nil {
		t.Fatalf("SetReadPosition backward: %v", err)
	}

	unread, err := s.UnreadCount(ctx, "conv-1", "alice")
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if unread != 1 {
		t.Fatalf("unread = %d, want 1", unread)
	}
}

func messageID(prefix string, i int) string {
	return fmt.Sprintf("%s-%d", prefix, i)
}

func seedConversation(t *testing.T, s *SQLite, conversationID string, n int) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateConversation(ctx, conversationID); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	for i := 1; i <= n; i++ {
		msg := &wire.Message{
			ID:             messageID(conversationID, i),
			ConversationID: conversationID,
			Role:           wire.RoleUser,
			Content:        "seed",
			Status:         wire.StatusCompleted,
			SenderUserID:   "alice",
		}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}
}
