// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/arbor-chat/arbor/session"
	"github.com/arbor-chat/arbor/wire"
)

func (s *Server) handleHumanSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := s.sessions.ResolveSession(r)
	if err != nil {
		s.logger.Warn("rejecting human handshake", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "user", userID, "error", err)
		return
	}

	conn := newWSConn(ws)
	connID := s.registry.Register(session.KindHuman, userID, conn)
	s.logger.Info("human connected", "user", userID, "connection", connID)

	// Anything queued while the user was offline goes out first; the
	// client's sync merge dedupes against what it already has.
	for _, ev := range s.pending.Drain(userID) {
		if err := conn.Send(ev); err != nil {
			break
		}
	}

	ctx := context.Background()
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			break
		}
		ev, err := wire.DecodeBounded(frame)
		if err != nil {
			s.logger.Warn("dropping bad frame", "user", userID, "error", err)
			conn.Send(wire.StreamError{Message: "unrecognized frame"})
			continue
		}
		s.registry.Touch(session.KindHuman, userID)
		s.handleHumanEvent(ctx, userID, ev, conn)
	}

	conn.Close()
	s.teardownHuman(userID, connID)
}

// teardownHuman finalizes a closed human connection. The rate-limit
// window is dropped with the session so the limiter tracks only
// connected identities.
func (s *Server) teardownHuman(userID, connID string) {
	if s.registry.Unregister(session.KindHuman, userID, connID) {
		s.limiter.Forget("user:" + userID)
		s.logger.Info("human disconnected", "user", userID, "connection", connID)
	}
}

func (s *Server) handleHumanEvent(ctx context.Context, userID string, ev wire.Event, conn session.Conn) {
	switch ev := ev.(type) {
	case *wire.Ping:
		conn.Send(wire.Pong{})
	case *wire.Sync:
		s.syncUser(ctx, userID, ev, conn)
	case *wire.SendMessage:
		s.handleSendMessage(ctx, userID, ev, conn)
	case *wire.CancelStream:
		s.handleCancelStream(ctx, userID, ev, conn)
	case *wire.MarkRead:
		if err := s.store.SetReadPosition(ctx, ev.ConversationID, userID, ev.Seq); err != nil {
			s.logger.Error("marking read", "user", userID, "error", err)
		}
	case *wire.Focus:
		s.visibleMu.Lock()
		s.visible[userID] = ev.Visible
		s.visibleMu.Unlock()
	default:
		s.logger.Warn("unexpected event on human channel",
			"user", userID, "event", ev.EventType())
	}
}

// syncUser answers a sync request with, per member conversation, the
// current max seq, the unread count, and up to a batch of missed
// messages. Streaming placeholders from conversations with no live
// stream are repaired in place before they are returned.
func (s *Server) syncUser(ctx context.Context, userID string, ev *wire.Sync, conn session.Conn) {
	conversations, err := s.store.ConversationsFor(ctx, userID)
	if err != nil {
		s.logger.Error("resolving conversations for sync", "user", userID, "error", err)
		conn.Send(wire.StreamError{Message: "sync failed"})
		return
	}

	resp := wire.SyncResponse{Conversations: []wire.ConversationSummary{}}
	for _, convID := range conversations {
		cursor := ev.Conversations[convID]
		missed, truncated, err := s.store.MessagesAfter(ctx, convID, cursor, s.syncBatch)
		if err != nil {
			s.logger.Error("fetching missed messages",
				"user", userID, "conversation", convID, "error", err)
			continue
		}
		for i := range missed {
			missed[i] = s.repairStale(ctx, missed[i])
		}

		maxSeq, err := s.store.MaxSeq(ctx, convID)
		if err != nil {
			s.logger.Error("fetching max seq", "conversation", convID, "error", err)
			continue
		}
		unread, err := s.store.UnreadCount(ctx, convID, userID)
		if err != nil {
			s.logger.Error("fetching unread count", "conversation", convID, "error", err)
		}

		resp.Conversations = append(resp.Conversations, wire.ConversationSummary{
			ConversationID: convID,
			MaxSeq:         maxSeq,
			UnreadCount:    unread,
			Truncated:      truncated,
		})
		resp.MissedMessages = append(resp.MissedMessages, missed...)
	}
	if err := conn.Send(resp); err != nil {
		s.logger.Warn("sending sync response", "user", userID, "error", err)
	}
}

// repairStale finalizes a streaming placeholder whose conversation
// has no live stream: the server restarted or lost the agent while
// the message was mid-flight. Kept as completed when partial content
// arrived, errored otherwise.
func (s *Server) repairStale(ctx context.Context, msg wire.Message) wire.Message {
	if msg.Status != wire.StatusStreaming || s.relay.ActiveInConversation(msg.ConversationID) {
		return msg
	}
	status := wire.StatusCompleted
	if msg.Content == "" {
		status = wire.StatusError
	}
	updated, err := s.store.UpdateMessage(ctx, msg.ConversationID, msg.ID, msg.Content, status)
	if err != nil {
		s.logger.Error("repairing stale streaming message",
			"message", msg.ID, "error", err)
		return msg
	}
	s.logger.Info("repaired stale streaming message",
		"message", msg.ID, "status", status)
	return *updated
}

func (s *Server) handleSendMessage(ctx context.Context, userID string, ev *wire.SendMessage, conn session.Conn) {
	if ev.ConversationID == "" || ev.Content == "" {
		conn.Send(wire.StreamError{ConversationID: ev.ConversationID,
			Message: "conversationId and content are required"})
		return
	}
	member, err := s.store.IsMember(ctx, ev.ConversationID, userID)
	if err != nil || !member {
		conn.Send(wire.StreamError{ConversationID: ev.ConversationID,
			Message: "not a member of this conversation"})
		return
	}
	if !s.limiter.Allow("user:" + userID) {
		conn.Send(wire.StreamError{ConversationID: ev.ConversationID,
			Message: "rate limit exceeded, slow down"})
		return
	}

	msg := wire.Message{
		ID:             uuid.NewString(),
		ConversationID: ev.ConversationID,
		Role:           wire.RoleUser,
		Content:        ev.Content,
		Status:         wire.StatusCompleted,
		SenderUserID:   userID,
	}
	if err := s.store.AppendMessage(ctx, &msg); err != nil {
		s.logger.Error("persisting message", "user", userID, "error", err)
		conn.Send(wire.StreamError{ConversationID: ev.ConversationID,
			Message: "message could not be saved"})
		return
	}
	s.Broadcast(ctx, ev.ConversationID, wire.NewMessage{
		ConversationID: ev.ConversationID,
		Message:        msg,
	})

	agents, err := s.store.AgentsFor(ctx, ev.ConversationID)
	if err != nil {
		s.logger.Error("resolving agents", "conversation", ev.ConversationID, "error", err)
		return
	}
	for _, agent := range agents {
		// One stream per agent per conversation: later sends park
		// behind the active one and dispatch in order as it ends.
		if s.relay.ActiveForAgent(ev.ConversationID, agent.ID) {
			s.enqueueInvoke(ev.ConversationID, agent.ID, userID, ev.Content)
			conn.Send(wire.StreamQueued{
				ConversationID: ev.ConversationID,
				AgentID:        agent.ID,
				AgentName:      agent.Name,
			})
			continue
		}
		s.dispatch(ctx, userID, agent.ID, ev.ConversationID, ev.Content)
	}
}

// dispatch persists a streaming placeholder, announces it, and sends
// the invocation to the agent bridge.
func (s *Server) dispatch(ctx context.Context, senderUserID, agentID, conversationID, content string) {
	agent, err := s.store.AgentByID(ctx, agentID)
	if err != nil {
		s.logger.Error("resolving agent for dispatch", "agent", agentID, "error", err)
		return
	}

	placeholder := wire.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           wire.RoleAgent,
		Status:         wire.StatusStreaming,
		SenderAgentID:  agentID,
	}
	if err := s.store.AppendMessage(ctx, &placeholder); err != nil {
		s.logger.Error("persisting placeholder", "agent", agentID, "error", err)
		return
	}

	taskID := placeholder.ID
	s.relay.Begin(taskID, conversationID, agentID, placeholder.Seq)
	s.Broadcast(ctx, conversationID, wire.StreamStart{
		ConversationID: conversationID,
		TaskID:         taskID,
		Seq:            placeholder.Seq,
		AgentID:        agentID,
		AgentName:      agent.Name,
	})

	invoke := wire.Invoke{
		TaskID:         taskID,
		ConversationID: conversationID,
		Content:        content,
		SenderUserID:   senderUserID,
		History:        s.invokeHistory(ctx, conversationID, taskID, content, senderUserID),
	}
	if err := s.registry.Send(session.KindAgent, agentID, invoke); err != nil {
		reason := "agent is offline"
		if !errors.Is(err, session.ErrNotConnected) {
			reason = "agent delivery failed"
			s.logger.Error("sending invoke", "agent", agentID, "error", err)
		}
		if err := s.relay.Fail(ctx, agentID, taskID, reason); err != nil {
			s.logger.Error("failing undeliverable task", "task", taskID, "error", err)
		}
	}
}

// invokeHistory assembles recent conversation context for the agent,
// excluding the message that triggered this invocation (it travels in
// the invoke's own content field).
func (s *Server) invokeHistory(ctx context.Context, conversationID, taskID, content, senderUserID string) []wire.HistoryEntry {
	recent, err := s.store.RecentMessages(ctx, conversationID, s.historyLimit)
	if err != nil {
		s.logger.Error("fetching history", "conversation", conversationID, "error", err)
		return nil
	}
	var history []wire.HistoryEntry
	for i, msg := range recent {
		if i == len(recent)-1 && msg.Role == wire.RoleUser &&
			msg.SenderUserID == senderUserID && msg.Content == content {
			continue
		}
		entry := wire.HistoryEntry{Role: msg.Role, Content: msg.Content}
		if msg.Role == wire.RoleAgent {
			if agent, err := s.store.AgentByID(ctx, msg.SenderAgentID); err == nil {
				entry.AgentName = agent.Name
			}
		}
		history = append(history, entry)
	}
	return history
}

func (s *Server) handleCancelStream(ctx context.Context, userID string, ev *wire.CancelStream, conn session.Conn) {
	member, err := s.store.IsMember(ctx, ev.ConversationID, userID)
	if err != nil || !member {
		conn.Send(wire.StreamError{ConversationID: ev.ConversationID,
			Message: "not a member of this conversation"})
		return
	}
	agentID, err := s.relay.Cancel(ctx, ev.TaskID)
	if err != nil {
		// Already finalized; nothing to cancel.
		s.logger.Info("cancel for finished task", "task", ev.TaskID, "user", userID)
		return
	}
	// Best effort: the relay has already stopped forwarding.
	if err := s.registry.Send(session.KindAgent, agentID, wire.Cancel{TaskID: ev.TaskID}); err != nil {
		s.logger.Warn("forwarding cancel to agent", "agent", agentID, "error", err)
	}
}
