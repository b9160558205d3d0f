// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/arbor-chat/arbor/lib/pairing"
	"github.com/arbor-chat/arbor/session"
	"github.com/arbor-chat/arbor/store"
	"github.com/arbor-chat/arbor/wire"
)

func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("agent websocket upgrade failed", "error", err)
		return
	}
	conn := newWSConn(ws)

	// The socket gets a bounded window to authenticate before it is
	// dropped.
	authTimer := s.clk.AfterFunc(s.agentAuthTimeout, conn.Close)

	auth, ok := s.awaitAgentAuth(func() ([]byte, error) {
		_, frame, err := ws.ReadMessage()
		return frame, err
	}, conn)
	if !ok {
		authTimer.Stop()
		conn.Close()
		return
	}

	agent, err := s.authenticateAgent(r.Context(), auth)
	authTimer.Stop()
	if err != nil {
		s.logger.Warn("agent auth rejected", "agent", auth.AgentID, "error", err)
		conn.Send(wire.AuthAck{Message: "invalid credentials"})
		conn.Close()
		return
	}

	connID := s.registry.Register(session.KindAgent, agent.ID, conn)
	conn.Send(wire.AuthAck{OK: true, AgentName: agent.Name})
	s.logger.Info("agent connected", "agent", agent.ID, "name", agent.Name, "connection", connID)

	ctx := context.Background()
	s.repairAgentMessages(ctx, agent.ID)

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			break
		}
		ev, err := wire.DecodeBounded(frame)
		if err != nil {
			s.logger.Warn("dropping bad agent frame", "agent", agent.ID, "error", err)
			continue
		}
		s.registry.Touch(session.KindAgent, agent.ID)
		s.handleAgentEvent(ctx, agent.ID, ev, conn)
	}

	conn.Close()
	s.teardownAgent(ctx, agent.ID, connID)
}

// awaitAgentAuth reads frames until the socket presents credentials.
// Pings are answered so an agent's keepalive loop can start before
// its auth round-trip finishes; any other event before agent_auth
// ends the handshake.
func (s *Server) awaitAgentAuth(readFrame func() ([]byte, error), conn session.Conn) (*wire.AgentAuth, bool) {
	for {
		frame, err := readFrame()
		if err != nil {
			return nil, false
		}
		ev, err := wire.DecodeBounded(frame)
		if err != nil {
			conn.Send(wire.AuthAck{Message: "unrecognized frame"})
			return nil, false
		}
		switch ev := ev.(type) {
		case *wire.AgentAuth:
			return ev, true
		case *wire.Ping:
			conn.Send(wire.Pong{})
		default:
			conn.Send(wire.AuthAck{Message: "authenticate first"})
			return nil, false
		}
	}
}

// teardownAgent finalizes a closed agent connection. The
// connection-id guard keeps a replaced connection's teardown from
// finalizing tasks the replacement is actively streaming, and the
// rate-limit window is dropped with the session so the limiter
// tracks only connected identities.
func (s *Server) teardownAgent(ctx context.Context, agentID, connID string) {
	if s.registry.Unregister(session.KindAgent, agentID, connID) {
		s.limiter.Forget("agent:" + agentID)
		s.logger.Info("agent disconnected", "agent", agentID, "connection", connID)
		s.relay.AgentDisconnected(ctx, agentID)
	}
}

func (s *Server) authenticateAgent(ctx context.Context, auth *wire.AgentAuth) (store.Agent, error) {
	agent, err := s.store.AgentByID(ctx, auth.AgentID)
	if err != nil {
		return store.Agent{}, err
	}
	if !pairing.Verify(auth.Credential, agent.CredentialHash) {
		return store.Agent{}, store.ErrBadCredential
	}
	return agent, nil
}

// repairAgentMessages finalizes streaming placeholders left behind by
// this agent's previous connection. Live tasks survive a connection
// replacement and are skipped.
func (s *Server) repairAgentMessages(ctx context.Context, agentID string) {
	stuck, err := s.store.StreamingMessages(ctx, agentID)
	if err != nil {
		s.logger.Error("fetching stuck messages", "agent", agentID, "error", err)
		return
	}
	for _, msg := range stuck {
		if s.relay.Tracked(msg.ID) {
			continue
		}
		content := msg.Content
		if content == "" {
			content = "Agent reconnected"
		}
		if _, err := s.store.UpdateMessage(ctx, msg.ConversationID, msg.ID, content, wire.StatusError); err != nil {
			s.logger.Error("repairing stuck message", "message", msg.ID, "error", err)
			continue
		}
		s.logger.Info("repaired stuck message on agent reconnect",
			"agent", agentID, "message", msg.ID)
	}
}

func (s *Server) handleAgentEvent(ctx context.Context, agentID string, ev wire.Event, conn session.Conn) {
	switch ev := ev.(type) {
	case *wire.Ping:
		conn.Send(wire.Pong{})
	case *wire.AgentChunk:
		if err := s.relay.Chunk(ctx, agentID, ev.TaskID, ev.Chunk); err != nil {
			// Late chunks after cancel or timeout are expected noise.
			s.logger.Debug("dropping chunk", "agent", agentID, "task", ev.TaskID, "error", err)
		}
	case *wire.AgentComplete:
		if err := s.relay.Complete(ctx, agentID, ev.TaskID, ev.Content); err != nil {
			s.logger.Debug("dropping completion", "agent", agentID, "task", ev.TaskID, "error", err)
		}
	case *wire.AgentError:
		if err := s.relay.Fail(ctx, agentID, ev.TaskID, ev.Message); err != nil {
			s.logger.Debug("dropping error report", "agent", agentID, "task", ev.TaskID, "error", err)
		}
	case *wire.AgentHeartbeat:
		if err := s.relay.Heartbeat(agentID, ev.TaskID); err != nil {
			s.logger.Debug("dropping heartbeat", "agent", agentID, "task", ev.TaskID, "error", err)
		}
	case *wire.AgentSend:
		s.handleAgentSend(ctx, agentID, ev, conn)
	default:
		s.logger.Warn("unexpected event on agent channel",
			"agent", agentID, "event", ev.EventType())
	}
}

// handleAgentSend persists an unprompted agent message, subject to
// the same membership and rate checks as human sends.
func (s *Server) handleAgentSend(ctx context.Context, agentID string, ev *wire.AgentSend, conn session.Conn) {
	if ev.ConversationID == "" || ev.Content == "" {
		return
	}
	conversations, err := s.store.AgentConversations(ctx, agentID)
	if err != nil {
		s.logger.Error("resolving agent conversations", "agent", agentID, "error", err)
		return
	}
	attached := false
	for _, id := range conversations {
		if id == ev.ConversationID {
			attached = true
			break
		}
	}
	if !attached {
		s.logger.Warn("agent send to unattached conversation",
			"agent", agentID, "conversation", ev.ConversationID)
		return
	}
	if !s.limiter.Allow("agent:" + agentID) {
		conn.Send(wire.StreamError{ConversationID: ev.ConversationID,
			Message: "rate limit exceeded"})
		return
	}

	msg := wire.Message{
		ID:             uuid.NewString(),
		ConversationID: ev.ConversationID,
		Role:           wire.RoleAgent,
		Content:        ev.Content,
		Status:         wire.StatusCompleted,
		SenderAgentID:  agentID,
	}
	if err := s.store.AppendMessage(ctx, &msg); err != nil {
		s.logger.Error("persisting agent message", "agent", agentID, "error", err)
		return
	}
	s.Broadcast(ctx, ev.ConversationID, wire.NewMessage{
		ConversationID: ev.ConversationID,
		Message:        msg,
	})
}
