// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/arbor-chat/arbor/lib/clock"
	"github.com/arbor-chat/arbor/wire"
)

// Memory is the in-process backend. Safe for concurrent use.
type Memory struct {
	clk clock.Clock

	mu            sync.RWMutex
	conversations map[string]*memConversation
	agents        map[string]Agent
}

type memConversation struct {
	messages []wire.Message // ascending seq
	maxSeq   int64
	members  map[string]bool
	agents   map[string]bool
	readPos  map[string]int64
}

// NewMemory returns an empty in-memory store stamping timestamps from
// clk.
func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clk:           clk,
		conversations: make(map[string]*memConversation),
		agents:        make(map[string]Agent),
	}
}

func (m *Memory) conversation(id string) (*memConversation, error) {
	conv, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	return conv, nil
}

func (m *Memory) AppendMessage(_ context.Context, msg *wire.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, err := m.conversation(msg.ConversationID)
	if err != nil {
		return err
	}
	conv.maxSeq++
	msg.Seq = conv.maxSeq
	now := m.clk.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	conv.messages = append(conv.messages, *msg)
	return nil
}

func (m *Memory) UpdateMessage(_ context.Context, conversationID, messageID, content string, status wire.Status) (*wire.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, err := m.conversation(conversationID)
	if err != nil {
		return nil, err
	}
	for i := range conv.messages {
		if conv.messages[i].ID != messageID {
			continue
		}
		conv.messages[i].Content = content
		conv.messages[i].Status = status
		conv.messages[i].UpdatedAt = m.clk.Now().UTC()
		updated := conv.messages[i]
		return &updated, nil
	}
	return nil, fmt.Errorf("message %q: %w", messageID, ErrNotFound)
}

func (m *Memory) MessagesAfter(_ context.Context, conversationID string, afterSeq int64, limit int) ([]wire.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, err := m.conversation(conversationID)
	if err != nil {
		return nil, false, err
	}
	var out []wire.Message
	truncated := false
	for _, msg := range conv.messages {
		if msg.Seq <= afterSeq {
			continue
		}
		if len(out) == limit {
			truncated = true
			break
		}
		out = append(out, msg)
	}
	return out, truncated, nil
}

func (m *Memory) RecentMessages(_ context.Context, conversationID string, limit int) ([]wire.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, err := m.conversation(conversationID)
	if err != nil {
		return nil, err
	}
	var out []wire.Message
	for i := len(conv.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if conv.messages[i].Status != wire.StatusCompleted {
			continue
		}
		out = append(out, conv.messages[i])
	}
	slices.Reverse(out)
	return out, nil
}

func (m *Memory) MaxSeq(_ context.Context, conversationID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, err := m.conversation(conversationID)
	if err != nil {
		return 0, err
	}
	return conv.maxSeq, nil
}

func (m *Memory) StreamingMessages(_ context.Context, agentID string) ([]wire.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []wire.Message
	for _, conv := range m.conversations {
		for _, msg := range conv.messages {
			if msg.Status == wire.StatusStreaming && msg.SenderAgentID == agentID {
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

func (m *Memory) ConversationsFor(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, conv := range m.conversations {
		if conv.members[userID] {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *Memory) IsMember(_ context.Context, conversationID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, err := m.conversation(conversationID)
	if err != nil {
		return false, err
	}
	return conv.members[userID], nil
}

func (m *Memory) MembersOf(_ context.Context, conversationID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, err := m.conversation(conversationID)
	if err != nil {
		return nil, err
	}
	var out []string
	for id := range conv.members {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

func (m *Memory) AgentsFor(_ context.Context, conversationID string) ([]Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, err := m.conversation(conversationID)
	if err != nil {
		return nil, err
	}
	var out []Agent
	for id := range conv.agents {
		if agent, ok := m.agents[id]; ok {
			out = append(out, agent)
		}
	}
	slices.SortFunc(out, func(a, b Agent) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *Memory) AgentConversations(_ context.Context, agentID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, conv := range m.conversations {
		if conv.agents[agentID] {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *Memory) AgentByID(_ context.Context, agentID string) (Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return Agent{}, fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	return agent, nil
}

func (m *Memory) CreateConversation(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[conversationID]; ok {
		return nil
	}
	m.conversations[conversationID] = &memConversation{
		members: make(map[string]bool),
		agents:  make(map[string]bool),
		readPos: make(map[string]int64),
	}
	return nil
}

func (m *Memory) AddMember(_ context.Context, conversationID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, err := m.conversation(conversationID)
	if err != nil {
		return err
	}
	conv.members[userID] = true
	return nil
}

func (m *Memory) CreateAgent(_ context.Context, agent Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.ID] = agent
	return nil
}

func (m *Memory) AddAgent(_ context.Context, conversationID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, err := m.conversation(conversationID)
	if err != nil {
		return err
	}
	conv.agents[agentID] = true
	return nil
}

func (m *Memory) SetReadPosition(_ context.Context, conversationID, userID string, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, err := m.conversation(conversationID)
	if err != nil {
		return err
	}
	if seq > conv.readPos[userID] {
		conv.readPos[userID] = seq
	}
	return nil
}

func (m *Memory) UnreadCount(_ context.Context, conversationID, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, err := m.conversation(conversationID)
	if err != nil {
		return 0, err
	}
	pos := conv.readPos[userID]
	var count int64
	for _, msg := range conv.messages {
		if msg.Seq > pos && msg.Status == wire.StatusCompleted {
			count++
		}
	}
	return count, nil
}

func (m *Memory) Close() error { return nil }
