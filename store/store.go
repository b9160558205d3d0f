// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"

	"github.com/arbor-chat/arbor/wire"
)

var (
	// ErrNotFound reports a missing message, conversation, or agent.
	ErrNotFound = errors.New("store: not found")

	// ErrBadCredential reports an agent credential that does not
	// match the stored digest.
	ErrBadCredential = errors.New("store: credential mismatch")
)

// Agent is a registered bot identity. CredentialHash is the BLAKE3
// digest of the pairing token issued at creation; the token itself is
// never stored.
type Agent struct {
	ID             string
	Name           string
	CredentialHash string
}

// Store is the persistence surface shared by all backends. Methods
// take a context because the SQLite and PostgreSQL backends block on
// I/O; the memory backend ignores it.
type Store interface {
	// AppendMessage stamps msg.Seq with the conversation's next
	// sequence number and persists it. Stamping and insertion are a
	// single atomic step. CreatedAt and UpdatedAt are set by the
	// store; the caller supplies everything else, including the id.
	AppendMessage(ctx context.Context, msg *wire.Message) error

	// UpdateMessage rewrites a message's content and status in place,
	// keeping its seq, and returns the updated message. Used to
	// finalize streaming placeholders.
	UpdateMessage(ctx context.Context, conversationID, messageID, content string, status wire.Status) (*wire.Message, error)

	// MessagesAfter returns up to limit messages with seq > afterSeq
	// in ascending seq order. The second return reports truncation:
	// more matching messages exist beyond the returned batch.
	MessagesAfter(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]wire.Message, bool, error)

	// RecentMessages returns the newest limit completed messages in
	// ascending seq order, for agent invocation history.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]wire.Message, error)

	// MaxSeq returns the highest stamped seq, or 0 for an empty
	// conversation.
	MaxSeq(ctx context.Context, conversationID string) (int64, error)

	// StreamingMessages returns messages stuck in the streaming state
	// that were authored by agentID, across all conversations.
	StreamingMessages(ctx context.Context, agentID string) ([]wire.Message, error)

	// ConversationsFor lists the conversations userID belongs to.
	ConversationsFor(ctx context.Context, userID string) ([]string, error)

	// IsMember reports whether userID belongs to conversationID.
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)

	// MembersOf lists the user ids belonging to a conversation.
	MembersOf(ctx context.Context, conversationID string) ([]string, error)

	// AgentsFor lists the agents attached to a conversation.
	AgentsFor(ctx context.Context, conversationID string) ([]Agent, error)

	// AgentConversations lists the conversations agentID is attached
	// to.
	AgentConversations(ctx context.Context, agentID string) ([]string, error)

	// AgentByID looks up a registered agent.
	AgentByID(ctx context.Context, agentID string) (Agent, error)

	// CreateConversation registers a conversation id. Idempotent.
	CreateConversation(ctx context.Context, conversationID string) error

	// AddMember attaches a user to a conversation. Idempotent.
	AddMember(ctx context.Context, conversationID, userID string) error

	// CreateAgent registers an agent identity, overwriting any
	// previous credential for the same id.
	CreateAgent(ctx context.Context, agent Agent) error

	// AddAgent attaches an agent to a conversation. Idempotent.
	AddAgent(ctx context.Context, conversationID, agentID string) error

	// SetReadPosition records the highest seq userID has read in a
	// conversation. Positions never move backward.
	SetReadPosition(ctx context.Context, conversationID, userID string, seq int64) error

	// UnreadCount returns the number of completed messages past the
	// user's read position.
	UnreadCount(ctx context.Context, conversationID, userID string) (int64, error)

	Close() error
}
