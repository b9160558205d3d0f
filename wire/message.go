// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Status is the lifecycle state of a persisted message.
type Status string

const (
	// StatusCompleted is a finished message with final content.
	StatusCompleted Status = "completed"

	// StatusStreaming is an agent reply placeholder whose content is
	// still arriving over the bridge.
	StatusStreaming Status = "streaming"

	// StatusError marks a reply that failed before completion.
	StatusError Status = "error"

	// StatusCancelled marks a reply stopped by the human mid-stream.
	// Content holds whatever had accumulated at cancellation.
	StatusCancelled Status = "cancelled"
)

// Message is one persisted conversation message as it appears on the
// wire and in the store.
//
// Seq is the per-conversation ordering key: strictly increasing,
// gapless, stamped atomically at append time.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Seq            int64     `json:"seq"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Status         Status    `json:"status"`
	SenderUserID   string    `json:"senderUserId,omitempty"`
	SenderAgentID  string    `json:"senderAgentId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
