// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sort"

	"github.com/arbor-chat/arbor/wire"
)

// Timeline is the client's local view of each conversation, ordered
// by seq. Not safe for concurrent use; the client serializes access.
type Timeline struct {
	byConv map[string][]wire.Message
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{byConv: make(map[string][]wire.Message)}
}

// Apply inserts msg at its seq position, or replaces the stored copy
// when a message with the same id is already present. Reapplying the
// same message is a no-op, which makes sync merges idempotent.
func (tl *Timeline) Apply(msg wire.Message) {
	msgs := tl.byConv[msg.ConversationID]
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			msgs[i] = msg
			return
		}
	}
	at := sort.Search(len(msgs), func(i int) bool { return msgs[i].Seq >= msg.Seq })
	msgs = append(msgs, wire.Message{})
	copy(msgs[at+1:], msgs[at:])
	msgs[at] = msg
	tl.byConv[msg.ConversationID] = msgs
}

// AppendChunk extends an in-flight streaming message. Returns the
// updated copy and whether the message was found.
func (tl *Timeline) AppendChunk(conversationID, messageID, chunk string) (wire.Message, bool) {
	msgs := tl.byConv[conversationID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].Content += chunk
			msgs[i].Status = wire.StatusStreaming
			return msgs[i], true
		}
	}
	return wire.Message{}, false
}

// Finalize settles a streaming message. Empty content keeps whatever
// accumulated locally.
func (tl *Timeline) Finalize(conversationID, messageID, content string, status wire.Status) (wire.Message, bool) {
	msgs := tl.byConv[conversationID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			if content != "" {
				msgs[i].Content = content
			}
			msgs[i].Status = status
			return msgs[i], true
		}
	}
	return wire.Message{}, false
}

// Messages returns a copy of the conversation's timeline in seq
// order.
func (tl *Timeline) Messages(conversationID string) []wire.Message {
	return append([]wire.Message(nil), tl.byConv[conversationID]...)
}

// MaxSeq returns the highest seq held locally for the conversation.
func (tl *Timeline) MaxSeq(conversationID string) int64 {
	msgs := tl.byConv[conversationID]
	if len(msgs) == 0 {
		return 0
	}
	return msgs[len(msgs)-1].Seq
}
