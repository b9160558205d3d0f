// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"errors"
	"sync/atomic"

	"github.com/arbor-chat/arbor/client"
	"github.com/arbor-chat/arbor/wire"
)

// ErrTaskFinished reports an emission after Complete or Fail.
var ErrTaskFinished = errors.New("agent: task already finished")

// Task is one invocation delivered to the Handler. Its methods stream
// the reply; exactly one of Complete or Fail ends it.
type Task struct {
	// ID is the server-assigned task id, also the id of the message
	// the reply streams into.
	ID string

	// ConversationID names the conversation the triggering message
	// was sent in.
	ConversationID string

	// Content is the triggering user message.
	Content string

	// SenderUserID identifies who sent it.
	SenderUserID string

	// History is recent conversation context, oldest first, not
	// including the triggering message.
	History []wire.HistoryEntry

	conn     client.TransportConn
	finished atomic.Bool
}

// SendChunk streams a delta (new characters only) to the conversation.
func (t *Task) SendChunk(delta string) error {
	if t.finished.Load() {
		return ErrTaskFinished
	}
	return t.conn.Send(wire.AgentChunk{TaskID: t.ID, Chunk: delta})
}

// Heartbeat tells the server the task is still alive. Needed only
// when a handler goes quiet for longer than the server's idle timeout.
func (t *Task) Heartbeat() error {
	if t.finished.Load() {
		return ErrTaskFinished
	}
	return t.conn.Send(wire.AgentHeartbeat{TaskID: t.ID})
}

// Complete finishes the task. An empty content keeps whatever chunks
// already streamed as the final message.
func (t *Task) Complete(content string) error {
	if !t.finished.CompareAndSwap(false, true) {
		return ErrTaskFinished
	}
	return t.conn.Send(wire.AgentComplete{TaskID: t.ID, Content: content})
}

// Fail finishes the task with an error shown to the user.
func (t *Task) Fail(message string) error {
	if !t.finished.CompareAndSwap(false, true) {
		return ErrTaskFinished
	}
	return t.conn.Send(wire.AgentError{TaskID: t.ID, Message: message})
}
