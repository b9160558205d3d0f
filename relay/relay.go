// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/arbor-chat/arbor/lib/clock"
	"github.com/arbor-chat/arbor/store"
	"github.com/arbor-chat/arbor/wire"
)

// DefaultIdleTimeout is how long a task may go without chunks or
// heartbeats before it is failed.
const DefaultIdleTimeout = 10 * time.Minute

var (
	// ErrUnknownTask reports a frame about a task the relay is not
	// tracking: already finalized, timed out, or never dispatched.
	ErrUnknownTask = errors.New("relay: unknown task")

	// ErrNotOwner reports a frame about a task from an agent other
	// than the one it was dispatched to.
	ErrNotOwner = errors.New("relay: task owned by another agent")
)

// State is a task's position in its lifecycle.
type State string

const (
	StatePending   State = "pending"   // dispatched, no output yet
	StateStreaming State = "streaming" // at least one chunk relayed
)

// Broadcaster delivers events to every human member of a
// conversation, queueing for members who are offline.
type Broadcaster interface {
	Broadcast(ctx context.Context, conversationID string, ev wire.Event)
}

type task struct {
	id             string
	conversationID string
	agentID        string
	seq            int64
	state          State
	accumulated    strings.Builder
	idleTimer      *clock.Timer
}

// Relay is the task table. Safe for concurrent use.
type Relay struct {
	clk         clock.Clock
	logger      *slog.Logger
	store       store.Store
	broadcaster Broadcaster
	idleTimeout time.Duration

	// onFinished, if set, runs after a task leaves the table for any
	// reason. The server uses it to dispatch queued invocations.
	onFinished func(conversationID, agentID string)

	mu    sync.Mutex
	tasks map[string]*task
}

// Config holds the parameters for creating a Relay.
type Config struct {
	Clock       clock.Clock
	Logger      *slog.Logger
	Store       store.Store
	Broadcaster Broadcaster

	// IdleTimeout defaults to DefaultIdleTimeout if zero.
	IdleTimeout time.Duration

	// OnFinished is called after a task is removed, with the
	// conversation and agent it belonged to. Optional.
	OnFinished func(conversationID, agentID string)
}

// New returns an empty relay.
func New(cfg Config) *Relay {
	timeout := cfg.IdleTimeout
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	return &Relay{
		clk:         cfg.Clock,
		logger:      cfg.Logger,
		store:       cfg.Store,
		broadcaster: cfg.Broadcaster,
		idleTimeout: timeout,
		onFinished:  cfg.OnFinished,
		tasks:       make(map[string]*task),
	}
}

// Begin starts tracking a dispatched task. taskID is the placeholder
// message id; seq is the placeholder's stamped seq.
func (r *Relay) Begin(taskID, conversationID, agentID string, seq int64) {
	t := &task{
		id:             taskID,
		conversationID: conversationID,
		agentID:        agentID,
		seq:            seq,
		state:          StatePending,
	}
	t.idleTimer = r.clk.AfterFunc(r.idleTimeout, func() {
		r.timeout(taskID)
	})

	r.mu.Lock()
	r.tasks[taskID] = t
	r.mu.Unlock()
}

// Chunk relays one piece of agent output. Agents may send deltas or
// the full accumulated text so far; when the incoming chunk extends
// what has already accumulated, only the new suffix is relayed.
func (r *Relay) Chunk(ctx context.Context, agentID, taskID, chunk string) error {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("task %q: %w", taskID, ErrUnknownTask)
	}
	if t.agentID != agentID {
		r.mu.Unlock()
		return fmt.Errorf("task %q: %w", taskID, ErrNotOwner)
	}

	delta := chunk
	if acc := t.accumulated.String(); acc != "" && strings.HasPrefix(chunk, acc) {
		delta = chunk[len(acc):]
		t.accumulated.Reset()
		t.accumulated.WriteString(chunk)
	} else {
		t.accumulated.WriteString(chunk)
	}
	t.state = StateStreaming
	t.idleTimer.Reset(r.idleTimeout)
	ev := wire.StreamChunk{
		ConversationID: t.conversationID,
		TaskID:         t.id,
		Seq:            t.seq,
		Chunk:          delta,
	}
	r.mu.Unlock()

	if delta != "" {
		r.broadcaster.Broadcast(ctx, ev.ConversationID, ev)
	}
	return nil
}

// Heartbeat resets a task's idle timer without producing output.
func (r *Relay) Heartbeat(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %q: %w", taskID, ErrUnknownTask)
	}
	if t.agentID != agentID {
		return fmt.Errorf("task %q: %w", taskID, ErrNotOwner)
	}
	t.idleTimer.Reset(r.idleTimeout)
	return nil
}

// Complete finalizes a task with the agent's full reply. The
// placeholder message is rewritten to completed with content, and
// members receive a stream_end carrying the full text.
func (r *Relay) Complete(ctx context.Context, agentID, taskID, content string) error {
	t, err := r.take(agentID, taskID)
	if err != nil {
		return err
	}
	if content == "" {
		content = t.accumulated.String()
	}
	r.finalize(ctx, t, content, wire.StatusCompleted, wire.StreamEnd{
		ConversationID: t.conversationID,
		TaskID:         t.id,
		Seq:            t.seq,
		Content:        content,
	})
	return nil
}

// Fail finalizes a task as errored. Whatever accumulated is kept as
// the message content; members receive a stream_error.
func (r *Relay) Fail(ctx context.Context, agentID, taskID, message string) error {
	t, err := r.take(agentID, taskID)
	if err != nil {
		return err
	}
	r.fail(ctx, t, message)
	return nil
}

// Cancel finalizes a task on the human's request, keeping the partial
// content as a cancelled message. Returns the owning agent's id so
// the caller can forward the cancellation. No ownership check: the
// caller has already verified conversation membership.
func (r *Relay) Cancel(ctx context.Context, taskID string) (agentID string, err error) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("task %q: %w", taskID, ErrUnknownTask)
	}
	delete(r.tasks, taskID)
	t.idleTimer.Stop()
	r.mu.Unlock()

	r.finalize(ctx, t, t.accumulated.String(), wire.StatusCancelled, wire.StreamEnd{
		ConversationID: t.conversationID,
		TaskID:         t.id,
		Seq:            t.seq,
	})
	return t.agentID, nil
}

// AgentDisconnected finalizes every task owned by agentID. Tasks with
// partial output are kept as completed messages so the text the user
// watched arrive is not lost; tasks that never produced output fail.
func (r *Relay) AgentDisconnected(ctx context.Context, agentID string) {
	r.mu.Lock()
	var owned []*task
	for id, t := range r.tasks {
		if t.agentID != agentID {
			continue
		}
		delete(r.tasks, id)
		t.idleTimer.Stop()
		owned = append(owned, t)
	}
	r.mu.Unlock()

	for _, t := range owned {
		r.logger.Info("finalizing task after agent disconnect",
			"task", t.id, "agent", agentID, "accumulated", t.accumulated.Len())
		if t.accumulated.Len() == 0 {
			r.fail(ctx, t, "Agent disconnected before responding")
			continue
		}
		content := t.accumulated.String()
		r.finalize(ctx, t, content, wire.StatusCompleted, wire.StreamEnd{
			ConversationID: t.conversationID,
			TaskID:         t.id,
			Seq:            t.seq,
			Content:        content,
		})
	}
}

// Tracked reports whether taskID is a live task.
func (r *Relay) Tracked(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[taskID]
	return ok
}

// ActiveForAgent reports whether agentID has a live task in the
// conversation.
func (r *Relay) ActiveForAgent(conversationID, agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.conversationID == conversationID && t.agentID == agentID {
			return true
		}
	}
	return false
}

// ActiveInConversation reports whether any task is live in the
// conversation.
func (r *Relay) ActiveInConversation(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.conversationID == conversationID {
			return true
		}
	}
	return false
}

// take removes the task from the table after checking ownership.
func (r *Relay) take(agentID, taskID string) (*task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", taskID, ErrUnknownTask)
	}
	if t.agentID != agentID {
		return nil, fmt.Errorf("task %q: %w", taskID, ErrNotOwner)
	}
	delete(r.tasks, taskID)
	t.idleTimer.Stop()
	return t, nil
}

func (r *Relay) timeout(taskID string) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.tasks, taskID)
	r.mu.Unlock()

	r.logger.Warn("task idle timeout", "task", t.id, "agent", t.agentID)
	r.fail(context.Background(), t,
		fmt.Sprintf("Agent response timed out after %s of inactivity", r.idleTimeout))
}

func (r *Relay) fail(ctx context.Context, t *task, message string) {
	r.finalize(ctx, t, t.accumulated.String(), wire.StatusError, wire.StreamError{
		ConversationID: t.conversationID,
		TaskID:         t.id,
		Seq:            t.seq,
		Message:        message,
	})
}

// finalize persists the task's terminal state and broadcasts the
// terminal event. Persistence failure is logged, not propagated: the
// members still need the terminal event so their UI unsticks.
func (r *Relay) finalize(ctx context.Context, t *task, content string, status wire.Status, ev wire.Event) {
	if _, err := r.store.UpdateMessage(ctx, t.conversationID, t.id, content, status); err != nil {
		r.logger.Error("finalizing task message",
			"task", t.id, "status", status, "error", err)
	}
	r.broadcaster.Broadcast(ctx, t.conversationID, ev)
	if r.onFinished != nil {
		r.onFinished(t.conversationID, t.agentID)
	}
}
