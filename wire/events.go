// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package wire

// Type is the frame discriminant carried in every event's "type" field.
type Type string

// Human client → server.
const (
	TypeSync         Type = "sync"
	TypeSendMessage  Type = "send_message"
	TypeCancelStream Type = "cancel_stream"
	TypeMarkRead     Type = "mark_read"
	TypeFocus        Type = "focus"
	TypePing         Type = "ping"
)

// Server → human client.
const (
	TypeSyncResponse Type = "sync_response"
	TypeNewMessage   Type = "new_message"
	TypeStreamStart  Type = "stream_start"
	TypeStreamChunk  Type = "stream_chunk"
	TypeStreamEnd    Type = "stream_end"
	TypeStreamError  Type = "stream_error"
	TypeStreamQueued Type = "stream_queued"
	TypePong         Type = "pong"
)

// Agent bridge → server.
const (
	TypeAgentAuth      Type = "agent_auth"
	TypeAgentChunk     Type = "agent_chunk"
	TypeAgentComplete  Type = "agent_complete"
	TypeAgentError     Type = "agent_error"
	TypeAgentHeartbeat Type = "agent_heartbeat"
	TypeAgentSend      Type = "agent_send"
)

// Server → agent bridge.
const (
	TypeInvoke  Type = "invoke"
	TypeCancel  Type = "cancel"
	TypeAuthAck Type = "auth_ack"
)

// Event is implemented by every wire event.
type Event interface {
	EventType() Type
}

// Sync is the reconnect-time reconciliation request. Conversations
// maps conversation id to the client's last-seen seq; an empty map is
// a first-ever connect.
type Sync struct {
	Conversations map[string]int64 `json:"conversations"`
}

func (Sync) EventType() Type { return TypeSync }

// SendMessage submits a human message to a conversation.
type SendMessage struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

func (SendMessage) EventType() Type { return TypeSendMessage }

// CancelStream is the human-side "stop generating" request.
type CancelStream struct {
	ConversationID string `json:"conversationId"`
	TaskID         string `json:"taskId"`
}

func (CancelStream) EventType() Type { return TypeCancelStream }

// MarkRead advances the sender's read position in a conversation.
type MarkRead struct {
	ConversationID string `json:"conversationId"`
	Seq            int64  `json:"seq"`
}

func (MarkRead) EventType() Type { return TypeMarkRead }

// Focus reports tab visibility, used to suppress notifications while
// the conversation is on screen.
type Focus struct {
	Visible bool `json:"visible"`
}

func (Focus) EventType() Type { return TypeFocus }

// Ping is the application-level heartbeat. Both channels emit it on
// an interval; the peer answers Pong. Heartbeat timeout, not transport
// close, is the authoritative liveness signal.
type Ping struct{}

func (Ping) EventType() Type { return TypePing }

type Pong struct{}

func (Pong) EventType() Type { return TypePong }

// ConversationSummary is one conversation's server-side state in a
// sync response.
type ConversationSummary struct {
	ConversationID string `json:"conversationId"`
	MaxSeq         int64  `json:"maxSeq"`
	UnreadCount    int64  `json:"unreadCount"`

	// Truncated reports that the client's gap exceeded the sync batch
	// limit: the missed-message list for this conversation is partial
	// and the client should pull full history through the paginated
	// history endpoint instead of the socket.
	Truncated bool `json:"truncated,omitempty"`
}

// SyncResponse answers a Sync with, per member conversation, the
// current max seq and the messages the client is missing in ascending
// seq order.
type SyncResponse struct {
	Conversations  []ConversationSummary `json:"conversations"`
	MissedMessages []Message             `json:"missedMessages"`
}

func (SyncResponse) EventType() Type { return TypeSyncResponse }

// NewMessage broadcasts a persisted message to conversation members.
type NewMessage struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

func (NewMessage) EventType() Type { return TypeNewMessage }

// StreamStart announces an agent reply placeholder. TaskID doubles as
// the placeholder message id; Seq is the placeholder's stamped seq.
type StreamStart struct {
	ConversationID string `json:"conversationId"`
	TaskID         string `json:"taskId"`
	Seq            int64  `json:"seq"`
	AgentID        string `json:"agentId,omitempty"`
	AgentName      string `json:"agentName,omitempty"`
}

func (StreamStart) EventType() Type { return TypeStreamStart }

// StreamChunk relays one delta of an in-flight agent reply.
type StreamChunk struct {
	ConversationID string `json:"conversationId"`
	TaskID         string `json:"taskId"`
	Seq            int64  `json:"seq"`
	Chunk          string `json:"chunk"`
}

func (StreamChunk) EventType() Type { return TypeStreamChunk }

// StreamEnd finalizes an agent reply. Content is the full assembled
// text (empty on cancellation, where the persisted message carries the
// partial content).
type StreamEnd struct {
	ConversationID string `json:"conversationId"`
	TaskID         string `json:"taskId"`
	Seq            int64  `json:"seq"`
	Content        string `json:"content,omitempty"`
}

func (StreamEnd) EventType() Type { return TypeStreamEnd }

// StreamError reports a failed or rejected operation to the human
// client: agent failure, rate limiting, protocol errors. The
// connection stays open.
type StreamError struct {
	ConversationID string `json:"conversationId"`
	TaskID         string `json:"taskId,omitempty"`
	Seq            int64  `json:"seq,omitempty"`
	Message        string `json:"message"`
}

func (StreamError) EventType() Type { return TypeStreamError }

// StreamQueued tells the sender their message is waiting behind an
// active stream from the same agent in the same conversation.
type StreamQueued struct {
	ConversationID string `json:"conversationId"`
	AgentID        string `json:"agentId"`
	AgentName      string `json:"agentName,omitempty"`
}

func (StreamQueued) EventType() Type { return TypeStreamQueued }

// AgentAuth authenticates a bridge connection. Credential is the
// pairing token issued when the bot was created.
type AgentAuth struct {
	AgentID    string `json:"agentId"`
	Credential string `json:"credential"`
}

func (AgentAuth) EventType() Type { return TypeAgentAuth }

// AuthAck answers AgentAuth. On success AgentName carries the bot's
// display name; on failure Message carries the reason and the server
// closes the connection.
type AuthAck struct {
	OK        bool   `json:"ok"`
	AgentName string `json:"agentName,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (AuthAck) EventType() Type { return TypeAuthAck }

// AgentChunk streams one piece of a reply from the agent. The chunk
// may be a delta or the full accumulated text so far; the relay
// auto-detects which convention the agent uses.
type AgentChunk struct {
	TaskID string `json:"taskId"`
	Chunk  string `json:"chunk"`
}

func (AgentChunk) EventType() Type { return TypeAgentChunk }

// AgentComplete finalizes a task with the full reply content.
type AgentComplete struct {
	TaskID  string `json:"taskId"`
	Content string `json:"content"`
}

func (AgentComplete) EventType() Type { return TypeAgentComplete }

// AgentError fails a task.
type AgentError struct {
	TaskID  string `json:"taskId"`
	Message string `json:"message"`
}

func (AgentError) EventType() Type { return TypeAgentError }

// AgentHeartbeat resets a task's idle timeout without producing
// output. Emitted by agents during long tool runs.
type AgentHeartbeat struct {
	TaskID string `json:"taskId"`
}

func (AgentHeartbeat) EventType() Type { return TypeAgentHeartbeat }

// AgentSend is an unprompted message from the agent to a conversation
// it belongs to (scheduled reports, proactive notices).
type AgentSend struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

func (AgentSend) EventType() Type { return TypeAgentSend }

// HistoryEntry is one prior message included in an Invoke for context.
type HistoryEntry struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	AgentName string `json:"agentName,omitempty"`
}

// Invoke dispatches a task to an agent bridge.
type Invoke struct {
	TaskID         string         `json:"taskId"`
	ConversationID string         `json:"conversationId"`
	Content        string         `json:"content"`
	SenderUserID   string         `json:"senderUserId,omitempty"`
	History        []HistoryEntry `json:"history,omitempty"`
}

func (Invoke) EventType() Type { return TypeInvoke }

// Cancel tells the agent to abort a task. Best effort: the server has
// already stopped relaying by the time this is sent.
type Cancel struct {
	TaskID string `json:"taskId"`
}

func (Cancel) EventType() Type { return TypeCancel }
