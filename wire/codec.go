// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameSize bounds inbound frames. Oversized frames are rejected
// before decoding; outbound frames (sync responses, history) are not
// subject to the limit.
const MaxFrameSize = 32 * 1024

var (
	// ErrFrameTooLarge reports an inbound frame over MaxFrameSize.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

	// ErrUnknownType reports a frame whose "type" field names no
	// known event. Callers drop the frame and keep the connection.
	ErrUnknownType = errors.New("wire: unknown event type")
)

// Encode serializes an event as a JSON frame with the "type"
// discriminant merged into the event's own fields.
func Encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", ev.EventType(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", ev.EventType(), err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	fields["type"], err = json.Marshal(ev.EventType())
	if err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// DecodeBounded is Decode with the inbound size cap applied: frames
// over MaxFrameSize return ErrFrameTooLarge without being parsed.
// Servers decode with this; clients use Decode directly, since
// outbound frames (sync responses, history) are unbounded.
func DecodeBounded(frame []byte) (Event, error) {
	if len(frame) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	return Decode(frame)
}

// Decode parses a JSON frame into the event named by its "type"
// field. Unrecognized discriminants return ErrUnknownType.
func Decode(frame []byte) (Event, error) {
	var header struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(frame, &header); err != nil {
		return nil, fmt.Errorf("decoding frame header: %w", err)
	}
	ev := newEvent(header.Type)
	if ev == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, header.Type)
	}
	if err := json.Unmarshal(frame, ev); err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", header.Type, err)
	}
	return ev.(Event), nil
}

// newEvent returns a pointer to a zero value of the event struct for
// t, or nil for an unknown discriminant.
func newEvent(t Type) any {
	switch t {
	case TypeSync:
		return &Sync{}
	case TypeSendMessage:
		return &SendMessage{}
	case TypeCancelStream:
		return &CancelStream{}
	case TypeMarkRead:
		return &MarkRead{}
	case TypeFocus:
		return &Focus{}
	case TypePing:
		return &Ping{}
	case TypeSyncResponse:
		return &SyncResponse{}
	case TypeNewMessage:
		return &NewMessage{}
	case TypeStreamStart:
		return &StreamStart{}
	case TypeStreamChunk:
		return &StreamChunk{}
	case TypeStreamEnd:
		return &StreamEnd{}
	case TypeStreamError:
		return &StreamError{}
	case TypeStreamQueued:
		return &StreamQueued{}
	case TypePong:
		return &Pong{}
	case TypeAgentAuth:
		return &AgentAuth{}
	case TypeAgentChunk:
		return &AgentChunk{}
	case TypeAgentComplete:
		return &AgentComplete{}
	case TypeAgentError:
		return &AgentError{}
	case TypeAgentHeartbeat:
		return &AgentHeartbeat{}
	case TypeAgentSend:
		return &AgentSend{}
	case TypeInvoke:
		return &Invoke{}
	case TypeCancel:
		return &Cancel{}
	case TypeAuthAck:
		return &AuthAck{}
	}
	return nil
}
