// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the event vocabulary exchanged over Arbor's
// duplex channels and its JSON framing.
//
// Every frame is a JSON object with a "type" discriminant; the
// remaining fields vary by type. Two channels share the vocabulary:
// the human client channel (/ws) and the agent bridge channel
// (/ws/agent). [Decode] dispatches on the discriminant and returns the
// concrete event struct; [Encode] does the reverse. Unknown
// discriminants and frames over [MaxFrameSize] are protocol errors —
// the connection stays open, the event is dropped with an error event
// back to the sender.
//
// Message ordering across the wire is carried entirely by the Seq
// field stamped at persistence time. Delivery is fire-and-forget;
// receivers merge by seq, never by arrival order.
package wire
