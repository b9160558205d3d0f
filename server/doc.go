// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package server terminates the websocket channels: /ws for human
// clients and /ws/agent for agent bridges.
//
// The human channel speaks the sync protocol: on connect the client
// sends its per-conversation cursors and receives everything it
// missed, after which the server pushes live events. The agent
// channel authenticates with a pairing credential and then carries
// task invocations down and streamed output up; the relay fans that
// output out to conversation members.
package server
