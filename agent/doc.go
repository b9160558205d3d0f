// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent is the SDK for bridging an AI agent into Arbor chat.
//
// An agent dials the server's agent endpoint, authenticates with its
// credential, and then receives one task per user message addressed to
// it. The registered Handler streams the reply back through the Task:
//
//	bridge, err := agent.New(agent.Config{
//		URL:        "ws://localhost:8080/ws/agent",
//		AgentID:    "agent-echo",
//		Credential: token,
//		Handler: func(ctx context.Context, task *agent.Task) error {
//			return task.Complete(task.Content)
//		},
//	})
//	...
//	err = bridge.Run(ctx)
//
// Run reconnects on a fixed interval until ctx is cancelled. A
// rejected credential stops the loop: retrying a bad token cannot
// succeed.
//
// Task cancellation (the user pressed stop, or the connection died)
// arrives through the handler's context. Long-running handlers that
// produce no output for a while should call Task.Heartbeat to keep the
// server's idle timer from reaping the task.
package agent
