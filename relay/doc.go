// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay tracks in-flight agent tasks and forwards their
// streamed output to conversation members.
//
// A task is created when the server dispatches an invocation and
// lives until the agent completes it, fails it, the human cancels it,
// the agent disconnects, or the idle timeout fires. Every task is
// bound to the agent it was dispatched to; frames about the task from
// any other agent connection are rejected. The task id doubles as the
// id of the placeholder message persisted at dispatch, so finalizing
// a task is an in-place update that keeps the placeholder's seq.
package relay
