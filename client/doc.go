// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package client implements the human-side connection: a state
// machine that dials the server, reconnects with capped exponential
// backoff, and reconciles its local timeline through the sync
// protocol on every connect.
//
// All transport callbacks are guarded by an epoch counter. A socket
// that dies and reports in late, after a newer connection has been
// established, finds its epoch stale and is ignored; only the current
// connection can change client state.
package client
