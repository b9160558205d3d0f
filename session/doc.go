// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package session tracks live socket connections and queues events
// for identities that are offline.
//
// The registry enforces one connection per identity: registering a
// second connection for the same identity atomically replaces the
// first and closes it. Every registration is issued a connection id,
// and teardown paths must present that id back, so a slow cleanup
// from a dead connection can never evict the replacement that arrived
// in the meantime.
package session
