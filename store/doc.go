// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists conversations, messages, membership, and
// agent identities behind a single interface with three backends:
// in-memory (tests and development), SQLite (single-node
// deployments), and PostgreSQL (production).
//
// The store owns sequence stamping: AppendMessage assigns each
// message MAX(seq)+1 within its conversation atomically, so seq
// numbers are dense, gapless, and strictly increasing per
// conversation no matter how many writers race.
package store
