// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"
	"time"

	"github.com/arbor-chat/arbor/lib/clock"
	"github.com/arbor-chat/arbor/wire"
)

const (
	// MaxPendingPerUser caps each user's offline queue. When the
	// queue is full the oldest event is dropped; the sync protocol
	// recovers anything lost from the store on reconnect.
	MaxPendingPerUser = 1000

	// PendingTTL is how long a queued event stays deliverable.
	PendingTTL = 24 * time.Hour
)

type pendingItem struct {
	ev       wire.Event
	queuedAt time.Time
}

// PendingQueue buffers events for users who are offline, so transient
// notifications (stream lifecycle, new messages) survive a brief
// disconnect without a full resync.
type PendingQueue struct {
	clk clock.Clock

	mu    sync.Mutex
	users map[string][]pendingItem
}

// NewPendingQueue returns an empty queue.
func NewPendingQueue(clk clock.Clock) *PendingQueue {
	return &PendingQueue{clk: clk, users: make(map[string][]pendingItem)}
}

// Enqueue buffers ev for userID. Pong frames are never queued: a pong
// delivered after reconnect is meaningless. At capacity the oldest
// event is dropped.
func (q *PendingQueue) Enqueue(userID string, ev wire.Event) {
	if ev.EventType() == wire.TypePong {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.users[userID]
	if len(items) >= MaxPendingPerUser {
		items = items[1:]
	}
	q.users[userID] = append(items, pendingItem{ev: ev, queuedAt: q.clk.Now()})
}

// Drain removes and returns userID's queued events in arrival order,
// skipping any that expired.
func (q *PendingQueue) Drain(userID string) []wire.Event {
	q.mu.Lock()
	items := q.users[userID]
	delete(q.users, userID)
	q.mu.Unlock()

	cutoff := q.clk.Now().Add(-PendingTTL)
	var out []wire.Event
	for _, item := range items {
		if item.queuedAt.Before(cutoff) {
			continue
		}
		out = append(out, item.ev)
	}
	return out
}

// Len reports the number of events queued for userID.
func (q *PendingQueue) Len(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.users[userID])
}
