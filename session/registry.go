// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbor-chat/arbor/lib/clock"
	"github.com/arbor-chat/arbor/wire"
)

// Kind separates the human and agent connection namespaces: a user
// and an agent may share an identity string without colliding.
type Kind string

const (
	KindHuman Kind = "human"
	KindAgent Kind = "agent"
)

// ErrNotConnected reports a send to an identity with no live
// connection.
var ErrNotConnected = errors.New("session: not connected")

// Conn is the transport surface the registry needs. Both methods must
// be safe for concurrent use; Close must be idempotent.
type Conn interface {
	Send(ev wire.Event) error
	Close()
}

type entry struct {
	conn         Conn
	connectionID string
	lastActivity time.Time
}

type key struct {
	kind     Kind
	identity string
}

// Registry is the connection table. Safe for concurrent use.
type Registry struct {
	clk    clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	conns map[key]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry(clk clock.Clock, logger *slog.Logger) *Registry {
	return &Registry{
		clk:    clk,
		logger: logger,
		conns:  make(map[key]*entry),
	}
}

// Register installs conn as the live connection for the identity and
// returns its connection id. Any previous connection for the same
// identity is closed.
func (r *Registry) Register(kind Kind, identity string, conn Conn) string {
	id := uuid.NewString()
	k := key{kind, identity}

	r.mu.Lock()
	prev := r.conns[k]
	r.conns[k] = &entry{
		conn:         conn,
		connectionID: id,
		lastActivity: r.clk.Now(),
	}
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info("replacing connection",
			"kind", kind, "identity", identity, "replaced", prev.connectionID)
		prev.conn.Close()
	}
	return id
}

// Unregister removes the identity's connection only if connectionID
// still names it. Returns false when a newer connection has already
// taken the slot, in which case the caller must not touch any shared
// state for the identity.
func (r *Registry) Unregister(kind Kind, identity, connectionID string) bool {
	k := key{kind, identity}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[k]
	if !ok || e.connectionID != connectionID {
		return false
	}
	delete(r.conns, k)
	return true
}

// Connected reports whether the identity has a live connection.
func (r *Registry) Connected(kind Kind, identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[key{kind, identity}]
	return ok
}

// Send delivers ev to the identity's live connection, or returns
// ErrNotConnected.
func (r *Registry) Send(kind Kind, identity string, ev wire.Event) error {
	r.mu.Lock()
	e, ok := r.conns[key{kind, identity}]
	r.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	return e.conn.Send(ev)
}

// Touch refreshes the identity's last-activity time. Called for every
// inbound frame, including pings.
func (r *Registry) Touch(kind Kind, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[key{kind, identity}]; ok {
		e.lastActivity = r.clk.Now()
	}
}

// Evicted names a connection removed by ExpireIdle.
type Evicted struct {
	Kind     Kind
	Identity string
}

// ExpireIdle closes and removes every connection that has been silent
// for at least timeout, returning what it evicted. The server runs
// this on a ticker; heartbeat silence, not transport close, is the
// authoritative liveness signal.
func (r *Registry) ExpireIdle(timeout time.Duration) []Evicted {
	cutoff := r.clk.Now().Add(-timeout)

	r.mu.Lock()
	var evicted []Evicted
	var closers []Conn
	for k, e := range r.conns {
		if e.lastActivity.After(cutoff) {
			continue
		}
		delete(r.conns, k)
		evicted = append(evicted, Evicted{Kind: k.kind, Identity: k.identity})
		closers = append(closers, e.conn)
		r.logger.Info("expiring idle connection",
			"kind", k.kind, "identity", k.identity, "idle", timeout)
	}
	r.mu.Unlock()

	for _, c := range closers {
		c.Close()
	}
	return evicted
}
