// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arbor-chat/arbor/lib/clock"
	"github.com/arbor-chat/arbor/lib/ratelimit"
	"github.com/arbor-chat/arbor/relay"
	"github.com/arbor-chat/arbor/session"
	"github.com/arbor-chat/arbor/store"
	"github.com/arbor-chat/arbor/wire"
)

const (
	// DefaultHeartbeatTimeout evicts connections silent this long.
	DefaultHeartbeatTimeout = 45 * time.Second

	// DefaultAgentAuthTimeout bounds how long an agent socket may sit
	// unauthenticated before it is closed.
	DefaultAgentAuthTimeout = 10 * time.Second

	// DefaultSyncBatch caps missed messages returned per conversation
	// in one sync response.
	DefaultSyncBatch = 200

	// DefaultHistoryLimit caps prior messages included in an agent
	// invocation.
	DefaultHistoryLimit = 20
)

// SessionResolver authenticates the human websocket handshake.
type SessionResolver interface {
	ResolveSession(r *http.Request) (userID string, err error)
}

// SessionResolverFunc adapts a function to SessionResolver.
type SessionResolverFunc func(r *http.Request) (string, error)

func (f SessionResolverFunc) ResolveSession(r *http.Request) (string, error) { return f(r) }

// Config holds the parameters for creating a Server.
type Config struct {
	Logger   *slog.Logger
	Clock    clock.Clock
	Store    store.Store
	Sessions SessionResolver

	// SendLimit and SendWindow configure the per-identity fixed
	// window for message sends. Zero values take the ratelimit
	// package defaults.
	SendLimit  int
	SendWindow time.Duration

	// HeartbeatTimeout, AgentAuthTimeout, TaskIdleTimeout, SyncBatch,
	// and HistoryLimit default to the package constants if zero.
	HeartbeatTimeout time.Duration
	AgentAuthTimeout time.Duration
	TaskIdleTimeout  time.Duration
	SyncBatch        int
	HistoryLimit     int
}

type queueKey struct {
	conversationID string
	agentID        string
}

type queuedInvoke struct {
	senderUserID string
	content      string
}

// Server owns the connection registry, the task relay, and the
// dispatch queues. One instance serves both channels.
type Server struct {
	logger   *slog.Logger
	clk      clock.Clock
	store    store.Store
	sessions SessionResolver
	registry *session.Registry
	pending  *session.PendingQueue
	relay    *relay.Relay
	limiter  *ratelimit.Limiter
	upgrader websocket.Upgrader

	heartbeatTimeout time.Duration
	agentAuthTimeout time.Duration
	syncBatch        int
	historyLimit     int

	queueMu sync.Mutex
	queued  map[queueKey][]queuedInvoke

	// visible tracks tab focus per user, reported by focus frames.
	// Currently informational; recorded for notification suppression.
	visibleMu sync.Mutex
	visible   map[string]bool
}

// New wires a Server from its collaborators.
func New(cfg Config) *Server {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.AgentAuthTimeout <= 0 {
		cfg.AgentAuthTimeout = DefaultAgentAuthTimeout
	}
	if cfg.SyncBatch <= 0 {
		cfg.SyncBatch = DefaultSyncBatch
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	sendLimit := cfg.SendLimit
	if sendLimit <= 0 {
		sendLimit = ratelimit.DefaultLimit
	}
	sendWindow := cfg.SendWindow
	if sendWindow <= 0 {
		sendWindow = ratelimit.DefaultWindow
	}

	s := &Server{
		logger:           cfg.Logger,
		clk:              cfg.Clock,
		store:            cfg.Store,
		sessions:         cfg.Sessions,
		registry:         session.NewRegistry(cfg.Clock, cfg.Logger),
		pending:          session.NewPendingQueue(cfg.Clock),
		limiter:          ratelimit.New(sendLimit, sendWindow, cfg.Clock),
		heartbeatTimeout: cfg.HeartbeatTimeout,
		agentAuthTimeout: cfg.AgentAuthTimeout,
		syncBatch:        cfg.SyncBatch,
		historyLimit:     cfg.HistoryLimit,
		queued:           make(map[queueKey][]queuedInvoke),
		visible:          make(map[string]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from app origins; auth happens
			// at session resolution, not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.relay = relay.New(relay.Config{
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
		Store:       cfg.Store,
		Broadcaster: s,
		IdleTimeout: cfg.TaskIdleTimeout,
		OnFinished:  s.dispatchNext,
	})
	return s
}

// Handler returns the HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleHumanSocket)
	mux.HandleFunc("/ws/agent", s.handleAgentSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Run drives the heartbeat sweeper until ctx is done. Connections
// that go silent past the heartbeat timeout are closed; evicted
// agents have their in-flight tasks finalized.
func (s *Server) Run(ctx context.Context) {
	ticker := s.clk.NewTicker(s.heartbeatTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ev := range s.registry.ExpireIdle(s.heartbeatTimeout) {
				if ev.Kind == session.KindAgent {
					s.relay.AgentDisconnected(ctx, ev.Identity)
				}
			}
		}
	}
}

// Broadcast delivers ev to every member of the conversation, queueing
// it for members who are offline.
func (s *Server) Broadcast(ctx context.Context, conversationID string, ev wire.Event) {
	members, err := s.store.MembersOf(ctx, conversationID)
	if err != nil {
		s.logger.Error("resolving members for broadcast",
			"conversation", conversationID, "error", err)
		return
	}
	for _, userID := range members {
		s.sendOrQueue(userID, ev)
	}
}

func (s *Server) sendOrQueue(userID string, ev wire.Event) {
	err := s.registry.Send(session.KindHuman, userID, ev)
	if err == nil {
		return
	}
	if !errors.Is(err, session.ErrNotConnected) {
		s.logger.Warn("delivery failed, queueing",
			"user", userID, "event", ev.EventType(), "error", err)
	}
	s.pending.Enqueue(userID, ev)
}

// enqueueInvoke parks a dispatch behind the agent's active stream in
// the conversation.
func (s *Server) enqueueInvoke(conversationID, agentID, senderUserID, content string) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	k := queueKey{conversationID, agentID}
	s.queued[k] = append(s.queued[k], queuedInvoke{
		senderUserID: senderUserID,
		content:      content,
	})
}

// dispatchNext runs after a task finishes and dispatches the oldest
// queued invocation for the same conversation and agent, if any.
func (s *Server) dispatchNext(conversationID, agentID string) {
	s.queueMu.Lock()
	k := queueKey{conversationID, agentID}
	queue := s.queued[k]
	if len(queue) == 0 {
		s.queueMu.Unlock()
		return
	}
	next := queue[0]
	if len(queue) == 1 {
		delete(s.queued, k)
	} else {
		s.queued[k] = queue[1:]
	}
	s.queueMu.Unlock()

	s.dispatch(context.Background(), next.senderUserID, agentID, conversationID, next.content)
}
