// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/arbor-chat/arbor/lib/clock"
	"github.com/arbor-chat/arbor/lib/sqlitepool"
	"github.com/arbor-chat/arbor/wire"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS members (
    conversation_id TEXT NOT NULL,
    user_id         TEXT NOT NULL,
    PRIMARY KEY (conversation_id, user_id)
);

CREATE TABLE IF NOT EXISTS agents (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    credential_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_agents (
    conversation_id TEXT NOT NULL,
    agent_id        TEXT NOT NULL,
    PRIMARY KEY (conversation_id, agent_id)
);

CREATE TABLE IF NOT EXISTS messages (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    seq             INTEGER NOT NULL,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,
    status          TEXT NOT NULL,
    sender_user_id  TEXT NOT NULL DEFAULT '',
    sender_agent_id TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    UNIQUE (conversation_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_messages_conv_seq
    ON messages (conversation_id, seq);
CREATE INDEX IF NOT EXISTS idx_messages_streaming
    ON messages (sender_agent_id) WHERE status = 'streaming';

CREATE TABLE IF NOT EXISTS read_positions (
    conversation_id TEXT NOT NULL,
    user_id         TEXT NOT NULL,
    seq             INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, user_id)
);
`

// SQLite is the single-node file-backed store.
type SQLite struct {
	pool *sqlitepool.Pool
	clk  clock.Clock
}

// SQLiteConfig holds the parameters for opening a SQLite store.
type SQLiteConfig struct {
	// Path is the filesystem path to the database file. The parent
	// directory must exist.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative.
	PoolSize int

	// Clock provides message timestamps.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at cfg.Path and
// applies the schema.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("sqlite store: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("sqlite store: Logger is required")
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, err
	}
	err = sqlitex.ExecuteScript(conn, sqliteSchema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("sqlite store: applying schema: %w", err)
	}
	return &SQLite{pool: pool, clk: cfg.Clock}, nil
}

func (s *SQLite) AppendMessage(ctx context.Context, msg *wire.Message) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	now := s.clk.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	// The seq subselect and the insert execute as one statement, so
	// concurrent appends to the same conversation cannot collide.
	const query = `
		INSERT INTO messages
		    (id, conversation_id, seq, role, content, status,
		     sender_user_id, sender_agent_id, created_at, updated_at)
		VALUES (?, ?,
		    (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?),
		    ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq`
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{
			msg.ID, msg.ConversationID, msg.ConversationID,
			string(msg.Role), msg.Content, string(msg.Status),
			msg.SenderUserID, msg.SenderAgentID,
			now.UnixMilli(), now.UnixMilli(),
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			msg.Seq = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("sqlite store: appending message: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateMessage(ctx context.Context, conversationID, messageID, content string, status wire.Status) (*wire.Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	now := s.clk.Now().UTC()
	const query = `
		UPDATE messages SET content = ?, status = ?, updated_at = ?
		WHERE conversation_id = ? AND id = ?
		RETURNING id, conversation_id, seq, role, content, status,
		          sender_user_id, sender_agent_id, created_at, updated_at`
	var updated *wire.Message
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{content, string(status), now.UnixMilli(), conversationID, messageID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			m := scanMessage(stmt)
			updated = &m
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: updating message: %w", err)
	}
	if updated == nil {
		return nil, fmt.Errorf("message %q: %w", messageID, ErrNotFound)
	}
	return updated, nil
}

func (s *SQLite) MessagesAfter(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]wire.Message, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.pool.Put(conn)

	// Fetch one extra row to detect truncation.
	const query = `
		SELECT id, conversation_id, seq, role, content, status,
		       sender_user_id, sender_agent_id, created_at, updated_at
		FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`
	var out []wire.Message
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{conversationID, afterSeq, limit + 1},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, scanMessage(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("sqlite store: fetching messages: %w", err)
	}
	truncated := len(out) > limit
	if truncated {
		out = out[:limit]
	}
	return out, truncated, nil
}

func (s *SQLite) RecentMessages(ctx context.Context, conversationID string, limit int) ([]wire.Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	const query = `
		SELECT id, conversation_id, seq, role, content, status,
		       sender_user_id, sender_agent_id, created_at, updated_at
		FROM (
		    SELECT * FROM messages
		    WHERE conversation_id = ? AND status = 'completed'
		    ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`
	var out []wire.Message
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{conversationID, limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, scanMessage(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: fetching history: %w", err)
	}
	return out, nil
}

func (s *SQLite) MaxSeq(ctx context.Context, conversationID string) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var max int64
	err = sqlitex.Execute(conn,
		"SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{conversationID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				max = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("sqlite store: max seq: %w", err)
	}
	return max, nil
}

func (s *SQLite) StreamingMessages(ctx context.Context, agentID string) ([]wire.Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	const query = `
		SELECT id, conversation_id, seq, role, content, status,
		       sender_user_id, sender_agent_id, created_at, updated_at
		FROM messages
		WHERE status = 'streaming' AND sender_agent_id = ?`
	var out []wire.Message
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{agentID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, scanMessage(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: fetching streaming messages: %w", err)
	}
	return out, nil
}

func (s *SQLite) ConversationsFor(ctx context.Context, userID string) ([]string, error) {
	return s.stringColumn(ctx,
		"SELECT conversation_id FROM members WHERE user_id = ? ORDER BY conversation_id",
		userID)
}

func (s *SQLite) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn,
		"SELECT 1 FROM members WHERE conversation_id = ? AND user_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{conversationID, userID},
			ResultFunc: func(*sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("sqlite store: membership check: %w", err)
	}
	return found, nil
}

func (s *SQLite) MembersOf(ctx context.Context, conversationID string) ([]string, error) {
	return s.stringColumn(ctx,
		"SELECT user_id FROM members WHERE conversation_id = ? ORDER BY user_id",
		conversationID)
}

func (s *SQLite) AgentsFor(ctx context.Context, conversationID string) ([]Agent, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	const query = `
		SELECT a.id, a.name, a.credential_hash
		FROM agents a
		JOIN conversation_agents ca ON ca.agent_id = a.id
		WHERE ca.conversation_id = ?
		ORDER BY a.id`
	var out []Agent
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{conversationID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, Agent{
				ID:             stmt.ColumnText(0),
				Name:           stmt.ColumnText(1),
				CredentialHash: stmt.ColumnText(2),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: fetching agents: %w", err)
	}
	return out, nil
}

func (s *SQLite) AgentConversations(ctx context.Context, agentID string) ([]string, error) {
	return s.stringColumn(ctx,
		"SELECT conversation_id FROM conversation_agents WHERE agent_id = ? ORDER BY conversation_id",
		agentID)
}

func (s *SQLite) AgentByID(ctx context.Context, agentID string) (Agent, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Agent{}, err
	}
	defer s.pool.Put(conn)

	var agent Agent
	found := false
	err = sqlitex.Execute(conn,
		"SELECT id, name, credential_hash FROM agents WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{agentID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				agent = Agent{
					ID:             stmt.ColumnText(0),
					Name:           stmt.ColumnText(1),
					CredentialHash: stmt.ColumnText(2),
				}
				found = true
				return nil
			},
		})
	if err != nil {
		return Agent{}, fmt.Errorf("sqlite store: fetching agent: %w", err)
	}
	if !found {
		return Agent{}, fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	return agent, nil
}

func (s *SQLite) CreateConversation(ctx context.Context, conversationID string) error {
	return s.exec(ctx,
		"INSERT INTO conversations (id) VALUES (?) ON CONFLICT DO NOTHING",
		conversationID)
}

func (s *SQLite) AddMember(ctx context.Context, conversationID, userID string) error {
	return s.exec(ctx,
		"INSERT INTO members (conversation_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING",
		conversationID, userID)
}

func (s *SQLite) CreateAgent(ctx context.Context, agent Agent) error {
	return s.exec(ctx, `
		INSERT INTO agents (id, name, credential_hash) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name,
		    credential_hash = excluded.credential_hash`,
		agent.ID, agent.Name, agent.CredentialHash)
}

func (s *SQLite) AddAgent(ctx context.Context, conversationID, agentID string) error {
	return s.exec(ctx,
		"INSERT INTO conversation_agents (conversation_id, agent_id) VALUES (?, ?) ON CONFLICT DO NOTHING",
		conversationID, agentID)
}

func (s *SQLite) SetReadPosition(ctx context.Context, conversationID, userID string, seq int64) error {
	return s.exec(ctx, `
		INSERT INTO read_positions (conversation_id, user_id, seq) VALUES (?, ?, ?)
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET seq = MAX(seq, excluded.seq)`,
		conversationID, userID, seq)
}

func (s *SQLite) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	const query = `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND status = 'completed'
		  AND seq > COALESCE(
		      (SELECT seq FROM read_positions
		       WHERE conversation_id = ? AND user_id = ?), 0)`
	var count int64
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{conversationID, conversationID, userID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite store: unread count: %w", err)
	}
	return count, nil
}

func (s *SQLite) Close() error { return s.pool.Close() }

func (s *SQLite) exec(ctx context.Context, query string, args ...any) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("sqlite store: %w", err)
	}
	return nil
}

func (s *SQLite) stringColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	var out []string
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: %w", err)
	}
	return out, nil
}

func scanMessage(stmt *sqlite.Stmt) wire.Message {
	return wire.Message{
		ID:             stmt.ColumnText(0),
		ConversationID: stmt.ColumnText(1),
		Seq:            stmt.ColumnInt64(2),
		Role:           wire.Role(stmt.ColumnText(3)),
		Content:        stmt.ColumnText(4),
		Status:         wire.Status(stmt.ColumnText(5)),
		SenderUserID:   stmt.ColumnText(6),
		SenderAgentID:  stmt.ColumnText(7),
		CreatedAt:      time.UnixMilli(stmt.ColumnInt64(8)).UTC(),
		UpdatedAt:      time.UnixMilli(stmt.ColumnInt64(9)).UTC(),
	}
}
