// Copyright 2026 The Arbor Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/arbor-chat/arbor/lib/clock"
	"github.com/arbor-chat/arbor/wire"
)

const postgresSchema = `
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
    seq             BIGINT NOT NULL,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,
    status          TEXT NOT NULL,
    sender_user_id  TEXT NOT NULL DEFAULT '',
    sender_agent_id TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL,
    UNIQUE (conversation_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_messages_conv_seq
    ON messages (conversation_id, seq);
CREATE INDEX IF NOT EXISTS idx_messages_streaming
    ON messages (sender_agent_id) WHERE status = 'streaming';

CREATE TABLE IF NOT EXISTS read_positions (
    conversation_id TEXT NOT NULL,
    user_id         TEXT NOT NULL,
    seq             BIGINT NOT NULL,
    PRIMARY KEY (conversation_id, user_id)
);
`

// Postgres is the production store.
type Postgres struct {
	db  *sql.DB
	clk clock.Clock
}

// OpenPostgres connects with the given DSN and applies the schema.
func OpenPostgres(dsn string, clk clock.Clock, logger *slog.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: opening: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres store: connecting: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres store: applying schema: %w", err)
	}
	logger.Info("postgres store ready")
	return &Postgres{db: db, clk: clk}, nil
}

const messageColumns = `id, conversation_id, seq, role, content, status,
    sender_user_id, sender_agent_id, created_at, updated_at`

func (p *Postgres) AppendMessage(ctx context.Context, msg *wire.Message) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres store: begin append: %w", err)
	}
	defer tx.Rollback()

	// A transaction-scoped advisory lock keyed on the conversation
	// serializes seq stamping without locking the whole table.
	if _, err := tx.ExecContext(ctx,
		"SELECT pg_advisory_xact_lock(hashtext($1))", msg.ConversationID); err != nil {
		return fmt.Errorf("postgres store: seq lock: %w", err)
	}

	now := p.clk.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages
		    (id, conversation_id, seq, role, content, status,
		     sender_user_id, sender_agent_id, created_at, updated_at)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5, $6, $7, $8, $8
		FROM messages WHERE conversation_id = $2
		RETURNING seq`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content,
		string(msg.Status), msg.SenderUserID, msg.SenderAgentID, now,
	).Scan(&msg.Seq)
	if err != nil {
		return fmt.Errorf("postgres store: appending message: %w", err)
	}
	return tx.Commit()
}

func (p *Postgres) UpdateMessage(ctx context.Context, conversationID, messageID, content string, status wire.Status) (*wire.Message, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE messages SET content = $1, status = $2, updated_at = $3
		WHERE conversation_id = $4 AND id = $5
		RETURNING `+messageColumns,
		content, string(status), p.clk.Now().UTC(), conversationID, messageID)
	msg, err := scanPGMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %q: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: updating message: %w", err)
	}
	return &msg, nil
}

func (p *Postgres) MessagesAfter(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]wire.Message, bool, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND seq > $2
		ORDER BY seq ASC LIMIT $3`,
		conversationID, afterSeq, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("postgres store: fetching messages: %w", err)
	}
	out, err := collectPGMessages(rows)
	if err != nil {
		return nil, false, err
	}
	truncated := len(out) > limit
	if truncated {
		out = out[:limit]
	}
	return out, truncated, nil
}

func (p *Postgres) RecentMessages(ctx context.Context, conversationID string, limit int) ([]wire.Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
		    SELECT * FROM messages
		    WHERE conversation_id = $1 AND status = 'completed'
		    ORDER BY seq DESC LIMIT $2
		) recent ORDER BY seq ASC`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: fetching history: %w", err)
	}
	return collectPGMessages(rows)
}

func (p *Postgres) MaxSeq(ctx context.Context, conversationID string) (int64, error) {
	var max int64
	err := p.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = $1",
		conversationID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("postgres store: max seq: %w", err)
	}
	return max, nil
}

func (p *Postgres) StreamingMessages(ctx context.Context, agentID string) ([]wire.Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE status = 'streaming' AND sender_agent_id = $1`,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: fetching streaming messages: %w", err)
	}
	return collectPGMessages(rows)
}

func (p *Postgres) ConversationsFor(ctx context.Context, userID string) ([]string, error) {
	return p.stringColumn(ctx,
		"SELECT conversation_id FROM members WHERE user_id = $1 ORDER BY conversation_id",
		userID)
}

func (p *Postgres) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM members WHERE conversation_id = $1 AND user_id = $2)",
		conversationID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres store: membership check: %w", err)
	}
	return exists, nil
}

func (p *Postgres) MembersOf(ctx context.Context, conversationID string) ([]string, error) {
	return p.stringColumn(ctx,
		"SELECT user_id FROM members WHERE conversation_id = $1 ORDER BY user_id",
		conversationID)
}

func (p *Postgres) AgentsFor(ctx context.Context, conversationID string) ([]Agent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT a.id, a.name, a.credential_hash
		FROM agents a
		JOIN conversation_agents ca ON ca.agent_id = a.id
		WHERE ca.conversation_id = $1
		ORDER BY a.id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: fetching agents: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.CredentialHash); err != nil {
			return nil, fmt.Errorf("postgres store: scanning agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) AgentConversations(ctx context.Context, agentID string) ([]string, error) {
	return p.stringColumn(ctx,
		"SELECT conversation_id FROM conversation_agents WHERE agent_id = $1 ORDER BY conversation_id",
		agentID)
}

func (p *Postgres) AgentByID(ctx context.Context, agentID string) (Agent, error) {
	var a Agent
	err := p.db.QueryRowContext(ctx,
		"SELECT id, name, credential_hash FROM agents WHERE id = $1",
		agentID).Scan(&a.ID, &a.Name, &a.CredentialHash)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("postgres store: fetching agent: %w", err)
	}
	return a, nil
}

func (p *Postgres) CreateConversation(ctx context.Context, conversationID string) error {
	return p.exec(ctx,
		"INSERT INTO conversations (id) VALUES ($1) ON CONFLICT DO NOTHING",
		conversationID)
}

func (p *Postgres) AddMember(ctx context.Context, conversationID, userID string) error {
	return p.exec(ctx,
		"INSERT INTO members (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		conversationID, userID)
}

func (p *Postgres) CreateAgent(ctx context.Context, agent Agent) error {
	return p.exec(ctx, `
		INSERT INTO agents (id, name, credential_hash) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name,
		    credential_hash = EXCLUDED.credential_hash`,
		agent.ID, agent.Name, agent.CredentialHash)
}

func (p *Postgres) AddAgent(ctx context.Context, conversationID, agentID string) error {
	return p.exec(ctx,
		"INSERT INTO conversation_agents (conversation_id, agent_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		conversationID, agentID)
}

func (p *Postgres) SetReadPosition(ctx context.Context, conversationID, userID string, seq int64) error {
	return p.exec(ctx, `
		INSERT INTO read_positions (conversation_id, user_id, seq) VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET seq = GREATEST(read_positions.seq, EXCLUDED.seq)`,
		conversationID, userID, seq)
}

func (p *Postgres) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	var count int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = $1 AND status = 'completed'
		  AND seq > COALESCE(
		      (SELECT seq FROM read_positions
		       WHERE conversation_id = $1 AND user_id = $2), 0)`,
		conversationID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres store: unread count: %w", err)
	}
	return count, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) exec(ctx context.Context, query string, args ...any) error {
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres store: %w", err)
	}
	return nil
}

func (p *Postgres) stringColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPGMessage(row rowScanner) (wire.Message, error) {
	var m wire.Message
	var role, status string
	err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &role, &m.Content,
		&status, &m.SenderUserID, &m.SenderAgentID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return wire.Message{}, err
	}
	m.Role = wire.Role(role)
	m.Status = wire.Status(status)
	return m, nil
}

func collectPGMessages(rows *sql.Rows) ([]wire.Message, error) {
	defer rows.Close()
	var out []wire.Message
	for rows.Next() {
		m, err := scanPGMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres store: scanning message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
