// Package store persists terminated fan-out conversations to SQLite.
// The archive is write-mostly history for inspection and prompt seeding;
// it is never read back to resume live coordination state.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/akropp/openclaw/internal/fanout"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	rounds     INTEGER NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	ended_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_channel
	ON conversations(channel_id, ended_at);

CREATE TABLE IF NOT EXISTS conversation_messages (
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	idx             INTEGER NOT NULL,
	agent_id        TEXT NOT NULL,
	content         TEXT NOT NULL,
	PRIMARY KEY (conversation_id, idx)
);
`

// ConversationStore archives fan-out conversations. It implements
// fanout.Archiver.
type ConversationStore struct {
	db *sqlx.DB
}

// ArchivedConversation is one stored conversation header.
type ArchivedConversation struct {
	ID        string    `db:"id"`
	ChannelID string    `db:"channel_id"`
	Rounds    int       `db:"rounds"`
	Reason    string    `db:"reason"`
	EndedAt   time.Time `db:"ended_at"`
}

// ArchivedMessage is one stored conversation entry.
type ArchivedMessage struct {
	ConversationID string `db:"conversation_id"`
	Index          int    `db:"idx"`
	AgentID        string `db:"agent_id"`
	Content        string `db:"content"`
}

// Open opens (creating if needed) the archive database at path.
func Open(path string) (*ConversationStore, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	// The archive is written from one goroutine at a time per termination,
	// but modernc's driver still wants a single writer connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply archive schema: %w", err)
	}
	return &ConversationStore{db: db}, nil
}

func (s *ConversationStore) Close() error { return s.db.Close() }

// ArchiveConversation stores one terminated conversation and its transcript.
func (s *ConversationStore) ArchiveConversation(ctx context.Context, rec fanout.ConversationRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, channel_id, rounds, reason, ended_at) VALUES (?, ?, ?, ?, ?)`,
		id, rec.ChannelID, rec.Rounds, rec.Reason, rec.EndedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	for _, m := range rec.Messages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_messages (conversation_id, idx, agent_id, content) VALUES (?, ?, ?, ?)`,
			id, m.Index, m.AgentID, m.Content,
		); err != nil {
			return fmt.Errorf("insert conversation message %d: %w", m.Index, err)
		}
	}
	return tx.Commit()
}

// RecentConversations returns up to limit archived conversations for a
// channel, newest first.
func (s *ConversationStore) RecentConversations(ctx context.Context, channelID string, limit int) ([]ArchivedConversation, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []ArchivedConversation
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, channel_id, rounds, reason, ended_at FROM conversations
		 WHERE channel_id = ? ORDER BY ended_at DESC LIMIT ?`,
		channelID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select conversations: %w", err)
	}
	return out, nil
}

// Transcript returns the ordered messages of one archived conversation.
func (s *ConversationStore) Transcript(ctx context.Context, conversationID string) ([]ArchivedMessage, error) {
	var out []ArchivedMessage
	err := s.db.SelectContext(ctx, &out,
		`SELECT conversation_id, idx, agent_id, content FROM conversation_messages
		 WHERE conversation_id = ? ORDER BY idx`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transcript: %w", err)
	}
	return out, nil
}
