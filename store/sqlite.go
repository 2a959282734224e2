// Package store persists conversations produced by the agent loop.
//
// Messages are append-only: each Append inserts one row with the next
// sequence number for its conversation, and rows are never updated.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/martinemde/streamloop/unifiedllm"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Conversation is the summary row of one conversation.
type Conversation struct {
	ID           string
	Title        string
	MessageCount int
	InputTokens  int
	OutputTokens int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SQLite is a conversation store backed by a SQLite database file.
type SQLite struct {
	db *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	for _, stmt := range []string{
		"PRAGMA foreign_keys = ON",
		schemaConversations,
		schemaMessages,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const schemaConversations = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	title TEXT,
	message_count INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

const schemaMessages = `
CREATE TABLE IF NOT EXISTS messages (
	conversation_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	message_json TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (conversation_id, seq),
	FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
)`

// NewConversation creates an empty conversation and returns its ID.
func (s *SQLite) NewConversation(ctx context.Context, title string) (string, error) {
	id := uuid.NewString()
	now := timeToDB(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, title, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

// Conversation returns the summary of one conversation.
func (s *SQLite) Conversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, message_count, input_tokens, output_tokens, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

// Conversations lists conversations, most recently updated first.
func (s *SQLite) Conversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, message_count, input_tokens, output_tokens, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Append adds msg to the end of a conversation and updates its counters.
func (s *SQLite) Append(ctx context.Context, conversationID string, msg unifiedllm.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	err = tx.QueryRowContext(ctx,
		`SELECT message_count FROM conversations WHERE id = ?`, conversationID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := timeToDB(time.Now())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, seq, role, message_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		conversationID, seq, string(msg.Role), string(raw), now,
	); err != nil {
		return fmt.Errorf("insert message %d: %w", seq, err)
	}

	var in, out int
	if msg.Usage != nil {
		in, out = msg.Usage.InputTokens, msg.Usage.OutputTokens
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET
			message_count = message_count + 1,
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			updated_at = ?
		 WHERE id = ?`,
		in, out, now, conversationID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Messages returns a conversation's messages in append order.
func (s *SQLite) Messages(ctx context.Context, conversationID string) ([]unifiedllm.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_json FROM messages WHERE conversation_id = ? ORDER BY seq`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]unifiedllm.Message, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var msg unifiedllm.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Sink returns a conversation sink bound to one conversation.
func (s *SQLite) Sink(conversationID string) *Sink {
	return &Sink{store: s, conversationID: conversationID}
}

// Sink appends loop messages to one conversation.
type Sink struct {
	store          *SQLite
	conversationID string
}

// ConversationID returns the conversation the sink writes to.
func (k *Sink) ConversationID() string { return k.conversationID }

// Append persists msg.
func (k *Sink) Append(ctx context.Context, msg unifiedllm.Message) error {
	return k.store.Append(ctx, k.conversationID, msg)
}

func scanConversation(r rowScanner) (Conversation, error) {
	var (
		c                    Conversation
		title                sql.NullString
		createdAt, updatedAt string
	)
	if err := r.Scan(&c.ID, &title, &c.MessageCount, &c.InputTokens, &c.OutputTokens, &createdAt, &updatedAt); err != nil {
		return Conversation{}, err
	}
	c.Title = title.String
	var err error
	if c.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return Conversation{}, err
	}
	if c.UpdatedAt, err = timeFromDB(updatedAt); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// dbTime is fixed width so that stored timestamps sort lexically.
const dbTime = "2006-01-02T15:04:05.000000000Z07:00"

func timeToDB(v time.Time) string {
	return v.UTC().Format(dbTime)
}

func timeFromDB(v string) (time.Time, error) {
	return time.Parse(dbTime, v)
}
