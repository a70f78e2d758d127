// Package store persists conversations and their messages in SQLite.
//
// Messages form a tree: every message points at its parent, and each
// conversation tracks a current node. Editing or regenerating a message adds
// a sibling branch instead of rewriting history; the flattened path from the
// root to the current node is the active branch shown to users and sent to
// the model. Not-found conditions are reported as errors wrapping
// sql.ErrNoRows.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/MegaGrindStone/go-mcp-agent/pkg/host"
)

// Conversation is one chat thread. CurrentNode is the id of the newest
// message on the active branch, or empty for a conversation with no messages
// yet.
type Conversation struct {
	ID          string
	Title       string
	CurrentNode string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message is one node in a conversation tree. ParentID is empty for root
// messages. ToolCalls and ToolCallID mirror the agent's message fields and
// are stored as JSON.
type Message struct {
	ID         string
	ParentID   string
	Role       string
	Content    string
	Reasoning  string
	ToolCalls  []host.ToolCall
	ToolCallID string
	CreatedAt  time.Time
}

// Store persists conversation trees in SQLite. All methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// New creates a Store on an open database, running migrations on first use.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate conversations schema: %w", err)
	}
	return s, nil
}

// Open opens (creating it if needed) the SQLite database at path and returns
// a Store backed by it.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open conversations database: %w", err)
	}

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id           TEXT PRIMARY KEY,
		title        TEXT NOT NULL,
		current_node TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		parent_id       TEXT NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		reasoning       TEXT NOT NULL,
		tool_calls      TEXT NOT NULL,
		tool_call_id    TEXT NOT NULL,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateConversation creates an empty conversation with the given title.
func (s *Store) CreateConversation(ctx context.Context, title string) (Conversation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Conversation{}, fmt.Errorf("generate conversation id: %w", err)
	}

	now := time.Now()
	conv := Conversation{
		ID:        id.String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, current_node, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, "", formatTime(now), formatTime(now))
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	return conv, nil
}

// Conversation loads a conversation by id.
func (s *Store) Conversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, current_node, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)

	var conv Conversation
	var createdAt, updatedAt string
	if err := row.Scan(&conv.ID, &conv.Title, &conv.CurrentNode, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, fmt.Errorf("conversation %s: %w", id, sql.ErrNoRows)
		}
		return Conversation{}, fmt.Errorf("query conversation: %w", err)
	}

	var err error
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return Conversation{}, err
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// Conversations lists all conversations, most recently updated first.
func (s *Store) Conversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, current_node, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var conv Conversation
		var createdAt, updatedAt string
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.CurrentNode, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if conv.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// RenameConversation updates a conversation's title.
func (s *Store) RenameConversation(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	return requireAffected(res, "conversation "+id)
}

// DeleteConversation removes a conversation and all of its messages, on
// every branch.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if err := requireAffected(res, "conversation "+id); err != nil {
		return err
	}

	return tx.Commit()
}

// AppendMessage stores msg under the given parent and advances the
// conversation's current node to it, making it the tip of the active branch.
// An empty parentID starts a new root; a non-empty parentID must name a
// message in the same conversation. If msg.ID is empty a UUIDv7 is
// generated. The stored message is returned.
func (s *Store) AppendMessage(ctx context.Context, conversationID, parentID string, msg Message) (Message, error) {
	if msg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Message{}, fmt.Errorf("generate message id: %w", err)
		}
		msg.ID = id.String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.ParentID = parentID

	toolCalls, err := encodeToolCalls(msg.ToolCalls)
	if err != nil {
		return Message{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if msg.ParentID != "" {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM messages WHERE id = ? AND conversation_id = ?)`,
			msg.ParentID, conversationID).Scan(&exists)
		if err != nil {
			return Message{}, fmt.Errorf("check parent message: %w", err)
		}
		if !exists {
			return Message{}, fmt.Errorf("parent message %s: %w", msg.ParentID, sql.ErrNoRows)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET current_node = ?, updated_at = ? WHERE id = ?`,
		msg.ID, formatTime(time.Now()), conversationID)
	if err != nil {
		return Message{}, fmt.Errorf("advance current node: %w", err)
	}
	if err := requireAffected(res, "conversation "+conversationID); err != nil {
		return Message{}, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages
			(id, conversation_id, parent_id, role, content, reasoning, tool_calls, tool_call_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, msg.ParentID, msg.Role, msg.Content,
		msg.Reasoning, toolCalls, msg.ToolCallID, formatTime(msg.CreatedAt))
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit append: %w", err)
	}
	return msg, nil
}

// UpdateCurrentNode switches a conversation's active branch to end at
// nodeID, which must name a message in the conversation.
func (s *Store) UpdateCurrentNode(ctx context.Context, conversationID, nodeID string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE id = ? AND conversation_id = ?)`,
		nodeID, conversationID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check node: %w", err)
	}
	if !exists {
		return fmt.Errorf("message %s in conversation %s: %w", nodeID, conversationID, sql.ErrNoRows)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET current_node = ?, updated_at = ? WHERE id = ?`,
		nodeID, formatTime(time.Now()), conversationID)
	if err != nil {
		return fmt.Errorf("update current node: %w", err)
	}
	return requireAffected(res, "conversation "+conversationID)
}

// ConversationMessages returns the active branch of a conversation: the
// messages from the root to the current node, in conversation order. A
// conversation with no messages yields nil.
func (s *Store) ConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	conv, err := s.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.CurrentNode == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent_id, role, content, reasoning, tool_calls, tool_call_id, created_at
		 FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]Message)
	for rows.Next() {
		var msg Message
		var toolCalls, createdAt string
		if err := rows.Scan(&msg.ID, &msg.ParentID, &msg.Role, &msg.Content,
			&msg.Reasoning, &toolCalls, &msg.ToolCallID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if msg.ToolCalls, err = decodeToolCalls(toolCalls); err != nil {
			return nil, err
		}
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		byID[msg.ID] = msg
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	branch := make([]Message, 0, len(byID))
	for id := conv.CurrentNode; id != ""; {
		msg, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("message %s referenced by conversation %s is missing", id, conversationID)
		}
		branch = append(branch, msg)
		if len(branch) > len(byID) {
			return nil, fmt.Errorf("message parents form a cycle in conversation %s", conversationID)
		}
		id = msg.ParentID
	}
	slices.Reverse(branch)

	return branch, nil
}

func requireAffected(res sql.Result, subject string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", subject, sql.ErrNoRows)
	}
	return nil
}

func encodeToolCalls(calls []host.ToolCall) (string, error) {
	if len(calls) == 0 {
		return "", nil
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return "", fmt.Errorf("encode tool calls: %w", err)
	}
	return string(data), nil
}

func decodeToolCalls(raw string) ([]host.ToolCall, error) {
	if raw == "" {
		return nil, nil
	}
	var calls []host.ToolCall
	if err := json.Unmarshal([]byte(raw), &calls); err != nil {
		return nil, fmt.Errorf("decode tool calls: %w", err)
	}
	return calls, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}
