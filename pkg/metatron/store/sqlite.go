// Package store – sqlite.go implements PermissionStore and
// ConversationStore on a shared SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// schema creates the tables on first open. Kept additive; column changes
// need a migration.
const schema = `
CREATE TABLE IF NOT EXISTS contact_permissions (
	phone_number      TEXT PRIMARY KEY,
	display_name      TEXT NOT NULL DEFAULT '',
	can_read          INTEGER NOT NULL DEFAULT 0,
	can_reply         INTEGER NOT NULL DEFAULT 0,
	chat_instructions TEXT NOT NULL DEFAULT '',
	conversation_id   TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS group_permissions (
	group_id          TEXT PRIMARY KEY,
	group_name        TEXT NOT NULL DEFAULT '',
	can_read          INTEGER NOT NULL DEFAULT 0,
	can_reply         INTEGER NOT NULL DEFAULT 0,
	chat_instructions TEXT NOT NULL DEFAULT '',
	conversation_id   TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	provider   TEXT NOT NULL DEFAULT '',
	model      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON conversation_messages(conversation_id, id);
`

// SQLite implements both store interfaces on one database handle.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &SQLite{db: db, logger: logger.With("component", "store")}, nil
}

// Close closes the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// ---------- contacts ----------

// GetContact returns the permission record for a phone number, or nil.
func (s *SQLite) GetContact(ctx context.Context, phoneDigits string) (*ContactPermission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT phone_number, display_name, can_read, can_reply,
		       chat_instructions, conversation_id, created_at, updated_at
		FROM contact_permissions WHERE phone_number = ?`, phoneDigits)

	var (
		p                ContactPermission
		created, updated string
	)
	err := row.Scan(&p.PhoneNumber, &p.DisplayName, &p.CanRead, &p.CanReply,
		&p.ChatInstructions, &p.ConversationID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, created)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &p, nil
}

// UpsertContact creates or replaces a contact permission record.
func (s *SQLite) UpsertContact(ctx context.Context, p *ContactPermission) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_permissions
			(phone_number, display_name, can_read, can_reply,
			 chat_instructions, conversation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(phone_number) DO UPDATE SET
			display_name = excluded.display_name,
			can_read = excluded.can_read,
			can_reply = excluded.can_reply,
			chat_instructions = excluded.chat_instructions,
			conversation_id = excluded.conversation_id,
			updated_at = excluded.updated_at`,
		p.PhoneNumber, p.DisplayName, p.CanRead, p.CanReply,
		p.ChatInstructions, p.ConversationID,
		p.CreatedAt.Format(time.RFC3339), p.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

// DeleteContact removes a contact permission record.
func (s *SQLite) DeleteContact(ctx context.Context, phoneDigits string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM contact_permissions WHERE phone_number = ?", phoneDigits)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	return nil
}

// ListContacts returns all contact permission records.
func (s *SQLite) ListContacts(ctx context.Context) ([]ContactPermission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT phone_number, display_name, can_read, can_reply,
		       chat_instructions, conversation_id, created_at, updated_at
		FROM contact_permissions ORDER BY phone_number`)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []ContactPermission
	for rows.Next() {
		var (
			p                ContactPermission
			created, updated string
		)
		if err := rows.Scan(&p.PhoneNumber, &p.DisplayName, &p.CanRead, &p.CanReply,
			&p.ChatInstructions, &p.ConversationID, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339, created)
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// BindContactConversation persists the bound conversation id.
func (s *SQLite) BindContactConversation(ctx context.Context, phoneDigits, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contact_permissions
		SET conversation_id = ?, updated_at = ?
		WHERE phone_number = ?`,
		conversationID, time.Now().UTC().Format(time.RFC3339), phoneDigits)
	if err != nil {
		return fmt.Errorf("bind contact conversation: %w", err)
	}
	return nil
}

// ---------- groups ----------

// GetGroup returns the permission record for a group id, or nil.
func (s *SQLite) GetGroup(ctx context.Context, groupID string) (*GroupPermission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT group_id, group_name, can_read, can_reply,
		       chat_instructions, conversation_id, created_at, updated_at
		FROM group_permissions WHERE group_id = ?`, groupID)

	var (
		g                GroupPermission
		created, updated string
	)
	err := row.Scan(&g.GroupID, &g.GroupName, &g.CanRead, &g.CanReply,
		&g.ChatInstructions, &g.ConversationID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	g.CreatedAt, _ = time.Parse(time.RFC3339, created)
	g.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &g, nil
}

// UpsertGroup creates or replaces a group permission record.
func (s *SQLite) UpsertGroup(ctx context.Context, p *GroupPermission) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_permissions
			(group_id, group_name, can_read, can_reply,
			 chat_instructions, conversation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			group_name = excluded.group_name,
			can_read = excluded.can_read,
			can_reply = excluded.can_reply,
			chat_instructions = excluded.chat_instructions,
			conversation_id = excluded.conversation_id,
			updated_at = excluded.updated_at`,
		p.GroupID, p.GroupName, p.CanRead, p.CanReply,
		p.ChatInstructions, p.ConversationID,
		p.CreatedAt.Format(time.RFC3339), p.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

// DeleteGroup removes a group permission record.
func (s *SQLite) DeleteGroup(ctx context.Context, groupID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM group_permissions WHERE group_id = ?", groupID)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return nil
}

// ListGroups returns all group permission records.
func (s *SQLite) ListGroups(ctx context.Context) ([]GroupPermission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, group_name, can_read, can_reply,
		       chat_instructions, conversation_id, created_at, updated_at
		FROM group_permissions ORDER BY group_name`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []GroupPermission
	for rows.Next() {
		var (
			g                GroupPermission
			created, updated string
		)
		if err := rows.Scan(&g.GroupID, &g.GroupName, &g.CanRead, &g.CanReply,
			&g.ChatInstructions, &g.ConversationID, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g.CreatedAt, _ = time.Parse(time.RFC3339, created)
		g.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, g)
	}
	return out, rows.Err()
}

// BindGroupConversation persists the bound conversation id.
func (s *SQLite) BindGroupConversation(ctx context.Context, groupID, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE group_permissions
		SET conversation_id = ?, updated_at = ?
		WHERE group_id = ?`,
		conversationID, time.Now().UTC().Format(time.RFC3339), groupID)
	if err != nil {
		return fmt.Errorf("bind group conversation: %w", err)
	}
	return nil
}

// ---------- conversations ----------

// CreateConversation inserts a conversation.
func (s *SQLite) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, provider, model, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Provider, c.Model, c.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation by id, or nil when missing.
func (s *SQLite) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, provider, model, created_at
		FROM conversations WHERE id = ?`, id)

	var (
		c       Conversation
		created string
	)
	err := row.Scan(&c.ID, &c.Title, &c.Provider, &c.Model, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &c, nil
}

// AppendMessage inserts a message and returns its id.
func (s *SQLite) AppendMessage(ctx context.Context, conversationID, role, content string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_messages (conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?)`,
		conversationID, role, content, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append message id: %w", err)
	}
	return id, nil
}

// UpdateMessageContent replaces a message's content.
func (s *SQLite) UpdateMessageContent(ctx context.Context, messageID int64, content string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE conversation_messages SET content = ? WHERE id = ?", content, messageID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// DeleteMessage removes a message.
func (s *SQLite) DeleteMessage(ctx context.Context, messageID int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM conversation_messages WHERE id = ?", messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit messages in chronological order.
// When beforeID > 0, messages with id >= beforeID are excluded.
func (s *SQLite) RecentMessages(ctx context.Context, conversationID string, limit int, beforeID int64) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, conversation_id, role, content, created_at
		FROM conversation_messages
		WHERE conversation_id = ?`
	args := []any{conversationID}
	if beforeID > 0 {
		query += " AND id < ?"
		args = append(args, beforeID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m       Message
			created string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
