// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that text timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const conversationColumns = `id, tenant_id, session_id, status, assigned_agent,
	handoff_reason, handoff_priority, handoff_requested_at, handoff_estimated_wait,
	created_at, updated_at`

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", "sqlite")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: SQLite has a single writer and the conditional
	// assignment relies on updates being applied one at a time.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			assigned_agent TEXT,
			handoff_reason TEXT NOT NULL DEFAULT '',
			handoff_priority TEXT NOT NULL DEFAULT '',
			handoff_requested_at TEXT,
			handoff_estimated_wait TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (status IN ('active', 'transferred', 'escalated', 'ended'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_tenant_status
			ON conversations(tenant_id, status);

		CREATE INDEX IF NOT EXISTS idx_conversations_session
			ON conversations(session_id, created_at);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			sender_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a new conversation.
// Returns ErrDuplicate if the id is taken.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.Status == "" {
		c.Status = StatusActive
	}
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	query := `INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.TenantID,
		c.SessionID,
		string(c.Status),
		nullString(c.AssignedAgent),
		c.Handoff.Reason,
		c.Handoff.Priority,
		formatNullTime(c.Handoff.RequestedAt),
		c.Handoff.EstimatedWait,
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", c.ID, "tenant_id", c.TenantID)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`
	c, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversationBySession returns the most recent conversation of a widget session.
func (s *SQLiteStore) GetConversationBySession(ctx context.Context, sessionID string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT 1`
	return scanConversation(s.db.QueryRowContext(ctx, query, sessionID))
}

// ListConversations returns conversations ordered by most recent activity.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	var where []string
	var args []any
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.AssignedAgent != "" {
		where = append(where, "assigned_agent = ?")
		args = append(args, filter.AssignedAgent)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, clampLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return out, nil
}

// MarkTransferred records the handoff on a conversation that is not ended.
func (s *SQLiteStore) MarkTransferred(ctx context.Context, id string, h Handoff) (*Conversation, error) {
	if h.RequestedAt.IsZero() {
		h.RequestedAt = s.now()
	}
	query := `
		UPDATE conversations
		SET status = CASE WHEN status = 'escalated' THEN status ELSE 'transferred' END,
			handoff_reason = ?, handoff_priority = ?, handoff_requested_at = ?,
			handoff_estimated_wait = ?, updated_at = ?
		WHERE id = ? AND status <> 'ended'
	`
	return s.conditionalUpdate(ctx, id, "transferred", query,
		h.Reason, h.Priority, formatTime(h.RequestedAt), h.EstimatedWait, formatTime(s.now()), id)
}

// AssignIfUnassigned runs a single conditional UPDATE; the row is only
// touched while assigned_agent is still NULL.
func (s *SQLiteStore) AssignIfUnassigned(ctx context.Context, id, agentID string) (*Conversation, error) {
	query := `
		UPDATE conversations
		SET assigned_agent = ?, updated_at = ?
		WHERE id = ? AND assigned_agent IS NULL AND status <> 'ended'
	`
	return s.conditionalUpdate(ctx, id, "assigned", query, agentID, formatTime(s.now()), id)
}

// Escalate sets status escalated and priority urgent. An empty reason keeps
// the reason recorded at handoff time.
func (s *SQLiteStore) Escalate(ctx context.Context, id, reason string) (*Conversation, error) {
	query := `
		UPDATE conversations
		SET status = 'escalated', handoff_priority = ?,
			handoff_reason = COALESCE(NULLIF(?, ''), handoff_reason),
			updated_at = ?
		WHERE id = ? AND status <> 'ended'
	`
	return s.conditionalUpdate(ctx, id, "escalated", query, PriorityUrgent, reason, formatTime(s.now()), id)
}

// End closes a conversation.
func (s *SQLiteStore) End(ctx context.Context, id string) (*Conversation, error) {
	query := `
		UPDATE conversations
		SET status = 'ended', updated_at = ?
		WHERE id = ? AND status <> 'ended'
	`
	return s.conditionalUpdate(ctx, id, "ended", query, formatTime(s.now()), id)
}

// conditionalUpdate executes an UPDATE guarded by its WHERE clause and
// returns the fresh row, or the error explaining why no row matched.
func (s *SQLiteStore) conditionalUpdate(ctx context.Context, id, op, query string, args ...any) (*Conversation, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("updating conversation (%s): %w", op, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}

	current, err := s.GetConversation(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if rowsAffected == 0 {
		return nil, resolveMiss(current)
	}

	s.logger.Debug("conversation updated", "id", id, "op", op)
	return current, nil
}

// SaveMessage saves a message to the database
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	query := `
		INSERT INTO messages (id, conversation_id, role, content, sender_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		msg.SenderID,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			if strings.Contains(err.Error(), "FOREIGN KEY") {
				return ErrNotFound
			}
			return ErrDuplicate
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID)
	return nil
}

// ListMessages returns the newest limit messages of a conversation, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, role, content, sender_id, created_at FROM (
			SELECT id, conversation_id, role, content, sender_id, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		) ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAtStr string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.SenderID, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if msg.CreatedAt, err = time.Parse(timeLayout, createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// rowScanner covers *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var status string
	var assigned, requestedAt sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.SessionID,
		&status,
		&assigned,
		&c.Handoff.Reason,
		&c.Handoff.Priority,
		&requestedAt,
		&c.Handoff.EstimatedWait,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	c.Status = ConversationStatus(status)
	c.AssignedAgent = assigned.String

	if requestedAt.Valid && requestedAt.String != "" {
		if c.Handoff.RequestedAt, err = time.Parse(timeLayout, requestedAt.String); err != nil {
			return nil, fmt.Errorf("parsing handoff_requested_at: %w", err)
		}
	}
	if c.CreatedAt, err = time.Parse(timeLayout, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(timeLayout, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// clampLimit applies the default of 100 and the ceiling of 1000.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
