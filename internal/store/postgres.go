// ABOUTME: PostgreSQL implementation of the Store interface using lib/pq and squirrel
// ABOUTME: Schema comes from the embedded migrations in internal/store/migrate

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/2389/handoff-gateway/internal/store/migrate"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// pgConversationColumns lists columns returned by conversation SELECTs.
var pgConversationColumns = []string{
	"id", "tenant_id", "session_id", "status", "assigned_agent",
	"handoff_reason", "handoff_priority", "handoff_requested_at", "handoff_estimated_wait",
	"created_at", "updated_at",
}

// uniqueViolation and foreignKeyViolation are PostgreSQL SQLSTATE codes.
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresStore wraps an open database. The schema must already exist.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:     db,
		logger: logger.With("component", "store", "driver", "postgres"),
		now:    time.Now,
	}
}

// OpenPostgres connects to dsn, applies pending migrations, and returns the store.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := migrate.Run(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresStore(db, logger), nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a new conversation.
func (s *PostgresStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.Status == "" {
		c.Status = StatusActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	query, args, err := psq.Insert("conversations").
		Columns(pgConversationColumns...).
		Values(
			c.ID, c.TenantID, c.SessionID, string(c.Status), nullString(c.AssignedAgent),
			c.Handoff.Reason, c.Handoff.Priority, nullTime(c.Handoff.RequestedAt), c.Handoff.EstimatedWait,
			c.CreatedAt, c.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if pqCode(err) == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	s.logger.Debug("created conversation", "id", c.ID, "tenant_id", c.TenantID)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query, args, err := psq.Select(pgConversationColumns...).
		From("conversations").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	return scanPGConversation(s.db.QueryRowContext(ctx, query, args...))
}

// GetConversationBySession returns the newest conversation of a widget session.
func (s *PostgresStore) GetConversationBySession(ctx context.Context, sessionID string) (*Conversation, error) {
	query, args, err := psq.Select(pgConversationColumns...).
		From("conversations").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("created_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	return scanPGConversation(s.db.QueryRowContext(ctx, query, args...))
}

// ListConversations returns conversations ordered by most recent activity.
func (s *PostgresStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	qb := psq.Select(pgConversationColumns...).From("conversations")
	if filter.TenantID != "" {
		qb = qb.Where(sq.Eq{"tenant_id": filter.TenantID})
	}
	if filter.Status != "" {
		qb = qb.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.AssignedAgent != "" {
		qb = qb.Where(sq.Eq{"assigned_agent": filter.AssignedAgent})
	}

	query, args, err := qb.OrderBy("updated_at DESC").
		Limit(uint64(clampLimit(filter.Limit))).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanPGConversation(rows)
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
func (s *PostgresStore) MarkTransferred(ctx context.Context, id string, h Handoff) (*Conversation, error) {
	if h.RequestedAt.IsZero() {
		h.RequestedAt = s.now()
	}
	ub := psq.Update("conversations").
		Set("status", sq.Expr("CASE WHEN status = 'escalated' THEN status ELSE 'transferred' END")).
		Set("handoff_reason", h.Reason).
		Set("handoff_priority", h.Priority).
		Set("handoff_requested_at", h.RequestedAt.UTC()).
		Set("handoff_estimated_wait", h.EstimatedWait).
		Set("updated_at", s.now().UTC()).
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"status": string(StatusEnded)})
	return s.updateReturning(ctx, id, "transferred", ub)
}

// AssignIfUnassigned is one UPDATE ... RETURNING guarded on assigned_agent IS NULL.
func (s *PostgresStore) AssignIfUnassigned(ctx context.Context, id, agentID string) (*Conversation, error) {
	ub := psq.Update("conversations").
		Set("assigned_agent", agentID).
		Set("updated_at", s.now().UTC()).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"assigned_agent": nil}).
		Where(sq.NotEq{"status": string(StatusEnded)})
	return s.updateReturning(ctx, id, "assigned", ub)
}

// Escalate sets status escalated and priority urgent.
func (s *PostgresStore) Escalate(ctx context.Context, id, reason string) (*Conversation, error) {
	ub := psq.Update("conversations").
		Set("status", string(StatusEscalated)).
		Set("handoff_priority", PriorityUrgent).
		Set("handoff_reason", sq.Expr("COALESCE(NULLIF(?, ''), handoff_reason)", reason)).
		Set("updated_at", s.now().UTC()).
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"status": string(StatusEnded)})
	return s.updateReturning(ctx, id, "escalated", ub)
}

// End closes a conversation.
func (s *PostgresStore) End(ctx context.Context, id string) (*Conversation, error) {
	ub := psq.Update("conversations").
		Set("status", string(StatusEnded)).
		Set("updated_at", s.now().UTC()).
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"status": string(StatusEnded)})
	return s.updateReturning(ctx, id, "ended", ub)
}

func (s *PostgresStore) updateReturning(ctx context.Context, id, op string, ub sq.UpdateBuilder) (*Conversation, error) {
	query, args, err := ub.Suffix("RETURNING " + strings.Join(pgConversationColumns, ", ")).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building update: %w", err)
	}

	c, err := scanPGConversation(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		s.logger.Debug("conversation updated", "id", id, "op", op)
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("updating conversation (%s): %w", op, err)
	}

	current, err := s.GetConversation(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return nil, resolveMiss(current)
}

// SaveMessage inserts a message.
func (s *PostgresStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	query, args, err := psq.Insert("messages").
		Columns("id", "conversation_id", "role", "content", "sender_id", "created_at").
		Values(msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.SenderID, msg.CreatedAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		switch pqCode(err) {
		case uniqueViolation:
			return ErrDuplicate
		case foreignKeyViolation:
			return ErrNotFound
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListMessages returns the newest limit messages, oldest first.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query, args, err := psq.Select("id", "conversation_id", "role", "content", "sender_id", "created_at").
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("created_at DESC").
		Limit(uint64(clampLimit(limit))).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.SenderID, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}

func scanPGConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var status string
	var assigned sql.NullString
	var requestedAt sql.NullTime

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
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	c.Status = ConversationStatus(status)
	c.AssignedAgent = assigned.String
	if requestedAt.Valid {
		c.Handoff.RequestedAt = requestedAt.Time
	}
	return &c, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

var _ Store = (*PostgresStore)(nil)
