// Package pgstore is the Postgres implementation of inbox.Store.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/lengolf/inbox/internal/channel"
	"github.com/lengolf/inbox/internal/inbox"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner opens transactions; *pgxpool.Pool implements it.
type Beginner interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Store struct {
	db Beginner
}

func New(db Beginner) *Store {
	return &Store{db: db}
}

const conversationColumns = `id, channel, channel_user_id, last_message_at, last_message_text, last_message_by,
	unread_count, is_active, assigned_to, customer_id, last_inbound_at, created_at, updated_at`

const userColumns = `channel, channel_user_id, display_name, avatar_url, metadata, customer_id, linked_by, first_seen_at, last_seen_at`

const messageColumns = `id, conversation_id, channel, platform_message_id, sender_type, sender_id, content_type,
	text, attachment, metadata, created_at`

func (s *Store) MessageExists(ctx context.Context, ch channel.ChannelType, platformMessageID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE channel = $1 AND platform_message_id = $2)`,
		string(ch), platformMessageID,
	).Scan(&exists)
	return exists, err
}

func (s *Store) UpsertChannelUser(ctx context.Context, user inbox.ChannelUser) (inbox.ChannelUser, error) {
	meta, err := json.Marshal(nonEmpty(user.Metadata))
	if err != nil {
		return inbox.ChannelUser{}, fmt.Errorf("marshal metadata: %w", err)
	}
	seen := user.LastSeenAt
	if seen.IsZero() {
		seen = time.Now().UTC()
	}
	row := s.db.QueryRow(ctx, `
INSERT INTO channel_users (channel, channel_user_id, display_name, avatar_url, metadata, first_seen_at, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (channel, channel_user_id) DO UPDATE SET
  display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), channel_users.display_name),
  avatar_url   = COALESCE(NULLIF(EXCLUDED.avatar_url, ''), channel_users.avatar_url),
  metadata     = channel_users.metadata || EXCLUDED.metadata,
  last_seen_at = GREATEST(channel_users.last_seen_at, EXCLUDED.last_seen_at)
RETURNING `+userColumns,
		string(user.Channel), user.ChannelUserID, user.DisplayName, user.AvatarURL, meta, seen,
	)
	return scanUser(row)
}

func (s *Store) EnsureConversation(ctx context.Context, key inbox.UserKey, customerID string) (inbox.Conversation, error) {
	_, err := s.db.Exec(ctx, `
INSERT INTO conversations (id, channel, channel_user_id, customer_id)
VALUES ($1, $2, $3, NULLIF($4, ''))
ON CONFLICT (channel, channel_user_id) DO NOTHING`,
		uuid.NewString(), string(key.Channel), key.ChannelUserID, customerID,
	)
	if err != nil {
		return inbox.Conversation{}, mapError(err)
	}
	row := s.db.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE channel = $1 AND channel_user_id = $2`,
		string(key.Channel), key.ChannelUserID,
	)
	return scanConversation(row)
}

// RecordMessage inserts msg and applies its conversation update in one
// transaction, so a failed update never leaves a stored message uncounted.
func (s *Store) RecordMessage(ctx context.Context, msg inbox.Message, summary string) (inbox.Message, bool, error) {
	var (
		stored   inbox.Message
		inserted bool
	)
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		stored, inserted, err = insertMessage(ctx, tx, msg)
		if err != nil || !inserted {
			return err
		}
		if msg.SenderType == channel.SenderStaff {
			return applyOutbound(ctx, tx, msg.ConversationID, stored.CreatedAt, summary)
		}
		return applyInbound(ctx, tx, msg.ConversationID, stored.CreatedAt, summary)
	})
	if err != nil {
		return inbox.Message{}, false, err
	}
	return stored, inserted, nil
}

func (s *Store) GetMessageByPlatformID(ctx context.Context, ch channel.ChannelType, platformMessageID string) (inbox.Message, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE channel = $1 AND platform_message_id = $2`,
		string(ch), platformMessageID,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return inbox.Message{}, inbox.ErrNotFound
	}
	return msg, err
}

func insertMessage(ctx context.Context, db DBTX, msg inbox.Message) (inbox.Message, bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	var attachment []byte
	if msg.Attachment != nil {
		b, err := json.Marshal(msg.Attachment)
		if err != nil {
			return inbox.Message{}, false, fmt.Errorf("marshal attachment: %w", err)
		}
		attachment = b
	}
	meta, err := json.Marshal(orEmpty(msg.Metadata))
	if err != nil {
		return inbox.Message{}, false, fmt.Errorf("marshal metadata: %w", err)
	}
	var id pgtype.UUID
	err = db.QueryRow(ctx, `
INSERT INTO messages (id, conversation_id, channel, platform_message_id, sender_type, sender_id,
  content_type, text, attachment, metadata, created_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (channel, platform_message_id) WHERE platform_message_id IS NOT NULL DO NOTHING
RETURNING id`,
		msg.ID, msg.ConversationID, string(msg.Channel), msg.PlatformMessageID, string(msg.SenderType),
		msg.SenderID, string(msg.ContentType), msg.Text, attachment, meta, msg.CreatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return inbox.Message{}, false, nil
	}
	if err != nil {
		return inbox.Message{}, false, mapError(err)
	}
	return msg, true, nil
}

// applyInbound is one UPDATE so concurrent events for the same conversation
// never lose an increment.
func applyInbound(ctx context.Context, db DBTX, conversationID string, at time.Time, text string) error {
	tag, err := db.Exec(ctx, `
UPDATE conversations SET
  unread_count      = unread_count + 1,
  is_active         = true,
  last_inbound_at   = GREATEST(COALESCE(last_inbound_at, $2), $2),
  last_message_text = CASE WHEN last_message_at IS NULL OR $2 >= last_message_at THEN $3 ELSE last_message_text END,
  last_message_by   = CASE WHEN last_message_at IS NULL OR $2 >= last_message_at THEN 'user' ELSE last_message_by END,
  last_message_at   = GREATEST(COALESCE(last_message_at, $2), $2),
  updated_at        = clock_timestamp()
WHERE id = $1`,
		conversationID, at, text,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return inbox.ErrNotFound
	}
	return nil
}

func applyOutbound(ctx context.Context, db DBTX, conversationID string, at time.Time, text string) error {
	tag, err := db.Exec(ctx, `
UPDATE conversations SET
  last_message_text = CASE WHEN last_message_at IS NULL OR $2 >= last_message_at THEN $3 ELSE last_message_text END,
  last_message_by   = CASE WHEN last_message_at IS NULL OR $2 >= last_message_at THEN 'staff' ELSE last_message_by END,
  last_message_at   = GREATEST(COALESCE(last_message_at, $2), $2),
  updated_at        = clock_timestamp()
WHERE id = $1`,
		conversationID, at, text,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return inbox.ErrNotFound
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (inbox.Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return inbox.Conversation{}, inbox.ErrNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

func (s *Store) ListConversations(ctx context.Context, filter inbox.ConversationFilter) ([]inbox.Conversation, error) {
	where := make([]string, 0, 4)
	args := make([]any, 0, 6)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if !filter.IncludeInactive {
		where = append(where, "is_active")
	}
	if filter.Channel != "" {
		add("channel = $%d", string(filter.Channel))
	}
	if filter.AssignedTo != "" {
		add("assigned_to = $%d", filter.AssignedTo)
	}
	if filter.UnreadOnly {
		where = append(where, "unread_count > 0")
	}
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limitArg(filter.Limit), filter.Offset)
	query += fmt.Sprintf(` ORDER BY last_message_at DESC NULLS LAST, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectConversations(rows)
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, page inbox.MessagePage) ([]inbox.Message, error) {
	var before pgtype.Timestamptz
	if !page.Before.IsZero() {
		before = pgtype.Timestamptz{Time: page.Before, Valid: true}
	}
	rows, err := s.db.Query(ctx, `
SELECT `+messageColumns+` FROM messages
WHERE conversation_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
ORDER BY created_at DESC, id
LIMIT $3`,
		conversationID, before, limitArg(page.Limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]inbox.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, msg)
	}
	return items, rows.Err()
}

func (s *Store) MarkRead(ctx context.Context, id string) (inbox.Conversation, error) {
	return s.updateConversation(ctx, id, `unread_count = 0`)
}

func (s *Store) Assign(ctx context.Context, id, staffID string) (inbox.Conversation, error) {
	return s.updateConversation(ctx, id, `assigned_to = $2`, staffID)
}

func (s *Store) SetActive(ctx context.Context, id string, active bool) (inbox.Conversation, error) {
	return s.updateConversation(ctx, id, `is_active = $2`, active)
}

func (s *Store) updateConversation(ctx context.Context, id, set string, args ...any) (inbox.Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return inbox.Conversation{}, inbox.ErrNotFound
	}
	row := s.db.QueryRow(ctx,
		`UPDATE conversations SET `+set+`, updated_at = clock_timestamp() WHERE id = $1 RETURNING `+conversationColumns,
		append([]any{id}, args...)...,
	)
	return scanConversation(row)
}

func (s *Store) ConversationsUpdatedSince(ctx context.Context, since time.Time, limit int) ([]inbox.Conversation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE updated_at > $1 ORDER BY updated_at LIMIT $2`,
		since, limitArg(limit),
	)
	if err != nil {
		return nil, err
	}
	return collectConversations(rows)
}

func (s *Store) AppendWebhookLog(ctx context.Context, entry inbox.WebhookEventLog) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO webhook_event_logs (id, channel, received_at, signature_valid, event_count, outcome, detail, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, string(entry.Channel), entry.ReceivedAt, entry.SignatureValid, entry.EventCount,
		entry.Outcome, entry.Detail, entry.Payload,
	)
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

func (s *Store) AppendEventOutcome(ctx context.Context, outcome inbox.EventOutcome) error {
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO webhook_event_outcomes (delivery_id, channel, platform_message_id, result, detail, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		outcome.DeliveryID, string(outcome.Channel), outcome.PlatformMessageID, string(outcome.Result),
		outcome.Detail, outcome.RecordedAt,
	)
	return err
}

func (s *Store) GetChannelUser(ctx context.Context, key inbox.UserKey) (inbox.ChannelUser, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM channel_users WHERE channel = $1 AND channel_user_id = $2`,
		string(key.Channel), key.ChannelUserID,
	)
	return scanUser(row)
}

// SetCustomer updates the link and the conversation stamp in one transaction.
func (s *Store) SetCustomer(ctx context.Context, key inbox.UserKey, customerID string, by inbox.LinkSource, onlyIfUnlinked bool) (bool, error) {
	if customerID == "" {
		by = inbox.LinkNone
	}
	applied := false
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE channel_users SET customer_id = NULLIF($3, ''), linked_by = $4
WHERE channel = $1 AND channel_user_id = $2 AND (NOT $5 OR customer_id IS NULL)`,
			string(key.Channel), key.ChannelUserID, customerID, string(by), onlyIfUnlinked,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM channel_users WHERE channel = $1 AND channel_user_id = $2)`,
				string(key.Channel), key.ChannelUserID,
			).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return inbox.ErrNotFound
			}
			return nil
		}
		applied = true
		_, err = tx.Exec(ctx, `
UPDATE conversations SET customer_id = NULLIF($3, ''), updated_at = clock_timestamp()
WHERE channel = $1 AND channel_user_id = $2`,
			string(key.Channel), key.ChannelUserID, customerID,
		)
		return err
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func scanConversation(row pgx.Row) (inbox.Conversation, error) {
	var (
		c                          inbox.Conversation
		ch, by                     string
		lastMessageAt, lastInbound pgtype.Timestamptz
		customerID                 pgtype.Text
		unread                     int32
	)
	err := row.Scan(&c.ID, &ch, &c.ChannelUserID, &lastMessageAt, &c.LastMessageText, &by,
		&unread, &c.IsActive, &c.AssignedTo, &customerID, &lastInbound, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return inbox.Conversation{}, inbox.ErrNotFound
	}
	if err != nil {
		return inbox.Conversation{}, err
	}
	c.Channel = channel.ChannelType(ch)
	c.LastMessageBy = channel.SenderType(by)
	c.UnreadCount = int(unread)
	c.CustomerID = customerID.String
	if lastMessageAt.Valid {
		c.LastMessageAt = lastMessageAt.Time.UTC()
	}
	if lastInbound.Valid {
		c.LastInboundAt = lastInbound.Time.UTC()
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func collectConversations(rows pgx.Rows) ([]inbox.Conversation, error) {
	defer rows.Close()
	items := make([]inbox.Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func scanUser(row pgx.Row) (inbox.ChannelUser, error) {
	var (
		u          inbox.ChannelUser
		ch, linked string
		meta       []byte
		customerID pgtype.Text
	)
	err := row.Scan(&ch, &u.ChannelUserID, &u.DisplayName, &u.AvatarURL, &meta, &customerID, &linked, &u.FirstSeenAt, &u.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return inbox.ChannelUser{}, inbox.ErrNotFound
	}
	if err != nil {
		return inbox.ChannelUser{}, err
	}
	u.Channel = channel.ChannelType(ch)
	u.LinkedBy = inbox.LinkSource(linked)
	u.CustomerID = customerID.String
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &u.Metadata); err != nil {
			return inbox.ChannelUser{}, fmt.Errorf("decode channel user metadata: %w", err)
		}
	}
	return u, nil
}

func scanMessage(row pgx.Row) (inbox.Message, error) {
	var (
		m                           inbox.Message
		ch, senderType, contentType string
		platformID                  pgtype.Text
		attachment, meta            []byte
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &ch, &platformID, &senderType, &m.SenderID, &contentType,
		&m.Text, &attachment, &meta, &m.CreatedAt); err != nil {
		return inbox.Message{}, err
	}
	m.Channel = channel.ChannelType(ch)
	m.PlatformMessageID = platformID.String
	m.SenderType = channel.SenderType(senderType)
	m.ContentType = channel.ContentType(contentType)
	m.CreatedAt = m.CreatedAt.UTC()
	if len(attachment) > 0 {
		m.Attachment = &channel.Attachment{}
		if err := json.Unmarshal(attachment, m.Attachment); err != nil {
			return inbox.Message{}, fmt.Errorf("decode attachment: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return inbox.Message{}, fmt.Errorf("decode message metadata: %w", err)
		}
	}
	return m, nil
}

// mapError turns a foreign key miss into inbox.ErrNotFound.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
		return fmt.Errorf("%w: %s", inbox.ErrNotFound, pgErr.ConstraintName)
	}
	return err
}

// limitArg maps "no limit" to NULL, which Postgres reads as LIMIT ALL.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func nonEmpty(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for k, v := range src {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

func orEmpty(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	return src
}
