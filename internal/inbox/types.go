// Package inbox threads inbound channel events into conversations and records
// staff replies. The stored unread counter is the only source of truth for
// unread state and is changed by single atomic store statements.
package inbox

import (
	"errors"
	"time"

	"github.com/lengolf/inbox/internal/channel"
)

var (
	ErrNotFound = errors.New("inbox: not found")
	// ErrMalformedEvent is permanent; the event is logged and never retried.
	ErrMalformedEvent = errors.New("inbox: malformed event")
	ErrEmptyContent   = errors.New("inbox: message content is empty")
)

// LinkSource records how a channel user got its customer link.
type LinkSource string

const (
	LinkNone   LinkSource = ""
	LinkManual LinkSource = "manual"
	LinkPhone  LinkSource = "phone"
	LinkEmail  LinkSource = "email"
)

// UserKey identifies a remote party on one channel.
type UserKey struct {
	Channel       channel.ChannelType `json:"channel"`
	ChannelUserID string              `json:"channel_user_id"`
}

// ChannelUser is a remote party as seen on one channel.
type ChannelUser struct {
	UserKey
	DisplayName string            `json:"display_name,omitempty"`
	AvatarURL   string            `json:"avatar_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CustomerID  string            `json:"customer_id,omitempty"`
	LinkedBy    LinkSource        `json:"linked_by,omitempty"`
	FirstSeenAt time.Time         `json:"first_seen_at"`
	LastSeenAt  time.Time         `json:"last_seen_at"`
}

// Attribute returns a metadata value.
func (u ChannelUser) Attribute(key string) string {
	if u.Metadata == nil {
		return ""
	}
	return u.Metadata[key]
}

// Conversation is the thread with one channel user.
type Conversation struct {
	ID              string              `json:"id"`
	Channel         channel.ChannelType `json:"channel"`
	ChannelUserID   string              `json:"channel_user_id"`
	LastMessageAt   time.Time           `json:"last_message_at"`
	LastMessageText string              `json:"last_message_text"`
	LastMessageBy   channel.SenderType  `json:"last_message_by,omitempty"`
	UnreadCount     int                 `json:"unread_count"`
	IsActive        bool                `json:"is_active"`
	AssignedTo      string              `json:"assigned_to,omitempty"`
	CustomerID      string              `json:"customer_id,omitempty"`
	LastInboundAt   time.Time           `json:"last_inbound_at"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Key returns the channel user the conversation belongs to.
func (c Conversation) Key() UserKey {
	return UserKey{Channel: c.Channel, ChannelUserID: c.ChannelUserID}
}

// Message belongs to exactly one conversation.
type Message struct {
	ID                string              `json:"id"`
	ConversationID    string              `json:"conversation_id"`
	Channel           channel.ChannelType `json:"channel"`
	PlatformMessageID string              `json:"platform_message_id,omitempty"`
	SenderType        channel.SenderType  `json:"sender_type"`
	SenderID          string              `json:"sender_id,omitempty"`
	ContentType       channel.ContentType `json:"content_type"`
	Text              string              `json:"text,omitempty"`
	Attachment        *channel.Attachment `json:"attachment,omitempty"`
	Metadata          map[string]any      `json:"metadata,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
}

// Result is the outcome of processing one inbound event.
type Result string

const (
	ResultProcessed Result = "processed"
	ResultDuplicate Result = "duplicate"
	ResultFailed    Result = "failed"
)

// Webhook delivery outcomes.
const (
	OutcomeAccepted          = "accepted"
	OutcomeRejectedSignature = "rejected_signature"
	OutcomeMalformed         = "malformed"
)

// WebhookEventLog is the append-only audit row of one raw delivery.
type WebhookEventLog struct {
	ID             string              `json:"id"`
	Channel        channel.ChannelType `json:"channel"`
	ReceivedAt     time.Time           `json:"received_at"`
	SignatureValid bool                `json:"signature_valid"`
	EventCount     int                 `json:"event_count"`
	Outcome        string              `json:"outcome"`
	Detail         string              `json:"detail,omitempty"`
	Payload        []byte              `json:"-"`
}

// EventOutcome is appended once per processed event of a logged delivery.
type EventOutcome struct {
	DeliveryID        string              `json:"delivery_id"`
	Channel           channel.ChannelType `json:"channel"`
	PlatformMessageID string              `json:"platform_message_id,omitempty"`
	Result            Result              `json:"result"`
	Detail            string              `json:"detail,omitempty"`
	RecordedAt        time.Time           `json:"recorded_at"`
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	Channel    channel.ChannelType
	AssignedTo string
	UnreadOnly bool
	// IncludeInactive lists deactivated conversations too.
	IncludeInactive bool
	Limit           int
	Offset          int
}

// MessagePage narrows ListMessages; Before pages backwards in time.
type MessagePage struct {
	Before time.Time
	Limit  int
}

// Delta is what changed since a poll cursor.
type Delta struct {
	Conversations []Conversation `json:"conversations"`
	// Cursor is the updated_at to pass as since on the next poll.
	Cursor time.Time `json:"cursor"`
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
