package inbox

import (
	"context"
	"time"

	"github.com/lengolf/inbox/internal/channel"
)

// Store persists the inbox data model. Every counter change is a single
// statement on the store side; callers never read-modify-write.
type Store interface {
	MessageExists(ctx context.Context, ch channel.ChannelType, platformMessageID string) (bool, error)
	// UpsertChannelUser creates the user or merges fresher non-empty profile
	// values and metadata keys into it, and bumps last_seen_at.
	UpsertChannelUser(ctx context.Context, user ChannelUser) (ChannelUser, error)
	// EnsureConversation returns the conversation for key, creating it lazily.
	EnsureConversation(ctx context.Context, key UserKey, customerID string) (Conversation, error)
	// RecordMessage stores msg and applies its conversation update as one
	// unit. A user message increments unread_count, reactivates the
	// conversation and moves last_message_* forward if it is not older; a
	// staff message only moves last_message_*. When (channel,
	// platform_message_id) already exists nothing changes and inserted is false.
	RecordMessage(ctx context.Context, msg Message, summary string) (stored Message, inserted bool, err error)
	GetMessageByPlatformID(ctx context.Context, ch channel.ChannelType, platformMessageID string) (Message, error)

	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]Conversation, error)
	ListMessages(ctx context.Context, conversationID string, page MessagePage) ([]Message, error)
	MarkRead(ctx context.Context, id string) (Conversation, error)
	Assign(ctx context.Context, id, staffID string) (Conversation, error)
	SetActive(ctx context.Context, id string, active bool) (Conversation, error)
	ConversationsUpdatedSince(ctx context.Context, since time.Time, limit int) ([]Conversation, error)

	AppendWebhookLog(ctx context.Context, entry WebhookEventLog) (string, error)
	AppendEventOutcome(ctx context.Context, outcome EventOutcome) error
}

// UserStore is the channel-user side used by identity resolution.
type UserStore interface {
	GetChannelUser(ctx context.Context, key UserKey) (ChannelUser, error)
	// SetCustomer writes the link (empty customerID unlinks) and stamps the
	// user's conversations. With onlyIfUnlinked it changes nothing when a
	// link already exists and reports applied=false.
	SetCustomer(ctx context.Context, key UserKey, customerID string, by LinkSource, onlyIfUnlinked bool) (applied bool, err error)
}

// WebhookLog is the audit side used by the ingestion gateway.
type WebhookLog interface {
	AppendWebhookLog(ctx context.Context, entry WebhookEventLog) (string, error)
}
