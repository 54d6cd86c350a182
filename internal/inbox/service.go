package inbox

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/lengolf/inbox/internal/channel"
)

const deltaPageSize = 500

// Service is the staff-facing read/write surface over the store.
type Service struct {
	store      Store
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewService creates a Service.
func NewService(log *slog.Logger, store Store, dispatcher *Dispatcher) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		logger:     log.With(slog.String("component", "inbox_service")),
	}
}

func (s *Service) ListConversations(ctx context.Context, filter ConversationFilter) ([]Conversation, error) {
	filter.Limit = clampLimit(filter.Limit)
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	filter.Channel = channel.NormalizeChannelType(filter.Channel.String())
	filter.AssignedTo = strings.TrimSpace(filter.AssignedTo)
	return s.store.ListConversations(ctx, filter)
}

func (s *Service) Conversation(ctx context.Context, id string) (Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// Messages returns a page of messages, newest first.
func (s *Service) Messages(ctx context.Context, conversationID string, page MessagePage) ([]Message, error) {
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	page.Limit = clampLimit(page.Limit)
	return s.store.ListMessages(ctx, conversationID, page)
}

// Send delegates to the Dispatcher.
func (s *Service) Send(ctx context.Context, conversationID, staffID string, content channel.OutboundContent) (Message, error) {
	return s.dispatcher.Send(ctx, conversationID, staffID, content)
}

// MarkRead resets unread_count to zero.
func (s *Service) MarkRead(ctx context.Context, conversationID string) (Conversation, error) {
	return s.store.MarkRead(ctx, conversationID)
}

// Assign sets or clears (empty staffID) the assignee.
func (s *Service) Assign(ctx context.Context, conversationID, staffID string) (Conversation, error) {
	return s.store.Assign(ctx, conversationID, strings.TrimSpace(staffID))
}

// SetActive deactivates or reactivates; conversations are never deleted.
func (s *Service) SetActive(ctx context.Context, conversationID string, active bool) (Conversation, error) {
	return s.store.SetActive(ctx, conversationID, active)
}

// FetchDelta returns conversations changed after since, oldest change first.
func (s *Service) FetchDelta(ctx context.Context, since time.Time) (Delta, error) {
	items, err := s.store.ConversationsUpdatedSince(ctx, since.UTC(), deltaPageSize)
	if err != nil {
		return Delta{}, err
	}
	cursor := since.UTC()
	for _, c := range items {
		if c.UpdatedAt.After(cursor) {
			cursor = c.UpdatedAt
		}
	}
	return Delta{Conversations: items, Cursor: cursor}, nil
}
