// Package memstore is an in-memory twin of the Postgres store, used by tests
// and by `inbox serve --memory`.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lengolf/inbox/internal/channel"
	"github.com/lengolf/inbox/internal/inbox"
)

type messageKey struct {
	channel    channel.ChannelType
	platformID string
}

type msgRef struct {
	conversationID string
	id             string
}

// Store keeps everything behind one mutex, so each method is atomic like the
// single SQL statement it mirrors.
type Store struct {
	mu            sync.RWMutex
	users         map[inbox.UserKey]inbox.ChannelUser
	conversations map[string]*inbox.Conversation
	byUser        map[inbox.UserKey]string
	messages      map[string][]inbox.Message
	platformIDs   map[messageKey]msgRef
	webhookLogs   []inbox.WebhookEventLog
	outcomes      []inbox.EventOutcome
	lastStamp     time.Time
	now           func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:         map[inbox.UserKey]inbox.ChannelUser{},
		conversations: map[string]*inbox.Conversation{},
		byUser:        map[inbox.UserKey]string{},
		messages:      map[string][]inbox.Message{},
		platformIDs:   map[messageKey]msgRef{},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// stamp returns a strictly increasing timestamp for updated_at. Caller holds mu.
func (s *Store) stamp() time.Time {
	t := s.now()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = t
	return t
}

func (s *Store) MessageExists(ctx context.Context, ch channel.ChannelType, platformMessageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.platformIDs[messageKey{ch, platformMessageID}]
	return ok, nil
}

func (s *Store) UpsertChannelUser(ctx context.Context, user inbox.ChannelUser) (inbox.ChannelUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.users[user.UserKey]
	if !ok {
		if user.FirstSeenAt.IsZero() {
			user.FirstSeenAt = s.now()
		}
		if user.LastSeenAt.IsZero() {
			user.LastSeenAt = user.FirstSeenAt
		}
		user.Metadata = mergeMetadata(nil, user.Metadata)
		user.CustomerID = ""
		user.LinkedBy = inbox.LinkNone
		s.users[user.UserKey] = user
		return cloneUser(user), nil
	}
	if user.DisplayName != "" {
		existing.DisplayName = user.DisplayName
	}
	if user.AvatarURL != "" {
		existing.AvatarURL = user.AvatarURL
	}
	existing.Metadata = mergeMetadata(existing.Metadata, user.Metadata)
	if user.LastSeenAt.After(existing.LastSeenAt) {
		existing.LastSeenAt = user.LastSeenAt
	}
	s.users[user.UserKey] = existing
	return cloneUser(existing), nil
}

func (s *Store) EnsureConversation(ctx context.Context, key inbox.UserKey, customerID string) (inbox.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byUser[key]; ok {
		return *s.conversations[id], nil
	}
	now := s.stamp()
	conv := &inbox.Conversation{
		ID:            uuid.NewString(),
		Channel:       key.Channel,
		ChannelUserID: key.ChannelUserID,
		IsActive:      true,
		CustomerID:    customerID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.conversations[conv.ID] = conv
	s.byUser[key] = conv.ID
	return *conv, nil
}

// RecordMessage inserts msg and updates its conversation under one lock, the
// way the Postgres store does both in one transaction.
func (s *Store) RecordMessage(ctx context.Context, msg inbox.Message, summary string) (inbox.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return inbox.Message{}, false, inbox.ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.PlatformMessageID != "" {
		key := messageKey{msg.Channel, msg.PlatformMessageID}
		if _, dup := s.platformIDs[key]; dup {
			return inbox.Message{}, false, nil
		}
		s.platformIDs[key] = msgRef{conversationID: msg.ConversationID, id: msg.ID}
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)

	at := msg.CreatedAt
	if msg.SenderType != channel.SenderStaff {
		conv.UnreadCount++
		conv.IsActive = true
		if !at.Before(conv.LastInboundAt) {
			conv.LastInboundAt = at
		}
	}
	if !at.Before(conv.LastMessageAt) {
		conv.LastMessageAt = at
		conv.LastMessageText = summary
		conv.LastMessageBy = msg.SenderType
	}
	conv.UpdatedAt = s.stamp()
	return msg, true, nil
}

func (s *Store) GetMessageByPlatformID(ctx context.Context, ch channel.ChannelType, platformMessageID string) (inbox.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.platformIDs[messageKey{ch, platformMessageID}]
	if !ok {
		return inbox.Message{}, inbox.ErrNotFound
	}
	for _, m := range s.messages[ref.conversationID] {
		if m.ID == ref.id {
			return m, nil
		}
	}
	return inbox.Message{}, inbox.ErrNotFound
}

func (s *Store) GetConversation(ctx context.Context, id string) (inbox.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return inbox.Conversation{}, inbox.ErrNotFound
	}
	return *conv, nil
}

func (s *Store) ListConversations(ctx context.Context, filter inbox.ConversationFilter) ([]inbox.Conversation, error) {
	s.mu.RLock()
	items := make([]inbox.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if !filter.IncludeInactive && !c.IsActive {
			continue
		}
		if filter.Channel != "" && c.Channel != filter.Channel {
			continue
		}
		if filter.AssignedTo != "" && c.AssignedTo != filter.AssignedTo {
			continue
		}
		if filter.UnreadOnly && c.UnreadCount == 0 {
			continue
		}
		items = append(items, *c)
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].LastMessageAt.Equal(items[j].LastMessageAt) {
			return items[i].LastMessageAt.After(items[j].LastMessageAt)
		}
		return items[i].ID < items[j].ID
	})
	return page(items, filter.Offset, filter.Limit), nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, p inbox.MessagePage) ([]inbox.Message, error) {
	s.mu.RLock()
	src := s.messages[conversationID]
	items := make([]inbox.Message, 0, len(src))
	for _, m := range src {
		if !p.Before.IsZero() && !m.CreatedAt.Before(p.Before) {
			continue
		}
		items = append(items, m)
	}
	s.mu.RUnlock()

	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return page(items, 0, p.Limit), nil
}

func (s *Store) MarkRead(ctx context.Context, id string) (inbox.Conversation, error) {
	return s.mutate(id, func(c *inbox.Conversation) { c.UnreadCount = 0 })
}

func (s *Store) Assign(ctx context.Context, id, staffID string) (inbox.Conversation, error) {
	return s.mutate(id, func(c *inbox.Conversation) { c.AssignedTo = staffID })
}

func (s *Store) SetActive(ctx context.Context, id string, active bool) (inbox.Conversation, error) {
	return s.mutate(id, func(c *inbox.Conversation) { c.IsActive = active })
}

func (s *Store) mutate(id string, fn func(*inbox.Conversation)) (inbox.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return inbox.Conversation{}, inbox.ErrNotFound
	}
	fn(conv)
	conv.UpdatedAt = s.stamp()
	return *conv, nil
}

func (s *Store) ConversationsUpdatedSince(ctx context.Context, since time.Time, limit int) ([]inbox.Conversation, error) {
	s.mu.RLock()
	items := make([]inbox.Conversation, 0)
	for _, c := range s.conversations {
		if c.UpdatedAt.After(since) {
			items = append(items, *c)
		}
	}
	s.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.Before(items[j].UpdatedAt) })
	return page(items, 0, limit), nil
}

func (s *Store) AppendWebhookLog(ctx context.Context, entry inbox.WebhookEventLog) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Payload = append([]byte(nil), entry.Payload...)
	s.webhookLogs = append(s.webhookLogs, entry)
	return entry.ID, nil
}

func (s *Store) AppendEventOutcome(ctx context.Context, outcome inbox.EventOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

// WebhookLogs returns a copy of the delivery log.
func (s *Store) WebhookLogs() []inbox.WebhookEventLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]inbox.WebhookEventLog(nil), s.webhookLogs...)
}

// EventOutcomes returns a copy of the per-event outcome log.
func (s *Store) EventOutcomes() []inbox.EventOutcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]inbox.EventOutcome(nil), s.outcomes...)
}

func (s *Store) GetChannelUser(ctx context.Context, key inbox.UserKey) (inbox.ChannelUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[key]
	if !ok {
		return inbox.ChannelUser{}, inbox.ErrNotFound
	}
	return cloneUser(user), nil
}

func (s *Store) SetCustomer(ctx context.Context, key inbox.UserKey, customerID string, by inbox.LinkSource, onlyIfUnlinked bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[key]
	if !ok {
		return false, inbox.ErrNotFound
	}
	if onlyIfUnlinked && user.CustomerID != "" {
		return false, nil
	}
	user.CustomerID = customerID
	user.LinkedBy = by
	if customerID == "" {
		user.LinkedBy = inbox.LinkNone
	}
	s.users[key] = user
	if id, ok := s.byUser[key]; ok {
		conv := s.conversations[id]
		conv.CustomerID = customerID
		conv.UpdatedAt = s.stamp()
	}
	return true, nil
}

func mergeMetadata(dst, src map[string]string) map[string]string {
	out := make(map[string]string, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

func cloneUser(u inbox.ChannelUser) inbox.ChannelUser {
	u.Metadata = mergeMetadata(nil, u.Metadata)
	return u
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
