package inbox_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/lengolf/inbox/internal/channel"
	"github.com/lengolf/inbox/internal/inbox"
	"github.com/lengolf/inbox/internal/inbox/memstore"
)

func textEvent(userID, platformID, text string, at time.Time) channel.InboundEvent {
	return channel.InboundEvent{
		Channel:           channel.ChannelLINE,
		PlatformMessageID: platformID,
		ChannelUserID:     userID,
		ContentType:       channel.ContentText,
		Text:              text,
		OccurredAt:        at,
	}
}

func onlyConversation(t *testing.T, store *memstore.Store) inbox.Conversation {
	t.Helper()
	items, err := store.ListConversations(context.Background(), inbox.ConversationFilter{IncludeInactive: true})
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected exactly one conversation, got %d", len(items))
	}
	return items[0]
}

func countMessages(t *testing.T, store *memstore.Store, conversationID string) int {
	t.Helper()
	msgs, err := store.ListMessages(context.Background(), conversationID, inbox.MessagePage{Limit: 1000})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	return len(msgs)
}

func TestProcessIsIdempotent(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	p := inbox.NewProcessor(nil, store, nil)
	ev := textEvent("U1", "M1", "hello", time.Now())

	res, err := p.Process(context.Background(), ev)
	if err != nil || res != inbox.ResultProcessed {
		t.Fatalf("first Process = (%s, %v)", res, err)
	}
	res, err = p.Process(context.Background(), ev)
	if err != nil || res != inbox.ResultDuplicate {
		t.Fatalf("second Process = (%s, %v)", res, err)
	}

	conv := onlyConversation(t, store)
	if conv.UnreadCount != 1 {
		t.Fatalf("unread_count = %d, want 1", conv.UnreadCount)
	}
	if n := countMessages(t, store, conv.ID); n != 1 {
		t.Fatalf("stored %d messages, want 1", n)
	}
}

func TestProcessConcurrentRedeliveries(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	p := inbox.NewProcessor(nil, store, nil)
	ev := textEvent("U1", "M1", "hello", time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Process(context.Background(), ev); err != nil {
				t.Errorf("Process: %v", err)
			}
		}()
	}
	wg.Wait()

	conv := onlyConversation(t, store)
	if conv.UnreadCount != 1 {
		t.Fatalf("unread_count = %d, want 1", conv.UnreadCount)
	}
	if n := countMessages(t, store, conv.ID); n != 1 {
		t.Fatalf("stored %d messages, want 1", n)
	}
}

func TestProcessConcurrentDistinctMessages(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	p := inbox.NewProcessor(nil, store, nil)
	base := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := textEvent("U1", "M"+string(rune('a'+i)), "hi", base.Add(time.Duration(i)*time.Second))
			if _, err := p.Process(context.Background(), ev); err != nil {
				t.Errorf("Process: %v", err)
			}
		}(i)
	}
	wg.Wait()

	conv := onlyConversation(t, store)
	if conv.UnreadCount != 20 {
		t.Fatalf("unread_count = %d, want 20", conv.UnreadCount)
	}
	if !conv.LastMessageAt.Equal(base.Add(19 * time.Second).UTC()) {
		t.Fatalf("last_message_at did not settle on newest event: %s", conv.LastMessageAt)
	}
}

func TestProcessOutOfOrderKeepsNewestSummary(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	p := inbox.NewProcessor(nil, store, nil)
	now := time.Now()
	if _, err := p.Process(context.Background(), textEvent("U1", "M2", "newer", now)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, err := p.Process(context.Background(), textEvent("U1", "M1", "older", now.Add(-time.Minute))); err != nil {
		t.Fatalf("Process: %v", err)
	}
	conv := onlyConversation(t, store)
	if conv.LastMessageText != "newer" || conv.UnreadCount != 2 {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
}

func TestProcessMalformedEvent(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	p := inbox.NewProcessor(nil, store, nil)
	ev := textEvent("", "M1", "no user", time.Now())
	ev.DeliveryID = "D1"

	res, err := p.Process(context.Background(), ev)
	if res != inbox.ResultFailed || !errors.Is(err, inbox.ErrMalformedEvent) || !inbox.IsPermanent(err) {
		t.Fatalf("Process = (%s, %v)", res, err)
	}
	items, _ := store.ListConversations(context.Background(), inbox.ConversationFilter{IncludeInactive: true})
	if len(items) != 0 {
		t.Fatalf("malformed event created %d conversations", len(items))
	}
	outcomes := store.EventOutcomes()
	if len(outcomes) != 1 || outcomes[0].Result != inbox.ResultFailed || outcomes[0].DeliveryID != "D1" {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	p := inbox.NewProcessor(nil, store, nil)
	now := time.Now()
	errs := p.ProcessBatch(context.Background(), []channel.InboundEvent{
		textEvent("U1", "M1", "ok", now),
		{Channel: channel.ChannelLINE, ChannelUserID: "U1", ContentType: channel.ContentImage},
		textEvent("U1", "M3", "also ok", now.Add(time.Second)),
	})
	if errs[0] != nil || errs[1] == nil || errs[2] != nil {
		t.Fatalf("unexpected batch errors: %v", errs)
	}
	if conv := onlyConversation(t, store); conv.UnreadCount != 2 {
		t.Fatalf("unread_count = %d, want 2", conv.UnreadCount)
	}
}

type failingResolver struct{}

func (failingResolver) Resolve(ctx context.Context, user inbox.ChannelUser) (string, error) {
	return "", errors.New("directory unavailable")
}

func TestIdentityFailureDoesNotFailEvent(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	p := inbox.NewProcessor(nil, store, failingResolver{})
	res, err := p.Process(context.Background(), textEvent("U1", "M1", "hi", time.Now()))
	if err != nil || res != inbox.ResultProcessed {
		t.Fatalf("Process = (%s, %v)", res, err)
	}
}

func TestProfileMetadataMergesKeyByKey(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	p := inbox.NewProcessor(nil, store, nil)
	first := textEvent("U1", "M1", "hi", time.Now())
	first.Profile = channel.Profile{DisplayName: "Old", Metadata: map[string]string{"phone": "0811111111", "locale": "th"}}
	second := textEvent("U1", "M2", "again", time.Now())
	second.Profile = channel.Profile{DisplayName: "New", Metadata: map[string]string{"phone": "0822222222"}}

	for _, ev := range []channel.InboundEvent{first, second} {
		if _, err := p.Process(context.Background(), ev); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	user, err := store.GetChannelUser(context.Background(), inbox.UserKey{Channel: channel.ChannelLINE, ChannelUserID: "U1"})
	if err != nil {
		t.Fatalf("GetChannelUser: %v", err)
	}
	if user.DisplayName != "New" || user.Attribute("phone") != "0822222222" || user.Attribute("locale") != "th" {
		t.Fatalf("unexpected merged user: %+v", user)
	}
}

// Scenario: image from a brand-new user, then a staff reply.
func TestNewUserImageThenStaffReply(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	reg := channel.NewRegistry()
	sender := &fakeSender{channelType: channel.ChannelLINE}
	reg.MustRegister(sender)
	p := inbox.NewProcessor(nil, store, nil)
	d := inbox.NewDispatcher(nil, store, reg, time.Second)

	ev := channel.InboundEvent{
		Channel:           channel.ChannelLINE,
		PlatformMessageID: "IMG1",
		ChannelUserID:     "Unew",
		ContentType:       channel.ContentImage,
		Attachment:        &channel.Attachment{URL: "https://api-data.line.me/v2/bot/message/IMG1/content", PlatformKey: "IMG1"},
		OccurredAt:        time.Now(),
	}
	if res, err := p.Process(context.Background(), ev); err != nil || res != inbox.ResultProcessed {
		t.Fatalf("Process = (%s, %v)", res, err)
	}
	if _, err := store.GetChannelUser(context.Background(), inbox.UserKey{Channel: channel.ChannelLINE, ChannelUserID: "Unew"}); err != nil {
		t.Fatalf("channel user not created: %v", err)
	}
	conv := onlyConversation(t, store)
	if conv.UnreadCount != 1 || conv.LastMessageText != "[image]" || conv.LastMessageBy != channel.SenderUser {
		t.Fatalf("unexpected conversation after image: %+v", conv)
	}
	msgs, _ := store.ListMessages(context.Background(), conv.ID, inbox.MessagePage{})
	if len(msgs) != 1 || msgs[0].ContentType != channel.ContentImage || msgs[0].SenderType != channel.SenderUser {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	reply, err := d.Send(context.Background(), conv.ID, "staff-7", channel.OutboundContent{ContentType: channel.ContentText, Text: "Nice swing!"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.SenderType != channel.SenderStaff || reply.SenderID != "staff-7" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	conv = onlyConversation(t, store)
	if conv.UnreadCount != 1 {
		t.Fatalf("staff reply changed unread_count to %d", conv.UnreadCount)
	}
	if conv.LastMessageBy != channel.SenderStaff || conv.LastMessageText != "Nice swing!" {
		t.Fatalf("last message not updated by reply: %+v", conv)
	}
}

func TestUnreadMonotonicity(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	reg := channel.NewRegistry()
	reg.MustRegister(&fakeSender{channelType: channel.ChannelLINE})
	p := inbox.NewProcessor(nil, store, nil)
	svc := inbox.NewService(nil, store, inbox.NewDispatcher(nil, store, reg, time.Second))

	now := time.Now()
	for i, id := range []string{"M1", "M2", "M3"} {
		if _, err := p.Process(context.Background(), textEvent("U1", id, "hi", now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	conv := onlyConversation(t, store)
	if _, err := svc.Send(context.Background(), conv.ID, "staff-1", channel.OutboundContent{Text: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if conv = onlyConversation(t, store); conv.UnreadCount != 3 {
		t.Fatalf("unread_count = %d, want 3", conv.UnreadCount)
	}
	conv, err := svc.MarkRead(context.Background(), conv.ID)
	if err != nil || conv.UnreadCount != 0 {
		t.Fatalf("MarkRead = (%d, %v)", conv.UnreadCount, err)
	}
}

// flakyStore fails the first RecordMessage calls the way a dropped database
// connection aborts the transaction.
type flakyStore struct {
	*memstore.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) RecordMessage(ctx context.Context, msg inbox.Message, summary string) (inbox.Message, bool, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return inbox.Message{}, false, errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.Store.RecordMessage(ctx, msg, summary)
}

func TestRetryAfterFailedRecordCountsOnce(t *testing.T) {
	t.Parallel()

	store := &flakyStore{Store: memstore.New(), failures: 1}
	p := inbox.NewProcessor(nil, store, nil)
	ev := textEvent("U1", "M1", "is bay 3 free?", time.Now())

	result, err := p.Process(context.Background(), ev)
	if err == nil || result != inbox.ResultFailed {
		t.Fatalf("first Process = (%s, %v), want failure", result, err)
	}
	result, err = p.Process(context.Background(), ev)
	if err != nil || result != inbox.ResultProcessed {
		t.Fatalf("redelivery = (%s, %v), want processed", result, err)
	}
	result, err = p.Process(context.Background(), ev)
	if err != nil || result != inbox.ResultDuplicate {
		t.Fatalf("second redelivery = (%s, %v), want duplicate", result, err)
	}

	conv := onlyConversation(t, store.Store)
	if conv.UnreadCount != 1 || conv.LastMessageText != "is bay 3 free?" {
		t.Fatalf("conversation = unread %d text %q, want 1 and the message", conv.UnreadCount, conv.LastMessageText)
	}
	if n := countMessages(t, store.Store, conv.ID); n != 1 {
		t.Fatalf("expected 1 stored message, got %d", n)
	}
}

type fakeSender struct {
	mu          sync.Mutex
	channelType channel.ChannelType
	policy      channel.OutboundPolicy
	templates   bool
	sent        []channel.OutboundMessage
	err         error
	failAfter   int
}

func (f *fakeSender) Type() channel.ChannelType { return f.channelType }

func (f *fakeSender) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:           f.channelType,
		Capabilities:   channel.ChannelCapabilities{Text: true, Templates: f.templates},
		OutboundPolicy: f.policy,
	}
}

func (f *fakeSender) VerifySignature(body []byte, header http.Header) bool { return true }

func (f *fakeSender) ParseWebhook(body []byte) ([]channel.InboundEvent, error) { return nil, nil }

func (f *fakeSender) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil && len(f.sent) >= f.failAfter {
		return channel.SendResult{}, f.err
	}
	f.sent = append(f.sent, msg)
	return channel.SendResult{PlatformMessageID: "out-" + string(rune('0'+len(f.sent)))}, nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}
