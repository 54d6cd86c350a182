package inbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lengolf/inbox/internal/channel"
	"github.com/lengolf/inbox/internal/inbox"
	"github.com/lengolf/inbox/internal/inbox/memstore"
)

func newService(t *testing.T) (*inbox.Service, *inbox.Processor, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	reg := channel.NewRegistry()
	reg.MustRegister(&fakeSender{channelType: channel.ChannelLINE})
	return inbox.NewService(nil, store, inbox.NewDispatcher(nil, store, reg, time.Second)),
		inbox.NewProcessor(nil, store, nil),
		store
}

func TestListConversationsFilters(t *testing.T) {
	t.Parallel()

	svc, p, _ := newService(t)
	ctx := context.Background()
	now := time.Now()
	lineEv := textEvent("U1", "L1", "line", now)
	waEv := textEvent("W1", "W1", "wa", now.Add(time.Second))
	waEv.Channel = channel.ChannelWhatsApp
	for _, ev := range []channel.InboundEvent{lineEv, waEv} {
		if _, err := p.Process(ctx, ev); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}

	all, err := svc.ListConversations(ctx, inbox.ConversationFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("ListConversations = (%d, %v)", len(all), err)
	}
	if all[0].Channel != channel.ChannelWhatsApp {
		t.Fatalf("expected newest first, got %s", all[0].Channel)
	}

	onlyLine, _ := svc.ListConversations(ctx, inbox.ConversationFilter{Channel: "LINE"})
	if len(onlyLine) != 1 || onlyLine[0].Channel != channel.ChannelLINE {
		t.Fatalf("channel filter failed: %+v", onlyLine)
	}

	if _, err := svc.MarkRead(ctx, onlyLine[0].ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	unread, _ := svc.ListConversations(ctx, inbox.ConversationFilter{UnreadOnly: true})
	if len(unread) != 1 || unread[0].Channel != channel.ChannelWhatsApp {
		t.Fatalf("unread filter failed: %+v", unread)
	}

	if _, err := svc.Assign(ctx, onlyLine[0].ID, " staff-9 "); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	assigned, _ := svc.ListConversations(ctx, inbox.ConversationFilter{AssignedTo: "staff-9"})
	if len(assigned) != 1 || assigned[0].AssignedTo != "staff-9" {
		t.Fatalf("assignee filter failed: %+v", assigned)
	}
}

func TestDeactivatedConversationReactivatesOnInbound(t *testing.T) {
	t.Parallel()

	svc, p, store := newService(t)
	ctx := context.Background()
	if _, err := p.Process(ctx, textEvent("U1", "M1", "hi", time.Now())); err != nil {
		t.Fatalf("Process: %v", err)
	}
	conv := onlyConversation(t, store)
	if _, err := svc.SetActive(ctx, conv.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	active, _ := svc.ListConversations(ctx, inbox.ConversationFilter{})
	if len(active) != 0 {
		t.Fatalf("inactive conversation listed: %+v", active)
	}
	if _, err := p.Process(ctx, textEvent("U1", "M2", "back again", time.Now())); err != nil {
		t.Fatalf("Process: %v", err)
	}
	conv = onlyConversation(t, store)
	if !conv.IsActive || conv.UnreadCount != 2 {
		t.Fatalf("conversation not reactivated: %+v", conv)
	}
}

func TestMessagesPaging(t *testing.T) {
	t.Parallel()

	svc, p, store := newService(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		ev := textEvent("U1", "M"+string(rune('0'+i)), "msg", base.Add(time.Duration(i)*time.Minute))
		if _, err := p.Process(ctx, ev); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	conv := onlyConversation(t, store)

	first, err := svc.Messages(ctx, conv.ID, inbox.MessagePage{Limit: 2})
	if err != nil || len(first) != 2 {
		t.Fatalf("Messages = (%d, %v)", len(first), err)
	}
	if first[0].PlatformMessageID != "M4" || first[1].PlatformMessageID != "M3" {
		t.Fatalf("unexpected first page: %s, %s", first[0].PlatformMessageID, first[1].PlatformMessageID)
	}
	next, _ := svc.Messages(ctx, conv.ID, inbox.MessagePage{Before: first[1].CreatedAt, Limit: 10})
	if len(next) != 3 || next[0].PlatformMessageID != "M2" {
		t.Fatalf("unexpected second page: %+v", next)
	}

	if _, err := svc.Messages(ctx, "missing", inbox.MessagePage{}); !errors.Is(err, inbox.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchDeltaAdvancesCursor(t *testing.T) {
	t.Parallel()

	svc, p, _ := newService(t)
	ctx := context.Background()

	delta, err := svc.FetchDelta(ctx, time.Time{})
	if err != nil || len(delta.Conversations) != 0 {
		t.Fatalf("empty FetchDelta = (%+v, %v)", delta, err)
	}

	if _, err := p.Process(ctx, textEvent("U1", "M1", "hi", time.Now())); err != nil {
		t.Fatalf("Process: %v", err)
	}
	delta, err = svc.FetchDelta(ctx, time.Time{})
	if err != nil || len(delta.Conversations) != 1 {
		t.Fatalf("FetchDelta = (%d, %v)", len(delta.Conversations), err)
	}
	cursor := delta.Cursor
	if !cursor.Equal(delta.Conversations[0].UpdatedAt) {
		t.Fatalf("cursor %s != updated_at %s", cursor, delta.Conversations[0].UpdatedAt)
	}

	delta, _ = svc.FetchDelta(ctx, cursor)
	if len(delta.Conversations) != 0 || !delta.Cursor.Equal(cursor) {
		t.Fatalf("unchanged inbox returned delta: %+v", delta)
	}

	if _, err := svc.MarkRead(ctx, delta.Cursor.String()); !errors.Is(err, inbox.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for bogus id, got %v", err)
	}
	if _, err := p.Process(ctx, textEvent("U1", "M2", "again", time.Now())); err != nil {
		t.Fatalf("Process: %v", err)
	}
	delta, _ = svc.FetchDelta(ctx, cursor)
	if len(delta.Conversations) != 1 || !delta.Cursor.After(cursor) {
		t.Fatalf("changed conversation missing from delta: %+v", delta)
	}
}
