package website

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lengolf/inbox/internal/channel"
)

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	adapter := New(nil, Config{Secret: "widget"})
	body := []byte(`{"session_id":"s1","message_id":"w1","text":"hi"}`)
	header := http.Header{}
	header.Set(SignatureHeader, channel.SignHMAC("widget", body, channel.SignatureHex))
	if !adapter.VerifySignature(body, header) {
		t.Fatalf("valid signature rejected")
	}
	if adapter.VerifySignature([]byte(`{"session_id":"s1","message_id":"w1","text":"hacked"}`), header) {
		t.Fatalf("tampered body accepted")
	}
}

func TestParseWebhookSingleAndBatch(t *testing.T) {
	t.Parallel()

	adapter := New(nil, Config{})
	single := `{"session_id":"s1","message_id":"w1","text":"hi","visitor":{"name":"Ann","email":" Ann@Example.com ","phone":"0812345678"},"sent_at":"2026-01-02T03:04:05Z"}`
	events, err := adapter.ParseWebhook([]byte(single))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.ChannelUserID != "s1" || ev.ContentType != channel.ContentText || ev.Profile.DisplayName != "Ann" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Profile.Attribute(channel.ProfileEmail) != "Ann@Example.com" || ev.Profile.Attribute(channel.ProfilePhone) != "0812345678" {
		t.Fatalf("visitor metadata missing: %+v", ev.Profile.Metadata)
	}
	if ev.OccurredAt.Year() != 2026 {
		t.Fatalf("sent_at not parsed: %s", ev.OccurredAt)
	}

	batch := `{"messages":[{"session_id":"s2","message_id":"w2","attachment":{"url":"https://site.test/u/a.png","mime":"image/png"}},{"session_id":"s2","message_id":"w3","text":"ok"}]}`
	events, err = adapter.ParseWebhook([]byte(batch))
	if err != nil {
		t.Fatalf("ParseWebhook batch: %v", err)
	}
	if len(events) != 2 || events[0].ContentType != channel.ContentImage || events[0].Attachment == nil {
		t.Fatalf("unexpected batch events: %+v", events)
	}
}

func TestParseWebhookDerivesMissingMessageID(t *testing.T) {
	t.Parallel()

	adapter := New(nil, Config{})
	body := []byte(`{"session_id":"s1","text":"is bay 2 free?","sent_at":"2026-01-02T03:04:05Z"}`)
	first, err := adapter.ParseWebhook(body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	again, err := adapter.ParseWebhook(body)
	if err != nil {
		t.Fatalf("ParseWebhook redelivery: %v", err)
	}
	id := first[0].PlatformMessageID
	if id == "" || id != again[0].PlatformMessageID {
		t.Fatalf("ids %q and %q, want one stable non-empty id", id, again[0].PlatformMessageID)
	}

	other, err := adapter.ParseWebhook([]byte(`{"session_id":"s1","text":"is bay 3 free?","sent_at":"2026-01-02T03:04:05Z"}`))
	if err != nil {
		t.Fatalf("ParseWebhook other: %v", err)
	}
	if other[0].PlatformMessageID == id {
		t.Fatal("different messages share a derived id")
	}
}

func TestParseWebhookMalformed(t *testing.T) {
	t.Parallel()

	adapter := New(nil, Config{})
	if _, err := adapter.ParseWebhook([]byte(`[1,2]`)); !errors.Is(err, channel.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestSendWithoutRelayIsStoredOnly(t *testing.T) {
	t.Parallel()

	adapter := New(nil, Config{})
	res, err := adapter.Send(context.Background(), channel.OutboundMessage{
		Target:  "s1",
		Content: channel.OutboundContent{ContentType: channel.ContentText, Text: "hello"},
	})
	if err != nil || res.PlatformMessageID != "" {
		t.Fatalf("Send = (%+v, %v)", res, err)
	}
}

func TestSendViaRelay(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/s1/messages" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"message_id":"relay-1"}`))
	}))
	defer srv.Close()

	adapter := New(nil, Config{APIBaseURL: srv.URL})
	res, err := adapter.Send(context.Background(), channel.OutboundMessage{
		Target:  "s1",
		Content: channel.OutboundContent{ContentType: channel.ContentText, Text: "hello"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.PlatformMessageID != "relay-1" {
		t.Fatalf("unexpected id %q", res.PlatformMessageID)
	}
}
