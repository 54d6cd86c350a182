package line

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lengolf/inbox/internal/channel"
)

const sampleWebhook = `{
  "destination": "Ubot",
  "events": [
    {"type":"message","webhookEventId":"E1","timestamp":1700000000000,"replyToken":"r1",
     "source":{"type":"user","userId":"U1"},
     "message":{"id":"M1","type":"text","text":"tee time tomorrow?"}},
    {"type":"message","webhookEventId":"E2","timestamp":1700000001000,
     "source":{"type":"user","userId":"U1"},
     "message":{"id":"M2","type":"image","contentProvider":{"type":"line"}}},
    {"type":"follow","webhookEventId":"E3","timestamp":1700000002000,"source":{"type":"user","userId":"U2"}},
    {"type":"postback","webhookEventId":"E4","timestamp":1700000003000,
     "source":{"type":"user","userId":"U1"},"postback":{"data":"action=book"}}
  ]
}`

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	adapter := New(nil, Config{Secret: "line-secret"})
	body := []byte(sampleWebhook)
	header := http.Header{}
	header.Set(SignatureHeader, channel.SignHMAC("line-secret", body, channel.SignatureBase64))
	if !adapter.VerifySignature(body, header) {
		t.Fatalf("valid signature rejected")
	}
	tampered := append([]byte{}, body...)
	tampered[len(tampered)-3] = ' '
	if adapter.VerifySignature(tampered, header) {
		t.Fatalf("tampered body accepted")
	}
	if adapter.VerifySignature(body, http.Header{}) {
		t.Fatalf("missing header accepted")
	}
}

func TestParseWebhook(t *testing.T) {
	t.Parallel()

	adapter := New(nil, Config{DataBaseURL: "https://data.line.test"})
	events, err := adapter.ParseWebhook([]byte(sampleWebhook))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events (follow skipped), got %d", len(events))
	}
	text := events[0]
	if text.PlatformMessageID != "M1" || text.ContentType != channel.ContentText || text.Text != "tee time tomorrow?" || text.ChannelUserID != "U1" {
		t.Fatalf("unexpected text event: %+v", text)
	}
	if text.Metadata["destination"] != "Ubot" || text.Metadata["reply_token"] != "r1" {
		t.Fatalf("metadata not kept: %+v", text.Metadata)
	}
	image := events[1]
	if image.ContentType != channel.ContentImage || image.Attachment == nil {
		t.Fatalf("unexpected image event: %+v", image)
	}
	if image.Attachment.URL != "https://data.line.test/v2/bot/message/M2/content" {
		t.Fatalf("unexpected content url: %s", image.Attachment.URL)
	}
	if !adapter.OwnsAttachment(image.Attachment.URL) {
		t.Fatalf("adapter should own its content url")
	}
	postback := events[2]
	if postback.ContentType != channel.ContentPostback || postback.Text != "action=book" || postback.PlatformMessageID != "E4" {
		t.Fatalf("unexpected postback event: %+v", postback)
	}
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			t.Fatalf("parsed event invalid: %v", err)
		}
	}
}

func TestParseWebhookMalformed(t *testing.T) {
	t.Parallel()

	adapter := New(nil, Config{})
	if _, err := adapter.ParseWebhook([]byte(`{"events":`)); !errors.Is(err, channel.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestSend(t *testing.T) {
	t.Parallel()

	var got pushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/bot/message/push" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("missing bearer token")
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"sentMessages":[{"id":"S1","quoteToken":"q"}]}`))
	}))
	defer srv.Close()

	adapter := New(nil, Config{AccessToken: "token", APIBaseURL: srv.URL})
	res, err := adapter.Send(context.Background(), channel.OutboundMessage{
		Target:  "U1",
		Content: channel.OutboundContent{ContentType: channel.ContentText, Text: "see you at 9"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.PlatformMessageID != "S1" {
		t.Fatalf("unexpected platform id: %q", res.PlatformMessageID)
	}
	if got.To != "U1" || len(got.Messages) != 1 || got.Messages[0].Text != "see you at 9" {
		t.Fatalf("unexpected push body: %+v", got)
	}
}

func TestSendMapsBadRequestToRejection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"The property, 'to', in the request body is invalid"}`))
	}))
	defer srv.Close()

	adapter := New(nil, Config{AccessToken: "token", APIBaseURL: srv.URL})
	_, err := adapter.Send(context.Background(), channel.OutboundMessage{
		Target:  "bad",
		Content: channel.OutboundContent{ContentType: channel.ContentText, Text: "hi"},
	})
	if !errors.Is(err, channel.ErrOutboundRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestSendServerErrorIsTransport(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	adapter := New(nil, Config{AccessToken: "token", APIBaseURL: srv.URL})
	_, err := adapter.Send(context.Background(), channel.OutboundMessage{
		Target:  "U1",
		Content: channel.OutboundContent{ContentType: channel.ContentText, Text: "hi"},
	})
	if err == nil || errors.Is(err, channel.ErrOutboundRejected) {
		t.Fatalf("expected plain transport error, got %v", err)
	}
}
