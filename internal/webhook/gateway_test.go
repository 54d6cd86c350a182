package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/lengolf/inbox/internal/channel"
	"github.com/lengolf/inbox/internal/channel/adapters/meta"
	"github.com/lengolf/inbox/internal/channel/adapters/website"
	"github.com/lengolf/inbox/internal/inbox"
	"github.com/lengolf/inbox/internal/inbox/memstore"
)

const widgetSecret = "widget-secret"

type fakeQueue struct {
	mu     sync.Mutex
	events []channel.InboundEvent
	err    error
}

func (q *fakeQueue) Enqueue(ctx context.Context, events ...channel.InboundEvent) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, events...)
	return nil
}

type gatewayFixture struct {
	echo    *echo.Echo
	gateway *Gateway
	store   *memstore.Store
	queue   *fakeQueue
}

func newGatewayFixture(t *testing.T) gatewayFixture {
	t.Helper()
	registry := channel.NewRegistry()
	registry.MustRegister(website.New(nil, website.Config{Secret: widgetSecret}))
	registry.MustRegister(meta.NewFacebook(nil, meta.Config{Secret: "app-secret", VerifyToken: "verify-me"}))
	store := memstore.New()
	queue := &fakeQueue{}
	e := echo.New()
	gw := NewGateway(nil, registry, store, queue)
	gw.Register(e)
	return gatewayFixture{echo: e, gateway: gw, store: store, queue: queue}
}

func (f gatewayFixture) post(path string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if signature != "" {
		req.Header.Set(website.SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func widgetBody() []byte {
	return []byte(`{"messages":[
		{"session_id":"S1","message_id":"W1","type":"text","text":"Do you have lessons on Sunday?","visitor":{"name":"Nok"}},
		{"session_id":"S1","message_id":"W2","type":"text","text":"For two people"}
	]}`)
}

func TestGatewayAcceptsSignedDelivery(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	body := widgetBody()
	rec := f.post("/webhooks/website", body, channel.SignHMAC(widgetSecret, body, channel.SignatureHex))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status string `json:"status"`
		Events int    `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Status != "ok" || resp.Events != 2 {
		t.Fatalf("unexpected response %s (%v)", rec.Body.String(), err)
	}

	logs := f.store.WebhookLogs()
	if len(logs) != 1 || logs[0].Outcome != inbox.OutcomeAccepted || !logs[0].SignatureValid || logs[0].EventCount != 2 {
		t.Fatalf("unexpected webhook log: %+v", logs)
	}
	if len(f.queue.events) != 2 {
		t.Fatalf("enqueued %d events, want 2", len(f.queue.events))
	}
	for _, ev := range f.queue.events {
		if ev.DeliveryID != logs[0].ID || ev.Channel != channel.ChannelWebsite {
			t.Fatalf("event not stamped with delivery: %+v", ev)
		}
	}
}

func TestGatewayRejectsTamperedBody(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	body := widgetBody()
	sig := channel.SignHMAC(widgetSecret, body, channel.SignatureHex)
	tampered := bytes.Replace(body, []byte("two"), []byte("six"), 1)

	rec := f.post("/webhooks/website", tampered, sig)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(f.queue.events) != 0 {
		t.Fatal("tampered delivery was enqueued")
	}
	logs := f.store.WebhookLogs()
	if len(logs) != 1 || logs[0].Outcome != inbox.OutcomeRejectedSignature || logs[0].SignatureValid {
		t.Fatalf("unexpected webhook log: %+v", logs)
	}
}

func TestGatewayMissingSignature(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	if rec := f.post("/webhooks/website", widgetBody(), ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestGatewayMalformedPayloadIsAcknowledged(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	body := []byte(`{"messages": "nope"`)
	rec := f.post("/webhooks/website", body, channel.SignHMAC(widgetSecret, body, channel.SignatureHex))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	logs := f.store.WebhookLogs()
	if len(logs) != 1 || logs[0].Outcome != inbox.OutcomeMalformed || logs[0].Detail == "" {
		t.Fatalf("unexpected webhook log: %+v", logs)
	}
	if len(f.queue.events) != 0 {
		t.Fatal("malformed delivery was enqueued")
	}
}

func TestGatewayUnknownChannel(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	if rec := f.post("/webhooks/telegram", []byte(`{}`), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if len(f.store.WebhookLogs()) != 0 {
		t.Fatal("unknown channel was logged")
	}
}

func TestGatewayTooLarge(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	body := bytes.Repeat([]byte("a"), int(maxBodyBytes)+1)
	if rec := f.post("/webhooks/website", body, "x"); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestGatewayEnqueueFailureAsksForRetry(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	f.queue.err = errors.New("broker down")
	body := widgetBody()
	rec := f.post("/webhooks/website", body, channel.SignHMAC(widgetSecret, body, channel.SignatureHex))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestGatewayHandshake(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		f.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/webhooks/facebook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345")
	if rec.Code != http.StatusOK || rec.Body.String() != "12345" {
		t.Fatalf("handshake = %d %q", rec.Code, rec.Body.String())
	}
	if rec := get("/webhooks/facebook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1"); rec.Code != http.StatusForbidden {
		t.Fatalf("bad token status = %d, want 403", rec.Code)
	}
	if rec := get("/webhooks/website"); rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "ok" {
		t.Fatalf("plain GET = %d %q", rec.Code, rec.Body.String())
	}
}

func TestGatewayTracksDeliveryStatus(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	body := widgetBody()
	f.post("/webhooks/website", body, channel.SignHMAC(widgetSecret, body, channel.SignatureHex))
	f.post("/webhooks/website", body, "sha256=bad")

	statuses := f.gateway.DeliveryStatuses()
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status, got %+v", statuses)
	}
	st := statuses[0]
	if st.ChannelType != channel.ChannelWebsite || st.Accepted != 1 || st.Rejected != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.LastAcceptedAt.IsZero() || st.LastRejectedAt.IsZero() || st.LastError != "signature rejected" {
		t.Fatalf("timestamps not recorded: %+v", st)
	}
}
