// Package webhook is the public ingestion endpoint for platform webhooks.
package webhook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lengolf/inbox/internal/channel"
	"github.com/lengolf/inbox/internal/inbox"
	"github.com/lengolf/inbox/internal/metrics"
)

const maxBodyBytes int64 = 1 << 20 // 1 MiB

// Enqueuer accepts verified events; it must not block on processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, events ...channel.InboundEvent) error
}

// Gateway verifies, logs and enqueues webhook deliveries. It answers quickly
// so platforms do not time out and redeliver.
type Gateway struct {
	registry *channel.Registry
	log      inbox.WebhookLog
	queue    Enqueuer
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	statuses map[channel.ChannelType]*channel.DeliveryStatus
}

func NewGateway(log *slog.Logger, registry *channel.Registry, webhookLog inbox.WebhookLog, queue Enqueuer) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		registry: registry,
		log:      webhookLog,
		queue:    queue,
		logger:   log.With(slog.String("handler", "webhook_gateway")),
		now:      func() time.Time { return time.Now().UTC() },
		statuses: map[channel.ChannelType]*channel.DeliveryStatus{},
	}
}

func (g *Gateway) Register(e *echo.Echo) {
	e.GET("/webhooks/:channel", g.HandleHandshake)
	e.POST("/webhooks/:channel", g.Handle)
}

// HandleHandshake answers subscription checks. Adapters without a handshake
// get a plain "ok".
func (g *Gateway) HandleHandshake(c echo.Context) error {
	adapter, err := g.adapter(c)
	if err != nil {
		return err
	}
	h, ok := adapter.(channel.Handshaker)
	if !ok {
		return c.String(http.StatusOK, "ok")
	}
	resp, ok := h.Handshake(c.QueryParams())
	if !ok {
		g.logger.Warn("webhook handshake rejected", slog.String("channel", adapter.Type().String()))
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, resp)
}

// Handle processes one delivery. Bad signatures get 401; malformed but signed
// bodies get 200 so the platform stops retrying; both are logged.
func (g *Gateway) Handle(c echo.Context) error {
	adapter, err := g.adapter(c)
	if err != nil {
		return err
	}
	ct := adapter.Type()
	ctx := c.Request().Context()

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(payload)) > maxBodyBytes {
		metrics.WebhookDeliveries.WithLabelValues(ct.String(), "too_large").Inc()
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", maxBodyBytes))
	}
	entry := inbox.WebhookEventLog{
		Channel:    ct,
		ReceivedAt: g.now(),
		Payload:    payload,
	}

	if !adapter.VerifySignature(payload, c.Request().Header) {
		entry.Outcome = inbox.OutcomeRejectedSignature
		g.append(ctx, entry)
		metrics.WebhookDeliveries.WithLabelValues(ct.String(), inbox.OutcomeRejectedSignature).Inc()
		g.observe(ct, false, "signature rejected")
		g.logger.Warn("webhook signature rejected", slog.String("channel", ct.String()), slog.String("remote", c.RealIP()))
		return echo.NewHTTPError(http.StatusUnauthorized, channel.ErrSignatureInvalid.Error())
	}
	entry.SignatureValid = true

	events, err := adapter.ParseWebhook(payload)
	if err != nil {
		entry.Outcome = inbox.OutcomeMalformed
		entry.Detail = err.Error()
		g.append(ctx, entry)
		metrics.WebhookDeliveries.WithLabelValues(ct.String(), inbox.OutcomeMalformed).Inc()
		g.logger.Warn("malformed webhook payload", slog.String("channel", ct.String()), slog.Any("error", err))
		return c.JSON(http.StatusOK, map[string]any{"status": "ignored", "events": 0})
	}

	entry.Outcome = inbox.OutcomeAccepted
	entry.EventCount = len(events)
	deliveryID := g.append(ctx, entry)
	for i := range events {
		events[i].DeliveryID = deliveryID
		if events[i].Channel == "" {
			events[i].Channel = ct
		}
	}
	if len(events) > 0 {
		if err := g.queue.Enqueue(context.WithoutCancel(ctx), events...); err != nil {
			g.observe(ct, false, "enqueue failed")
			metrics.WebhookDeliveries.WithLabelValues(ct.String(), "enqueue_failed").Inc()
			g.logger.Error("enqueue webhook events failed", slog.String("channel", ct.String()), slog.String("delivery_id", deliveryID), slog.Any("error", err))
			// Processing is idempotent, so a platform retry is safe.
			return echo.NewHTTPError(http.StatusServiceUnavailable, "enqueue failed")
		}
	}
	g.observe(ct, true, "")
	metrics.WebhookDeliveries.WithLabelValues(ct.String(), inbox.OutcomeAccepted).Inc()
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "events": len(events)})
}

// DeliveryStatuses returns one status per channel that has seen a delivery
// since startup, sorted by channel.
func (g *Gateway) DeliveryStatuses() []channel.DeliveryStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]channel.DeliveryStatus, 0, len(g.statuses))
	for _, st := range g.statuses {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelType < out[j].ChannelType })
	return out
}

func (g *Gateway) observe(ct channel.ChannelType, accepted bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.statuses[ct]
	if !ok {
		st = &channel.DeliveryStatus{ChannelType: ct}
		g.statuses[ct] = st
	}
	if accepted {
		st.Accepted++
		st.LastAcceptedAt = g.now()
		return
	}
	st.Rejected++
	st.LastRejectedAt = g.now()
	st.LastError = reason
}

func (g *Gateway) adapter(c echo.Context) (channel.Adapter, error) {
	raw := strings.TrimSpace(c.Param("channel"))
	ct, err := g.registry.ParseChannelType(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "unknown channel")
	}
	adapter, _ := g.registry.Get(ct)
	return adapter, nil
}

// append writes the audit row. A log failure never fails the delivery.
func (g *Gateway) append(ctx context.Context, entry inbox.WebhookEventLog) string {
	if g.log == nil {
		return ""
	}
	id, err := g.log.AppendWebhookLog(context.WithoutCancel(ctx), entry)
	if err != nil {
		g.logger.Error("append webhook log failed", slog.String("channel", entry.Channel.String()), slog.Any("error", err))
		return ""
	}
	return id
}
