package channelchecker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lengolf/inbox/internal/channel"
	"github.com/lengolf/inbox/internal/healthcheck"
)

const checkTypeChannelWebhook = "channel.webhook"

// DeliveryObserver reads per-channel webhook delivery statuses.
type DeliveryObserver interface {
	DeliveryStatuses() []channel.DeliveryStatus
}

// ChannelLister lists the registered channel types.
type ChannelLister interface {
	Types() []channel.ChannelType
}

// Checker evaluates webhook delivery health per registered channel. It never
// reports an error: a quiet or misconfigured channel must not take the whole
// service out of rotation.
type Checker struct {
	logger   *slog.Logger
	channels ChannelLister
	observer DeliveryObserver
	now      func() time.Time
}

// NewChecker creates a channel health checker.
func NewChecker(log *slog.Logger, channels ChannelLister, observer DeliveryObserver) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_channel")),
		channels: channels,
		observer: observer,
		now:      time.Now,
	}
}

// ListChecks returns one item per registered channel.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	if c.channels == nil || c.observer == nil {
		c.logger.Warn("channel healthcheck dependency is unavailable")
		return []healthcheck.CheckResult{
			{
				ID:      checkTypeChannelWebhook + ".service",
				Type:    checkTypeChannelWebhook,
				Status:  healthcheck.StatusWarn,
				Summary: "Channel checker service is not available.",
				Detail:  "registry or delivery observer is nil",
			},
		}
	}

	seen := map[channel.ChannelType]channel.DeliveryStatus{}
	for _, st := range c.observer.DeliveryStatuses() {
		seen[st.ChannelType] = st
	}
	types := c.channels.Types()
	checks := make([]healthcheck.CheckResult, 0, len(types))
	for _, ct := range types {
		name := strings.TrimSpace(ct.String())
		item := healthcheck.CheckResult{
			ID:       checkTypeChannelWebhook + "." + name,
			Type:     checkTypeChannelWebhook,
			Status:   healthcheck.StatusUnknown,
			Summary:  fmt.Sprintf("Channel %s has received no webhooks yet.", name),
			Metadata: map[string]any{"channel_type": name},
		}
		st, ok := seen[ct]
		if ok {
			item.Metadata["accepted"] = st.Accepted
			item.Metadata["rejected"] = st.Rejected
			if !st.LastAcceptedAt.IsZero() {
				item.Metadata["last_accepted_at"] = st.LastAcceptedAt.UTC().Format(time.RFC3339)
			}
			switch {
			case st.LastRejectedAt.After(st.LastAcceptedAt):
				item.Status = healthcheck.StatusWarn
				item.Summary = fmt.Sprintf("Channel %s last delivery failed.", name)
				item.Detail = st.LastError
			default:
				item.Status = healthcheck.StatusOK
				item.Summary = fmt.Sprintf("Channel %s is receiving webhooks.", name)
			}
		}
		checks = append(checks, item)
	}
	return checks
}
