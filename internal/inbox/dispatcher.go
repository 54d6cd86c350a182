package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lengolf/inbox/internal/channel"
	"github.com/lengolf/inbox/internal/metrics"
)

const DefaultSendTimeout = 10 * time.Second

// Dispatcher turns a staff send into a platform call and a stored staff message.
type Dispatcher struct {
	store    Store
	registry *channel.Registry
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time

	mu       sync.Mutex
	limiters map[channel.ChannelType]*rate.Limiter
}

// NewDispatcher creates a Dispatcher; timeout bounds each platform call.
func NewDispatcher(log *slog.Logger, store Store, registry *channel.Registry, timeout time.Duration) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Dispatcher{
		store:    store,
		registry: registry,
		logger:   log.With(slog.String("component", "inbox_dispatcher")),
		timeout:  timeout,
		now:      func() time.Time { return time.Now().UTC() },
		limiters: map[channel.ChannelType]*rate.Limiter{},
	}
}

// Send delivers content to the conversation's channel user. Messaging-window
// and platform policy refusals come back as *channel.SendRejectedError and are
// never retried here. Long text goes out in chunks but is stored as one message.
func (d *Dispatcher) Send(ctx context.Context, conversationID, staffID string, content channel.OutboundContent) (Message, error) {
	if content.IsEmpty() {
		return Message{}, ErrEmptyContent
	}
	if content.ContentType == "" {
		content.ContentType = channel.ContentText
	}
	conv, err := d.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Message{}, err
	}
	sender, ok := d.registry.GetSender(conv.Channel)
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", channel.ErrSendNotSupported, conv.Channel)
	}
	desc, _ := d.registry.GetDescriptor(conv.Channel)
	policy, _ := d.registry.GetOutboundPolicy(conv.Channel)

	if content.Template != nil && !desc.Capabilities.Templates {
		return Message{}, d.rejected(conv.Channel, channel.Reject(conv.Channel, channel.ReasonUnsupported, "channel has no templates"))
	}
	now := d.now()
	if content.Template == nil && !policy.WindowOpen(conv.LastInboundAt, now) {
		detail := "no inbound message on record"
		if !conv.LastInboundAt.IsZero() {
			detail = fmt.Sprintf("last inbound %s ago, window %s", now.Sub(conv.LastInboundAt).Round(time.Minute), policy.ReplyWindow)
		}
		return Message{}, d.rejected(conv.Channel, channel.Reject(conv.Channel, channel.ReasonWindowExpired, detail))
	}

	parts := channel.SplitOutbound(conv.ChannelUserID, content, policy)
	if len(parts) == 0 {
		return Message{}, ErrEmptyContent
	}
	platformIDs := make([]string, 0, len(parts))
	var sendErr error
	for _, part := range parts {
		res, err := d.sendOne(ctx, sender, conv.Channel, policy, part)
		if err != nil {
			sendErr = err
			break
		}
		platformIDs = append(platformIDs, res.PlatformMessageID)
	}
	if len(platformIDs) == 0 {
		if errors.Is(sendErr, channel.ErrOutboundRejected) {
			return Message{}, d.rejected(conv.Channel, sendErr)
		}
		metrics.OutboundSends.WithLabelValues(conv.Channel.String(), "failed").Inc()
		return Message{}, sendErr
	}

	msg := Message{
		ID:                uuid.NewString(),
		ConversationID:    conv.ID,
		Channel:           conv.Channel,
		PlatformMessageID: platformIDs[0],
		SenderType:        channel.SenderStaff,
		SenderID:          strings.TrimSpace(staffID),
		ContentType:       content.ContentType,
		Text:              content.Text,
		Attachment:        content.Attachment,
		Metadata:          map[string]any{},
		CreatedAt:         now,
	}
	if len(parts) > 1 {
		msg.Metadata["platform_message_ids"] = platformIDs
	}
	if content.Template != nil {
		msg.Metadata["template"] = content.Template.Name
	}
	if sendErr != nil {
		msg.Metadata["partial"] = true
		msg.Metadata["sent_chunks"] = len(platformIDs)
	}
	stored, inserted, err := d.store.RecordMessage(ctx, msg, channel.SummaryText(content.ContentType, content.Text))
	if err != nil {
		return Message{}, fmt.Errorf("store outbound message: %w", err)
	}
	if !inserted {
		// The platform id is already on record, so the send is not stored twice.
		stored, err = d.store.GetMessageByPlatformID(ctx, conv.Channel, msg.PlatformMessageID)
		if err != nil {
			return Message{}, fmt.Errorf("load stored message %s: %w", msg.PlatformMessageID, err)
		}
		d.logger.Warn("outbound platform message id already stored",
			slog.String("channel", conv.Channel.String()),
			slog.String("platform_message_id", msg.PlatformMessageID),
			slog.String("message_id", stored.ID),
		)
	}
	if sendErr != nil {
		metrics.OutboundSends.WithLabelValues(conv.Channel.String(), "partial").Inc()
		return stored, fmt.Errorf("sent %d of %d parts: %w", len(platformIDs), len(parts), sendErr)
	}
	metrics.OutboundSends.WithLabelValues(conv.Channel.String(), "sent").Inc()
	return stored, nil
}

func (d *Dispatcher) sendOne(ctx context.Context, sender channel.Sender, ct channel.ChannelType, policy channel.OutboundPolicy, msg channel.OutboundMessage) (channel.SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if limiter := d.limiter(ct, policy.RatePerSecond); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return channel.SendResult{}, fmt.Errorf("%s rate limit: %w", ct, err)
		}
	}
	res, err := sender.Send(ctx, msg)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return channel.SendResult{}, fmt.Errorf("%s send timed out after %s: %w", ct, d.timeout, err)
	}
	return res, err
}

func (d *Dispatcher) limiter(ct channel.ChannelType, perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[ct]
	if !ok {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(perSecond), burst)
		d.limiters[ct] = l
	}
	return l
}

func (d *Dispatcher) rejected(ct channel.ChannelType, err error) error {
	metrics.OutboundSends.WithLabelValues(ct.String(), "rejected").Inc()
	d.logger.Info("outbound send rejected", slog.String("channel", ct.String()), slog.Any("error", err))
	return err
}
