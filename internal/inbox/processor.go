package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lengolf/inbox/internal/channel"
	"github.com/lengolf/inbox/internal/metrics"
)

// IdentityResolver attaches a customer to a channel user. Failures are
// logged by the processor and never fail the event.
type IdentityResolver interface {
	Resolve(ctx context.Context, user ChannelUser) (string, error)
}

// Processor persists inbound events idempotently.
type Processor struct {
	store    Store
	identity IdentityResolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewProcessor creates a Processor. identity may be nil.
func NewProcessor(log *slog.Logger, store Store, identity IdentityResolver) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		store:    store,
		identity: identity,
		logger:   log.With(slog.String("component", "inbox_processor")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Process stores one event. Duplicates (same channel and platform message id)
// are a successful no-op; malformed events return ErrMalformedEvent.
func (p *Processor) Process(ctx context.Context, event channel.InboundEvent) (Result, error) {
	start := time.Now()
	result, err := p.process(ctx, event)
	metrics.EventsProcessed.WithLabelValues(event.Channel.String(), string(result)).Inc()
	metrics.ProcessingDuration.WithLabelValues(event.Channel.String()).Observe(time.Since(start).Seconds())
	p.recordOutcome(ctx, event, result, err)
	if err != nil {
		p.logger.Warn("inbound event failed",
			slog.String("channel", event.Channel.String()),
			slog.String("platform_message_id", event.PlatformMessageID),
			slog.Any("error", err),
		)
	}
	return result, err
}

func (p *Processor) process(ctx context.Context, event channel.InboundEvent) (Result, error) {
	if err := event.Validate(); err != nil {
		return ResultFailed, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	platformID := strings.TrimSpace(event.PlatformMessageID)
	if platformID != "" {
		exists, err := p.store.MessageExists(ctx, event.Channel, platformID)
		if err != nil {
			return ResultFailed, fmt.Errorf("check duplicate: %w", err)
		}
		if exists {
			return ResultDuplicate, nil
		}
	}

	occurredAt := event.OccurredAt.UTC()
	if occurredAt.IsZero() {
		occurredAt = p.now()
	}
	key := UserKey{Channel: event.Channel, ChannelUserID: strings.TrimSpace(event.ChannelUserID)}
	user, err := p.store.UpsertChannelUser(ctx, ChannelUser{
		UserKey:     key,
		DisplayName: strings.TrimSpace(event.Profile.DisplayName),
		AvatarURL:   strings.TrimSpace(event.Profile.AvatarURL),
		Metadata:    event.Profile.Metadata,
		FirstSeenAt: occurredAt,
		LastSeenAt:  occurredAt,
	})
	if err != nil {
		return ResultFailed, fmt.Errorf("upsert channel user: %w", err)
	}
	conv, err := p.store.EnsureConversation(ctx, key, user.CustomerID)
	if err != nil {
		return ResultFailed, fmt.Errorf("ensure conversation: %w", err)
	}

	metadata := event.Metadata
	if event.DeliveryID != "" {
		metadata = copyMetadata(metadata)
		metadata["delivery_id"] = event.DeliveryID
	}
	_, inserted, err := p.store.RecordMessage(ctx, Message{
		ID:                uuid.NewString(),
		ConversationID:    conv.ID,
		Channel:           event.Channel,
		PlatformMessageID: platformID,
		SenderType:        channel.SenderUser,
		ContentType:       event.ContentType,
		Text:              event.Text,
		Attachment:        event.Attachment,
		Metadata:          metadata,
		CreatedAt:         occurredAt,
	}, event.Summary())
	if err != nil {
		return ResultFailed, fmt.Errorf("record message: %w", err)
	}
	if !inserted {
		// A concurrent delivery of the same event won the insert.
		return ResultDuplicate, nil
	}

	p.resolveIdentity(ctx, user)
	return ResultProcessed, nil
}

func (p *Processor) resolveIdentity(ctx context.Context, user ChannelUser) {
	if p.identity == nil || user.CustomerID != "" {
		return
	}
	customerID, err := p.identity.Resolve(ctx, user)
	if err != nil {
		p.logger.Warn("identity resolution failed",
			slog.String("channel", user.Channel.String()),
			slog.String("channel_user_id", user.ChannelUserID),
			slog.Any("error", err),
		)
		return
	}
	if customerID != "" {
		p.logger.Debug("channel user linked", slog.String("channel_user_id", user.ChannelUserID), slog.String("customer_id", customerID))
	}
}

func (p *Processor) recordOutcome(ctx context.Context, event channel.InboundEvent, result Result, cause error) {
	if event.DeliveryID == "" {
		return
	}
	outcome := EventOutcome{
		DeliveryID:        event.DeliveryID,
		Channel:           event.Channel,
		PlatformMessageID: event.PlatformMessageID,
		Result:            result,
		RecordedAt:        p.now(),
	}
	if cause != nil {
		outcome.Detail = cause.Error()
	}
	if err := p.store.AppendEventOutcome(ctx, outcome); err != nil {
		p.logger.Warn("append event outcome failed", slog.String("delivery_id", event.DeliveryID), slog.Any("error", err))
	}
}

// ProcessBatch processes events independently; one failure never stops its siblings.
func (p *Processor) ProcessBatch(ctx context.Context, events []channel.InboundEvent) []error {
	errs := make([]error, len(events))
	for i, event := range events {
		_, errs[i] = p.Process(ctx, event)
	}
	return errs
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrMalformedEvent)
}

func copyMetadata(src map[string]any) map[string]any {
	out := make(map[string]any, len(src)+1)
	for k, v := range src {
		out[k] = v
	}
	return out
}
