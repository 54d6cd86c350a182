// Package website adapts the first-party chat widget embedded on the facility site.
package website

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lengolf/inbox/internal/channel"
	"github.com/lengolf/inbox/internal/channel/adapters/common"
)

const (
	Type channel.ChannelType = channel.ChannelWebsite

	SignatureHeader = "X-Widget-Signature"
	textChunkLimit  = 10000
)

// Config carries the widget signing secret and optional relay endpoint.
// Without APIBaseURL replies are delivered by the widget polling the inbox.
type Config struct {
	Secret      string
	AccessToken string
	APIBaseURL  string
	HTTPClient  *http.Client
}

// Adapter implements channel.Adapter and channel.Sender for the widget.
type Adapter struct {
	cfg    Config
	relay  *common.Client
	logger *slog.Logger
}

// New creates a website widget adapter.
func New(log *slog.Logger, cfg Config) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		cfg:    cfg,
		logger: log.With(slog.String("adapter", "website")),
	}
	if strings.TrimSpace(cfg.APIBaseURL) != "" {
		a.relay = common.NewClient(cfg.HTTPClient, cfg.APIBaseURL)
		if cfg.AccessToken != "" {
			a.relay.Header.Set("Authorization", "Bearer "+cfg.AccessToken)
		}
	}
	return a
}

func (a *Adapter) Type() channel.ChannelType { return Type }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:            Type,
		DisplayName:     "Website chat",
		SignatureHeader: SignatureHeader,
		Capabilities: channel.ChannelCapabilities{
			Text:        true,
			Attachments: true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: textChunkLimit,
		},
	}
}

// VerifySignature checks the hex HMAC-SHA256 the widget backend signs with.
func (a *Adapter) VerifySignature(body []byte, header http.Header) bool {
	return channel.VerifyHMAC(a.cfg.Secret, body, header.Get(SignatureHeader), channel.SignatureHex)
}

type widgetMessage struct {
	SessionID  string            `json:"session_id"`
	MessageID  string            `json:"message_id"`
	Type       string            `json:"type"`
	Text       string            `json:"text"`
	Attachment *widgetAttachment `json:"attachment"`
	Visitor    widgetVisitor     `json:"visitor"`
	PageURL    string            `json:"page_url"`
	SentAt     string            `json:"sent_at"`
}

type widgetAttachment struct {
	URL  string `json:"url"`
	Mime string `json:"mime"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type widgetVisitor struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone"`
	Locale string `json:"locale"`
	Avatar string `json:"avatar_url"`
}

type widgetBatch struct {
	Messages []widgetMessage `json:"messages"`
}

// ParseWebhook accepts a single widget message or {"messages":[...]}.
// The session id is the channel user id.
func (a *Adapter) ParseWebhook(body []byte) ([]channel.InboundEvent, error) {
	trimmed := bytes.TrimSpace(body)
	var items []widgetMessage
	var batch widgetBatch
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrMalformedPayload, err)
	}
	if batch.Messages != nil {
		items = batch.Messages
	} else {
		var single widgetMessage
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, fmt.Errorf("%w: %v", channel.ErrMalformedPayload, err)
		}
		items = []widgetMessage{single}
	}
	events := make([]channel.InboundEvent, 0, len(items))
	for _, m := range items {
		events = append(events, toInbound(m))
	}
	return events, nil
}

func toInbound(m widgetMessage) channel.InboundEvent {
	ev := channel.InboundEvent{
		Channel:           Type,
		PlatformMessageID: messageID(m),
		ChannelUserID:     strings.TrimSpace(m.SessionID),
		Profile: channel.Profile{
			DisplayName: m.Visitor.Name,
			AvatarURL:   m.Visitor.Avatar,
			Metadata:    map[string]string{},
		},
		ContentType: channel.ContentType(strings.ToLower(strings.TrimSpace(m.Type))),
		Text:        m.Text,
		OccurredAt:  parseTime(m.SentAt),
		Metadata:    map[string]any{},
	}
	if ev.ContentType == "" {
		ev.ContentType = channel.ContentText
		if m.Attachment != nil {
			ev.ContentType = channel.ContentFile
			if strings.HasPrefix(m.Attachment.Mime, "image/") {
				ev.ContentType = channel.ContentImage
			}
		}
	}
	for key, value := range map[string]string{
		channel.ProfileEmail:  m.Visitor.Email,
		channel.ProfilePhone:  m.Visitor.Phone,
		channel.ProfileLocale: m.Visitor.Locale,
	} {
		if strings.TrimSpace(value) != "" {
			ev.Profile.Metadata[key] = strings.TrimSpace(value)
		}
	}
	if m.PageURL != "" {
		ev.Metadata["page_url"] = m.PageURL
	}
	if m.Attachment != nil {
		ev.Attachment = &channel.Attachment{
			URL:  m.Attachment.URL,
			Mime: m.Attachment.Mime,
			Name: m.Attachment.Name,
			Size: m.Attachment.Size,
		}
	}
	return ev
}

// messageID falls back to a digest of the message content for widget builds
// that send no message_id, so a redelivery still deduplicates.
func messageID(m widgetMessage) string {
	if id := strings.TrimSpace(m.MessageID); id != "" {
		return id
	}
	h := sha256.New()
	for _, part := range []string{m.SessionID, m.SentAt, m.Type, m.Text} {
		h.Write([]byte(strings.TrimSpace(part)))
		h.Write([]byte{0})
	}
	if m.Attachment != nil {
		h.Write([]byte(m.Attachment.URL))
	}
	return "wd_" + hex.EncodeToString(h.Sum(nil))[:32]
}

func parseTime(raw string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw)); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

type relayRequest struct {
	Type       string              `json:"type"`
	Text       string              `json:"text,omitempty"`
	Attachment *channel.Attachment `json:"attachment,omitempty"`
}

type relayResponse struct {
	MessageID string `json:"message_id"`
}

// Send forwards the reply to the widget relay when one is configured.
// Otherwise the widget picks the stored message up on its next poll.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	session := strings.TrimSpace(msg.Target)
	if session == "" {
		return channel.SendResult{}, channel.Reject(Type, channel.ReasonInvalidRecipient, "session id is required")
	}
	if msg.Content.Template != nil {
		return channel.SendResult{}, channel.Reject(Type, channel.ReasonUnsupported, "website chat has no templates")
	}
	if a.relay == nil {
		return channel.SendResult{}, nil
	}
	req := relayRequest{
		Type:       string(msg.Content.ContentType),
		Text:       msg.Content.Text,
		Attachment: msg.Content.Attachment,
	}
	var resp relayResponse
	if err := a.relay.PostJSON(ctx, "/sessions/"+url.PathEscape(session)+"/messages", req, &resp); err != nil {
		a.logger.Warn("widget relay failed", slog.String("session", session), slog.Any("error", err))
		return channel.SendResult{}, fmt.Errorf("website relay: %w", err)
	}
	return channel.SendResult{PlatformMessageID: resp.MessageID}, nil
}
