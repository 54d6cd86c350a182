// Package meta adapts Facebook Messenger and Instagram Messaging, which share
// the Graph API webhook shape and Send API.
package meta

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
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
	SignatureHeader   = "X-Hub-Signature-256"
	DefaultAPIBaseURL = "https://graph.facebook.com/v19.0"
	ReplyWindow       = 24 * time.Hour

	// Graph error code 10 with this subcode means the 24h window closed.
	codePermission        = 10
	subcodeOutsideWindow  = 2018278
	codeInvalidParam      = 100
	subcodeNoMatchingUser = 2018001
	codeUserUnavailable   = 551
)

// Config carries the app secret, page token and subscription verify token.
type Config struct {
	Secret      string
	AccessToken string
	VerifyToken string
	APIBaseURL  string
	// ReplyWindow overrides the standard 24h window; negative disables it.
	ReplyWindow time.Duration
	HTTPClient  *http.Client
}

// Adapter implements channel.Adapter, channel.Sender and channel.Handshaker.
type Adapter struct {
	channelType channel.ChannelType
	displayName string
	chunkLimit  int
	cfg         Config
	api         *common.Client
	logger      *slog.Logger
}

// NewFacebook creates the Messenger adapter.
func NewFacebook(log *slog.Logger, cfg Config) *Adapter {
	return newAdapter(log, channel.ChannelFacebook, "Facebook Messenger", 2000, cfg)
}

// NewInstagram creates the Instagram Messaging adapter.
func NewInstagram(log *slog.Logger, cfg Config) *Adapter {
	return newAdapter(log, channel.ChannelInstagram, "Instagram", 1000, cfg)
}

func newAdapter(log *slog.Logger, ct channel.ChannelType, name string, chunkLimit int, cfg Config) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	if cfg.ReplyWindow == 0 {
		cfg.ReplyWindow = ReplyWindow
	}
	api := common.NewClient(cfg.HTTPClient, cfg.APIBaseURL)
	api.Header.Set("Authorization", "Bearer "+cfg.AccessToken)
	return &Adapter{
		channelType: ct,
		displayName: name,
		chunkLimit:  chunkLimit,
		cfg:         cfg,
		api:         api,
		logger:      log.With(slog.String("adapter", ct.String())),
	}
}

func (a *Adapter) Type() channel.ChannelType { return a.channelType }

func (a *Adapter) Descriptor() channel.Descriptor {
	window := a.cfg.ReplyWindow
	if window < 0 {
		window = 0
	}
	return channel.Descriptor{
		Type:            a.channelType,
		DisplayName:     a.displayName,
		SignatureHeader: SignatureHeader,
		Capabilities: channel.ChannelCapabilities{
			Text:        true,
			Attachments: true,
			Templates:   true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: a.chunkLimit,
			ReplyWindow:    window,
		},
	}
}

// VerifySignature checks "sha256=<hex>" in X-Hub-Signature-256.
func (a *Adapter) VerifySignature(body []byte, header http.Header) bool {
	return VerifyHubSignature(a.cfg.Secret, body, header)
}

// VerifyHubSignature is shared with the WhatsApp adapter.
func VerifyHubSignature(secret string, body []byte, header http.Header) bool {
	sig := channel.StripSignaturePrefix(header.Get(SignatureHeader), "sha256")
	return channel.VerifyHMAC(secret, body, sig, channel.SignatureHex)
}

// Handshake answers the hub.challenge subscription check.
func (a *Adapter) Handshake(query url.Values) (string, bool) {
	return HubChallenge(a.cfg.VerifyToken, query)
}

// HubChallenge echoes hub.challenge when hub.verify_token matches.
func HubChallenge(verifyToken string, query url.Values) (string, bool) {
	if verifyToken == "" || query.Get("hub.mode") != "subscribe" {
		return "", false
	}
	got := query.Get("hub.verify_token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(verifyToken)) != 1 {
		return "", false
	}
	return query.Get("hub.challenge"), true
}

type webhookBody struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID        string      `json:"id"`
	Time      int64       `json:"time"`
	Messaging []messaging `json:"messaging"`
}

type messaging struct {
	Sender    party          `json:"sender"`
	Recipient party          `json:"recipient"`
	Timestamp int64          `json:"timestamp"`
	Message   *messageBody   `json:"message"`
	Postback  *postbackBody  `json:"postback"`
	Referral  map[string]any `json:"referral"`
}

type party struct {
	ID string `json:"id"`
}

type messageBody struct {
	MID         string       `json:"mid"`
	Text        string       `json:"text"`
	IsEcho      bool         `json:"is_echo"`
	IsDeleted   bool         `json:"is_deleted"`
	Attachments []attachment `json:"attachments"`
	QuickReply  *struct {
		Payload string `json:"payload"`
	} `json:"quick_reply"`
	ReplyTo *struct {
		MID string `json:"mid"`
	} `json:"reply_to"`
}

type attachment struct {
	Type    string            `json:"type"`
	Payload attachmentPayload `json:"payload"`
}

type attachmentPayload struct {
	URL         string `json:"url"`
	StickerID   int64  `json:"sticker_id"`
	Title       string `json:"title"`
	Coordinates *struct {
		Lat  float64 `json:"lat"`
		Long float64 `json:"long"`
	} `json:"coordinates"`
}

type postbackBody struct {
	MID     string `json:"mid"`
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// ParseWebhook flattens entry[].messaging[] into events. Echoes of our own
// sends, deletions, delivery and read receipts are skipped. A message with
// several attachments yields one event per attachment, keyed "<mid>#<n>"
// after the first.
func (a *Adapter) ParseWebhook(body []byte) ([]channel.InboundEvent, error) {
	var payload webhookBody
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrMalformedPayload, err)
	}
	events := make([]channel.InboundEvent, 0)
	for _, e := range payload.Entry {
		for _, m := range e.Messaging {
			events = append(events, a.toInbound(payload.Object, e.ID, m)...)
		}
	}
	return events, nil
}

func (a *Adapter) toInbound(object, pageID string, m messaging) []channel.InboundEvent {
	userID := strings.TrimSpace(m.Sender.ID)
	if userID == "" {
		return nil
	}
	base := channel.InboundEvent{
		Channel:       a.channelType,
		ChannelUserID: userID,
		OccurredAt:    common.UnixMillis(m.Timestamp),
		Metadata: map[string]any{
			"object":  object,
			"page_id": pageID,
		},
	}
	switch {
	case m.Message != nil:
		if m.Message.IsEcho || m.Message.IsDeleted {
			return nil
		}
		return a.messageEvents(base, *m.Message)
	case m.Postback != nil:
		ev := base
		ev.PlatformMessageID = m.Postback.MID
		ev.ContentType = channel.ContentPostback
		ev.Text = m.Postback.Payload
		ev.Metadata = cloneMeta(base.Metadata)
		ev.Metadata["title"] = m.Postback.Title
		return []channel.InboundEvent{ev}
	default:
		return nil
	}
}

func (a *Adapter) messageEvents(base channel.InboundEvent, msg messageBody) []channel.InboundEvent {
	events := make([]channel.InboundEvent, 0, 1+len(msg.Attachments))
	nextID := func() string {
		if len(events) == 0 {
			return msg.MID
		}
		return fmt.Sprintf("%s#%d", msg.MID, len(events))
	}
	if strings.TrimSpace(msg.Text) != "" {
		ev := base
		ev.Metadata = cloneMeta(base.Metadata)
		ev.PlatformMessageID = nextID()
		ev.ContentType = channel.ContentText
		ev.Text = msg.Text
		if msg.QuickReply != nil {
			ev.ContentType = channel.ContentPostback
			ev.Text = msg.QuickReply.Payload
			ev.Metadata["quick_reply_text"] = msg.Text
		}
		if msg.ReplyTo != nil {
			ev.Metadata["reply_to"] = msg.ReplyTo.MID
		}
		events = append(events, ev)
	}
	for _, att := range msg.Attachments {
		ev := base
		ev.Metadata = cloneMeta(base.Metadata)
		ev.Metadata["attachment_type"] = att.Type
		if !fillAttachment(&ev, att) {
			continue
		}
		ev.PlatformMessageID = nextID()
		events = append(events, ev)
	}
	return events
}

func fillAttachment(ev *channel.InboundEvent, att attachment) bool {
	switch att.Type {
	case "image":
		ev.ContentType = channel.ContentImage
		if att.Payload.StickerID != 0 {
			ev.ContentType = channel.ContentSticker
			ev.Metadata["sticker_id"] = att.Payload.StickerID
		}
	case "video", "audio", "file":
		ev.ContentType = channel.ContentType(att.Type)
	case "location":
		ev.ContentType = channel.ContentLocation
		ev.Text = att.Payload.Title
		if att.Payload.Coordinates != nil {
			ev.Metadata["latitude"] = att.Payload.Coordinates.Lat
			ev.Metadata["longitude"] = att.Payload.Coordinates.Long
		}
		return true
	default:
		// story_mention, share, ig_reel and similar arrive as linked media.
		if att.Payload.URL == "" {
			return false
		}
		ev.ContentType = channel.ContentFile
	}
	if att.Payload.URL == "" {
		return false
	}
	ev.Attachment = &channel.Attachment{URL: att.Payload.URL}
	return true
}

func cloneMeta(src map[string]any) map[string]any {
	out := make(map[string]any, len(src)+2)
	for k, v := range src {
		out[k] = v
	}
	return out
}

type sendRequest struct {
	Recipient     party       `json:"recipient"`
	MessagingType string      `json:"messaging_type"`
	Tag           string      `json:"tag,omitempty"`
	Message       sendMessage `json:"message"`
}

type sendMessage struct {
	Text       string          `json:"text,omitempty"`
	Attachment *sendAttachment `json:"attachment,omitempty"`
}

type sendAttachment struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

type graphError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

// Send calls the Send API. A Template is sent as a tagged MESSAGE_TAG message
// (Name is the tag, e.g. HUMAN_AGENT) which the platform accepts outside the window.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	target := strings.TrimSpace(msg.Target)
	if target == "" {
		return channel.SendResult{}, channel.Reject(a.channelType, channel.ReasonInvalidRecipient, "target is required")
	}
	req := sendRequest{
		Recipient:     party{ID: target},
		MessagingType: "RESPONSE",
	}
	if msg.Content.Template != nil {
		req.MessagingType = "MESSAGE_TAG"
		req.Tag = strings.ToUpper(strings.TrimSpace(msg.Content.Template.Name))
	}
	content := msg.Content
	if content.Attachment != nil && content.Attachment.HasReference() {
		kind := string(content.ContentType)
		switch content.ContentType {
		case channel.ContentImage, channel.ContentVideo, channel.ContentAudio, channel.ContentFile:
		default:
			kind = "file"
		}
		req.Message.Attachment = &sendAttachment{
			Type:    kind,
			Payload: map[string]any{"url": content.Attachment.Reference(), "is_reusable": true},
		}
	} else {
		req.Message.Text = content.Text
	}

	var resp sendResponse
	if err := a.api.PostJSON(ctx, "/me/messages", req, &resp); err != nil {
		return channel.SendResult{}, a.mapError(err)
	}
	return channel.SendResult{PlatformMessageID: resp.MessageID}, nil
}

func (a *Adapter) mapError(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	var parsed graphError
	_ = json.Unmarshal(apiErr.Body, &parsed)
	g := parsed.Error
	switch {
	case g.Code == codePermission && g.ErrorSubcode == subcodeOutsideWindow:
		return channel.Reject(a.channelType, channel.ReasonWindowExpired, g.Message)
	case g.Code == codeInvalidParam && g.ErrorSubcode == subcodeNoMatchingUser, g.Code == codeUserUnavailable:
		return channel.Reject(a.channelType, channel.ReasonInvalidRecipient, g.Message)
	case apiErr.Status >= 400 && apiErr.Status < 500 && g.Code != 0 && g.Code != 4 && g.Code != 613:
		// 4 and 613 are rate limits and stay retryable.
		return channel.Reject(a.channelType, channel.ReasonPlatformPolicy, g.Message)
	default:
		a.logger.Warn("graph send failed", slog.Int("status", apiErr.Status), slog.Int("code", g.Code), slog.String("fbtrace_id", g.FBTraceID))
		return fmt.Errorf("%s send: %w", a.channelType, err)
	}
}
