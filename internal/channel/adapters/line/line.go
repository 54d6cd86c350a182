// Package line adapts the LINE Messaging API webhook and push endpoints.
package line

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/lengolf/inbox/internal/channel"
	"github.com/lengolf/inbox/internal/channel/adapters/common"
)

const (
	Type channel.ChannelType = channel.ChannelLINE

	SignatureHeader    = "X-Line-Signature"
	DefaultAPIBaseURL  = "https://api.line.me"
	DefaultDataBaseURL = "https://api-data.line.me"
	stickerURLPattern  = "https://stickershop.line-scdn.net/stickershop/v1/sticker/%s/android/sticker.png"
	textChunkLimit     = 5000
)

// Config carries the channel secret and token issued by the LINE console.
type Config struct {
	Secret      string
	AccessToken string
	APIBaseURL  string
	DataBaseURL string
	HTTPClient  *http.Client
}

// Adapter implements channel.Adapter, channel.Sender and channel.AttachmentAuthorizer for LINE.
type Adapter struct {
	cfg    Config
	api    *common.Client
	logger *slog.Logger
}

// New creates a LINE adapter.
func New(log *slog.Logger, cfg Config) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	if strings.TrimSpace(cfg.DataBaseURL) == "" {
		cfg.DataBaseURL = DefaultDataBaseURL
	}
	cfg.DataBaseURL = strings.TrimRight(cfg.DataBaseURL, "/")
	api := common.NewClient(cfg.HTTPClient, cfg.APIBaseURL)
	api.Header.Set("Authorization", "Bearer "+cfg.AccessToken)
	return &Adapter{
		cfg:    cfg,
		api:    api,
		logger: log.With(slog.String("adapter", "line")),
	}
}

func (a *Adapter) Type() channel.ChannelType { return Type }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:            Type,
		DisplayName:     "LINE",
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

// VerifySignature checks the base64 HMAC-SHA256 in X-Line-Signature.
func (a *Adapter) VerifySignature(body []byte, header http.Header) bool {
	return channel.VerifyHMAC(a.cfg.Secret, body, header.Get(SignatureHeader), channel.SignatureBase64)
}

type webhookBody struct {
	Destination string         `json:"destination"`
	Events      []webhookEvent `json:"events"`
}

type webhookEvent struct {
	Type            string          `json:"type"`
	WebhookEventID  string          `json:"webhookEventId"`
	Timestamp       int64           `json:"timestamp"`
	ReplyToken      string          `json:"replyToken"`
	Source          eventSource     `json:"source"`
	Message         *eventMessage   `json:"message"`
	Postback        *eventPostback  `json:"postback"`
	DeliveryContext deliveryContext `json:"deliveryContext"`
}

type eventSource struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	GroupID string `json:"groupId"`
	RoomID  string `json:"roomId"`
}

type deliveryContext struct {
	IsRedelivery bool `json:"isRedelivery"`
}

type eventMessage struct {
	ID              string           `json:"id"`
	Type            string           `json:"type"`
	Text            string           `json:"text"`
	FileName        string           `json:"fileName"`
	FileSize        int64            `json:"fileSize"`
	PackageID       string           `json:"packageId"`
	StickerID       string           `json:"stickerId"`
	Title           string           `json:"title"`
	Address         string           `json:"address"`
	Latitude        float64          `json:"latitude"`
	Longitude       float64          `json:"longitude"`
	ContentProvider *contentProvider `json:"contentProvider"`
}

type contentProvider struct {
	Type               string `json:"type"`
	OriginalContentURL string `json:"originalContentUrl"`
}

type eventPostback struct {
	Data string `json:"data"`
}

// ParseWebhook extracts message and postback events. Follow, unfollow and
// other lifecycle events carry no message and are skipped.
func (a *Adapter) ParseWebhook(body []byte) ([]channel.InboundEvent, error) {
	var payload webhookBody
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrMalformedPayload, err)
	}
	events := make([]channel.InboundEvent, 0, len(payload.Events))
	for _, raw := range payload.Events {
		event, ok := a.toInbound(raw)
		if !ok {
			continue
		}
		if payload.Destination != "" {
			event.Metadata["destination"] = payload.Destination
		}
		events = append(events, event)
	}
	return events, nil
}

func (a *Adapter) toInbound(raw webhookEvent) (channel.InboundEvent, bool) {
	userID := strings.TrimSpace(raw.Source.UserID)
	if userID == "" {
		return channel.InboundEvent{}, false
	}
	event := channel.InboundEvent{
		Channel:       Type,
		ChannelUserID: userID,
		OccurredAt:    common.UnixMillis(raw.Timestamp),
		Metadata: map[string]any{
			"source_type": raw.Source.Type,
		},
	}
	if raw.WebhookEventID != "" {
		event.Metadata["webhook_event_id"] = raw.WebhookEventID
	}
	if raw.ReplyToken != "" {
		event.Metadata["reply_token"] = raw.ReplyToken
	}
	if raw.DeliveryContext.IsRedelivery {
		event.Metadata["redelivery"] = true
	}
	if raw.Source.GroupID != "" {
		event.Metadata["group_id"] = raw.Source.GroupID
	}

	switch raw.Type {
	case "message":
		if raw.Message == nil {
			return channel.InboundEvent{}, false
		}
		event.PlatformMessageID = raw.Message.ID
		a.fillMessage(&event, *raw.Message)
	case "postback":
		if raw.Postback == nil {
			return channel.InboundEvent{}, false
		}
		// Postbacks have no message id; the webhook event id is unique per event.
		event.PlatformMessageID = raw.WebhookEventID
		event.ContentType = channel.ContentPostback
		event.Text = raw.Postback.Data
	default:
		return channel.InboundEvent{}, false
	}
	return event, true
}

func (a *Adapter) fillMessage(event *channel.InboundEvent, msg eventMessage) {
	switch msg.Type {
	case "text":
		event.ContentType = channel.ContentText
		event.Text = msg.Text
	case "image", "video", "audio", "file":
		event.ContentType = channel.ContentType(msg.Type)
		event.Attachment = &channel.Attachment{
			URL:         a.contentURL(msg),
			PlatformKey: msg.ID,
			Name:        msg.FileName,
			Size:        msg.FileSize,
		}
	case "sticker":
		event.ContentType = channel.ContentSticker
		event.Attachment = &channel.Attachment{
			URL:         fmt.Sprintf(stickerURLPattern, msg.StickerID),
			PlatformKey: msg.PackageID + "/" + msg.StickerID,
			Mime:        "image/png",
		}
	case "location":
		event.ContentType = channel.ContentLocation
		event.Text = strings.TrimSpace(strings.Join([]string{msg.Title, msg.Address}, " "))
		event.Metadata["latitude"] = msg.Latitude
		event.Metadata["longitude"] = msg.Longitude
	default:
		event.ContentType = channel.ContentType(msg.Type)
	}
}

func (a *Adapter) contentURL(msg eventMessage) string {
	if msg.ContentProvider != nil && msg.ContentProvider.Type == "external" && msg.ContentProvider.OriginalContentURL != "" {
		return msg.ContentProvider.OriginalContentURL
	}
	return a.cfg.DataBaseURL + "/v2/bot/message/" + msg.ID + "/content"
}

// OwnsAttachment reports whether rawURL points at the LINE content API.
func (a *Adapter) OwnsAttachment(rawURL string) bool {
	return strings.HasPrefix(rawURL, a.cfg.DataBaseURL+"/")
}

// AuthorizeAttachment adds the channel access token to content downloads.
func (a *Adapter) AuthorizeAttachment(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
}

type pushRequest struct {
	To       string        `json:"to"`
	Messages []pushMessage `json:"messages"`
}

type pushMessage struct {
	Type               string `json:"type"`
	Text               string `json:"text,omitempty"`
	OriginalContentURL string `json:"originalContentUrl,omitempty"`
	PreviewImageURL    string `json:"previewImageUrl,omitempty"`
}

type pushResponse struct {
	SentMessages []struct {
		ID string `json:"id"`
	} `json:"sentMessages"`
}

type errorResponse struct {
	Message string `json:"message"`
	Details []struct {
		Message  string `json:"message"`
		Property string `json:"property"`
	} `json:"details"`
}

// Send pushes one message to a LINE user.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	target := strings.TrimSpace(msg.Target)
	if target == "" {
		return channel.SendResult{}, channel.Reject(Type, channel.ReasonInvalidRecipient, "target is required")
	}
	out, err := buildPushMessage(msg.Content)
	if err != nil {
		return channel.SendResult{}, err
	}
	var resp pushResponse
	if err := a.api.PostJSON(ctx, "/v2/bot/message/push", pushRequest{To: target, Messages: []pushMessage{out}}, &resp); err != nil {
		return channel.SendResult{}, a.mapError(err)
	}
	result := channel.SendResult{}
	if len(resp.SentMessages) > 0 {
		result.PlatformMessageID = resp.SentMessages[0].ID
	}
	return result, nil
}

func buildPushMessage(content channel.OutboundContent) (pushMessage, error) {
	if content.Template != nil {
		return pushMessage{}, channel.Reject(Type, channel.ReasonUnsupported, "line has no message templates")
	}
	if content.Attachment != nil && content.Attachment.HasReference() {
		switch content.ContentType {
		case channel.ContentImage:
			ref := content.Attachment.Reference()
			return pushMessage{Type: "image", OriginalContentURL: ref, PreviewImageURL: ref}, nil
		case channel.ContentVideo:
			return pushMessage{}, channel.Reject(Type, channel.ReasonUnsupported, "video requires a preview image")
		default:
			return pushMessage{}, channel.Reject(Type, channel.ReasonUnsupported, "unsupported attachment type "+string(content.ContentType))
		}
	}
	return pushMessage{Type: "text", Text: content.Text}, nil
}

func (a *Adapter) mapError(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	var parsed errorResponse
	_ = json.Unmarshal(apiErr.Body, &parsed)
	detail := parsed.Message
	if detail == "" {
		detail = strconv.Itoa(apiErr.Status)
	}
	switch apiErr.Status {
	case http.StatusBadRequest:
		return channel.Reject(Type, channel.ReasonInvalidRecipient, detail)
	case http.StatusForbidden:
		return channel.Reject(Type, channel.ReasonPlatformPolicy, detail)
	default:
		a.logger.Warn("line push failed", slog.Int("status", apiErr.Status), slog.String("detail", detail))
		return fmt.Errorf("line push: %w", err)
	}
}
