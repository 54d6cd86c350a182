// Package whatsapp adapts the WhatsApp Cloud API.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lengolf/inbox/internal/channel"
	"github.com/lengolf/inbox/internal/channel/adapters/common"
	"github.com/lengolf/inbox/internal/channel/adapters/meta"
)

const (
	Type channel.ChannelType = channel.ChannelWhatsApp

	DefaultAPIBaseURL = meta.DefaultAPIBaseURL
	textChunkLimit    = 4096

	codeReengagement    = 131047
	codeLegacyWindow    = 470
	codeUnknownUser     = 131026
	codeInvalidParam    = 131009
	codeTemplateMissing = 132001
)

// Config carries the app secret, system-user token and sender number id.
type Config struct {
	Secret        string
	AccessToken   string
	VerifyToken   string
	PhoneNumberID string
	APIBaseURL    string
	// ReplyWindow overrides the customer-service window; negative disables it.
	ReplyWindow time.Duration
	HTTPClient  *http.Client
}

// Adapter implements channel.Adapter, Sender, Handshaker, AttachmentAuthorizer
// and AttachmentLocator for WhatsApp.
type Adapter struct {
	cfg    Config
	api    *common.Client
	logger *slog.Logger
}

// New creates a WhatsApp adapter.
func New(log *slog.Logger, cfg Config) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	if cfg.ReplyWindow == 0 {
		cfg.ReplyWindow = meta.ReplyWindow
	}
	api := common.NewClient(cfg.HTTPClient, cfg.APIBaseURL)
	api.Header.Set("Authorization", "Bearer "+cfg.AccessToken)
	return &Adapter{
		cfg:    cfg,
		api:    api,
		logger: log.With(slog.String("adapter", "whatsapp")),
	}
}

func (a *Adapter) Type() channel.ChannelType { return Type }

func (a *Adapter) Descriptor() channel.Descriptor {
	window := a.cfg.ReplyWindow
	if window < 0 {
		window = 0
	}
	return channel.Descriptor{
		Type:            Type,
		DisplayName:     "WhatsApp",
		SignatureHeader: meta.SignatureHeader,
		Capabilities: channel.ChannelCapabilities{
			Text:        true,
			Attachments: true,
			Templates:   true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: textChunkLimit,
			ReplyWindow:    window,
			RatePerSecond:  20,
		},
	}
}

func (a *Adapter) VerifySignature(body []byte, header http.Header) bool {
	return meta.VerifyHubSignature(a.cfg.Secret, body, header)
}

func (a *Adapter) Handshake(query url.Values) (string, bool) {
	return meta.HubChallenge(a.cfg.VerifyToken, query)
}

type webhookBody struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string      `json:"field"`
			Value changeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type changeValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []waMessage `json:"messages"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type waMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *waMedia `json:"image"`
	Video    *waMedia `json:"video"`
	Audio    *waMedia `json:"audio"`
	Document *waMedia `json:"document"`
	Sticker  *waMedia `json:"sticker"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
		Address   string  `json:"address"`
	} `json:"location"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Context *struct {
		ID string `json:"id"`
	} `json:"context"`
}

// ParseWebhook extracts user messages from "messages" changes. Status
// callbacks (sent, delivered, read) carry no messages and yield nothing.
func (a *Adapter) ParseWebhook(body []byte) ([]channel.InboundEvent, error) {
	var payload webhookBody
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrMalformedPayload, err)
	}
	events := make([]channel.InboundEvent, 0)
	for _, e := range payload.Entry {
		for _, change := range e.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				ev, ok := a.toInbound(m, names[m.From])
				if !ok {
					continue
				}
				ev.Metadata["phone_number_id"] = change.Value.Metadata.PhoneNumberID
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

func (a *Adapter) toInbound(m waMessage, name string) (channel.InboundEvent, bool) {
	from := strings.TrimSpace(m.From)
	if from == "" {
		return channel.InboundEvent{}, false
	}
	ev := channel.InboundEvent{
		Channel:           Type,
		PlatformMessageID: m.ID,
		ChannelUserID:     from,
		Profile: channel.Profile{
			DisplayName: name,
			Metadata:    map[string]string{channel.ProfilePhone: "+" + strings.TrimPrefix(from, "+")},
		},
		OccurredAt: parseUnixSeconds(m.Timestamp),
		Metadata:   map[string]any{"type": m.Type},
	}
	if m.Context != nil && m.Context.ID != "" {
		ev.Metadata["reply_to"] = m.Context.ID
	}
	switch m.Type {
	case "text":
		if m.Text == nil {
			return ev, true
		}
		ev.ContentType = channel.ContentText
		ev.Text = m.Text.Body
	case "image":
		a.fillMedia(&ev, channel.ContentImage, m.Image)
	case "video":
		a.fillMedia(&ev, channel.ContentVideo, m.Video)
	case "audio":
		a.fillMedia(&ev, channel.ContentAudio, m.Audio)
	case "document":
		a.fillMedia(&ev, channel.ContentFile, m.Document)
	case "sticker":
		a.fillMedia(&ev, channel.ContentSticker, m.Sticker)
	case "location":
		ev.ContentType = channel.ContentLocation
		if m.Location != nil {
			ev.Text = strings.TrimSpace(m.Location.Name + " " + m.Location.Address)
			ev.Metadata["latitude"] = m.Location.Latitude
			ev.Metadata["longitude"] = m.Location.Longitude
		}
	case "button":
		ev.ContentType = channel.ContentPostback
		if m.Button != nil {
			ev.Text = m.Button.Payload
			if ev.Text == "" {
				ev.Text = m.Button.Text
			}
		}
	case "interactive":
		ev.ContentType = channel.ContentPostback
		if m.Interactive != nil {
			switch {
			case m.Interactive.ButtonReply != nil:
				ev.Text = m.Interactive.ButtonReply.ID
				ev.Metadata["title"] = m.Interactive.ButtonReply.Title
			case m.Interactive.ListReply != nil:
				ev.Text = m.Interactive.ListReply.ID
				ev.Metadata["title"] = m.Interactive.ListReply.Title
			}
		}
	case "reaction", "unsupported", "system":
		return channel.InboundEvent{}, false
	default:
		ev.ContentType = channel.ContentType(m.Type)
	}
	return ev, true
}

func (a *Adapter) fillMedia(ev *channel.InboundEvent, ct channel.ContentType, media *waMedia) {
	ev.ContentType = ct
	if media == nil || media.ID == "" {
		return
	}
	ev.Text = media.Caption
	ev.Attachment = &channel.Attachment{
		URL:         a.mediaURL(media.ID),
		PlatformKey: media.ID,
		Mime:        media.MimeType,
		Name:        media.Filename,
	}
}

func (a *Adapter) mediaURL(mediaID string) string {
	return a.cfg.APIBaseURL + "/" + url.PathEscape(mediaID)
}

func parseUnixSeconds(raw string) time.Time {
	sec, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}

// OwnsAttachment reports whether rawURL is a Graph media id or a lookaside download.
func (a *Adapter) OwnsAttachment(rawURL string) bool {
	if strings.HasPrefix(rawURL, a.cfg.APIBaseURL+"/") {
		return true
	}
	u, err := url.Parse(rawURL)
	return err == nil && strings.HasSuffix(u.Host, "lookaside.fbsbx.com")
}

// AuthorizeAttachment adds the bearer token; media downloads require it.
func (a *Adapter) AuthorizeAttachment(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
}

type mediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// LocateAttachment exchanges a media id URL for its short-lived download URL.
func (a *Adapter) LocateAttachment(ctx context.Context, rawURL string) (string, error) {
	if !strings.HasPrefix(rawURL, a.cfg.APIBaseURL+"/") {
		return rawURL, nil
	}
	var info mediaInfo
	if err := a.api.GetJSON(ctx, strings.TrimPrefix(rawURL, a.cfg.APIBaseURL), &info); err != nil {
		return "", fmt.Errorf("locate whatsapp media: %w", err)
	}
	if info.URL == "" {
		return "", fmt.Errorf("locate whatsapp media: empty url")
	}
	return info.URL, nil
}

type sendRequest struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *sendText     `json:"text,omitempty"`
	Image            *sendMedia    `json:"image,omitempty"`
	Video            *sendMedia    `json:"video,omitempty"`
	Audio            *sendMedia    `json:"audio,omitempty"`
	Document         *sendMedia    `json:"document,omitempty"`
	Template         *sendTemplate `json:"template,omitempty"`
}

type sendText struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type sendMedia struct {
	Link     string `json:"link"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type sendTemplate struct {
	Name       string              `json:"name"`
	Language   templateLanguage    `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type templateComponent struct {
	Type       string              `json:"type"`
	Parameters []templateParameter `json:"parameters"`
}

type templateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type graphError struct {
	Error struct {
		Message   string `json:"message"`
		Code      int    `json:"code"`
		ErrorData struct {
			Details string `json:"details"`
		} `json:"error_data"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// Send posts one message through the sender phone number.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	target := strings.TrimPrefix(strings.TrimSpace(msg.Target), "+")
	if target == "" {
		return channel.SendResult{}, channel.Reject(Type, channel.ReasonInvalidRecipient, "target is required")
	}
	if a.cfg.PhoneNumberID == "" {
		return channel.SendResult{}, fmt.Errorf("whatsapp phone number id is not configured")
	}
	req := buildSendRequest(target, msg.Content)
	var resp sendResponse
	if err := a.api.PostJSON(ctx, "/"+url.PathEscape(a.cfg.PhoneNumberID)+"/messages", req, &resp); err != nil {
		return channel.SendResult{}, a.mapError(err)
	}
	result := channel.SendResult{}
	if len(resp.Messages) > 0 {
		result.PlatformMessageID = resp.Messages[0].ID
	}
	return result, nil
}

func buildSendRequest(target string, content channel.OutboundContent) sendRequest {
	req := sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               target,
	}
	if tpl := content.Template; tpl != nil {
		lang := tpl.Language
		if lang == "" {
			lang = "en_US"
		}
		req.Type = "template"
		req.Template = &sendTemplate{Name: tpl.Name, Language: templateLanguage{Code: lang}}
		if len(tpl.Params) > 0 {
			params := make([]templateParameter, 0, len(tpl.Params))
			for _, p := range tpl.Params {
				params = append(params, templateParameter{Type: "text", Text: p})
			}
			req.Template.Components = []templateComponent{{Type: "body", Parameters: params}}
		}
		return req
	}
	if content.Attachment != nil && content.Attachment.HasReference() {
		media := &sendMedia{Link: content.Attachment.Reference(), Caption: content.Text}
		switch content.ContentType {
		case channel.ContentImage:
			req.Type, req.Image = "image", media
		case channel.ContentVideo:
			req.Type, req.Video = "video", media
		case channel.ContentAudio:
			media.Caption = ""
			req.Type, req.Audio = "audio", media
		default:
			media.Filename = content.Attachment.Name
			req.Type, req.Document = "document", media
		}
		return req
	}
	req.Type = "text"
	req.Text = &sendText{Body: content.Text}
	return req
}

func (a *Adapter) mapError(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	var parsed graphError
	_ = json.Unmarshal(apiErr.Body, &parsed)
	g := parsed.Error
	detail := g.Message
	if g.ErrorData.Details != "" {
		detail = g.ErrorData.Details
	}
	switch g.Code {
	case codeReengagement, codeLegacyWindow:
		return channel.Reject(Type, channel.ReasonWindowExpired, detail)
	case codeUnknownUser:
		return channel.Reject(Type, channel.ReasonInvalidRecipient, detail)
	case codeInvalidParam, codeTemplateMissing:
		return channel.Reject(Type, channel.ReasonPlatformPolicy, detail)
	}
	a.logger.Warn("whatsapp send failed", slog.Int("status", apiErr.Status), slog.Int("code", g.Code), slog.String("fbtrace_id", g.FBTraceID))
	return fmt.Errorf("whatsapp send: %w", err)
}
