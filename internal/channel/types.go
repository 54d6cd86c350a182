// Package channel provides a unified abstraction for the messaging platforms feeding the inbox.
// It defines the normalized inbound event, outbound content, adapter interfaces, and a registry.
package channel

import (
	"fmt"
	"strings"
	"time"
)

// ChannelType identifies a messaging platform (e.g., "line", "facebook").
type ChannelType string

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

const (
	ChannelLINE      ChannelType = "line"
	ChannelFacebook  ChannelType = "facebook"
	ChannelInstagram ChannelType = "instagram"
	ChannelWhatsApp  ChannelType = "whatsapp"
	ChannelWebsite   ChannelType = "website"
)

// SenderType tells who authored a message.
type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderStaff  SenderType = "staff"
	SenderSystem SenderType = "system"
)

// ContentType classifies the payload of a message.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentVideo    ContentType = "video"
	ContentAudio    ContentType = "audio"
	ContentFile     ContentType = "file"
	ContentSticker  ContentType = "sticker"
	ContentLocation ContentType = "location"
	ContentPostback ContentType = "postback"
)

// IsMedia reports whether the content type carries an attachment.
func (c ContentType) IsMedia() bool {
	switch c {
	case ContentImage, ContentVideo, ContentAudio, ContentFile, ContentSticker:
		return true
	default:
		return false
	}
}

// Attachment references a binary file attached to a message.
type Attachment struct {
	URL         string `json:"url,omitempty"`
	PlatformKey string `json:"platform_key,omitempty"`
	Mime        string `json:"mime,omitempty"`
	Name        string `json:"name,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Reference returns the strongest available attachment reference.
// URL is preferred, then platform key.
func (a Attachment) Reference() string {
	if strings.TrimSpace(a.URL) != "" {
		return strings.TrimSpace(a.URL)
	}
	return strings.TrimSpace(a.PlatformKey)
}

// HasReference reports whether URL or platform key is available.
func (a Attachment) HasReference() bool {
	return a.Reference() != ""
}

// Profile is what a platform tells us about the remote party.
// Metadata is open-ended (phone, email, locale, ...).
type Profile struct {
	DisplayName string            `json:"display_name,omitempty"`
	AvatarURL   string            `json:"avatar_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Well-known profile metadata keys read by identity resolution.
const (
	ProfilePhone  = "phone"
	ProfileEmail  = "email"
	ProfileLocale = "locale"
)

// Attribute returns the trimmed metadata value for key.
func (p Profile) Attribute(key string) string {
	if p.Metadata == nil {
		return ""
	}
	return strings.TrimSpace(p.Metadata[key])
}

// InboundEvent is the channel-independent form of one inbound platform event.
type InboundEvent struct {
	Channel           ChannelType    `json:"channel"`
	DeliveryID        string         `json:"delivery_id,omitempty"`
	PlatformMessageID string         `json:"platform_message_id,omitempty"`
	ChannelUserID     string         `json:"channel_user_id"`
	Profile           Profile        `json:"profile"`
	ContentType       ContentType    `json:"content_type"`
	Text              string         `json:"text,omitempty"`
	Attachment        *Attachment    `json:"attachment,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	OccurredAt        time.Time      `json:"occurred_at"`
}

// Validate checks the fields every stored message needs.
func (e InboundEvent) Validate() error {
	if normalizeChannelType(e.Channel.String()) == "" {
		return fmt.Errorf("%w: channel is required", ErrMalformedPayload)
	}
	if strings.TrimSpace(e.ChannelUserID) == "" {
		return fmt.Errorf("%w: channel user id is required", ErrMalformedPayload)
	}
	switch e.ContentType {
	case ContentText, ContentPostback:
		if strings.TrimSpace(e.Text) == "" {
			return fmt.Errorf("%w: %s event has no text", ErrMalformedPayload, e.ContentType)
		}
	case ContentLocation:
	case ContentImage, ContentVideo, ContentAudio, ContentFile, ContentSticker:
		if e.Attachment == nil || !e.Attachment.HasReference() {
			return fmt.Errorf("%w: %s event has no attachment reference", ErrMalformedPayload, e.ContentType)
		}
	default:
		return fmt.Errorf("%w: unsupported content type %q", ErrMalformedPayload, e.ContentType)
	}
	return nil
}

// Summary is the short text shown in conversation lists.
func (e InboundEvent) Summary() string {
	return SummaryText(e.ContentType, e.Text)
}

// SummaryText renders a content type and text into the last-message preview.
func SummaryText(contentType ContentType, text string) string {
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		return trimmed
	}
	switch contentType {
	case ContentImage:
		return "[image]"
	case ContentVideo:
		return "[video]"
	case ContentAudio:
		return "[audio]"
	case ContentFile:
		return "[file]"
	case ContentSticker:
		return "[sticker]"
	case ContentLocation:
		return "[location]"
	default:
		return ""
	}
}

// Template selects a pre-approved platform template (or message tag) that may be
// sent outside the free-form reply window.
type Template struct {
	Name     string   `json:"name" validate:"required"`
	Language string   `json:"language,omitempty"`
	Params   []string `json:"params,omitempty"`
}

// OutboundContent is what staff asked to send.
type OutboundContent struct {
	ContentType ContentType `json:"content_type"`
	Text        string      `json:"text,omitempty"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	Template    *Template   `json:"template,omitempty"`
}

// IsEmpty reports whether the content carries nothing to send.
func (c OutboundContent) IsEmpty() bool {
	return strings.TrimSpace(c.Text) == "" &&
		(c.Attachment == nil || !c.Attachment.HasReference()) &&
		c.Template == nil
}

// OutboundMessage pairs a delivery target with the content.
type OutboundMessage struct {
	Target  string          `json:"target"`
	Content OutboundContent `json:"content"`
}

// SendResult is returned by a successful platform send.
type SendResult struct {
	PlatformMessageID string
}
