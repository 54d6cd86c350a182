package channel

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Adapter is the base interface every channel adapter must implement.
// Inbound translation is mandatory; sending and handshakes are optional interfaces.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
	// VerifySignature checks the platform signature over the raw body.
	VerifySignature(body []byte, header http.Header) bool
	// ParseWebhook extracts zero or more events from one verified delivery.
	ParseWebhook(body []byte) ([]InboundEvent, error)
}

// Descriptor holds read-only metadata for a registered channel type.
type Descriptor struct {
	Type            ChannelType
	DisplayName     string
	SignatureHeader string
	Capabilities    ChannelCapabilities
	OutboundPolicy  OutboundPolicy
}

// ChannelCapabilities lists what the platform can carry outbound.
type ChannelCapabilities struct {
	Text        bool
	Attachments bool
	Templates   bool
}

// Sender is an adapter capable of sending outbound messages.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) (SendResult, error)
}

// Handshaker answers platform subscription checks on GET /webhooks/:channel.
// ok=false means the challenge was not accepted.
type Handshaker interface {
	Handshake(query url.Values) (response string, ok bool)
}

// AttachmentAuthorizer decorates origin fetches of platform-hosted media.
type AttachmentAuthorizer interface {
	// OwnsAttachment reports whether rawURL is served by this platform.
	OwnsAttachment(rawURL string) bool
	AuthorizeAttachment(req *http.Request)
}

// AttachmentLocator turns an indirect media reference (for example a media id
// endpoint) into the URL that serves the bytes.
type AttachmentLocator interface {
	LocateAttachment(ctx context.Context, rawURL string) (string, error)
}

// DeliveryStatus is the webhook health of one channel as seen by the gateway.
type DeliveryStatus struct {
	ChannelType    ChannelType `json:"channel_type"`
	LastAcceptedAt time.Time   `json:"last_accepted_at"`
	LastRejectedAt time.Time   `json:"last_rejected_at"`
	LastError      string      `json:"last_error,omitempty"`
	Accepted       int64       `json:"accepted"`
	Rejected       int64       `json:"rejected"`
}
