package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrSignatureInvalid means a webhook body did not match its signature header.
	ErrSignatureInvalid = errors.New("channel: signature invalid")
	// ErrMalformedPayload means a correctly signed body could not be parsed.
	ErrMalformedPayload = errors.New("channel: malformed payload")
	// ErrOutboundRejected means the platform (or a local policy) refused a send.
	ErrOutboundRejected = errors.New("channel: outbound send rejected")
	ErrUnknownChannel   = errors.New("channel: unknown channel type")
	ErrSendNotSupported = errors.New("channel: adapter cannot send")
)

// Rejection reasons surfaced to the staff API.
const (
	ReasonWindowExpired    = "messaging_window_expired"
	ReasonInvalidRecipient = "invalid_recipient"
	ReasonPlatformPolicy   = "platform_policy"
	ReasonUnsupported      = "unsupported_content"
)

// SendRejectedError is a send the caller must not blindly retry.
type SendRejectedError struct {
	Channel ChannelType
	Reason  string
	Detail  string
}

func (e *SendRejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s send rejected: %s", e.Channel, e.Reason)
	}
	return fmt.Sprintf("%s send rejected: %s: %s", e.Channel, e.Reason, e.Detail)
}

func (e *SendRejectedError) Unwrap() error {
	return ErrOutboundRejected
}

// Reject builds a SendRejectedError.
func Reject(channelType ChannelType, reason, detail string) error {
	return &SendRejectedError{Channel: channelType, Reason: reason, Detail: detail}
}

// RejectionReason extracts the reason of a SendRejectedError in err's chain.
func RejectionReason(err error) (string, bool) {
	var rejected *SendRejectedError
	if errors.As(err, &rejected) {
		return rejected.Reason, true
	}
	return "", false
}
