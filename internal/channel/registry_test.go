package channel_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/lengolf/inbox/internal/channel"
)

const testChannelType = channel.ChannelType("test")

// receiveOnlyAdapter implements only the mandatory Adapter surface.
type receiveOnlyAdapter struct {
	channelType channel.ChannelType
}

func (a *receiveOnlyAdapter) Type() channel.ChannelType { return a.channelType }

func (a *receiveOnlyAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Type: a.channelType, DisplayName: "Test"}
}

func (a *receiveOnlyAdapter) VerifySignature(body []byte, header http.Header) bool { return true }

func (a *receiveOnlyAdapter) ParseWebhook(body []byte) ([]channel.InboundEvent, error) {
	return nil, nil
}

// sendingAdapter adds Sender and AttachmentAuthorizer.
type sendingAdapter struct {
	receiveOnlyAdapter
}

func (a *sendingAdapter) Send(ctx context.Context, msg channel.OutboundMessage) (channel.SendResult, error) {
	return channel.SendResult{PlatformMessageID: "sent"}, nil
}

func (a *sendingAdapter) OwnsAttachment(rawURL string) bool {
	return strings.HasPrefix(rawURL, "https://media.test/")
}

func (a *sendingAdapter) AuthorizeAttachment(req *http.Request) {
	req.Header.Set("Authorization", "Bearer test")
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	reg.MustRegister(&receiveOnlyAdapter{channelType: testChannelType})
	if err := reg.Register(&receiveOnlyAdapter{channelType: "TEST"}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if err := reg.Register(nil); err == nil {
		t.Fatalf("expected nil adapter error")
	}
}

func TestParseChannelType(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	reg.MustRegister(&receiveOnlyAdapter{channelType: testChannelType})

	ct, err := reg.ParseChannelType("  Test ")
	if err != nil || ct != testChannelType {
		t.Fatalf("ParseChannelType = (%q, %v), want (test, nil)", ct, err)
	}
	if _, err := reg.ParseChannelType("unknown"); !errors.Is(err, channel.ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestGetSender_Unsupported(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	reg.MustRegister(&receiveOnlyAdapter{channelType: testChannelType})
	sender, ok := reg.GetSender(testChannelType)
	if ok || sender != nil {
		t.Fatalf("GetSender(test) = (%v, %v), want (nil, false)", sender, ok)
	}
}

func TestGetSender_Supported(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	reg.MustRegister(&sendingAdapter{receiveOnlyAdapter{channelType: testChannelType}})
	sender, ok := reg.GetSender(testChannelType)
	if !ok || sender == nil {
		t.Fatalf("GetSender(test) should return sender")
	}
}

func TestAttachmentAuthorizerFor(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	reg.MustRegister(&receiveOnlyAdapter{channelType: "plain"})
	reg.MustRegister(&sendingAdapter{receiveOnlyAdapter{channelType: testChannelType}})

	if _, ok := reg.AttachmentAuthorizerFor("https://media.test/a.png"); !ok {
		t.Fatalf("expected authorizer for platform media url")
	}
	if _, ok := reg.AttachmentAuthorizerFor("https://cdn.example.com/a.png"); ok {
		t.Fatalf("unexpected authorizer for foreign url")
	}
}

func TestGetOutboundPolicyDefaults(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	reg.MustRegister(&receiveOnlyAdapter{channelType: testChannelType})
	policy, ok := reg.GetOutboundPolicy(testChannelType)
	if !ok {
		t.Fatalf("expected policy for registered type")
	}
	if policy.TextChunkLimit != 2000 || policy.Chunker == nil || policy.ReplyWindow != 0 {
		t.Fatalf("unexpected normalized policy: %+v", policy)
	}
}
