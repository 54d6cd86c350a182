package channel

import (
	"strings"
	"testing"
	"time"
)

func TestChunkText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{name: "empty", text: "   ", limit: 10, want: nil},
		{name: "fits", text: "hello", limit: 10, want: []string{"hello"}},
		{name: "line boundaries", text: "aaaa\nbbbb\ncccc", limit: 9, want: []string{"aaaa\nbbbb", "cccc"}},
		{name: "long line", text: "abcdefghij", limit: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "runes not bytes", text: "สวัสดีครับ", limit: 5, want: []string{"สวัสด", "ีครับ"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ChunkText(tt.text, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Fatalf("ChunkText(%q, %d) = %q, want %q", tt.text, tt.limit, got, tt.want)
			}
		})
	}
}

func TestWindowOpen(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy := OutboundPolicy{ReplyWindow: 24 * time.Hour}
	if !policy.WindowOpen(now.Add(-23*time.Hour), now) {
		t.Fatalf("window should be open within 24h")
	}
	if policy.WindowOpen(now.Add(-25*time.Hour), now) {
		t.Fatalf("window should be closed after 24h")
	}
	if policy.WindowOpen(time.Time{}, now) {
		t.Fatalf("window should be closed without inbound messages")
	}
	if !(OutboundPolicy{}).WindowOpen(time.Time{}, now) {
		t.Fatalf("zero window should never block")
	}
}

func TestSplitOutbound(t *testing.T) {
	t.Parallel()

	policy := OutboundPolicy{TextChunkLimit: 5}
	msgs := SplitOutbound("u1", OutboundContent{ContentType: ContentText, Text: "hello\nworld"}, policy)
	if len(msgs) != 2 || msgs[0].Content.Text != "hello" || msgs[1].Content.Text != "world" {
		t.Fatalf("unexpected text split: %+v", msgs)
	}
	for _, msg := range msgs {
		if msg.Target != "u1" {
			t.Fatalf("target not propagated: %+v", msg)
		}
	}

	image := OutboundContent{ContentType: ContentImage, Text: "caption that is long", Attachment: &Attachment{URL: "https://x/y.png"}}
	msgs = SplitOutbound("u1", image, policy)
	if len(msgs) != 1 || msgs[0].Content.Attachment == nil {
		t.Fatalf("attachment content should not be chunked: %+v", msgs)
	}
}
