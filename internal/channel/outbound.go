package channel

import (
	"strings"
	"time"
)

// Chunker splits text into pieces that respect a character limit.
type Chunker func(text string, limit int) []string

// OutboundPolicy configures how outbound messages are chunked and gated.
type OutboundPolicy struct {
	TextChunkLimit int     `json:"text_chunk_limit,omitempty"`
	Chunker        Chunker `json:"-"`
	// ReplyWindow is how long after the last inbound message free-form
	// replies are accepted. Zero means no window.
	ReplyWindow time.Duration `json:"reply_window,omitempty"`
	// RatePerSecond caps outbound calls to the platform. Zero means unlimited.
	RatePerSecond float64 `json:"rate_per_second,omitempty"`
}

// NormalizeOutboundPolicy fills zero-value fields with sensible defaults.
func NormalizeOutboundPolicy(policy OutboundPolicy) OutboundPolicy {
	if policy.TextChunkLimit <= 0 {
		policy.TextChunkLimit = 2000
	}
	if policy.Chunker == nil {
		policy.Chunker = ChunkText
	}
	if policy.ReplyWindow < 0 {
		policy.ReplyWindow = 0
	}
	return policy
}

// WindowOpen reports whether a free-form reply is allowed at now.
// A conversation that never received an inbound message has no open window.
func (p OutboundPolicy) WindowOpen(lastInbound, now time.Time) bool {
	if p.ReplyWindow <= 0 {
		return true
	}
	if lastInbound.IsZero() {
		return false
	}
	return now.Sub(lastInbound) <= p.ReplyWindow
}

// ChunkText splits text at newline boundaries, respecting the rune limit.
func ChunkText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	lines := strings.Split(trimmed, "\n")
	chunks := make([]string, 0)
	buf := make([]string, 0, len(lines))
	bufLen := 0
	for _, line := range lines {
		lineLen := runeLen(line)
		sepLen := 0
		if len(buf) > 0 {
			sepLen = 1
		}
		if bufLen+sepLen+lineLen <= limit {
			buf = append(buf, line)
			bufLen += sepLen + lineLen
			continue
		}
		if len(buf) > 0 {
			chunks = append(chunks, strings.Join(buf, "\n"))
			buf = buf[:0]
			bufLen = 0
		}
		if lineLen <= limit {
			buf = append(buf, line)
			bufLen = lineLen
			continue
		}
		chunks = append(chunks, splitLongLine(line, limit)...)
	}
	if len(buf) > 0 {
		chunks = append(chunks, strings.Join(buf, "\n"))
	}
	return chunks
}

func runeLen(value string) int {
	return len([]rune(value))
}

func splitLongLine(line string, limit int) []string {
	if limit <= 0 {
		return []string{line}
	}
	runes := []rune(line)
	chunks := make([]string, 0)
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		segment := strings.TrimSpace(string(runes[start:end]))
		if segment == "" {
			continue
		}
		chunks = append(chunks, segment)
	}
	return chunks
}

// SplitOutbound expands content into the messages actually sent to the platform.
// Templates and attachments go out as one message; long text is chunked.
func SplitOutbound(target string, content OutboundContent, policy OutboundPolicy) []OutboundMessage {
	policy = NormalizeOutboundPolicy(policy)
	if content.Template != nil || (content.Attachment != nil && content.Attachment.HasReference()) {
		return []OutboundMessage{{Target: target, Content: content}}
	}
	chunks := policy.Chunker(content.Text, policy.TextChunkLimit)
	items := make([]OutboundMessage, 0, len(chunks))
	for _, chunk := range chunks {
		part := content
		part.ContentType = ContentText
		part.Text = chunk
		items = append(items, OutboundMessage{Target: target, Content: part})
	}
	return items
}
