// Package poller keeps a client-local view of conversations in sync with the
// inbox by polling for deltas while the consuming UI is active.
package poller

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lengolf/inbox/internal/inbox"
)

const DefaultInterval = 5 * time.Second

// DeltaSource returns conversations changed after since.
// *inbox.Service and *HTTPSource implement it.
type DeltaSource interface {
	FetchDelta(ctx context.Context, since time.Time) (inbox.Delta, error)
}

// Poller is a read-side reconciliation loop. It never writes to the inbox.
type Poller struct {
	source   DeltaSource
	interval time.Duration
	logger   *slog.Logger

	active atomic.Bool
	wake   chan struct{}

	mu       sync.RWMutex
	cursor   time.Time
	view     map[string]inbox.Conversation
	onChange func([]inbox.Conversation)
}

func New(log *slog.Logger, source DeltaSource, interval time.Duration) *Poller {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		source:   source,
		interval: interval,
		logger:   log.With(slog.String("component", "poller")),
		wake:     make(chan struct{}, 1),
		view:     map[string]inbox.Conversation{},
	}
}

// OnChange registers a callback that receives the conversations changed by
// each poll. It runs on the polling goroutine.
func (p *Poller) OnChange(fn func([]inbox.Conversation)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// SetActive starts or suspends polling. Becoming active polls right away.
func (p *Poller) SetActive(active bool) {
	if p.active.Swap(active) == active || !active {
		return
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) Active() bool {
	return p.active.Load()
}

// Run polls on every tick while active until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
		case <-ticker.C:
		}
		if !p.active.Load() {
			continue
		}
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("delta poll failed", slog.Any("error", err))
		}
	}
}

// PollOnce fetches one delta, merges it and reports how many conversations
// changed. The cursor only advances on success.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	p.mu.RLock()
	since := p.cursor
	p.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	delta, err := p.source.FetchDelta(ctx, since)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	changed := make([]inbox.Conversation, 0, len(delta.Conversations))
	for _, conv := range delta.Conversations {
		current, ok := p.view[conv.ID]
		if ok && conv.UpdatedAt.Before(current.UpdatedAt) {
			continue
		}
		if conv.IsActive {
			p.view[conv.ID] = conv
		} else {
			delete(p.view, conv.ID)
		}
		changed = append(changed, conv)
	}
	if delta.Cursor.After(p.cursor) {
		p.cursor = delta.Cursor
	}
	onChange := p.onChange
	p.mu.Unlock()

	if onChange != nil && len(changed) > 0 {
		onChange(changed)
	}
	return len(changed), nil
}

// View returns the active conversations, most recent message first.
func (p *Poller) View() []inbox.Conversation {
	p.mu.RLock()
	items := make([]inbox.Conversation, 0, len(p.view))
	for _, conv := range p.view {
		items = append(items, conv)
	}
	p.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool {
		if !items[i].LastMessageAt.Equal(items[j].LastMessageAt) {
			return items[i].LastMessageAt.After(items[j].LastMessageAt)
		}
		return items[i].ID < items[j].ID
	})
	return items
}

// UnreadTotal sums unread counts across the view.
func (p *Poller) UnreadTotal() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := 0
	for _, conv := range p.view {
		total += conv.UnreadCount
	}
	return total
}

func (p *Poller) Cursor() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cursor
}
