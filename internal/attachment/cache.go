// Package attachment serves message attachments through a three-tier cache:
// an in-process LRU, a persistent store with a TTL, and the origin.
package attachment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/lengolf/inbox/internal/metrics"
)

const (
	DefaultCapacity     = 512
	DefaultTTL          = 72 * time.Hour
	DefaultFetchTimeout = 15 * time.Second
	defaultRetryBase    = 200 * time.Millisecond
)

// Tier names where an entry was served from.
type Tier string

const (
	TierMemory Tier = "memory"
	TierStore  Tier = "store"
	TierOrigin Tier = "origin"
)

// Entry is one cached attachment. Data is shared between callers and must be
// treated as read-only.
type Entry struct {
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	Data        []byte    `json:"-"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	StoredAt    time.Time `json:"stored_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Tier        Tier      `json:"-"`
}

// Expired reports whether the entry is past its TTL at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// PersistentStore is tier 2. Get returns ErrMiss when the key is absent.
type PersistentStore interface {
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, key string) error
	// Sweep removes entries expired at now and reports how many went.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Fetcher is tier 3.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (data []byte, contentType string, err error)
}

type Options struct {
	Capacity     int
	TTL          time.Duration
	FetchTimeout time.Duration
	// RetryBase is the first GetWithRetry backoff step.
	RetryBase time.Duration
}

// Stats counts lookups by the tier that answered them.
type Stats struct {
	MemoryHits    uint64 `json:"memory_hits"`
	StoreHits     uint64 `json:"store_hits"`
	OriginFetches uint64 `json:"origin_fetches"`
	Failures      uint64 `json:"failures"`
}

type Cache struct {
	memory  *lru.Cache[string, Entry]
	store   PersistentStore
	fetcher Fetcher
	group   singleflight.Group
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	memoryHits    atomic.Uint64
	storeHits     atomic.Uint64
	originFetches atomic.Uint64
	failures      atomic.Uint64
}

// New builds a Cache. store may be nil, in which case misses go straight to
// the origin.
func New(log *slog.Logger, store PersistentStore, fetcher Fetcher, opts Options) (*Cache, error) {
	if log == nil {
		log = slog.Default()
	}
	if fetcher == nil {
		return nil, errors.New("attachment: fetcher is required")
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	memory, err := lru.New[string, Entry](opts.Capacity)
	if err != nil {
		return nil, fmt.Errorf("attachment: create lru: %w", err)
	}
	return &Cache{
		memory:  memory,
		store:   store,
		fetcher: fetcher,
		opts:    opts,
		logger:  log.With(slog.String("component", "attachment_cache")),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Key derives the cache key of a URL.
func Key(rawURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(rawURL)))
	return hex.EncodeToString(sum[:])
}

// Get returns the attachment at rawURL. Concurrent misses for one URL share a
// single origin fetch; failures are returned as *FetchFailedError and are
// never cached.
func (c *Cache) Get(ctx context.Context, rawURL string) (Entry, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return Entry{}, &FetchFailedError{Err: errors.New("empty url")}
	}
	key := Key(rawURL)
	if e, ok := c.memory.Get(key); ok {
		if !e.Expired(c.now()) {
			c.memoryHits.Add(1)
			metrics.CacheLookups.WithLabelValues(string(TierMemory)).Inc()
			e.Tier = TierMemory
			return e, nil
		}
		c.memory.Remove(key)
	}

	ch := c.group.DoChan(key, func() (any, error) {
		return c.load(ctx, key, rawURL)
	})
	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	}
}

// load runs once per key at a time. It is detached from the first caller's
// cancellation so the other waiters still get a result.
func (c *Cache) load(ctx context.Context, key, rawURL string) (Entry, error) {
	// A caller that missed memory just before the previous flight's write-back
	// lands here after that flight ended; the entry is in memory by now.
	if e, ok := c.memory.Get(key); ok && !e.Expired(c.now()) {
		c.memoryHits.Add(1)
		metrics.CacheLookups.WithLabelValues(string(TierMemory)).Inc()
		e.Tier = TierMemory
		return e, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FetchTimeout)
	defer cancel()

	if e, ok := c.fromStore(ctx, key); ok {
		c.memory.Add(key, e)
		c.storeHits.Add(1)
		metrics.CacheLookups.WithLabelValues(string(TierStore)).Inc()
		e.Tier = TierStore
		return e, nil
	}

	data, contentType, err := c.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		c.failures.Add(1)
		metrics.CacheLookups.WithLabelValues("error").Inc()
		metrics.OriginFetches.WithLabelValues("failed").Inc()
		ferr := asFetchFailed(rawURL, err)
		c.logger.Warn("attachment fetch failed", slog.String("url", redact(rawURL)), slog.Any("error", ferr))
		return Entry{}, ferr
	}
	c.originFetches.Add(1)
	metrics.CacheLookups.WithLabelValues(string(TierOrigin)).Inc()
	metrics.OriginFetches.WithLabelValues("ok").Inc()

	now := c.now()
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	e := Entry{
		Key:         key,
		URL:         rawURL,
		Data:        data,
		ContentType: contentType,
		Size:        int64(len(data)),
		StoredAt:    now,
		ExpiresAt:   now.Add(c.opts.TTL),
	}
	if c.store != nil {
		if err := c.store.Put(ctx, e); err != nil {
			c.logger.Warn("attachment store write failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	c.memory.Add(key, e)
	e.Tier = TierOrigin
	return e, nil
}

func (c *Cache) fromStore(ctx context.Context, key string) (Entry, bool) {
	if c.store == nil {
		return Entry{}, false
	}
	e, err := c.store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrMiss):
		return Entry{}, false
	case err != nil:
		c.logger.Warn("attachment store read failed", slog.String("key", key), slog.Any("error", err))
		return Entry{}, false
	case e.Expired(c.now()):
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn("attachment store purge failed", slog.String("key", key), slog.Any("error", err))
		}
		return Entry{}, false
	}
	return e, true
}

// GetWithRetry retries transient fetch failures with jittered exponential
// backoff. attempts below one means one attempt.
func (c *Cache) GetWithRetry(ctx context.Context, rawURL string, attempts int) (Entry, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			step := c.opts.RetryBase << (i - 1)
			wait := step/2 + rand.N(step/2+1)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Entry{}, ctx.Err()
			case <-timer.C:
			}
		}
		e, err := c.Get(ctx, rawURL)
		if err == nil {
			return e, nil
		}
		lastErr = err
		var ferr *FetchFailedError
		if !errors.As(err, &ferr) || !ferr.Temporary() {
			return Entry{}, err
		}
	}
	return Entry{}, lastErr
}

// InMemory reports whether rawURL currently sits in tier 1.
func (c *Cache) InMemory(rawURL string) bool {
	return c.memory.Contains(Key(rawURL))
}

// Invalidate drops rawURL from both cache tiers.
func (c *Cache) Invalidate(ctx context.Context, rawURL string) error {
	key := Key(rawURL)
	c.memory.Remove(key)
	if c.store == nil {
		return nil
	}
	return c.store.Delete(ctx, key)
}

func (c *Cache) Stats() Stats {
	return Stats{
		MemoryHits:    c.memoryHits.Load(),
		StoreHits:     c.storeHits.Load(),
		OriginFetches: c.originFetches.Load(),
		Failures:      c.failures.Load(),
	}
}

var placeholder = sync.OnceValue(func() []byte {
	var buf bytes.Buffer
	_ = png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 1, 1)))
	return buf.Bytes()
})

// Placeholder returns a transparent 1x1 PNG for callers to show in place of a
// failed attachment.
func Placeholder() (data []byte, contentType string) {
	return placeholder(), "image/png"
}

// redact drops the query string, which may carry access tokens.
func redact(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
