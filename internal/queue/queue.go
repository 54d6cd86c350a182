// Package queue hands accepted webhook events to the processor off the
// request path.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lengolf/inbox/internal/channel"
	"github.com/lengolf/inbox/internal/inbox"
	"github.com/lengolf/inbox/internal/metrics"
)

const (
	DefaultWorkers = 4
	DefaultBuffer  = 256
	// detachedTimeout bounds overflow and drain processing.
	detachedTimeout = 30 * time.Second
	// DefaultRetryDelay is the pause before the single retry of a transient
	// failure.
	DefaultRetryDelay = 500 * time.Millisecond
)

// Handler processes one event. Errors for which inbox.IsPermanent is true
// are never retried.
type Handler func(ctx context.Context, event channel.InboundEvent) error

// ProcessorHandler adapts an inbox.Processor.
func ProcessorHandler(p *inbox.Processor) Handler {
	return func(ctx context.Context, event channel.InboundEvent) error {
		_, err := p.Process(ctx, event)
		return err
	}
}

// Queue accepts events for asynchronous processing. Enqueue must not block on
// processing.
type Queue interface {
	Enqueue(ctx context.Context, events ...channel.InboundEvent) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Memory is an in-process worker pool over a buffered channel. When the
// buffer is full the event is processed on its own goroutine instead of being
// dropped.
type Memory struct {
	handler Handler
	events  chan channel.InboundEvent
	workers int
	logger  *slog.Logger

	// RetryDelay may be changed before Start.
	RetryDelay time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewMemory(log *slog.Logger, handler Handler, workers, buffer int) *Memory {
	if log == nil {
		log = slog.Default()
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Memory{
		handler:    handler,
		events:     make(chan channel.InboundEvent, buffer),
		workers:    workers,
		RetryDelay: DefaultRetryDelay,
		logger:     log.With(slog.String("component", "queue"), slog.String("driver", "memory")),
	}
}

func (q *Memory) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
	q.logger.Info("queue started", slog.Int("workers", q.workers), slog.Int("buffer", cap(q.events)))
	return nil
}

func (q *Memory) work(ctx context.Context) {
	defer q.wg.Done()
	for event := range q.events {
		metrics.QueueDepth.Set(float64(len(q.events)))
		q.handle(ctx, event)
	}
}

// handle retries a transient failure once, matching the broker's
// requeue-once disposition. A second failure drops the event.
func (q *Memory) handle(ctx context.Context, event channel.InboundEvent) {
	err := q.handler(ctx, event)
	if err == nil || inbox.IsPermanent(err) {
		return
	}
	q.logger.Info("event processing failed, retrying",
		slog.String("channel", event.Channel.String()),
		slog.String("platform_message_id", event.PlatformMessageID),
		slog.Any("error", err),
	)
	timer := time.NewTimer(q.RetryDelay)
	select {
	case <-timer.C:
		err = q.handler(ctx, event)
	case <-ctx.Done():
		timer.Stop()
		err = ctx.Err()
	}
	if err != nil && !inbox.IsPermanent(err) {
		q.logger.Warn("event processing failed",
			slog.String("channel", event.Channel.String()),
			slog.String("platform_message_id", event.PlatformMessageID),
			slog.Any("error", err),
		)
	}
}

// Enqueue never blocks. The caller's context is not used for processing.
func (q *Memory) Enqueue(ctx context.Context, events ...channel.InboundEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}
	for _, event := range events {
		select {
		case q.events <- event:
			metrics.QueueDepth.Set(float64(len(q.events)))
		default:
			q.logger.Warn("queue full, processing detached",
				slog.String("channel", event.Channel.String()),
				slog.String("platform_message_id", event.PlatformMessageID),
			)
			q.wg.Add(1)
			go func(event channel.InboundEvent) {
				defer q.wg.Done()
				dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedTimeout)
				defer cancel()
				q.handle(dctx, event)
			}(event)
		}
	}
	return nil
}

// Stop refuses new events and waits for buffered ones to drain or ctx to end.
func (q *Memory) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	close(q.events)
	cancel := q.cancel
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if cancel != nil {
			cancel()
		}
		metrics.QueueDepth.Set(0)
		return nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		return ctx.Err()
	}
}
