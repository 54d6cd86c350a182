package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lengolf/inbox/internal/channel"
	"github.com/lengolf/inbox/internal/inbox"
)

type AMQPOptions struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	Prefetch   int
	Workers    int
}

// AMQP publishes events to a durable RabbitMQ queue and consumes them with
// manual acks, so accepted events survive a restart.
type AMQP struct {
	opts    AMQPOptions
	handler Handler
	logger  *slog.Logger

	conn    *amqp.Connection
	pubMu   sync.Mutex
	pubChan *amqp.Channel

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAMQP dials the broker and declares the topology.
func NewAMQP(ctx context.Context, log *slog.Logger, opts AMQPOptions, handler Handler) (*AMQP, error) {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 8
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	q := &AMQP{
		opts:    opts,
		handler: handler,
		logger:  log.With(slog.String("component", "queue"), slog.String("driver", "amqp")),
	}
	q.logger.Info("connecting to rabbitmq", slog.String("host", brokerHost(opts.URL)))

	conn, err := amqp.DialConfig(opts.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareTopology(ch, opts); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare topology: %w", err)
	}
	q.conn = conn
	q.pubChan = ch
	return q, nil
}

func declareTopology(ch *amqp.Channel, opts AMQPOptions) error {
	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(opts.Queue, true, false, false, false, nil); err != nil {
		return err
	}
	return ch.QueueBind(opts.Queue, opts.RoutingKey, opts.Exchange, false, nil)
}

func (q *AMQP) Enqueue(ctx context.Context, events ...channel.InboundEvent) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	for _, event := range events {
		msg, err := encodeEvent(event)
		if err != nil {
			return err
		}
		if err := q.pubChan.PublishWithContext(ctx, q.opts.Exchange, q.opts.RoutingKey, false, false, msg); err != nil {
			return fmt.Errorf("publish event: %w", err)
		}
	}
	return nil
}

// Start runs the consumer until Stop.
func (q *AMQP) Start(ctx context.Context) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(q.opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return err
	}
	deliveries, err := ch.Consume(q.opts.Queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume: %w", err)
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.consume(ctx, deliveries)
	}
	go func() {
		<-ctx.Done()
		_ = ch.Close()
	}()
	q.logger.Info("consumer started", slog.String("queue", q.opts.Queue), slog.Int("prefetch", q.opts.Prefetch))
	return nil
}

func (q *AMQP) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			err := q.deliver(ctx, d.Body)
			switch disposition(err, d.Redelivered) {
			case ack:
				_ = d.Ack(false)
			case requeue:
				_ = d.Nack(false, true)
			case drop:
				q.logger.Error("dropping event after redelivery", slog.String("message_id", d.MessageId), slog.Any("error", err))
				_ = d.Nack(false, false)
			}
		}
	}
}

func (q *AMQP) deliver(ctx context.Context, body []byte) error {
	event, err := decodeEvent(body)
	if err != nil {
		return err
	}
	return q.handler(ctx, event)
}

func (q *AMQP) Stop(ctx context.Context) error {
	if q.cancel != nil {
		q.cancel()
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	q.pubMu.Lock()
	_ = q.pubChan.Close()
	q.pubMu.Unlock()
	return errors.Join(waitErr, q.conn.Close())
}

// Ping reports whether the broker connection is still open.
func (q *AMQP) Ping(context.Context) error {
	if q.conn == nil || q.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

type action int

const (
	ack action = iota
	requeue
	drop
)

// disposition acks successes and poison, requeues a transient failure once,
// and drops it on the second failure.
func disposition(err error, redelivered bool) action {
	switch {
	case err == nil, errors.Is(err, errPoison), inbox.IsPermanent(err):
		return ack
	case redelivered:
		return drop
	default:
		return requeue
	}
}

func encodeEvent(event channel.InboundEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID(event),
		Type:         "inbound." + event.Channel.String(),
		Timestamp:    time.Now().UTC(),
	}, nil
}

func decodeEvent(body []byte) (channel.InboundEvent, error) {
	var event channel.InboundEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return channel.InboundEvent{}, fmt.Errorf("%w: %v", errPoison, err)
	}
	return event, nil
}

func messageID(event channel.InboundEvent) string {
	if event.PlatformMessageID == "" {
		return event.DeliveryID
	}
	return event.Channel.String() + ":" + event.PlatformMessageID
}

func brokerHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
