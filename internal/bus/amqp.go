package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultQueueSize      = 256
	defaultPublishTimeout = 5 * time.Second
	maxDialDelay          = 60 * time.Second
)

// Envelope is the JSON body of every published event.
type Envelope struct {
	Meta Meta           `json:"meta"`
	Data map[string]any `json:"data"`
}

type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Producer      *string   `json:"producer,omitempty"`
	Source        string    `json:"source,omitempty"`
}

// NewEnvelope wraps an event for publishing.
func NewEnvelope(e Event, producer string) Envelope {
	env := Envelope{
		Meta: Meta{
			ID:     uuid.NewString(),
			Type:   e.Type,
			Time:   e.Timestamp.UTC(),
			Source: e.Source,
		},
		Data: e.Payload,
	}
	if env.Meta.Time.IsZero() {
		env.Meta.Time = time.Now().UTC()
	}
	if e.CorrelationID != "" {
		cid := e.CorrelationID
		env.Meta.CorrelationID = &cid
	}
	if producer != "" {
		env.Meta.Producer = &producer
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	}
	return env
}

// AMQPOptions configures an AMQPSink.
type AMQPOptions struct {
	URL      string
	Exchange string
	Producer string

	RetryAttempts  int
	RetryDelay     time.Duration
	QueueSize      int
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

type publishFunc func(ctx context.Context, routingKey string, msg amqp.Publishing) error

// AMQPSink forwards every event on an EventBus to a topic exchange, using
// the event type as routing key. Events are queued and published from a
// single goroutine so Emit never waits on the broker; when the queue is
// full, events are dropped with a warning.
type AMQPSink struct {
	exchange   string
	producer   string
	timeout    time.Duration
	retryDelay time.Duration
	logger     *slog.Logger

	linkMu  sync.Mutex
	publish publishFunc
	closer  func() error

	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup

	mu        sync.Mutex
	bus       *EventBus
	handlerID string
	closed    bool
}

// amqpLink is one live broker connection: a confirm-mode publisher and the
// connection's close notifications.
type amqpLink struct {
	publish publishFunc
	closed  <-chan *amqp.Error
	close   func() error
}

type connectFunc func(ctx context.Context) (*amqpLink, error)

// DialAMQP connects with exponential backoff, declares the exchange and
// puts the publishing channel in confirm mode. When the broker drops the
// connection the sink reconnects and redeclares the exchange.
func DialAMQP(ctx context.Context, opts AMQPOptions) (*AMQPSink, error) {
	if opts.Exchange == "" {
		return nil, errors.New("amqp: exchange is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	connect := func(ctx context.Context) (*amqpLink, error) { return connectAMQP(ctx, opts) }
	link, err := connect(ctx)
	if err != nil {
		return nil, err
	}

	s := newAMQPSink(opts, link.publish)
	s.closer = link.close
	s.watch(link.closed, connect)
	opts.Logger.Info("amqp event sink connected", "exchange", opts.Exchange)
	return s, nil
}

func connectAMQP(ctx context.Context, opts AMQPOptions) (*amqpLink, error) {
	conn, err := dialWithRetry(ctx, opts)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", opts.Exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}

	publish := func(ctx context.Context, key string, msg amqp.Publishing) error {
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, opts.Exchange, key, false, false, msg)
		if err != nil {
			return err
		}
		acked, err := dc.WaitContext(ctx)
		if err != nil {
			return err
		}
		if !acked {
			return fmt.Errorf("broker nacked message %s", msg.MessageId)
		}
		return nil
	}
	return &amqpLink{
		publish: publish,
		closed:  conn.NotifyClose(make(chan *amqp.Error, 1)),
		close:   conn.Close,
	}, nil
}

// watch replaces the link whenever closed fires, until the sink is closed.
// Events published while reconnecting fail and are dropped with a warning.
func (s *AMQPSink) watch(closed <-chan *amqp.Error, connect connectFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	go func() {
		defer s.wg.Done()
		defer cancel()
		for {
			select {
			case <-s.done:
				return
			case err, ok := <-closed:
				if !ok {
					err = &amqp.Error{Reason: "connection closed"}
				}
				s.logger.Error("amqp connection closed, reconnecting", "err", err)
			}

			link, err := s.reconnect(ctx, connect)
			if err != nil {
				return
			}
			s.linkMu.Lock()
			s.publish = link.publish
			s.closer = link.close
			s.linkMu.Unlock()
			closed = link.closed
			s.logger.Info("amqp reconnected", "exchange", s.exchange)
		}
	}()
}

func (s *AMQPSink) reconnect(ctx context.Context, connect connectFunc) (*amqpLink, error) {
	backoff := s.retryDelay
	for {
		link, err := connect(ctx)
		if err == nil {
			return link, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Error("amqp reconnect failed", "err", err, "retry_in", backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if backoff*2 < maxDialDelay {
			backoff *= 2
		}
	}
}

func newAMQPSink(opts AMQPOptions, publish publishFunc) *AMQPSink {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &AMQPSink{
		exchange:   opts.Exchange,
		producer:   opts.Producer,
		timeout:    opts.PublishTimeout,
		retryDelay: opts.RetryDelay,
		publish:    publish,
		logger:     opts.Logger.With("component", "amqp"),
		queue:      make(chan Event, opts.QueueSize),
		done:       make(chan struct{}),
	}
}

// Attach subscribes the sink to every event on eb and starts publishing.
func (s *AMQPSink) Attach(eb *EventBus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bus != nil || s.closed {
		return
	}
	s.bus = eb
	s.handlerID = eb.On("*", s.enqueue)
	s.wg.Add(1)
	go s.run()
}

func (s *AMQPSink) enqueue(e Event) {
	select {
	case <-s.done:
	case s.queue <- e:
	default:
		s.logger.Warn("event queue full, dropping event", "event", e.Type)
	}
}

func (s *AMQPSink) run() {
	defer s.wg.Done()
	for {
		select {
		case e := <-s.queue:
			s.send(e)
		case <-s.done:
			for {
				select {
				case e := <-s.queue:
					s.send(e)
				default:
					return
				}
			}
		}
	}
}

func (s *AMQPSink) send(e Event) {
	env := NewEnvelope(e, s.producer)
	body, err := json.Marshal(env)
	if err != nil {
		s.logger.Warn("cannot encode event", "event", e.Type, "err", err)
		return
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.Meta.ID,
		Type:         env.Meta.Type,
		Timestamp:    env.Meta.Time,
		AppId:        s.producer,
		Body:         body,
	}
	if env.Meta.CorrelationID != nil {
		msg.CorrelationId = *env.Meta.CorrelationID
	}

	s.linkMu.Lock()
	publish := s.publish
	s.linkMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := publish(ctx, e.Type, msg); err != nil {
		s.logger.Warn("publish failed", "event", e.Type, "exchange", s.exchange, "err", err)
		return
	}
	s.logger.Debug("published", "key", e.Type, "exchange", s.exchange)
}

// Close unsubscribes, publishes what is still queued and closes the
// connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.bus != nil {
		s.bus.Off("*", s.handlerID)
	}
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	s.linkMu.Lock()
	closer := s.closer
	s.linkMu.Unlock()
	if closer != nil {
		return closer()
	}
	return nil
}

func dialWithRetry(ctx context.Context, opts AMQPOptions) (*amqp.Connection, error) {
	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = 5
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				opts.Logger.Info("amqp connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err

		sleep := delay << (i - 1)
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		opts.Logger.Warn("amqp dial failed", "attempt", i, "sleep", sleep, "err", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("amqp dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("failed to connect to amqp after %d attempts: %w", attempts, lastErr)
}
