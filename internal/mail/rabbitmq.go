package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const attemptsHeader = "x-warden-attempts"

// BrokerConfig describes the RabbitMQ topology used for mail jobs.
type BrokerConfig struct {
	URL               string
	Queue             string
	ReconnectInterval time.Duration
	MaxRetries        int
	ConfirmTimeout    time.Duration
	Prefetch          int
}

func (c BrokerConfig) withDefaults() BrokerConfig {
	if c.Queue == "" {
		c.Queue = "warden.mail"
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 10 * time.Second
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 1
	}
	return c
}

func (c BrokerConfig) deadLetterExchange() string { return c.Queue + ".dlx" }
func (c BrokerConfig) deadLetterQueue() string    { return c.Queue + ".dlq" }

// ErrBrokerUnavailable is returned while no broker session can be opened.
var ErrBrokerUnavailable = errors.New("mail: rabbitmq unavailable")

const dialTimeout = 10 * time.Second

// session is one open connection with its confirm-mode channel.
type session interface {
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
	Consume(queue, consumer string, prefetch int) (<-chan amqp.Delivery, error)
	NotifyClose() <-chan *amqp.Error
	IsClosed() bool
	Close() error
}

type dialFunc func(BrokerConfig) (session, error)

// Broker publishes and consumes mail jobs. A dropped connection is
// re-established in the background, and on the next use if the background
// attempt has not succeeded yet.
type Broker struct {
	cfg  BrokerConfig
	log  *zap.Logger
	dial dialFunc

	mu        sync.Mutex
	sess      session
	done      chan struct{}
	closeOnce sync.Once
}

var _ Enqueuer = (*Broker)(nil)

// Dial connects with retries and declares the queue, its dead-letter
// exchange and dead-letter queue.
func Dial(ctx context.Context, cfg BrokerConfig, log *zap.Logger) (*Broker, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, errors.New("mail: broker url is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return dialBroker(ctx, cfg, log, dialAMQP)
}

func dialBroker(ctx context.Context, cfg BrokerConfig, log *zap.Logger, dial dialFunc) (*Broker, error) {
	b := &Broker{cfg: cfg, log: log, dial: dial, done: make(chan struct{})}
	var lastErr error
	for i := 0; i <= cfg.MaxRetries; i++ {
		sess, err := dial(cfg)
		if err == nil {
			b.mu.Lock()
			b.setSessionLocked(sess)
			b.mu.Unlock()
			return b, nil
		}
		lastErr = err
		log.Warn("rabbitmq connect failed", zap.Int("attempt", i+1), zap.Error(err))
		if i < cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cfg.ReconnectInterval):
			}
		}
	}
	return nil, fmt.Errorf("mail: connect after %d retries: %w", cfg.MaxRetries, lastErr)
}

func (b *Broker) setSessionLocked(sess session) {
	b.sess = sess
	go b.watch(sess.NotifyClose())
}

// watch waits for the session behind notify to fail and then redials every
// ReconnectInterval until it succeeds or the broker is closed.
func (b *Broker) watch(notify <-chan *amqp.Error) {
	select {
	case <-b.done:
		return
	case amqpErr, ok := <-notify:
		if !ok || amqpErr == nil {
			return
		}
		b.log.Warn("rabbitmq connection lost", zap.Error(amqpErr))
	}
	ticker := time.NewTicker(b.cfg.ReconnectInterval)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		err := b.reconnectLocked()
		b.mu.Unlock()
		if err == nil || errors.Is(err, errBrokerClosed) {
			return
		}
		b.log.Warn("rabbitmq reconnect failed", zap.Error(err))
		select {
		case <-b.done:
			return
		case <-ticker.C:
		}
	}
}

var errBrokerClosed = errors.New("mail: broker closed")

// reconnectLocked replaces a closed session and is a no-op while the current
// one is open.
func (b *Broker) reconnectLocked() error {
	select {
	case <-b.done:
		return errBrokerClosed
	default:
	}
	if b.sess != nil && !b.sess.IsClosed() {
		return nil
	}
	if b.sess != nil {
		_ = b.sess.Close()
		b.sess = nil
	}
	sess, err := b.dial(b.cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	b.setSessionLocked(sess)
	b.log.Info("rabbitmq reconnected")
	return nil
}

// Enqueue publishes job persistently and waits for the broker confirm.
func (b *Broker) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("mail: encode job: %w", err)
	}
	return b.publish(ctx, body, amqp.Table{attemptsHeader: int32(0)})
}

func (b *Broker) publish(ctx context.Context, body []byte, headers amqp.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.reconnectLocked(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ConfirmTimeout)
	defer cancel()
	return b.sess.Publish(ctx, b.cfg.Queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
}

// Consume opens a delivery stream on the job queue. The stream closes when
// the connection drops; calling Consume again resubscribes.
func (b *Broker) Consume(consumer string) (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.reconnectLocked(); err != nil {
		return nil, err
	}
	return b.sess.Consume(b.cfg.Queue, consumer, b.cfg.Prefetch)
}

// Ping reports whether a session is currently open.
func (b *Broker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil || b.sess.IsClosed() {
		return ErrBrokerUnavailable
	}
	return nil
}

func (b *Broker) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil {
		return nil
	}
	err := b.sess.Close()
	b.sess = nil
	return err
}

type amqpSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func dialAMQP(cfg BrokerConfig) (session, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(dialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareTopology(ch, cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirm mode: %w", err)
	}
	return &amqpSession{conn: conn, ch: ch}, nil
}

func declareTopology(ch *amqp.Channel, cfg BrokerConfig) error {
	if err := ch.ExchangeDeclare(cfg.deadLetterExchange(), amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.deadLetterQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(cfg.deadLetterQueue(), cfg.Queue, cfg.deadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    cfg.deadLetterExchange(),
		"x-dead-letter-routing-key": cfg.Queue,
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	return nil
}

func (s *amqpSession) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	confirm, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return fmt.Errorf("mail: publish: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("mail: waiting for confirm: %w", err)
	}
	if !acked {
		return errors.New("mail: job rejected by broker")
	}
	return nil
}

func (s *amqpSession) Consume(queue, consumer string, prefetch int) (<-chan amqp.Delivery, error) {
	if err := s.ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("mail: set qos: %w", err)
	}
	return s.ch.Consume(queue, consumer, false, false, false, false, nil)
}

func (s *amqpSession) NotifyClose() <-chan *amqp.Error {
	return s.conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (s *amqpSession) IsClosed() bool {
	return s.conn.IsClosed() || s.ch.IsClosed()
}

func (s *amqpSession) Close() error {
	_ = s.ch.Close()
	return s.conn.Close()
}
