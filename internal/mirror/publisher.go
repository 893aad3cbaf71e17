// ABOUTME: AMQP topic-exchange publisher for mirrored real-time events
// ABOUTME: Dials RabbitMQ with backoff and publishes JSON envelopes in confirm mode

package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Publisher publishes envelopes under a routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

// maxDialDelay caps the exponential backoff between dial attempts.
const maxDialDelay = 60 * time.Second

// DialOptions configures DialWithRetry.
type DialOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        *slog.Logger
}

// DialWithRetry connects to RabbitMQ with exponential backoff, honoring ctx.
func DialWithRetry(ctx context.Context, opts DialOptions) (*amqp091.Connection, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}

	var lastErr error
	for i := 1; i <= opts.RetryAttempts; i++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				opts.Logger.Info("broker connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err

		sleep := opts.Delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		opts.Logger.Warn("broker dial failed",
			"attempt", i,
			"sleep", sleep,
			"error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("connecting to broker after %d attempts: %w", opts.RetryAttempts, lastErr)
}

// AMQPPublisher publishes to a durable topic exchange.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger

	mu sync.Mutex
	ch *amqp091.Channel
}

// NewAMQPPublisher declares the exchange on conn and returns a publisher.
func NewAMQPPublisher(conn *amqp091.Connection, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declaring exchange %q: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enabling confirm mode: %w", err)
	}

	return &AMQPPublisher{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "mirror"),
		ch:       ch,
	}, nil
}

// Publish sends the envelope as a persistent JSON message.
func (p *AMQPPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	correlationID := env.Meta.CorrelationID
	if correlationID == "" {
		correlationID = env.Meta.ID
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: correlationID,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         env.Meta.Producer,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publishing %s: %w", key, err)
	}

	p.logger.Debug("published", "key", key, "exchange", p.exchange, "id", env.Meta.ID)
	return nil
}

// Close closes the channel and the underlying connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	chErr := p.ch.Close()
	return errors.Join(chErr, p.conn.Close())
}

// MemoryPublisher keeps published envelopes in memory.
type MemoryPublisher struct {
	mu        sync.Mutex
	Published []Published
	Err       error
}

// Published is one envelope captured by MemoryPublisher.
type Published struct {
	Key      string
	Envelope Envelope
}

// Publish records the envelope, or returns Err when set.
func (m *MemoryPublisher) Publish(_ context.Context, key string, env Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Published = append(m.Published, Published{Key: key, Envelope: env})
	return nil
}

// Snapshot returns a copy of the recorded envelopes.
func (m *MemoryPublisher) Snapshot() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Published, len(m.Published))
	copy(out, m.Published)
	return out
}

// Close is a no-op.
func (m *MemoryPublisher) Close() error { return nil }

var (
	_ Publisher = (*AMQPPublisher)(nil)
	_ Publisher = (*MemoryPublisher)(nil)
)
