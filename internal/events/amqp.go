package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hongminglow/shop-user-api/internal/logging"
	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// dialFunc opens a connection and a channel with the exchange declared.
type dialFunc func(ctx context.Context) (io.Closer, channel, error)

// retryPolicy bounds the connection attempts made by DialAMQP.
type retryPolicy struct {
	attempts int
	delay    time.Duration
	maxDelay time.Duration
}

var defaultRetry = retryPolicy{attempts: 10, delay: time.Second, maxDelay: 30 * time.Second}

// AMQPPublisher sends events to a durable topic exchange, keyed by event type.
type AMQPPublisher struct {
	exchange string
	log      logging.Logger
	dial     dialFunc

	mu     sync.Mutex
	conn   io.Closer
	ch     channel
	closed bool
}

// DialAMQP connects to the broker at url and declares exchange, retrying with capped backoff
// until the broker answers or ctx ends.
func DialAMQP(ctx context.Context, url, exchange string, log logging.Logger) (*AMQPPublisher, error) {
	p := &AMQPPublisher{exchange: exchange, log: log, dial: brokerDialer(url, exchange)}
	if err := p.connectWithRetry(ctx, defaultRetry); err != nil {
		return nil, err
	}
	return p, nil
}

func brokerDialer(url, exchange string) dialFunc {
	return func(context.Context) (io.Closer, channel, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("open channel: %w", err)
		}
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
		}
		return conn, ch, nil
	}
}

func (p *AMQPPublisher) connectWithRetry(ctx context.Context, policy retryPolicy) error {
	delay := policy.delay
	for attempt := 1; ; attempt++ {
		err := p.connect(ctx)
		if err == nil {
			return nil
		}
		if attempt >= policy.attempts {
			return fmt.Errorf("connect to rabbitmq after %d attempts: %w", attempt, err)
		}
		p.log.Warn(ctx, "rabbitmq connection attempt failed", "attempt", attempt, "max_attempts", policy.attempts, "retry_in", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(time.Duration(float64(delay)*1.5), policy.maxDelay)
	}
}

// connect replaces the current connection and channel. Callers hold mu or own p exclusively.
func (p *AMQPPublisher) connect(ctx context.Context) error {
	p.release()
	conn, ch, err := p.dial(ctx)
	if err != nil {
		return err
	}
	p.conn = conn
	p.ch = ch
	p.log.Info(ctx, "rabbitmq connected", "exchange", p.exchange)
	return nil
}

func (p *AMQPPublisher) release() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Publish sends event as persistent JSON. A closed channel is replaced once before giving up.
func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    event.ID,
		Type:         event.Type,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.New("publisher closed")
	}
	redialed := false
	if p.ch == nil || p.ch.IsClosed() {
		if err := p.connect(ctx); err != nil {
			return err
		}
		redialed = true
	}

	err = p.publish(ctx, event.Type, msg)
	if errors.Is(err, amqp.ErrClosed) && !redialed {
		p.log.Warn(ctx, "rabbitmq channel closed, reconnecting", "exchange", p.exchange)
		if err := p.connect(ctx); err != nil {
			return err
		}
		err = p.publish(ctx, event.Type, msg)
	}
	return err
}

func (p *AMQPPublisher) publish(ctx context.Context, key string, msg amqp.Publishing) error {
	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return p.ch.PublishWithContext(publishCtx, p.exchange, key, false, false, msg)
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	p.ch, p.conn = nil, nil
	return errors.Join(errs...)
}
