package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"relayd/pkg/observability"
)

// channel is the pub/sub topic every relayd instance shares.
const channel = "relayd:events"

// Redis is the multi-instance broker over a Redis pub/sub channel. When the
// subscription drops, reconnection is retried with capped exponential
// backoff; during the outage the hub keeps delivering locally and logs the
// degradation.
type Redis struct {
	client *redis.Client
	log    *observability.Logger
	policy *RetryPolicy

	mu       sync.RWMutex
	handlers []Handler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	metrics *observability.Metrics
}

// NewRedis connects to redisURL and starts the subscription loop.
func NewRedis(redisURL string, log *observability.Logger, metrics *observability.Metrics) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("broker: invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("broker: failed to connect to redis: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b := &Redis{
		client:  client,
		log:     log,
		policy:  NewRetryPolicy(DefaultRetryConfig()),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		metrics: metrics,
	}
	go b.subscribeLoop()
	return b, nil
}

// Publish implements Broker.
func (b *Redis) Publish(ctx context.Context, msg Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	if b.metrics != nil {
		b.metrics.BrokerPublishTotal.WithLabelValues("redis").Inc()
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		if b.metrics != nil {
			b.metrics.BrokerPublishErrors.WithLabelValues("redis").Inc()
		}
		return fmt.Errorf("broker: publish failed: %w", err)
	}
	return nil
}

// Subscribe implements Broker.
func (b *Redis) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Ping implements Broker.
func (b *Redis) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close implements Broker.
func (b *Redis) Close() error {
	b.cancel()
	<-b.done
	return b.client.Close()
}

// subscribeLoop holds the pub/sub subscription open, redispatching incoming
// messages to local subscribers and reconnecting with backoff when the
// connection drops.
func (b *Redis) subscribeLoop() {
	defer close(b.done)
	attempts := 0
	for {
		if b.ctx.Err() != nil {
			return
		}

		sub := b.client.Subscribe(b.ctx, channel)
		if _, err := sub.Receive(b.ctx); err != nil {
			sub.Close()
			attempts++
			if b.metrics != nil {
				b.metrics.BrokerReconnects.Inc()
			}
			delay := b.policy.NextDelay(attempts)
			if b.log != nil {
				b.log.WithError(err).WithField("retry_in", delay.String()).Warn("broker subscription lost; realtime events degrade to local-only delivery")
			}
			select {
			case <-time.After(delay):
				continue
			case <-b.ctx.Done():
				return
			}
		}
		attempts = 0

		ch := sub.Channel()
	recv:
		for {
			select {
			case m, ok := <-ch:
				if !ok {
					sub.Close()
					break recv
				}
				msg, err := DecodeMessage([]byte(m.Payload))
				if err != nil {
					if b.log != nil {
						b.log.WithError(err).Warn("broker received malformed message")
					}
					continue
				}
				b.dispatch(msg)
			case <-b.ctx.Done():
				sub.Close()
				return
			}
		}
	}
}

func (b *Redis) dispatch(msg Message) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}
