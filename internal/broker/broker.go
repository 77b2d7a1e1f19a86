// Package broker is the fan-out channel accepted events travel over.
// Every relay process publishes its accepted writes and consumes the
// channel to notify its own live subscriptions.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/redis/go-redis/v9"

	"github.com/sandwichfarm/nopub/internal/config"
)

// subscriberBuffer bounds the per-subscriber queue; a consumer that
// falls this far behind starts losing events rather than blocking
// publishers.
const subscriberBuffer = 256

// Broker publishes accepted events on a topic and hands out restartable
// event streams. A stream ends when its context is cancelled or the
// broker closes; consumers resubscribe to restart it.
type Broker interface {
	Publish(ctx context.Context, topic string, evt *nostr.Event) error
	Subscribe(ctx context.Context, topic string) (<-chan *nostr.Event, error)
	Close() error
}

// New builds the configured broker driver.
func New(cfg *config.Broker) (Broker, error) {
	switch cfg.Driver {
	case "local":
		return NewLocal(), nil
	case "redis":
		return NewRedis(cfg.RedisAddr), nil
	default:
		return nil, fmt.Errorf("unsupported broker driver: %s", cfg.Driver)
	}
}

// Local fans out within a single process. It exists for single-node
// deployments and tests; multi-process deployments use the redis driver.
type Local struct {
	mu     sync.Mutex
	subs   map[string][]chan *nostr.Event
	closed bool
}

// NewLocal creates an in-process broker.
func NewLocal() *Local {
	return &Local{subs: make(map[string][]chan *nostr.Event)}
}

// Publish delivers the event to every live subscriber of the topic.
// Slow subscribers drop events instead of blocking the publisher.
func (b *Local) Publish(_ context.Context, topic string, evt *nostr.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker is closed")
	}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

// Subscribe registers a consumer channel. The channel closes when the
// context is cancelled or the broker shuts down.
func (b *Local) Subscribe(ctx context.Context, topic string) (<-chan *nostr.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	ch := make(chan *nostr.Event, subscriberBuffer)
	b.subs[topic] = append(b.subs[topic], ch)

	go func() {
		<-ctx.Done()
		b.remove(topic, ch)
	}()

	return ch, nil
}

func (b *Local) remove(topic string, ch chan *nostr.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, sub := range subs {
		if sub == ch {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Close shuts down all subscriber channels.
func (b *Local) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, topic)
	}
	return nil
}

// Redis carries events across relay processes over redis pub/sub.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a redis-backed broker.
func NewRedis(addr string) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Publish serializes the event and publishes it on the topic channel.
func (b *Redis) Publish(ctx context.Context, topic string, evt *nostr.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe opens a redis subscription and decodes events off it until
// the context is cancelled.
func (b *Redis) Subscribe(ctx context.Context, topic string) (<-chan *nostr.Event, error) {
	pubsub := b.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	out := make(chan *nostr.Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var evt nostr.Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					continue
				}
				select {
				case out <- &evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the redis client; live subscriptions end with it.
func (b *Redis) Close() error {
	return b.client.Close()
}
