package relay

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nopub/internal/broker"
	"github.com/sandwichfarm/nopub/internal/filter"
	"github.com/sandwichfarm/nopub/internal/ops"
)

// Broadcaster fans accepted events out to live subscriptions. Writes
// publish onto the broker topic; one consumer loop per process drains
// the topic and pushes matches through the registry.
type Broadcaster struct {
	broker   broker.Broker
	topic    string
	registry *Registry
	log      *ops.Logger
}

// NewBroadcaster wires a broadcaster to its broker topic and registry.
func NewBroadcaster(b broker.Broker, topic string, registry *Registry, log *ops.Logger) *Broadcaster {
	return &Broadcaster{
		broker:   b,
		topic:    topic,
		registry: registry,
		log:      log.WithComponent("broadcast"),
	}
}

// Publish puts an accepted event on the broker channel. Broadcast is
// asynchronous relative to the publisher's OK response; a broker error
// is logged, not surfaced to the publisher.
func (b *Broadcaster) Publish(ctx context.Context, evt *nostr.Event) {
	if err := b.broker.Publish(ctx, b.topic, evt); err != nil {
		b.log.Error("failed to publish event to broker",
			"event_id", evt.ID, "error", err)
	}
}

// Run consumes the broker channel until the context ends, resubscribing
// whenever the stream closes underneath it.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		ch, err := b.broker.Subscribe(ctx, b.topic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("broker subscribe failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for evt := range ch {
			b.deliver(evt)
		}
		if ctx.Err() != nil {
			return
		}
		b.log.Warn("broker stream ended, resubscribing")
	}
}

// deliver pushes one event to every matching subscription. Each
// delivery is independent: a failed send deregisters that subscription
// and the rest still receive the event.
func (b *Broadcaster) deliver(evt *nostr.Event) {
	for _, entry := range b.registry.Snapshot() {
		if !filter.MatchesAny(entry.Filters, evt) {
			continue
		}
		if err := entry.Conn.SendEvent(entry.SubscriptionID, evt); err != nil {
			b.log.LogBroadcast(evt.ID, entry.SubscriptionID, err)
			b.registry.Remove(entry.Conn, entry.SubscriptionID)
			continue
		}
		b.log.LogBroadcast(evt.ID, entry.SubscriptionID, nil)
	}
}
