package relay

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nopub/internal/broker"
	"github.com/sandwichfarm/nopub/internal/config"
	"github.com/sandwichfarm/nopub/internal/ops"
)

func testLogger() *ops.Logger {
	return ops.NewLoggerWithWriter(&config.Logging{Level: "error"}, io.Discard)
}

type chanSender struct {
	ch  chan *nostr.Event
	err error
}

func newChanSender() *chanSender {
	return &chanSender{ch: make(chan *nostr.Event, 16)}
}

func (s *chanSender) SendEvent(subscriptionID string, evt *nostr.Event) error {
	if s.err != nil {
		return s.err
	}
	s.ch <- evt
	return nil
}

func (s *chanSender) expectEvent(t *testing.T, id string) {
	t.Helper()
	select {
	case got := <-s.ch:
		if got.ID != id {
			t.Errorf("received %s, want %s", got.ID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", id)
	}
}

func (s *chanSender) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case got := <-s.ch:
		t.Errorf("unexpected delivery of %s", got.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeliverOnlyToMatchingSubscriptions(t *testing.T) {
	registry := NewRegistry()
	b := NewBroadcaster(broker.NewLocal(), "events", registry, testLogger())

	matching := newChanSender()
	other := newChanSender()
	registry.Register(matching, "sub-1", nostr.Filters{{Authors: []string{"pk-a"}}})
	registry.Register(other, "sub-1", nostr.Filters{{Kinds: []int{99}}})

	b.deliver(&nostr.Event{ID: "evt-1", PubKey: "pk-a", Kind: 1})

	matching.expectEvent(t, "evt-1")
	other.expectNothing(t)
}

func TestDeliverFailureIsolatesSubscription(t *testing.T) {
	registry := NewRegistry()
	b := NewBroadcaster(broker.NewLocal(), "events", registry, testLogger())

	healthy := newChanSender()
	broken := newChanSender()
	broken.err = errors.New("peer gone")
	registry.Register(broken, "sub-1", nostr.Filters{{}})
	registry.Register(healthy, "sub-1", nostr.Filters{{}})

	b.deliver(&nostr.Event{ID: "evt-1", Kind: 1})

	// The healthy subscription still receives the event and the failed
	// one is dropped from the registry.
	healthy.expectEvent(t, "evt-1")
	if got := registry.Size(); got != 1 {
		t.Errorf("Size() = %d after failed delivery, want 1", got)
	}
}

func TestBroadcastThroughBroker(t *testing.T) {
	registry := NewRegistry()
	bk := broker.NewLocal()
	defer bk.Close()
	b := NewBroadcaster(bk, "events", registry, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()

	sender := newChanSender()
	registry.Register(sender, "sub-1", nostr.Filters{{Kinds: []int{1}}})

	// Give the consumer a moment to attach to the topic.
	time.Sleep(20 * time.Millisecond)
	b.Publish(ctx, &nostr.Event{ID: "evt-live", Kind: 1})

	sender.expectEvent(t, "evt-live")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop on cancel")
	}
}
