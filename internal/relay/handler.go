package relay

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nopub/internal/filter"
	"github.com/sandwichfarm/nopub/internal/storage"
)

const maxSubscriptionIDLen = 64

// handleEvent runs the publish path: size cap, validation, kind-aware
// persistence, OK response, then asynchronous fan-out. Nothing on this
// path is fatal to the connection.
func (s *Server) handleEvent(c *connection, evt *nostr.Event) {
	if s.cfg.Relay.MaxEventBytes > 0 {
		if serialized, err := json.Marshal(evt); err != nil || len(serialized) > s.cfg.Relay.MaxEventBytes {
			c.sendOK(evt.ID, false, "invalid: event exceeds maximum size")
			s.log.LogEventRejected(evt.ID, "too large")
			return
		}
	}

	if ok, reason := ValidateEvent(evt); !ok {
		c.sendOK(evt.ID, false, reason)
		s.log.LogEventRejected(evt.ID, reason)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, s.cfg.Relay.QueryTimeout())
	defer cancel()

	result, err := s.store.WriteEvent(ctx, evt)
	if err != nil {
		// Storage trouble is reported to this publisher and logged; the
		// connection stays open.
		s.log.Error("event write failed", "event_id", evt.ID, "error", err)
		c.sendOK(evt.ID, false, "error: could not store event")
		return
	}

	switch result.Status {
	case storage.StatusDuplicate:
		c.sendOK(evt.ID, false, result.Reason)
	case storage.StatusRejected:
		c.sendOK(evt.ID, false, result.Reason)
		s.log.LogEventRejected(evt.ID, result.Reason)
	case storage.StatusAccepted:
		c.sendOK(evt.ID, true, "")
		s.log.LogEventAccepted(evt.ID, evt.Kind, evt.PubKey)
		// The write is durably visible before the OK goes out; fan-out
		// is asynchronous relative to that acknowledgment.
		s.broadcaster.Publish(c.ctx, evt)
	}
}

// handleReq streams historical matches, marks the boundary with EOSE,
// then registers the subscription for live delivery.
func (s *Server) handleReq(c *connection, subscriptionID string, filters nostr.Filters) {
	if subscriptionID == "" || len(subscriptionID) > maxSubscriptionIDLen {
		c.sendClosed(subscriptionID, "invalid: bad subscription id")
		return
	}
	if len(filters) == 0 {
		c.sendClosed(subscriptionID, "invalid: no filters")
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, s.cfg.Relay.QueryTimeout())
	defer cancel()

	events, err := s.queryHistorical(ctx, filters)
	if err != nil {
		// A slow or failing store must not hang the connection: end the
		// stored-events phase and fall through to live matching.
		s.log.Warn("historical query failed",
			"subscription_id", subscriptionID, "error", err)
	}

	for _, evt := range events {
		if err := c.SendEvent(subscriptionID, evt); err != nil {
			return
		}
	}
	c.sendEOSE(subscriptionID)

	s.registry.Register(c, subscriptionID, filters)
}

// queryHistorical answers a filter sequence from the result cache or the
// store. Results are merged across filters, deduplicated by id and
// ordered newest first. Zero-row results are cached as explicit empties.
func (s *Server) queryHistorical(ctx context.Context, filters nostr.Filters) ([]*nostr.Event, error) {
	key := filter.CanonicalKey(filters)

	if cached, ok := s.cache.Get(ctx, key); ok {
		var events []*nostr.Event
		if err := json.Unmarshal(cached, &events); err == nil {
			s.log.LogCacheOperation("get", key, true)
			return events, nil
		}
	}
	s.log.LogCacheOperation("get", key, false)

	seen := make(map[string]struct{})
	var merged []*nostr.Event
	for _, f := range filters {
		events, err := s.store.QueryEvents(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, evt := range events {
			if _, dup := seen[evt.ID]; dup {
				continue
			}
			seen[evt.ID] = struct{}{}
			merged = append(merged, evt)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt > merged[j].CreatedAt
	})

	if payload, err := json.Marshal(merged); err == nil {
		s.cache.Put(ctx, key, payload, s.cfg.Cache.TTL())
		s.log.LogCacheOperation("put", key, false)
	}
	return merged, nil
}

// handleClose removes the subscription; closing an unknown id is a
// no-op.
func (s *Server) handleClose(c *connection, subscriptionID string) {
	s.registry.Remove(c, subscriptionID)
}
