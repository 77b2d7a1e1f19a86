package relay

import (
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
)

// Sender is the connection-side handle a subscription delivers through.
type Sender interface {
	SendEvent(subscriptionID string, evt *nostr.Event) error
}

// Entry is one (connection, subscription, filters) triple from a
// registry snapshot.
type Entry struct {
	Conn           Sender
	SubscriptionID string
	Filters        nostr.Filters
}

// Registry tracks the live subscriptions of every connection. It is the
// single shared-mutable structure in the relay; all access goes through
// its synchronized methods.
type Registry struct {
	conns *xsync.MapOf[Sender, *xsync.MapOf[string, nostr.Filters]]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: xsync.NewMapOf[Sender, *xsync.MapOf[string, nostr.Filters]](),
	}
}

// Register adds a subscription. Registering an id that already exists
// for the same connection replaces its filter set (re-subscribe).
func (r *Registry) Register(conn Sender, subscriptionID string, filters nostr.Filters) {
	subs, _ := r.conns.LoadOrCompute(conn, func() *xsync.MapOf[string, nostr.Filters] {
		return xsync.NewMapOf[string, nostr.Filters]()
	})
	subs.Store(subscriptionID, filters)
}

// Remove drops one subscription of a connection.
func (r *Registry) Remove(conn Sender, subscriptionID string) {
	if subs, ok := r.conns.Load(conn); ok {
		subs.Delete(subscriptionID)
		if subs.Size() == 0 {
			r.conns.Delete(conn)
		}
	}
}

// RemoveAll drops every subscription of a connection (disconnect path).
func (r *Registry) RemoveAll(conn Sender) {
	r.conns.Delete(conn)
}

// Snapshot returns a point-in-time copy of all live subscriptions, so
// broadcast iteration never observes a half-mutated registry and never
// holds writers up beyond the copy itself.
func (r *Registry) Snapshot() []Entry {
	entries := make([]Entry, 0, r.conns.Size())
	r.conns.Range(func(conn Sender, subs *xsync.MapOf[string, nostr.Filters]) bool {
		subs.Range(func(id string, filters nostr.Filters) bool {
			entries = append(entries, Entry{Conn: conn, SubscriptionID: id, Filters: filters})
			return true
		})
		return true
	})
	return entries
}

// Size returns the number of live subscriptions.
func (r *Registry) Size() int {
	total := 0
	r.conns.Range(func(_ Sender, subs *xsync.MapOf[string, nostr.Filters]) bool {
		total += subs.Size()
		return true
	})
	return total
}
