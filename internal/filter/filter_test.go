package filter

import (
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func ts(v int64) *nostr.Timestamp {
	t := nostr.Timestamp(v)
	return &t
}

func sampleEvent() *nostr.Event {
	return &nostr.Event{
		ID:        "abc123",
		PubKey:    "pubkey-a",
		CreatedAt: nostr.Timestamp(1000),
		Kind:      1,
		Tags: nostr.Tags{
			{"e", "ref-1"},
			{"p", "pubkey-b"},
			{"t", "Golang"},
		},
		Content: "Hello Nostr World",
	}
}

func TestMatches(t *testing.T) {
	evt := sampleEvent()

	tests := []struct {
		name   string
		filter nostr.Filter
		want   bool
	}{
		{name: "empty filter accepts everything", filter: nostr.Filter{}, want: true},
		{name: "id match", filter: nostr.Filter{IDs: []string{"abc123"}}, want: true},
		{name: "id mismatch", filter: nostr.Filter{IDs: []string{"other"}}, want: false},
		{name: "author match", filter: nostr.Filter{Authors: []string{"pubkey-a", "x"}}, want: true},
		{name: "author mismatch", filter: nostr.Filter{Authors: []string{"x"}}, want: false},
		{name: "kind match", filter: nostr.Filter{Kinds: []int{0, 1}}, want: true},
		{name: "kind mismatch", filter: nostr.Filter{Kinds: []int{0, 3}}, want: false},
		{name: "since exclusive below", filter: nostr.Filter{Since: ts(999)}, want: true},
		{name: "since exclusive equal", filter: nostr.Filter{Since: ts(1000)}, want: false},
		{name: "until exclusive above", filter: nostr.Filter{Until: ts(1001)}, want: true},
		{name: "until exclusive equal", filter: nostr.Filter{Until: ts(1000)}, want: false},
		{name: "window", filter: nostr.Filter{Since: ts(999), Until: ts(1001)}, want: true},
		{
			name:   "tag match",
			filter: nostr.Filter{Tags: nostr.TagMap{"e": {"ref-1"}}},
			want:   true,
		},
		{
			name:   "tag value mismatch",
			filter: nostr.Filter{Tags: nostr.TagMap{"e": {"ref-2"}}},
			want:   false,
		},
		{
			name:   "tag name mismatch",
			filter: nostr.Filter{Tags: nostr.TagMap{"d": {"ref-1"}}},
			want:   false,
		},
		{
			name: "tag union accepts on either name",
			filter: nostr.Filter{Tags: nostr.TagMap{
				"e": {"nope"},
				"p": {"pubkey-b"},
			}},
			want: true,
		},
		{name: "search in content", filter: nostr.Filter{Search: "hello"}, want: true},
		{name: "search case insensitive", filter: nostr.Filter{Search: "NOSTR"}, want: true},
		{name: "search in tag value", filter: nostr.Filter{Search: "golang"}, want: true},
		{name: "search miss", filter: nostr.Filter{Search: "bitcoin"}, want: false},
		{
			name: "all keys AND together",
			filter: nostr.Filter{
				Authors: []string{"pubkey-a"},
				Kinds:   []int{1},
				Search:  "zzz",
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.filter, evt); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchesAny(t *testing.T) {
	evt := sampleEvent()

	filters := nostr.Filters{
		{Kinds: []int{3}},
		{Authors: []string{"pubkey-a"}},
	}
	if !MatchesAny(filters, evt) {
		t.Error("expected second filter to accept the event")
	}

	filters = nostr.Filters{
		{Kinds: []int{3}},
		{Authors: []string{"someone-else"}},
	}
	if MatchesAny(filters, evt) {
		t.Error("expected no filter to accept the event")
	}
}

func TestEffectiveLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{name: "omitted falls back to default", limit: 0, want: 100},
		{name: "negative falls back to default", limit: -5, want: 100},
		{name: "small limit kept", limit: 10, want: 10},
		{name: "over ceiling clamped", limit: 500, want: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EffectiveLimit(nostr.Filter{Limit: tt.limit}); got != tt.want {
				t.Errorf("EffectiveLimit(%d) = %d, want %d", tt.limit, got, tt.want)
			}
		})
	}
}

func TestBuildQueryEmptyFilter(t *testing.T) {
	query, args := BuildQuery(nostr.Filter{})
	if strings.Contains(query, "WHERE") {
		t.Errorf("empty filter should be unconstrained, got %q", query)
	}
	if len(args) != 0 {
		t.Errorf("empty filter should bind no args, got %v", args)
	}
}

func TestBuildQueryTagClause(t *testing.T) {
	query, args := BuildQuery(nostr.Filter{Tags: nostr.TagMap{
		"e": {"a"},
		"p": {"b", "c"},
	}})
	if got := strings.Count(query, "t.name = ?"); got != 2 {
		t.Errorf("expected 2 tag name conditions, got %d in %q", got, query)
	}
	if !strings.Contains(query, ") OR (") {
		t.Errorf("tag conditions should be ORed, got %q", query)
	}
	// name, values, name, values
	if len(args) != 4 {
		t.Errorf("expected 4 args, got %v", args)
	}
}

func TestCanonicalKey(t *testing.T) {
	f1 := nostr.Filters{{Authors: []string{"a"}, Kinds: []int{1}, Tags: nostr.TagMap{"p": {"x"}, "e": {"y"}}}}
	f2 := nostr.Filters{{Authors: []string{"a"}, Kinds: []int{1}, Tags: nostr.TagMap{"e": {"y"}, "p": {"x"}}}}

	// Identical requests must collide even when tag map order differs.
	for i := 0; i < 10; i++ {
		if CanonicalKey(f1) != CanonicalKey(f2) {
			t.Fatal("canonical keys differ for identical filters")
		}
	}

	f3 := nostr.Filters{{Authors: []string{"a"}, Kinds: []int{2}}}
	if CanonicalKey(f1) == CanonicalKey(f3) {
		t.Error("distinct filters share a canonical key")
	}

	// Filter order is part of the request identity.
	ordered := nostr.Filters{{Kinds: []int{1}}, {Kinds: []int{2}}}
	reversed := nostr.Filters{{Kinds: []int{2}}, {Kinds: []int{1}}}
	if CanonicalKey(ordered) == CanonicalKey(reversed) {
		t.Error("filter sequence order should affect the key")
	}
}
