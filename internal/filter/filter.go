// Package filter compiles Nostr subscription filters into two equivalent
// forms: a SQL predicate executed against the event store and an in-memory
// predicate applied to freshly published events during broadcast. Both
// evaluations must agree on every event.
package filter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

const (
	// DefaultLimit applies when a filter omits its limit or asks for zero.
	DefaultLimit = 100
	// MaxLimit is the server-enforced ceiling regardless of what the
	// client requests.
	MaxLimit = 100
)

// EffectiveLimit clamps a filter's requested limit into [1, MaxLimit].
func EffectiveLimit(f nostr.Filter) int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	if f.Limit > MaxLimit {
		return MaxLimit
	}
	return f.Limit
}

// BuildQuery translates a filter into a SQL WHERE clause over the events
// and event_tags tables. Placeholders use `?` with slice arguments meant
// to be expanded by sqlx.In. An empty filter yields an unconstrained
// query. The caller appends ordering and the effective limit.
func BuildQuery(f nostr.Filter) (string, []any) {
	var conds []string
	var args []any

	if len(f.IDs) > 0 {
		conds = append(conds, "id IN (?)")
		args = append(args, f.IDs)
	}
	if len(f.Authors) > 0 {
		conds = append(conds, "pubkey IN (?)")
		args = append(args, f.Authors)
	}
	if len(f.Kinds) > 0 {
		conds = append(conds, "kind IN (?)")
		args = append(args, f.Kinds)
	}
	if f.Since != nil {
		conds = append(conds, "created_at > ?")
		args = append(args, int64(*f.Since))
	}
	if f.Until != nil {
		conds = append(conds, "created_at < ?")
		args = append(args, int64(*f.Until))
	}

	if len(f.Tags) > 0 {
		// All #x entries fold into one tag-existence clause so that a
		// match on any of the requested tag names accepts the event.
		var tagConds []string
		for _, name := range sortedTagNames(f.Tags) {
			values := f.Tags[name]
			if len(values) == 0 {
				continue
			}
			tagConds = append(tagConds, "(t.name = ? AND t.value IN (?))")
			args = append(args, name, values)
		}
		if len(tagConds) > 0 {
			conds = append(conds, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM event_tags t WHERE t.event_id = events.id AND (%s))",
				strings.Join(tagConds, " OR ")))
		}
	}

	if f.Search != "" {
		// instr over lower() sidesteps LIKE wildcard escaping. SQLite's
		// lower() folds ASCII only, so the bound needle is folded the
		// same way (see asciiLower).
		conds = append(conds,
			"(instr(lower(content), ?) > 0 OR EXISTS "+
				"(SELECT 1 FROM event_tags t WHERE t.event_id = events.id AND instr(lower(t.value), ?) > 0))")
		needle := asciiLower(f.Search)
		args = append(args, needle, needle)
	}

	if len(conds) == 0 {
		return "SELECT id, pubkey, created_at, kind, tags, content, sig FROM events", args
	}
	return "SELECT id, pubkey, created_at, kind, tags, content, sig FROM events WHERE " +
		strings.Join(conds, " AND "), args
}

// Matches is the in-memory predicate equivalent to BuildQuery. Keys are
// ANDed; the first failing key rejects. A filter with no keys accepts
// every event.
func Matches(f nostr.Filter, evt *nostr.Event) bool {
	if evt == nil {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, evt.Kind) {
		return false
	}
	if f.Since != nil && evt.CreatedAt <= *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt >= *f.Until {
		return false
	}
	if len(f.Tags) > 0 && !matchesTags(f.Tags, evt.Tags) {
		return false
	}
	if f.Search != "" && !matchesSearch(f.Search, evt) {
		return false
	}
	return true
}

// MatchesAny reports whether at least one filter in the sequence accepts
// the event (OR across filters).
func MatchesAny(filters nostr.Filters, evt *nostr.Event) bool {
	for _, f := range filters {
		if Matches(f, evt) {
			return true
		}
	}
	return false
}

func matchesTags(tags nostr.TagMap, evtTags nostr.Tags) bool {
	// Union semantics: one matching entry under any requested tag name
	// accepts, mirroring the single ORed existence clause in the query.
	for name, values := range tags {
		if len(values) == 0 {
			continue
		}
		for _, tag := range evtTags {
			if len(tag) < 2 || tag[0] != name {
				continue
			}
			if containsString(values, tag[1]) {
				return true
			}
		}
	}
	return false
}

func matchesSearch(search string, evt *nostr.Event) bool {
	needle := asciiLower(search)
	if strings.Contains(asciiLower(evt.Content), needle) {
		return true
	}
	for _, tag := range evt.Tags {
		// Only the value position participates, the same set of strings
		// the event_tags table indexes.
		if len(tag) < 2 {
			continue
		}
		if strings.Contains(asciiLower(tag[1]), needle) {
			return true
		}
	}
	return false
}

// asciiLower folds A-Z only, matching SQLite's lower() so that the live
// predicate and the query predicate agree on case-insensitive search.
func asciiLower(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}

// CanonicalKey serializes a raw filter sequence deterministically so that
// identical subscribe requests produce identical cache keys, regardless
// of which connection issued them. Tag names are sorted; everything else
// keeps its received order.
func CanonicalKey(filters nostr.Filters) string {
	var b strings.Builder
	for i, f := range filters {
		if i > 0 {
			b.WriteByte('|')
		}
		writeCanonicalFilter(&b, f)
	}
	return b.String()
}

func writeCanonicalFilter(b *strings.Builder, f nostr.Filter) {
	b.WriteByte('{')
	writeStringList(b, "ids", f.IDs)
	writeStringList(b, "authors", f.Authors)
	if len(f.Kinds) > 0 {
		b.WriteString("kinds=")
		for i, k := range f.Kinds {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Itoa(k))
		}
		b.WriteByte(';')
	}
	for _, name := range sortedTagNames(f.Tags) {
		writeStringList(b, "#"+name, f.Tags[name])
	}
	if f.Since != nil {
		b.WriteString("since=")
		b.WriteString(strconv.FormatInt(int64(*f.Since), 10))
		b.WriteByte(';')
	}
	if f.Until != nil {
		b.WriteString("until=")
		b.WriteString(strconv.FormatInt(int64(*f.Until), 10))
		b.WriteByte(';')
	}
	if f.Limit != 0 {
		b.WriteString("limit=")
		b.WriteString(strconv.Itoa(f.Limit))
		b.WriteByte(';')
	}
	if f.Search != "" {
		b.WriteString("search=")
		b.WriteString(strconv.Quote(f.Search))
		b.WriteByte(';')
	}
	b.WriteByte('}')
}

func writeStringList(b *strings.Builder, key string, values []string) {
	if len(values) == 0 {
		return
	}
	b.WriteString(key)
	b.WriteByte('=')
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(v))
	}
	b.WriteByte(';')
}

func sortedTagNames(tags nostr.TagMap) []string {
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, n := range haystack {
		if n == needle {
			return true
		}
	}
	return false
}
