package storage

import "github.com/nbd-wtf/go-nostr"

// Policy is the closed set of persistence behaviors an event kind can
// have. Mapping happens once here so a new kind category is a localized
// change.
type Policy int

const (
	// PolicyRegular inserts the event; a duplicate id is a no-op.
	PolicyRegular Policy = iota
	// PolicyReplaceable keeps at most one live event per (pubkey, kind).
	PolicyReplaceable
	// PolicyDeletion tombstones the events referenced by the directive's
	// "e" tags, then stores the directive itself.
	PolicyDeletion
)

// PolicyFor maps an event kind to its persistence policy.
func PolicyFor(kind int) Policy {
	switch kind {
	case 0, 3:
		return PolicyReplaceable
	case 5:
		return PolicyDeletion
	default:
		return PolicyRegular
	}
}

// DeletionTargets extracts the event ids a deletion directive points at.
func DeletionTargets(evt *nostr.Event) []string {
	var targets []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "e" && tag[1] != "" {
			targets = append(targets, tag[1])
		}
	}
	return targets
}
