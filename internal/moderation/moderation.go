// Package moderation decides which authors may persist events.
package moderation

import "github.com/sandwichfarm/nopub/internal/config"

// ListModerator answers allow/deny from static config lists. A banned
// pubkey always loses; when an allowlist is present only its members may
// publish; otherwise everyone may.
type ListModerator struct {
	enabled bool
	allowed map[string]struct{}
	banned  map[string]struct{}
}

// NewFromConfig builds a moderator from the moderation config section.
func NewFromConfig(cfg *config.Moderation) *ListModerator {
	m := &ListModerator{
		enabled: cfg.Enabled,
		allowed: make(map[string]struct{}, len(cfg.AllowedPubkeys)),
		banned:  make(map[string]struct{}, len(cfg.BannedPubkeys)),
	}
	for _, pk := range cfg.AllowedPubkeys {
		m.allowed[pk] = struct{}{}
	}
	for _, pk := range cfg.BannedPubkeys {
		m.banned[pk] = struct{}{}
	}
	return m
}

// IsAuthorAllowed reports whether the pubkey may persist events.
func (m *ListModerator) IsAuthorAllowed(pubkey string) bool {
	if !m.enabled {
		return true
	}
	if _, banned := m.banned[pubkey]; banned {
		return false
	}
	if len(m.allowed) > 0 {
		_, ok := m.allowed[pubkey]
		return ok
	}
	return true
}
