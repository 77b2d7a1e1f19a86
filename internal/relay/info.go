package relay

import (
	"encoding/json"
	"net/http"

	"github.com/sandwichfarm/nopub/internal/filter"
)

// InfoDocument is the NIP-11 relay information document served to HTTP
// clients that ask for application/nostr+json.
type InfoDocument struct {
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Pubkey        string     `json:"pubkey,omitempty"`
	Contact       string     `json:"contact,omitempty"`
	SupportedNIPs []int      `json:"supported_nips"`
	Software      string     `json:"software"`
	Version       string     `json:"version"`
	Limitation    Limitation `json:"limitation"`
}

// Limitation advertises the relay's hard limits.
type Limitation struct {
	MaxMessageLength int `json:"max_message_length"`
	MaxLimit         int `json:"max_limit"`
	MaxSubidLength   int `json:"max_subid_length"`
}

// Version is stamped by the build; cmd/nopub overrides it.
var Version = "dev"

func (s *Server) serveInfoDocument(w http.ResponseWriter) {
	doc := InfoDocument{
		Name:          s.cfg.Relay.Name,
		Description:   s.cfg.Relay.Description,
		Pubkey:        s.cfg.Relay.Pubkey,
		Contact:       s.cfg.Relay.Contact,
		SupportedNIPs: []int{1, 2, 9, 11, 50},
		Software:      "https://github.com/sandwichfarm/nopub",
		Version:       Version,
		Limitation: Limitation{
			MaxMessageLength: s.cfg.Relay.MaxEventBytes,
			MaxLimit:         filter.MaxLimit,
			MaxSubidLength:   maxSubscriptionIDLen,
		},
	}

	w.Header().Set("Content-Type", "application/nostr+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(doc)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.diag.Snapshot(r.Context()))
}
