package relay

import (
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func signedEvent(t *testing.T) (*nostr.Event, string) {
	t.Helper()

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("GetPublicKey() error = %v", err)
	}

	evt := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Now(),
		Kind:      1,
		Tags:      nostr.Tags{{"t", "test"}},
		Content:   "hello",
	}
	if err := evt.Sign(sk); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return evt, sk
}

func TestValidateEvent(t *testing.T) {
	evt, _ := signedEvent(t)

	if ok, reason := ValidateEvent(evt); !ok {
		t.Fatalf("valid event rejected: %s", reason)
	}
}

func TestValidateEventRecomputesID(t *testing.T) {
	evt, _ := signedEvent(t)

	// Change the content without re-signing; the supplied id no longer
	// matches the canonical serialization.
	evt.Content = "tampered"
	ok, reason := ValidateEvent(evt)
	if ok {
		t.Fatal("tampered event accepted")
	}
	if !strings.Contains(reason, "id") {
		t.Errorf("reason = %q, want id mismatch", reason)
	}
}

func TestValidateEventBadSignature(t *testing.T) {
	evt, _ := signedEvent(t)
	other, _ := signedEvent(t)

	evt.Sig = other.Sig
	ok, reason := ValidateEvent(evt)
	if ok {
		t.Fatal("event with foreign signature accepted")
	}
	if !strings.Contains(reason, "signature") {
		t.Errorf("reason = %q, want signature failure", reason)
	}
}

func TestVerifySignatureMalformedInput(t *testing.T) {
	evt, _ := signedEvent(t)

	tests := []struct {
		name   string
		pubkey string
		id     string
		sig    string
	}{
		{name: "empty everything", pubkey: "", id: "", sig: ""},
		{name: "non-hex pubkey", pubkey: strings.Repeat("z", 64), id: evt.ID, sig: evt.Sig},
		{name: "short pubkey", pubkey: evt.PubKey[:32], id: evt.ID, sig: evt.Sig},
		{name: "short id", pubkey: evt.PubKey, id: evt.ID[:10], sig: evt.Sig},
		{name: "short sig", pubkey: evt.PubKey, id: evt.ID, sig: evt.Sig[:64]},
		{name: "non-hex sig", pubkey: evt.PubKey, id: evt.ID, sig: strings.Repeat("q", 128)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Must report failure, not panic.
			if VerifySignature(tt.pubkey, tt.id, tt.sig) {
				t.Error("malformed input verified")
			}
		})
	}
}
