package relay

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr"
)

// VerifySignature checks a Schnorr signature over the 32-byte event id.
// The x-only pubkey is lifted to its even-parity point (0x02 prefix)
// before verification. Malformed hex or wrong-length input is a plain
// verification failure, never a panic.
func VerifySignature(pubkey, id, sig string) bool {
	pkBytes, err := hex.DecodeString(pubkey)
	if err != nil || len(pkBytes) != 32 {
		return false
	}
	idBytes, err := hex.DecodeString(id)
	if err != nil || len(idBytes) != 32 {
		return false
	}
	sigBytes, err := hex.DecodeString(sig)
	if err != nil || len(sigBytes) != 64 {
		return false
	}

	pk, err := btcec.ParsePubKey(append([]byte{0x02}, pkBytes...))
	if err != nil {
		return false
	}
	signature, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	return signature.Verify(idBytes, pk)
}

// ValidateEvent checks an inbound event before it may be persisted. The
// id is recomputed from the canonical serialization rather than trusted,
// then the signature is verified over it. Returns ok and, when not ok, a
// machine-prefixed reason for the OK response.
func ValidateEvent(evt *nostr.Event) (bool, string) {
	if evt.GetID() != evt.ID {
		return false, "invalid: id does not match event content"
	}
	if !VerifySignature(evt.PubKey, evt.ID, evt.Sig) {
		return false, "invalid: bad signature"
	}
	return true, ""
}
