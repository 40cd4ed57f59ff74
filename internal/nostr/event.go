package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostr-relaypool/internal/types"
)

var (
	ErrEventID        = errors.New("event id does not match content")
	ErrEventSignature = errors.New("event signature invalid")
)

// SerializeEvent returns the canonical NIP-01 serialization used for the event id:
// [0, pubkey, created_at, kind, tags, content]
func SerializeEvent(evt *types.Event) []byte {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a fixed-shape array of strings/ints cannot fail.
	_ = enc.Encode([]interface{}{0, evt.PubKey, evt.CreatedAt, evt.Kind, tags, evt.Content})
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// ComputeEventID returns the hex sha256 of the canonical serialization.
func ComputeEventID(evt *types.Event) string {
	sum := sha256.Sum256(SerializeEvent(evt))
	return hex.EncodeToString(sum[:])
}

// ValidateEventSignature verifies the Schnorr signature for a Nostr event
func ValidateEventSignature(evt *types.Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// VerifyEvent checks that the id is derived from the content and that the
// signature is valid for that id.
func VerifyEvent(evt *types.Event) error {
	if ComputeEventID(evt) != evt.ID {
		return ErrEventID
	}
	if !ValidateEventSignature(evt) {
		return ErrEventSignature
	}
	return nil
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
