// Package didkey encodes and decodes did:key identifiers for the Ed25519
// keys the exchanger verifies DID proofs and capability invocations with.
package didkey

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/multiformats/go-multibase"

	"github.com/openvcx/exchanger/pkg/errors"
)

const didKeyPrefix = "did:key:"

// multicodec prefix for ed25519-pub
var ed25519Prefix = []byte{0xed, 0x01}

// FromEd25519 returns the did:key identifier for an Ed25519 public key.
func FromEd25519(key ed25519.PublicKey) (string, error) {
	encoded, err := multibase.Encode(multibase.Base58BTC, append(append([]byte{}, ed25519Prefix...), key...))
	if err != nil {
		return "", fmt.Errorf("failed to multibase-encode key: %w", err)
	}
	return didKeyPrefix + encoded, nil
}

// Ed25519 extracts the Ed25519 public key from a did:key identifier or a
// did:key verification method id (did:key:z6Mk...#z6Mk...).
func Ed25519(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didKeyPrefix) {
		return nil, errors.NewDataError(fmt.Sprintf("%q is not a did:key identifier", did), nil)
	}
	id := strings.TrimPrefix(did, didKeyPrefix)
	if i := strings.IndexByte(id, '#'); i >= 0 {
		id = id[:i]
	}

	_, decoded, err := multibase.Decode(id)
	if err != nil {
		return nil, errors.NewDataError("failed to decode did:key identifier", err)
	}
	if len(decoded) != len(ed25519Prefix)+ed25519.PublicKeySize ||
		decoded[0] != ed25519Prefix[0] || decoded[1] != ed25519Prefix[1] {
		return nil, errors.NewDataError("did:key identifier is not an ed25519-pub key", nil)
	}
	return ed25519.PublicKey(decoded[2:]), nil
}

// VerificationMethod returns the canonical verification method id for a
// did:key identifier (the key fragment repeats the method-specific id).
func VerificationMethod(did string) string {
	id := strings.TrimPrefix(did, didKeyPrefix)
	if i := strings.IndexByte(id, '#'); i >= 0 {
		id = id[:i]
	}
	return didKeyPrefix + id + "#" + id
}

// Controller returns the bare DID for a DID or verification method id.
func Controller(id string) string {
	if i := strings.IndexByte(id, '#'); i >= 0 {
		return id[:i]
	}
	return id
}
