package oid4vci

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openvcx/exchanger/pkg/didkey"
	"github.com/openvcx/exchanger/pkg/errors"
)

// ProofJWTType is the typ header value of an OID4VCI JWT DID proof.
const ProofJWTType = "openid4vci-proof+jwt"

// proofClaims carries the nonce binding alongside the registered claims.
type proofClaims struct {
	jwt.RegisteredClaims
	Nonce string `json:"nonce"`
}

// VerifyProof validates a JWT DID proof: EdDSA signature by the did:key in
// the header, audience equal to the credential issuer (the exchange URL), and
// nonce equal to the last issued c_nonce. Returns the proven DID.
func VerifyProof(proofJWT, audience, expectedNonce string, now func() time.Time) (string, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(now),
		jwt.WithAudience(audience),
	)

	var did string
	claims := &proofClaims{}
	_, err := parser.ParseWithClaims(proofJWT, claims, func(token *jwt.Token) (any, error) {
		if typ, ok := token.Header["typ"].(string); ok && typ != ProofJWTType {
			return nil, fmt.Errorf("unexpected proof typ %q", typ)
		}
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("proof is missing its kid header")
		}
		key, err := didkey.Ed25519(kid)
		if err != nil {
			return nil, err
		}
		did = didkey.Controller(kid)
		return key, nil
	})
	if err != nil {
		return "", errors.NewValidationError("invalid JWT DID proof", err)
	}
	if expectedNonce == "" || claims.Nonce != expectedNonce {
		return "", errors.NewValidationError("proof nonce does not match the issued c_nonce", nil)
	}
	return did, nil
}
