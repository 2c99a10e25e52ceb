package vc

import (
	"crypto"
	"crypto/ed25519"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openvcx/exchanger/pkg/errors"
)

func methodFor(key crypto.Signer) (jwt.SigningMethod, error) {
	switch key.Public().(type) {
	case ed25519.PublicKey:
		return jwt.SigningMethodEdDSA, nil
	default:
		return jwt.SigningMethodES256, nil
	}
}

// SignCredentialJWT secures a credential as a VC-JWT with the given key,
// projecting the credential's identifying fields into the registered claims.
func SignCredentialJWT(credential map[string]any, issuer, kid string, key crypto.Signer) (string, error) {
	claims := jwt.MapClaims{"vc": credential}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if id, ok := credential["id"].(string); ok && id != "" {
		claims["jti"] = id
	}
	if sub := SubjectID(credential); sub != "" {
		claims["sub"] = sub
	}

	method, err := methodFor(key)
	if err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(signingKey(key))
	if err != nil {
		return "", errors.NewDataError("failed to sign VC-JWT", err)
	}
	return signed, nil
}

// SignPresentationJWT secures a presentation as a VP-JWT bound to the given
// challenge and domain.
func SignPresentationJWT(presentation map[string]any, holder, kid, challenge, domain string, key crypto.Signer) (string, error) {
	claims := jwt.MapClaims{"vp": presentation}
	if holder != "" {
		claims["iss"] = holder
	}
	if challenge != "" {
		claims["nonce"] = challenge
	}
	if domain != "" {
		claims["aud"] = domain
	}

	method, err := methodFor(key)
	if err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(signingKey(key))
	if err != nil {
		return "", errors.NewDataError("failed to sign VP-JWT", err)
	}
	return signed, nil
}

// signingKey unwraps ed25519 signers to the concrete private key type that
// golang-jwt expects.
func signingKey(key crypto.Signer) any {
	if k, ok := key.(ed25519.PrivateKey); ok {
		return k
	}
	return key
}
