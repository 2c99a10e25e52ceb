package zcap

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openvcx/exchanger/pkg/didkey"
	"github.com/openvcx/exchanger/pkg/errors"
)

// Invocation is a verified capability invocation: who invoked, with which
// capability, for which action.
type Invocation struct {
	Invoker    string
	Capability string
	Action     string
}

// VerifyInvocation checks the Authorization header of an incoming request
// for a capability invocation signed by one of the expected controllers.
// body is the raw request body the digest claim covers (nil for GETs).
func VerifyInvocation(r *http.Request, body []byte, controllers ...string) (*Invocation, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, errors.NewNotAllowedError("missing capability invocation", nil)
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, InvocationScheme) {
		return nil, errors.NewNotAllowedError("unsupported authorization scheme", nil)
	}

	var claims invocationClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, keyFromKID,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, errors.NewNotAllowedError("invalid capability invocation signature", err)
	}

	if len(body) > 0 {
		digest := sha256.Sum256(body)
		if claims.BodyDigest != base64.RawURLEncoding.EncodeToString(digest[:]) {
			return nil, errors.NewNotAllowedError("invocation digest does not match request body", nil)
		}
	}

	invoker := claims.Issuer
	if len(controllers) > 0 && !controllerMatches(invoker, controllers) {
		// Do not reveal whether the resource exists.
		return nil, errors.NewNotAllowedError("capability invocation not authorized", nil)
	}

	return &Invocation{
		Invoker:    invoker,
		Capability: claims.Capability,
		Action:     claims.Action,
	}, nil
}

func controllerMatches(invoker string, controllers []string) bool {
	for _, c := range controllers {
		if c != "" && didkey.Controller(c) == didkey.Controller(invoker) {
			return true
		}
	}
	return false
}

// keyFromKID resolves the signing key from the token's kid header, which
// must be a did:key verification method. The issuer claim must control the
// key.
func keyFromKID(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("invocation is missing a kid header")
	}
	key, err := didkey.Ed25519(kid)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*invocationClaims)
	if !ok || didkey.Controller(claims.Issuer) != didkey.Controller(kid) {
		return nil, fmt.Errorf("invocation issuer does not control the signing key")
	}
	return ed25519.PublicKey(key), nil
}
