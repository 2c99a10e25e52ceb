package vc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openvcx/exchanger/pkg/errors"
)

// CredentialClaims are the registered claims a VC-JWT carries alongside the
// vc claim.
type CredentialClaims struct {
	Issuer    string         `json:"iss,omitempty"`
	Subject   string         `json:"sub,omitempty"`
	JWTID     string         `json:"jti,omitempty"`
	NotBefore *int64         `json:"nbf,omitempty"`
	Expires   *int64         `json:"exp,omitempty"`
	IssuedAt  *int64         `json:"iat,omitempty"`
	VC        map[string]any `json:"vc"`
}

// PresentationClaims are the registered claims a VP-JWT carries alongside the
// vp claim.
type PresentationClaims struct {
	Issuer    string         `json:"iss,omitempty"`
	Audience  any            `json:"aud,omitempty"`
	Nonce     string         `json:"nonce,omitempty"`
	NotBefore *int64         `json:"nbf,omitempty"`
	Expires   *int64         `json:"exp,omitempty"`
	IssuedAt  *int64         `json:"iat,omitempty"`
	VP        map[string]any `json:"vp"`
}

func decodeJWTClaims(token string, out any) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return errors.NewDataError("JWT must have 3 parts", nil)
	}
	claims, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return errors.NewDataError("failed to decode JWT claims", err)
	}
	if err := json.Unmarshal(claims, out); err != nil {
		return errors.NewDataError("failed to parse JWT claims", err)
	}
	return nil
}

// epochDate renders a Unix timestamp the way VC date fields expect it,
// truncated to second precision.
func epochDate(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format("2006-01-02T15:04:05Z")
}

// DecodeCredentialJWT decodes a VC-JWT into its credential, injecting the
// registered claims into the credential fields they secure: iss into issuer,
// jti into id, sub into credentialSubject.id, nbf into
// issuanceDate/validFrom and exp into expirationDate/validUntil (v1 or v2
// field names chosen by the credential's context). The signature is not
// checked here; verification is the verifier service's concern.
func DecodeCredentialJWT(token string) (map[string]any, error) {
	var claims CredentialClaims
	if err := decodeJWTClaims(token, &claims); err != nil {
		return nil, err
	}
	if claims.VC == nil {
		return nil, errors.NewDataError("JWT is missing the vc claim", nil)
	}

	credential := claims.VC
	v2 := HasContext(credential["@context"], ContextV2URL)

	if claims.Issuer != "" {
		credential["issuer"] = injectIssuer(credential["issuer"], claims.Issuer)
	}
	if claims.JWTID != "" {
		credential["id"] = claims.JWTID
	}
	if claims.Subject != "" {
		subject, ok := credential["credentialSubject"].(map[string]any)
		if !ok {
			subject = map[string]any{}
		}
		subject["id"] = claims.Subject
		credential["credentialSubject"] = subject
	}
	if claims.NotBefore != nil {
		if v2 {
			credential["validFrom"] = epochDate(*claims.NotBefore)
		} else {
			credential["issuanceDate"] = epochDate(*claims.NotBefore)
		}
	}
	if claims.Expires != nil {
		if v2 {
			credential["validUntil"] = epochDate(*claims.Expires)
		} else {
			credential["expirationDate"] = epochDate(*claims.Expires)
		}
	}
	return credential, nil
}

func injectIssuer(existing any, iss string) any {
	if m, ok := existing.(map[string]any); ok {
		m["id"] = iss
		return m
	}
	return iss
}

// DecodePresentationJWT decodes a VP-JWT into its presentation plus the
// claims that bind it (holder from iss, challenge from nonce, domain from
// aud). Embedded VC-JWT strings inside vp.verifiableCredential are left
// as-is; see TransformEmbedded.
func DecodePresentationJWT(token string) (*Presentation, *PresentationClaims, error) {
	var claims PresentationClaims
	if err := decodeJWTClaims(token, &claims); err != nil {
		return nil, nil, err
	}
	if claims.VP == nil {
		return nil, nil, errors.NewDataError("JWT is missing the vp claim", nil)
	}

	raw, err := json.Marshal(claims.VP)
	if err != nil {
		return nil, nil, errors.NewDataError("failed to re-encode vp claim", err)
	}
	var presentation Presentation
	if err := json.Unmarshal(raw, &presentation); err != nil {
		return nil, nil, errors.NewDataError(
			fmt.Sprintf("vp claim is not a presentation: %v", err), err)
	}
	if presentation.Holder == nil && claims.Issuer != "" {
		presentation.Holder = claims.Issuer
	}
	return &presentation, &claims, nil
}

// IsJWT reports whether s looks like a compact JWS.
func IsJWT(s string) bool {
	return strings.Count(s, ".") == 2 && !strings.ContainsAny(s, " \t\n{")
}
