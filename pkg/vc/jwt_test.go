package vc

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signClaims(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	require.NoError(t, err)
	return signed
}

func TestDecodeCredentialJWTInjectsClaims(t *testing.T) {
	t.Parallel()

	nbf := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	exp := nbf.Add(24 * time.Hour)
	token := signClaims(t, jwt.MapClaims{
		"iss": "did:example:issuer",
		"jti": "urn:uuid:0b61b18a-96da-4553-b1bc-a95e09d5c27a",
		"sub": "did:example:subject",
		"nbf": nbf.Unix(),
		"exp": exp.Unix(),
		"vc": map[string]any{
			"@context": []any{ContextV1URL},
			"type":     []any{"VerifiableCredential", "UniversityDegreeCredential"},
			"credentialSubject": map[string]any{
				"degree": "Bachelor of Science and Arts",
			},
		},
	})

	credential, err := DecodeCredentialJWT(token)
	require.NoError(t, err)

	assert.Equal(t, "did:example:issuer", credential["issuer"])
	assert.Equal(t, "urn:uuid:0b61b18a-96da-4553-b1bc-a95e09d5c27a", credential["id"])
	assert.Equal(t, "did:example:subject", SubjectID(credential))
	assert.Equal(t, "2024-03-01T12:00:00Z", credential["issuanceDate"])
	assert.Equal(t, "2024-03-02T12:00:00Z", credential["expirationDate"])
	// v1 context, so no v2 field names appear
	assert.NotContains(t, credential, "validFrom")
	assert.NotContains(t, credential, "validUntil")
}

func TestDecodeCredentialJWTV2UsesValidFrom(t *testing.T) {
	t.Parallel()

	nbf := time.Date(2025, 1, 15, 8, 30, 59, 0, time.UTC)
	token := signClaims(t, jwt.MapClaims{
		"iss": "did:example:issuer",
		"nbf": nbf.Unix(),
		"vc": map[string]any{
			"@context": []any{ContextV2URL},
			"type":     []any{"VerifiableCredential"},
		},
	})

	credential, err := DecodeCredentialJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-15T08:30:59Z", credential["validFrom"])
	assert.NotContains(t, credential, "issuanceDate")
}

func TestDecodeCredentialJWTMissingVC(t *testing.T) {
	t.Parallel()

	token := signClaims(t, jwt.MapClaims{"iss": "did:example:issuer"})
	_, err := DecodeCredentialJWT(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vc claim")
}

func TestDecodePresentationJWT(t *testing.T) {
	t.Parallel()

	embedded := signClaims(t, jwt.MapClaims{
		"iss": "did:example:issuer",
		"vc":  map[string]any{"@context": []any{ContextV1URL}, "type": []any{"VerifiableCredential"}},
	})
	token := signClaims(t, jwt.MapClaims{
		"iss":   "did:key:z6MkholderHolderHolder",
		"aud":   "https://exchanger.example/response",
		"nonce": "abc123",
		"vp": map[string]any{
			"@context":             []any{ContextV1URL},
			"type":                 []any{"VerifiablePresentation"},
			"verifiableCredential": []any{embedded},
		},
	})

	presentation, claims, err := DecodePresentationJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "did:key:z6MkholderHolderHolder", presentation.HolderID())
	assert.Equal(t, "abc123", claims.Nonce)

	TransformEmbedded(presentation)
	require.Len(t, presentation.VerifiableCredential, 1)
	enveloped, ok := presentation.VerifiableCredential[0].(*EnvelopedCredential)
	require.True(t, ok)
	assert.Equal(t, EnvelopedCredentialType, enveloped.Type)
	assert.Equal(t, "data:application/jwt,"+embedded, enveloped.ID)
	assert.Equal(t, ContextV2URL, enveloped.Context)
}

func TestSignCredentialJWTRoundTrip(t *testing.T) {
	t.Parallel()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	credential := map[string]any{
		"@context": []any{ContextV1URL},
		"id":       "urn:uuid:5f9d2b41-c34b-4b73-8f6c-3c01a1e77b11",
		"type":     []any{"VerifiableCredential"},
		"issuer":   "did:example:issuer",
		"credentialSubject": map[string]any{
			"id": "did:example:ebfeb1f712ebc6f1c276e12ec21",
		},
	}
	token, err := SignCredentialJWT(credential, "did:example:issuer", "did:example:issuer#key-1", priv)
	require.NoError(t, err)

	decoded, err := DecodeCredentialJWT(token)
	require.NoError(t, err)
	assert.Equal(t, credential["id"], decoded["id"])
	assert.Equal(t, "did:example:ebfeb1f712ebc6f1c276e12ec21", SubjectID(decoded))
	assert.Equal(t, "did:example:issuer", IssuerID(decoded))
}

func TestUnwrapEnvelopedJWT(t *testing.T) {
	t.Parallel()

	jwtStr := "eyJh.eyJi.sig"
	env := EnvelopeCredentialJWT(jwtStr)
	got, ok := UnwrapEnvelopedJWT(env)
	assert.True(t, ok)
	assert.Equal(t, jwtStr, got)

	_, ok = UnwrapEnvelopedJWT(map[string]any{"type": "VerifiableCredential", "id": "urn:x"})
	assert.False(t, ok)
}

func TestIsJWT(t *testing.T) {
	t.Parallel()

	assert.True(t, IsJWT("aaa.bbb.ccc"))
	assert.False(t, IsJWT("{\"not\":\"a jwt\"}"))
	assert.False(t, IsJWT("aaa.bbb"))
}
