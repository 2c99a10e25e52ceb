package verifier

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvcx/exchanger/pkg/didkey"
	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/vc"
	"github.com/openvcx/exchanger/pkg/workflow"
	"github.com/openvcx/exchanger/pkg/zcap"
)

func newTestInvoker(t *testing.T) *zcap.Invoker {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	did, err := didkey.FromEd25519(pub)
	require.NoError(t, err)
	return zcap.NewInvoker(priv, didkey.VerificationMethod(did), nil)
}

func capabilityFor(target string) *zcap.Capability {
	return &zcap.Capability{
		ID:               "urn:zcap:test",
		Controller:       "did:key:z6MkController",
		InvocationTarget: target,
		AllowedAction:    []string{"write"},
	}
}

func protectedPresentation() *vc.Presentation {
	return &vc.Presentation{
		Context: []any{vc.ContextV1URL},
		Type:    []any{"VerifiablePresentation"},
		Holder:  "did:key:z6MkHolder",
		VerifiableCredential: []any{map[string]any{
			"@context":          []any{vc.ContextV1URL},
			"type":              []any{"VerifiableCredential", "AlumniCredential"},
			"issuer":            "did:key:z6MkIssuer",
			"credentialSubject": map[string]any{"id": "did:key:z6MkHolder"},
		}},
		Proof: map[string]any{
			"type":      "Ed25519Signature2020",
			"challenge": "z1Achallenge",
		},
	}
}

func TestCreateChallenge(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.Header.Get("Authorization"), zcap.InvocationScheme+" ")
		_ = json.NewEncoder(w).Encode(map[string]any{"challenge": "z1Achallenge"})
	}))
	defer server.Close()

	client := NewClient(newTestInvoker(t))
	challenge, err := client.CreateChallenge(context.Background(), capabilityFor(server.URL))
	require.NoError(t, err)
	assert.Equal(t, "z1Achallenge", challenge)
}

func TestCreateChallengeEmptyResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer server.Close()

	client := NewClient(newTestInvoker(t))
	_, err := client.CreateChallenge(context.Background(), capabilityFor(server.URL))
	assert.True(t, errors.IsData(err))
}

func TestVerifyPresentation(t *testing.T) {
	t.Parallel()

	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"verified":          true,
			"credentialResults": []any{map[string]any{"verified": true}},
		})
	}))
	defer server.Close()

	client := NewClient(newTestInvoker(t))
	result, err := client.VerifyPresentation(context.Background(),
		capabilityFor(server.URL), protectedPresentation(), Options{
			Challenge: "z1Achallenge",
			Domain:    "https://exchanger.example",
		})
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Len(t, result.CredentialResults, 1)

	options, ok := received["options"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "z1Achallenge", options["challenge"])
	assert.Equal(t, "https://exchanger.example", options["domain"])
	assert.Contains(t, received, "verifiablePresentation")
}

func TestVerifyPresentationFailedVerdict(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"verified": false,
			"error":    map[string]any{"message": "proof verification failed"},
			"credentialResults": []any{
				map[string]any{"verified": false},
			},
		})
	}))
	defer server.Close()

	client := NewClient(newTestInvoker(t))
	_, err := client.VerifyPresentation(context.Background(),
		capabilityFor(server.URL), protectedPresentation(), Options{Challenge: "c"})
	require.Error(t, err)
	assert.True(t, errors.IsVerification(err))
	assert.Contains(t, err.Error(), "proof verification failed")

	typed, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, false, typed.Details["verified"])
	assert.Len(t, typed.Details["credentialResults"], 1)
}

func TestVerifyUnprotectedPresentation(t *testing.T) {
	t.Parallel()

	unprotected := protectedPresentation()
	unprotected.Proof = nil

	// The verifier service must not be reached for either outcome.
	capability := capabilityFor("http://127.0.0.1:1/never")
	client := NewClient(newTestInvoker(t))

	_, err := client.VerifyPresentation(context.Background(), capability, unprotected, Options{})
	assert.True(t, errors.IsData(err))

	result, err := client.VerifyPresentation(context.Background(), capability, unprotected,
		Options{AllowUnprotectedPresentation: true})
	require.NoError(t, err)
	assert.True(t, result.Verified)
}

func TestVerifyPresentationSchema(t *testing.T) {
	t.Parallel()

	schema := &workflow.PresentationSchema{
		Type: "JsonSchema",
		JSONSchema: map[string]any{
			"type":     "object",
			"required": []any{"verifiableCredential"},
			"properties": map[string]any{
				"verifiableCredential": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type":     "object",
						"required": []any{"issuer"},
					},
				},
			},
		},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"verified": true})
	}))
	defer server.Close()

	client := NewClient(newTestInvoker(t))
	_, err := client.VerifyPresentation(context.Background(),
		capabilityFor(server.URL), protectedPresentation(), Options{
			Challenge:          "c",
			PresentationSchema: schema,
		})
	require.NoError(t, err)

	// A presentation with no credentials fails the schema before any
	// invocation happens.
	empty := protectedPresentation()
	empty.VerifiableCredential = nil
	_, err = client.VerifyPresentation(context.Background(),
		capabilityFor("http://127.0.0.1:1/never"), empty, Options{
			PresentationSchema: schema,
		})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	typed, ok := errors.As(err)
	require.True(t, ok)
	assert.NotEmpty(t, typed.Details["errors"])
}

func TestSchemaSeesDecodedEnvelopedCredentials(t *testing.T) {
	t.Parallel()

	presentation := protectedPresentation()
	presentation.VerifiableCredential = []any{map[string]any{
		"@context": vc.ContextV2URL,
		"id":       "data:application/jwt,not-a-real-jwt",
		"type":     vc.EnvelopedCredentialType,
	}}

	client := NewClient(newTestInvoker(t))
	_, err := client.VerifyPresentation(context.Background(),
		capabilityFor("http://127.0.0.1:1/never"), presentation, Options{
			PresentationSchema: &workflow.PresentationSchema{
				Type:       "JsonSchema",
				JSONSchema: map[string]any{"type": "object"},
			},
		})
	// Decoding the bogus envelope fails before the target is contacted.
	require.Error(t, err)
	assert.True(t, errors.IsData(err))
}
