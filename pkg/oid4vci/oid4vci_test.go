package oid4vci

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvcx/exchanger/pkg/didkey"
	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/exchange"
	"github.com/openvcx/exchanger/pkg/issuer"
	"github.com/openvcx/exchanger/pkg/steps"
	"github.com/openvcx/exchanger/pkg/vc"
	"github.com/openvcx/exchanger/pkg/verifier"
	"github.com/openvcx/exchanger/pkg/workflow"
	"github.com/openvcx/exchanger/pkg/zcap"
)

type fixture struct {
	service *Service
	engine  *exchange.Engine
	config  *workflow.Config
	clock   *clockwork.FakeClock
}

func newFixture(t *testing.T, issuerURL string, arBuilder AuthorizationRequestBuilder) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	did, err := didkey.FromEd25519(pub)
	require.NoError(t, err)
	invoker := zcap.NewInvoker(priv, didkey.VerificationMethod(did), nil)

	clock := clockwork.NewFakeClock()
	engine := exchange.NewEngine(exchange.NewMemoryStore(clock), clock)
	runner := steps.NewRunner(engine, verifier.NewClient(invoker), issuer.NewClient(invoker))

	config := &workflow.Config{
		ID:         "https://exchanger.example/workflows/w1",
		Controller: "did:key:z6MkController",
		Zcaps:      map[string]*zcap.Capability{},
		CredentialTemplates: []workflow.CredentialTemplate{{
			ID:   "alumni",
			Type: "jsonata",
			Template: `{
				"@context": ["https://www.w3.org/2018/credentials/v1"],
				"type": ["VerifiableCredential", "AlumniCredential"],
				"id": variables.credentialId,
				"credentialSubject": {}
			}`,
		}},
	}
	if issuerURL != "" {
		config.Zcaps[zcap.RefIssue] = &zcap.Capability{
			ID: "urn:zcap:issue", InvocationTarget: issuerURL,
		}
	}
	return &fixture{
		service: NewService(engine, runner, arBuilder),
		engine:  engine,
		config:  config,
		clock:   clock,
	}
}

func (f *fixture) createExchange(t *testing.T, openID *exchange.OpenIDState, variables map[string]any) *exchange.Exchange {
	t.Helper()
	ex, err := f.engine.Create(context.Background(), f.config, exchange.CreateOptions{
		Variables: variables,
		OpenID:    openID,
	})
	require.NoError(t, err)
	return ex
}

func preAuthorizedState(pin string) *exchange.OpenIDState {
	return &exchange.OpenIDState{
		ExpectedCredentialRequests: []exchange.CredentialRequestDescriptor{{
			Format: "ldp_vc",
			CredentialDefinition: map[string]any{
				"type": []any{"VerifiableCredential", "AlumniCredential"},
			},
		}},
		OAuth2: &exchange.OAuth2State{
			GenerateKeyPair: &exchange.GenerateKeyPair{Algorithm: "Ed25519"},
		},
		PreAuthorizedCode: "code-123",
		UserPin:           pin,
	}
}

func signProof(t *testing.T, audience, nonce string, at time.Time) (string, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	did, err := didkey.FromEd25519(pub)
	require.NoError(t, err)

	claims := jwt.MapClaims{
		"aud":   audience,
		"nonce": nonce,
		"iat":   at.Unix(),
		"exp":   at.Add(5 * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = didkey.VerificationMethod(did)
	token.Header["typ"] = ProofJWTType
	signed, err := token.SignedString(priv)
	require.NoError(t, err)
	return signed, did
}

func TestBuildOfferPreAuthorized(t *testing.T) {
	t.Parallel()

	ex := &exchange.Exchange{ID: "ex-1", OpenID: preAuthorizedState("7777")}
	offer := BuildOffer("https://exchanger.example/workflows/w1/exchanges/ex-1", ex)
	assert.Equal(t, "https://exchanger.example/workflows/w1/exchanges/ex-1", offer.CredentialIssuer)
	require.Len(t, offer.Credentials, 1)
	assert.Equal(t, "ldp_vc", offer.Credentials[0]["format"])

	grant, ok := offer.Grants[PreAuthorizedGrantType].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "code-123", grant["pre-authorized_code"])
	assert.Equal(t, true, grant["user_pin_required"])

	offerURL, err := offer.URL()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(offerURL, OfferScheme+"?credential_offer="))

	parsed, err := url.ParseQuery(strings.TrimPrefix(offerURL, OfferScheme+"?"))
	require.NoError(t, err)
	var decoded Offer
	require.NoError(t, json.Unmarshal([]byte(parsed.Get("credential_offer")), &decoded))
	assert.Equal(t, offer.CredentialIssuer, decoded.CredentialIssuer)
}

func TestBuildOfferAuthorizationCode(t *testing.T) {
	t.Parallel()

	ex := &exchange.Exchange{ID: "ex-1", OpenID: &exchange.OpenIDState{}}
	offer := BuildOffer("https://exchanger.example/x", ex)
	_, ok := offer.Grants[AuthorizationCodeGrantType]
	assert.True(t, ok)
}

func TestOfferStore(t *testing.T) {
	t.Parallel()

	store := NewOfferStore(time.Minute)
	defer store.Close()

	offer := &Offer{CredentialIssuer: "https://exchanger.example/x"}
	id := store.Put(offer)
	got, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, offer.CredentialIssuer, got.CredentialIssuer)

	_, err = store.Get("unknown")
	assert.True(t, errors.IsNotFound(err))
}

func TestToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "", nil)
	ex := f.createExchange(t, preAuthorizedState("7777"), nil)

	response, err := f.service.Token(context.Background(), ex, &TokenRequest{
		GrantType:         PreAuthorizedGrantType,
		PreAuthorizedCode: "code-123",
		UserPin:           "7777",
	})
	require.NoError(t, err)
	assert.Equal(t, "bearer", response.TokenType)
	assert.NotEmpty(t, response.AccessToken)
	assert.NotEmpty(t, response.CNonce)
	assert.True(t, ex.OpenID.PreAuthorizedCodeUsed)
	assert.Len(t, ex.OpenID.AccessTokens, 1)

	require.NoError(t, f.service.VerifyAccessToken(ex, response.AccessToken))
}

func TestTokenRejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "", nil)
	ex := f.createExchange(t, preAuthorizedState("7777"), nil)

	_, err := f.service.Token(context.Background(), ex, &TokenRequest{
		GrantType: "client_credentials",
	})
	assert.Equal(t, ErrUnsupportedGrantType, AsProtocolError(err).Code)

	_, err = f.service.Token(context.Background(), ex, &TokenRequest{
		GrantType:         PreAuthorizedGrantType,
		PreAuthorizedCode: "wrong",
		UserPin:           "7777",
	})
	assert.Equal(t, ErrInvalidGrant, AsProtocolError(err).Code)

	_, err = f.service.Token(context.Background(), ex, &TokenRequest{
		GrantType:         PreAuthorizedGrantType,
		PreAuthorizedCode: "code-123",
		UserPin:           "0000",
	})
	assert.Equal(t, ErrInvalidGrant, AsProtocolError(err).Code)
}

func TestTokenSingleUse(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "", nil)
	ex := f.createExchange(t, preAuthorizedState(""), nil)

	request := &TokenRequest{
		GrantType:         PreAuthorizedGrantType,
		PreAuthorizedCode: "code-123",
	}
	_, err := f.service.Token(context.Background(), ex, request)
	require.NoError(t, err)

	_, err = f.service.Token(context.Background(), ex, request)
	require.Error(t, err)
	protocol := AsProtocolError(err)
	assert.Equal(t, ErrInvalidGrant, protocol.Code)
	assert.Equal(t, http.StatusForbidden, protocol.HTTPStatus())
	assert.True(t, errors.IsNotAllowed(err))
}

func TestVerifyAccessTokenForeignToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "", nil)
	first := f.createExchange(t, preAuthorizedState(""), nil)
	second := f.createExchange(t, preAuthorizedState(""), nil)

	response, err := f.service.Token(context.Background(), first, &TokenRequest{
		GrantType:         PreAuthorizedGrantType,
		PreAuthorizedCode: "code-123",
	})
	require.NoError(t, err)

	err = f.service.VerifyAccessToken(second, response.AccessToken)
	assert.True(t, errors.IsNotAllowed(err))
}

func TestNonce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "", nil)
	ex := f.createExchange(t, preAuthorizedState(""), nil)

	response, err := f.service.Nonce(context.Background(), ex)
	require.NoError(t, err)
	assert.NotEmpty(t, response.Nonce)
	assert.Equal(t, response.Nonce, ex.OpenID.Nonce)
	assert.Positive(t, response.NonceExpiresIn)
}

func TestCredentialFlow(t *testing.T) {
	t.Parallel()

	issuerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		credential := body["credential"].(map[string]any)
		credential["proof"] = map[string]any{"type": "eddsa-rdfc-2022"}
		_ = json.NewEncoder(w).Encode(map[string]any{"verifiableCredential": credential})
	}))
	defer issuerServer.Close()

	f := newFixture(t, issuerServer.URL, nil)
	ex := f.createExchange(t, preAuthorizedState(""),
		map[string]any{"credentialId": "urn:uuid:credential-1"})
	exchangeURL := "https://exchanger.example/workflows/w1/exchanges/" + ex.ID

	tokenResponse, err := f.service.Token(context.Background(), ex, &TokenRequest{
		GrantType:         PreAuthorizedGrantType,
		PreAuthorizedCode: "code-123",
	})
	require.NoError(t, err)

	proof, did := signProof(t, exchangeURL, tokenResponse.CNonce, f.clock.Now())
	response, err := f.service.Credential(context.Background(), f.config, ex, exchangeURL,
		&CredentialRequest{
			Format: "ldp_vc",
			Types:  []string{"VerifiableCredential", "AlumniCredential"},
			Proof:  &Proof{ProofType: "jwt", JWT: proof},
		})
	require.NoError(t, err)
	assert.Equal(t, "ldp_vc", response.Format)

	credential, ok := response.Credential.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "urn:uuid:credential-1", credential["id"])
	assert.Equal(t, did, vc.SubjectID(credential))

	assert.Equal(t, exchange.StateComplete, ex.State)
	result := ex.StepResult("")
	require.NotNil(t, result)
	assert.Equal(t, did, result["did"])
}

func TestCredentialReuseAfterComplete(t *testing.T) {
	t.Parallel()

	issuerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(map[string]any{"verifiableCredential": body["credential"]})
	}))
	defer issuerServer.Close()

	f := newFixture(t, issuerServer.URL, nil)
	ex := f.createExchange(t, preAuthorizedState(""),
		map[string]any{"credentialId": "urn:uuid:credential-1"})
	exchangeURL := "https://exchanger.example/workflows/w1/exchanges/" + ex.ID

	request := &CredentialRequest{Format: "ldp_vc", Types: []string{"VerifiableCredential", "AlumniCredential"}}
	_, err := f.service.Credential(context.Background(), f.config, ex, exchangeURL, request)
	require.NoError(t, err)
	require.Equal(t, exchange.StateComplete, ex.State)

	_, err = f.service.Credential(context.Background(), f.config, ex, exchangeURL, request)
	require.Error(t, err)
	assert.Equal(t, ErrDuplicate, AsProtocolError(err).Code)
}

func TestCredentialRequestValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "", nil)
	ex := f.createExchange(t, preAuthorizedState(""), nil)
	exchangeURL := "https://exchanger.example/x/" + ex.ID

	_, err := f.service.Credential(context.Background(), f.config, ex, exchangeURL,
		&CredentialRequest{})
	assert.Equal(t, ErrInvalidRequest, AsProtocolError(err).Code)

	_, err = f.service.Credential(context.Background(), f.config, ex, exchangeURL,
		&CredentialRequest{Format: "mso_mdoc"})
	assert.Equal(t, ErrUnsupportedCredential, AsProtocolError(err).Code)

	_, err = f.service.Credential(context.Background(), f.config, ex, exchangeURL,
		&CredentialRequest{Format: "ldp_vc", Types: []string{"SomethingElse"}})
	assert.Equal(t, ErrUnsupportedCredential, AsProtocolError(err).Code)
}

func TestCredentialMissingProof(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "", nil)
	f.config.Steps = map[string]*workflow.Step{
		"issue": {Descriptor: &workflow.StepDescriptor{
			JWTDIDProofRequest: map[string]any{"acceptedMethods": []any{map[string]any{"method": "key"}}},
			IssueRequests:      []workflow.IssueRequest{{CredentialTemplateID: "alumni"}},
		}},
	}
	f.config.InitialStep = "issue"
	ex := f.createExchange(t, preAuthorizedState(""), nil)
	exchangeURL := "https://exchanger.example/x/" + ex.ID

	_, err := f.service.Credential(context.Background(), f.config, ex, exchangeURL,
		&CredentialRequest{Format: "ldp_vc", Types: []string{"VerifiableCredential", "AlumniCredential"}})
	require.Error(t, err)
	protocol := AsProtocolError(err)
	assert.Equal(t, ErrInvalidOrMissingProof, protocol.Code)
	assert.NotEmpty(t, protocol.Extra["c_nonce"])
}

type stubARBuilder struct{ payload map[string]any }

func (b *stubARBuilder) BuildPayload(context.Context, *workflow.Config, *exchange.Exchange, *workflow.StepDescriptor, string) (map[string]any, error) {
	return b.payload, nil
}

func TestCredentialPresentationRequired(t *testing.T) {
	t.Parallel()

	builder := &stubARBuilder{payload: map[string]any{"client_id": "x", "nonce": "n"}}
	f := newFixture(t, "", builder)
	f.config.Steps = map[string]*workflow.Step{
		"didAuthn": {Descriptor: &workflow.StepDescriptor{
			VerifiablePresentationRequest: &vc.PresentationRequest{
				Query: []vc.Query{{Type: vc.QueryTypeDIDAuthentication}},
			},
			IssueRequests: []workflow.IssueRequest{{CredentialTemplateID: "alumni"}},
		}},
	}
	f.config.InitialStep = "didAuthn"
	ex := f.createExchange(t, preAuthorizedState(""), nil)
	exchangeURL := "https://exchanger.example/x/" + ex.ID

	_, err := f.service.Credential(context.Background(), f.config, ex, exchangeURL,
		&CredentialRequest{Format: "ldp_vc", Types: []string{"VerifiableCredential", "AlumniCredential"}})
	require.Error(t, err)
	protocol := AsProtocolError(err)
	assert.Equal(t, ErrPresentationRequired, protocol.Code)
	assert.Equal(t, builder.payload, protocol.Extra["authorization_request"])
}

func TestVerifyProofRejectsWrongNonce(t *testing.T) {
	t.Parallel()

	now := time.Now()
	proof, _ := signProof(t, "https://audience.example", "nonce-a", now)

	_, err := VerifyProof(proof, "https://audience.example", "nonce-b", func() time.Time { return now })
	assert.True(t, errors.IsValidation(err))

	did, err := VerifyProof(proof, "https://audience.example", "nonce-a", func() time.Time { return now })
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(did, "did:key:z6Mk"))
}

func TestBatchCredential(t *testing.T) {
	t.Parallel()

	issuerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(map[string]any{"verifiableCredential": body["credential"]})
	}))
	defer issuerServer.Close()

	f := newFixture(t, issuerServer.URL, nil)
	f.config.CredentialTemplates = append(f.config.CredentialTemplates, workflow.CredentialTemplate{
		ID:   "membership",
		Type: "jsonata",
		Template: `{
			"@context": ["https://www.w3.org/2018/credentials/v1"],
			"type": ["VerifiableCredential", "MembershipCredential"],
			"credentialSubject": {}
		}`,
	})
	openID := preAuthorizedState("")
	openID.ExpectedCredentialRequests = nil
	ex := f.createExchange(t, openID, map[string]any{"credentialId": "urn:uuid:c1"})
	exchangeURL := "https://exchanger.example/x/" + ex.ID

	responses, err := f.service.BatchCredential(context.Background(), f.config, ex, exchangeURL,
		[]*CredentialRequest{
			{Format: "ldp_vc", Types: []string{"VerifiableCredential", "AlumniCredential"}},
			{Format: "ldp_vc", Types: []string{"VerifiableCredential", "MembershipCredential"}},
		})
	require.NoError(t, err)
	require.Len(t, responses, 2)

	first, ok := responses[0].Credential.(map[string]any)
	require.True(t, ok)
	assert.True(t, vc.HasType(first["type"], "AlumniCredential"))
	second, ok := responses[1].Credential.(map[string]any)
	require.True(t, ok)
	assert.True(t, vc.HasType(second["type"], "MembershipCredential"))
	assert.Equal(t, exchange.StateComplete, ex.State)
}
