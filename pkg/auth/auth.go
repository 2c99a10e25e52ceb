// Package auth authorizes API requests against a workflow configuration. A
// request may authenticate as the workflow controller (capability
// invocation) or as an OAuth2 client of the workflow's configured
// authorization server; each endpoint composes the subset it accepts.
package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/workflow"
	"github.com/openvcx/exchanger/pkg/zcap"
)

// Method names the mechanism a request authenticated with.
type Method string

const (
	MethodZcap   Method = "zcap"
	MethodOAuth2 Method = "oauth2"
)

// Principal is the authenticated caller.
type Principal struct {
	Method Method

	// Controller is the DID that signed a capability invocation.
	Controller string

	// Subject is the OAuth2 token subject.
	Subject string

	// Scopes granted to an OAuth2 token.
	Scopes []string
}

// Authorizer authorizes one request against a workflow.
type Authorizer interface {
	Authorize(r *http.Request, body []byte, config *workflow.Config) (*Principal, error)
}

// ZcapAuthorizer accepts capability invocations signed by the workflow
// controller.
type ZcapAuthorizer struct{}

// Authorize verifies the invocation header and binds it to the workflow
// controller.
func (ZcapAuthorizer) Authorize(r *http.Request, body []byte, config *workflow.Config) (*Principal, error) {
	invocation, err := zcap.VerifyInvocation(r, body, config.Controller)
	if err != nil {
		return nil, err
	}
	return &Principal{Method: MethodZcap, Controller: invocation.Invoker}, nil
}

// OAuth2Authorizer accepts bearer tokens issued by the workflow's configured
// authorization server. Providers are discovered once per issuer and cached.
type OAuth2Authorizer struct {
	mu        sync.Mutex
	providers map[string]*oidc.Provider
}

// NewOAuth2Authorizer creates an OAuth2 authorizer.
func NewOAuth2Authorizer() *OAuth2Authorizer {
	return &OAuth2Authorizer{providers: map[string]*oidc.Provider{}}
}

type scopeClaims struct {
	Scope string `json:"scope"`
}

// Authorize verifies a bearer token against the workflow's authorization
// server and checks that it grants one of the workflow's required scopes.
func (a *OAuth2Authorizer) Authorize(r *http.Request, _ []byte, config *workflow.Config) (*Principal, error) {
	if config.Authorization == nil || config.Authorization.OAuth2 == nil {
		return nil, errors.NewNotAllowedError("workflow does not accept OAuth2 authorization", nil)
	}
	token := bearerToken(r)
	if token == "" {
		return nil, errors.NewNotAllowedError("missing bearer token", nil)
	}

	oauth2Config := config.Authorization.OAuth2
	provider, err := a.provider(r.Context(), oauth2Config.IssuerConfigURL)
	if err != nil {
		return nil, err
	}
	verifier := provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	idToken, err := verifier.Verify(r.Context(), token)
	if err != nil {
		return nil, errors.NewNotAllowedError("invalid access token", err)
	}

	var claims scopeClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, errors.NewNotAllowedError("unreadable token claims", err)
	}
	scopes := strings.Fields(claims.Scope)
	if !scopeAllowed(scopes, oauth2Config.Scopes) {
		return nil, errors.NewNotAllowedError("token does not grant a required scope", nil)
	}

	return &Principal{
		Method:  MethodOAuth2,
		Subject: idToken.Subject,
		Scopes:  scopes,
	}, nil
}

func (a *OAuth2Authorizer) provider(ctx context.Context, issuerURL string) (*oidc.Provider, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if provider, ok := a.providers[issuerURL]; ok {
		return provider, nil
	}
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, errors.NewDataError("failed to discover authorization server", err)
	}
	a.providers[issuerURL] = provider
	return provider, nil
}

func scopeAllowed(granted, required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, want := range required {
		for _, got := range granted {
			if got == want {
				return true
			}
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return token
}

// BearerToken exposes the bearer token of a request for exchange-scoped
// OID4VCI token checks.
func BearerToken(r *http.Request) string {
	return bearerToken(r)
}

// Any tries each authorizer in order and returns the first success. When all
// fail, the first failure is returned.
type Any []Authorizer

// Authorize implements Authorizer.
func (a Any) Authorize(r *http.Request, body []byte, config *workflow.Config) (*Principal, error) {
	var firstErr error
	for _, authorizer := range a {
		principal, err := authorizer.Authorize(r, body, config)
		if err == nil {
			return principal, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = errors.NewNotAllowedError("request is not authorized", nil)
	}
	return nil, firstErr
}
