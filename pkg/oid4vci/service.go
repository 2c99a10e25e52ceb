package oid4vci

import (
	"context"

	"github.com/openvcx/exchanger/pkg/exchange"
	"github.com/openvcx/exchanger/pkg/steps"
	"github.com/openvcx/exchanger/pkg/workflow"
)

// AuthorizationRequestBuilder supplies the OID4VP authorization request
// payload embedded in presentation_required responses. Implemented by the
// OID4VP adapter.
type AuthorizationRequestBuilder interface {
	BuildPayload(ctx context.Context, config *workflow.Config, ex *exchange.Exchange, step *workflow.StepDescriptor, profile string) (map[string]any, error)
}

// Service implements the issuer-side OID4VCI endpoints for one deployment.
type Service struct {
	engine    *exchange.Engine
	runner    *steps.Runner
	arBuilder AuthorizationRequestBuilder
}

// NewService creates the OID4VCI service. arBuilder may be nil when OID4VP
// interplay is not configured; presentation-gated steps then fail plainly.
func NewService(engine *exchange.Engine, runner *steps.Runner, arBuilder AuthorizationRequestBuilder) *Service {
	return &Service{engine: engine, runner: runner, arBuilder: arBuilder}
}

// IssuerMetadata is the .well-known/openid-credential-issuer document.
type IssuerMetadata struct {
	CredentialIssuer        string           `json:"credential_issuer"`
	CredentialEndpoint      string           `json:"credential_endpoint"`
	BatchCredentialEndpoint string           `json:"batch_credential_endpoint"`
	TokenEndpoint           string           `json:"token_endpoint"`
	NonceEndpoint           string           `json:"nonce_endpoint,omitempty"`
	CredentialsSupported    []map[string]any `json:"credentials_supported,omitempty"`
}

// Metadata derives the issuer metadata for an exchange. Every endpoint is
// rooted at the exchange URL so tokens and nonces can never leak across
// exchanges.
func (s *Service) Metadata(exchangeURL string, ex *exchange.Exchange) *IssuerMetadata {
	metadata := &IssuerMetadata{
		CredentialIssuer:        exchangeURL,
		CredentialEndpoint:      exchangeURL + "/openid/credential",
		BatchCredentialEndpoint: exchangeURL + "/openid/batch_credential",
		TokenEndpoint:           exchangeURL + "/openid/token",
		NonceEndpoint:           exchangeURL + "/openid/nonce",
	}
	if ex.OpenID != nil {
		for _, expected := range ex.OpenID.ExpectedCredentialRequests {
			supported := map[string]any{}
			if expected.Format != "" {
				supported["format"] = expected.Format
			}
			if expected.CredentialDefinition != nil {
				supported["credential_definition"] = expected.CredentialDefinition
			}
			metadata.CredentialsSupported = append(metadata.CredentialsSupported, supported)
		}
	}
	return metadata
}
