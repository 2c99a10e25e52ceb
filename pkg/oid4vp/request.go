// Package oid4vp implements the verifier side of OpenID for Verifiable
// Presentations: authorization requests derived from a step's presentation
// request, and authorization responses mapped back onto the exchange.
package oid4vp

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/exchange"
	"github.com/openvcx/exchanger/pkg/steps"
	"github.com/openvcx/exchanger/pkg/vc"
	"github.com/openvcx/exchanger/pkg/workflow"
	"github.com/openvcx/exchanger/pkg/zcap"
)

// ResponseModeDirectPost is the default response mode.
const ResponseModeDirectPost = "direct_post"

// ResponseModeDirectPostJWT carries the response parameters inside a JWT.
const ResponseModeDirectPostJWT = "direct_post.jwt"

// SignRequestZcapRef is the profile zcap reference key naming the capability
// that signs authorization requests.
const SignRequestZcapRef = "signAuthorizationRequest"

// Service builds authorization requests and consumes authorization
// responses for exchanges.
type Service struct {
	engine  *exchange.Engine
	runner  *steps.Runner
	invoker *zcap.Invoker
}

// NewService creates the OID4VP service.
func NewService(engine *exchange.Engine, runner *steps.Runner, invoker *zcap.Invoker) *Service {
	return &Service{engine: engine, runner: runner, invoker: invoker}
}

// ResponseURI returns the authorization response endpoint for a profile. The
// empty profile maps to the legacy single-client path.
func ResponseURI(config *workflow.Config, ex *exchange.Exchange, profile string) string {
	base := config.ID + "/exchanges/" + ex.ID + "/openid"
	if profile == "" {
		return base + "/client/authorization/response"
	}
	return base + "/clients/" + profile + "/authorization/response"
}

// BuildPayload builds the authorization request payload for a step and
// client profile, binding in the exchange's challenge as the nonce and the
// response endpoint as response_uri.
func (s *Service) BuildPayload(ctx context.Context, config *workflow.Config, ex *exchange.Exchange, step *workflow.StepDescriptor, profile string) (map[string]any, error) {
	clientProfile := step.OpenID.Profile(profile)
	if clientProfile == nil {
		return nil, errors.NewNotFoundError(
			fmt.Sprintf("step has no OID4VP client profile %q", profile), nil)
	}
	if step.VerifiablePresentationRequest == nil {
		return nil, errors.NewDataError("step has no presentation request", nil)
	}

	vpr, updated, err := s.runner.BindPresentationRequest(ctx, config, ex, step)
	if err != nil {
		return nil, err
	}
	*ex = *updated

	responseURI := ResponseURI(config, ex, profile)
	clientID := clientProfile.ClientID
	if clientID == "" {
		clientID = responseURI
	}
	responseMode := clientProfile.ResponseMode
	if responseMode == "" {
		responseMode = ResponseModeDirectPost
	}

	payload := map[string]any{
		"client_id":               clientID,
		"response_type":           "vp_token",
		"response_mode":           responseMode,
		"response_uri":            responseURI,
		"nonce":                   vpr.Challenge,
		"presentation_definition": PresentationDefinition(vpr),
	}
	if clientProfile.ClientIDScheme != "" {
		payload["client_id_scheme"] = clientProfile.ClientIDScheme
	}
	if clientProfile.ClientMetadata != nil {
		payload["client_metadata"] = clientProfile.ClientMetadata
	}
	return payload, nil
}

// AuthorizationRequest is the served form of the request: the plain payload,
// or a signed JAR when the profile requires a signed request object.
type AuthorizationRequest struct {
	Payload map[string]any

	// JAR is the signed request object; empty when the profile does not
	// require one.
	JAR string
}

// AuthorizationRequest serves GET .../authorization/request. First retrieval
// activates a pending exchange and fixes the request payload on it; repeat
// retrievals serve the same payload.
func (s *Service) AuthorizationRequest(ctx context.Context, config *workflow.Config, ex *exchange.Exchange, profile string) (*AuthorizationRequest, error) {
	step, err := exchange.ResolveStep(config, ex, ex.Step, nil)
	if err != nil {
		return nil, err
	}
	if step.OpenID == nil {
		return nil, errors.NewDataError("step is not configured for OID4VP", nil)
	}

	payload := ex.AuthorizationRequest
	if payload == nil {
		built, err := s.BuildPayload(ctx, config, ex, step, profile)
		if err != nil {
			return nil, err
		}
		committed, err := s.engine.Commit(ctx, ex, func(e *exchange.Exchange) error {
			switch e.State {
			case exchange.StateComplete:
				return errors.NewDuplicateError("exchange has already been completed", nil)
			case exchange.StatePending:
				e.State = exchange.StateActive
			}
			if e.AuthorizationRequest == nil {
				e.AuthorizationRequest = built
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		*ex = *committed
		// A concurrent first retrieval may have fixed its payload first.
		payload = ex.AuthorizationRequest
	}

	request := &AuthorizationRequest{Payload: payload}
	if requiresSignedRequest(step.OpenID.Profile(profile)) {
		jar, err := s.signRequest(ctx, config, step.OpenID.Profile(profile), payload)
		if err != nil {
			return nil, err
		}
		request.JAR = jar
	}
	return request, nil
}

func requiresSignedRequest(profile *workflow.ClientProfile) bool {
	if profile == nil || profile.ClientMetadata == nil {
		return false
	}
	required, _ := profile.ClientMetadata["require_signed_request_object"].(bool)
	return required
}

// signRequest produces a JAR by invoking the delegated request-signing
// capability with the payload claims.
func (s *Service) signRequest(ctx context.Context, config *workflow.Config, profile *workflow.ClientProfile, payload map[string]any) (string, error) {
	refID := profile.ZcapReferenceIDs[SignRequestZcapRef]
	if refID == "" {
		refID = SignRequestZcapRef
	}
	capability := config.Zcaps[refID]
	if capability == nil {
		return "", errors.NewDataError(
			"no capability delegated for authorization request signing", nil)
	}

	body := map[string]any{
		"header": map[string]any{"typ": "oauth-authz-req+jwt"},
		"claims": payload,
	}
	var response struct {
		JWS string `json:"jws"`
	}
	if err := s.invoker.Invoke(ctx, capability, "sign", body, &response); err != nil {
		return "", err
	}
	if response.JWS == "" {
		return "", errors.NewDataError("signing service returned no JWS", nil)
	}
	return response.JWS, nil
}

// PresentationDefinition maps a presentation request onto a
// presentation_definition with one input descriptor per query element.
func PresentationDefinition(vpr *vc.PresentationRequest) map[string]any {
	var descriptors []any
	for _, query := range vpr.Query {
		switch query.Type {
		case vc.QueryTypeDIDAuthentication:
			descriptors = append(descriptors, didAuthnDescriptor(&query))
		case vc.QueryTypeQueryByExample:
			for i, example := range query.CredentialQuery {
				descriptors = append(descriptors, exampleDescriptor(i, example))
			}
		}
	}
	return map[string]any{
		"id":                uuid.NewString(),
		"input_descriptors": descriptors,
	}
}

func didAuthnDescriptor(query *vc.Query) map[string]any {
	suites := make([]string, 0, len(query.AcceptedCryptosuites))
	for _, suite := range query.AcceptedCryptosuites {
		suites = append(suites, suite.Cryptosuite)
	}
	if len(suites) == 0 {
		suites = vc.DefaultAcceptedCryptosuites
	}
	return map[string]any{
		"id": "didAuthentication",
		"format": map[string]any{
			"ldp_vp": map[string]any{"proof_type": suites},
		},
		"constraints": map[string]any{},
	}
}

// exampleDescriptor constrains on the example's credential types.
func exampleDescriptor(index int, entry any) map[string]any {
	descriptor := map[string]any{
		"id": fmt.Sprintf("credential-%d", index),
	}
	example, _ := entry.(map[string]any)
	if example != nil {
		if inner, ok := example["example"].(map[string]any); ok {
			example = inner
		}
	}
	var types []any
	if example != nil {
		switch t := example["type"].(type) {
		case string:
			types = []any{t}
		case []any:
			types = t
		}
	}
	constraints := map[string]any{}
	if len(types) > 0 {
		constraints["fields"] = []any{map[string]any{
			"path":   []any{"$.type"},
			"filter": map[string]any{"type": "array", "contains": map[string]any{"enum": types}},
		}}
	}
	descriptor["constraints"] = constraints
	return descriptor
}
