package oid4vci

import (
	"context"
	"fmt"
	"net/http"

	"github.com/openvcx/exchanger/pkg/exchange"
	"github.com/openvcx/exchanger/pkg/steps"
	"github.com/openvcx/exchanger/pkg/vc"
	"github.com/openvcx/exchanger/pkg/workflow"
)

// Credential formats the credential endpoints accept.
var supportedFormats = map[string]bool{
	"ldp_vc":         true,
	"jwt_vc_json":    true,
	"jwt_vc_json-ld": true,
}

// CredentialRequest is one entry of a credential or batch_credential call.
type CredentialRequest struct {
	Format               string         `json:"format"`
	CredentialDefinition map[string]any `json:"credential_definition,omitempty"`

	// Types is the draft-20 alias for credential_definition.type.
	Types []string `json:"types,omitempty"`

	Proof *Proof `json:"proof,omitempty"`
}

// Proof carries a JWT DID proof.
type Proof struct {
	ProofType string `json:"proof_type"`
	JWT       string `json:"jwt"`
}

// CredentialResponse is one issued credential: an object for ldp_vc, a
// compact JWT string for the jwt_vc formats.
type CredentialResponse struct {
	Format     string `json:"format"`
	Credential any    `json:"credential"`
}

// normalize folds the draft-20 types alias into credential_definition.
func (r *CredentialRequest) normalize() {
	if len(r.Types) > 0 && r.CredentialDefinition == nil {
		r.CredentialDefinition = map[string]any{"type": r.Types}
	}
	r.Types = nil
}

// Credential serves POST /credential: verifies the proof and any
// presentation gate, issues the step's credentials, and completes the step.
func (s *Service) Credential(ctx context.Context, config *workflow.Config, ex *exchange.Exchange, exchangeURL string, req *CredentialRequest) (*CredentialResponse, error) {
	responses, err := s.issueForRequests(ctx, config, ex, exchangeURL, []*CredentialRequest{req})
	if err != nil {
		return nil, err
	}
	return responses[0], nil
}

// BatchCredential serves POST /batch_credential, preserving request order in
// its responses. The whole batch commits as one step transition.
func (s *Service) BatchCredential(ctx context.Context, config *workflow.Config, ex *exchange.Exchange, exchangeURL string, reqs []*CredentialRequest) ([]*CredentialResponse, error) {
	if len(reqs) == 0 {
		return nil, protocolError(ErrInvalidRequest, "no credential requests", nil)
	}
	return s.issueForRequests(ctx, config, ex, exchangeURL, reqs)
}

func (s *Service) issueForRequests(ctx context.Context, config *workflow.Config, ex *exchange.Exchange, exchangeURL string, reqs []*CredentialRequest) ([]*CredentialResponse, error) {
	if ex.OpenID == nil {
		return nil, protocolError(ErrInvalidRequest, "exchange does not support OID4VCI", nil)
	}
	step, err := exchange.ResolveStep(config, ex, ex.Step, nil)
	if err != nil {
		return nil, err
	}

	for _, req := range reqs {
		req.normalize()
		if err := s.validateRequest(ex, req); err != nil {
			return nil, err
		}
	}

	did, err := s.checkPresentationGate(ctx, config, ex, step)
	if err != nil {
		return nil, err
	}

	proofDID, err := s.checkProof(ctx, ex, exchangeURL, step, reqs)
	if err != nil {
		return nil, err
	}
	if proofDID != "" {
		did = proofDID
	}

	if len(step.IssueRequests) > 0 && len(reqs) != len(step.IssueRequests) {
		return nil, protocolError(ErrInvalidRequest, fmt.Sprintf(
			"expected %d credential requests, got %d", len(step.IssueRequests), len(reqs)), nil)
	}

	issued, err := s.runner.IssueCredentials(ctx, config, ex, step,
		steps.IssueOptions{SubjectDID: did})
	if err != nil {
		return nil, err
	}
	if len(issued) != len(reqs) {
		return nil, protocolError(ErrInvalidRequest, fmt.Sprintf(
			"step issues %d credentials, got %d requests", len(issued), len(reqs)), nil)
	}

	result := map[string]any{"credentials": issued}
	if did != "" {
		result["did"] = did
	}
	committed, err := s.engine.CommitStep(ctx, ex, ex.Step, result, step.NextStep)
	if err != nil {
		return nil, err
	}
	*ex = *committed

	responses := make([]*CredentialResponse, len(issued))
	for i, credential := range issued {
		responses[i] = &CredentialResponse{
			Format:     reqs[i].Format,
			Credential: responseCredential(credential),
		}
	}
	return responses, nil
}

func (s *Service) validateRequest(ex *exchange.Exchange, req *CredentialRequest) error {
	if req.Format == "" {
		return protocolError(ErrInvalidRequest, "credential request has no format", nil)
	}
	if !supportedFormats[req.Format] {
		return protocolError(ErrUnsupportedCredential,
			fmt.Sprintf("format %q is not supported", req.Format), nil)
	}
	expected := ex.OpenID.ExpectedCredentialRequests
	if len(expected) == 0 {
		return nil
	}
	for i := range expected {
		if matchesExpected(&expected[i], req) {
			return nil
		}
	}
	return protocolError(ErrUnsupportedCredential,
		"credential request does not match any expected request", nil)
}

// matchesExpected compares format and the requested type list against one
// expected descriptor. The requested types must cover the expected ones.
func matchesExpected(expected *exchange.CredentialRequestDescriptor, req *CredentialRequest) bool {
	if expected.Format != "" && expected.Format != req.Format {
		return false
	}
	expectedTypes := typeList(expected.CredentialDefinition)
	requestedTypes := typeList(req.CredentialDefinition)
	for _, want := range expectedTypes {
		found := false
		for _, got := range requestedTypes {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func typeList(definition map[string]any) []string {
	if definition == nil {
		return nil
	}
	var out []string
	switch t := definition["type"].(type) {
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = t
	case string:
		out = []string{t}
	}
	return out
}

// checkPresentationGate enforces presentation-before-issuance: a step that
// requests a presentation must have seen one (through OID4VP) before the
// credential endpoint issues. Returns the DID the presentation proved.
func (s *Service) checkPresentationGate(ctx context.Context, config *workflow.Config, ex *exchange.Exchange, step *workflow.StepDescriptor) (string, error) {
	if step.VerifiablePresentationRequest == nil {
		return "", nil
	}
	if did, ok := ex.Variables["did"].(string); ok && did != "" {
		return did, nil
	}

	if s.arBuilder == nil {
		return "", protocolError(ErrPresentationRequired,
			"a verifiable presentation is required before issuance", nil)
	}
	payload, err := s.arBuilder.BuildPayload(ctx, config, ex, step, "")
	if err != nil {
		return "", err
	}
	return "", &ProtocolError{
		Code:        ErrPresentationRequired,
		Description: "a verifiable presentation is required before issuance",
		Status:      http.StatusBadRequest,
		Extra:       map[string]any{"authorization_request": payload},
	}
}

// checkProof enforces the step's JWT DID proof requirement. Failures answer
// with invalid_or_missing_proof and a fresh c_nonce so the wallet can retry.
func (s *Service) checkProof(ctx context.Context, ex *exchange.Exchange, exchangeURL string, step *workflow.StepDescriptor, reqs []*CredentialRequest) (string, error) {
	required := step.JWTDIDProofRequest != nil
	var did string
	for _, req := range reqs {
		if req.Proof == nil || req.Proof.JWT == "" {
			if required {
				return "", s.proofError(ctx, ex, "credential request is missing its proof", nil)
			}
			continue
		}
		expectedNonce := ""
		if ex.OpenID != nil && !s.engine.Clock().Now().After(ex.OpenID.NonceExpires) {
			expectedNonce = ex.OpenID.Nonce
		}
		proven, err := VerifyProof(req.Proof.JWT, exchangeURL, expectedNonce, s.engine.Clock().Now)
		if err != nil {
			return "", s.proofError(ctx, ex, "invalid proof", err)
		}
		if did != "" && did != proven {
			return "", s.proofError(ctx, ex, "proofs name different DIDs", nil)
		}
		did = proven
	}
	return did, nil
}

func (s *Service) proofError(ctx context.Context, ex *exchange.Exchange, description string, cause error) error {
	extra := map[string]any{}
	if nonce, err := s.refreshNonce(ctx, ex); err == nil {
		extra["c_nonce"] = nonce
		extra["c_nonce_expires_in"] = int64(NonceTTL.Seconds())
	}
	return &ProtocolError{
		Code:        ErrInvalidOrMissingProof,
		Description: description,
		Status:      http.StatusBadRequest,
		Extra:       extra,
		cause:       cause,
	}
}

// responseCredential maps an issued credential to its wire shape: enveloped
// VC-JWTs travel as bare compact JWTs, everything else as the object itself.
func responseCredential(credential any) any {
	if token, ok := vc.UnwrapEnvelopedJWT(credential); ok {
		return token
	}
	return credential
}
