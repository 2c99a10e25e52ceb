package oid4vp

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/exchange"
	"github.com/openvcx/exchanger/pkg/vc"
	"github.com/openvcx/exchanger/pkg/workflow"
)

// Submission is a decoded authorization response.
type Submission struct {
	VPToken                any
	PresentationSubmission map[string]any
}

// ParseResponse decodes an authorization response body. direct_post carries
// vp_token and presentation_submission as form fields; direct_post.jwt
// carries them as claims of a response JWT.
func ParseResponse(form url.Values) (*Submission, error) {
	if response := form.Get("response"); response != "" {
		return parseResponseJWT(response)
	}

	raw := form.Get("vp_token")
	if raw == "" {
		return nil, errors.NewValidationError("authorization response has no vp_token", nil)
	}
	submission := &Submission{VPToken: decodeVPToken(raw)}
	if ps := form.Get("presentation_submission"); ps != "" {
		if err := json.Unmarshal([]byte(ps), &submission.PresentationSubmission); err != nil {
			return nil, errors.NewValidationError("invalid presentation_submission", err)
		}
	}
	return submission, nil
}

// parseResponseJWT extracts the response parameters from a direct_post.jwt
// response object. The JWT is holder-produced and unverified here; the
// presentation inside carries its own proof, which is what gets verified.
// Only signed and unsecured JWTs are decoded; a JWE-encrypted response
// object is rejected as invalid.
// TODO: decrypt JWE response objects with the exchange key pair.
func parseResponseJWT(token string) (*Submission, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, errors.NewValidationError("invalid response JWT", err)
	}
	submission := &Submission{}
	switch vpToken := claims["vp_token"].(type) {
	case string:
		submission.VPToken = decodeVPToken(vpToken)
	case nil:
		return nil, errors.NewValidationError("response JWT has no vp_token", nil)
	default:
		submission.VPToken = vpToken
	}
	if ps, ok := claims["presentation_submission"].(map[string]any); ok {
		submission.PresentationSubmission = ps
	}
	return submission, nil
}

// decodeVPToken keeps JSON objects as objects and leaves compact JWTs as
// strings for the presentation decoder.
func decodeVPToken(raw string) any {
	if vc.IsJWT(raw) {
		return raw
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return raw
	}
	return decoded
}

// ToPresentation materializes the vp_token as a presentation. A VP-JWT is
// decoded and its credentials become enveloped entries.
func ToPresentation(vpToken any) (*vc.Presentation, error) {
	switch token := vpToken.(type) {
	case string:
		presentation, _, err := vc.DecodePresentationJWT(token)
		if err != nil {
			return nil, err
		}
		return presentation, nil
	case map[string]any:
		raw, err := json.Marshal(token)
		if err != nil {
			return nil, errors.NewValidationError("invalid vp_token", err)
		}
		var presentation vc.Presentation
		if err := json.Unmarshal(raw, &presentation); err != nil {
			return nil, errors.NewValidationError("vp_token is not a presentation", err)
		}
		return &presentation, nil
	case []any:
		if len(token) == 1 {
			return ToPresentation(token[0])
		}
		return nil, errors.NewValidationError("vp_token must carry exactly one presentation", nil)
	default:
		return nil, errors.NewValidationError("vp_token is not a presentation", nil)
	}
}

// ResponseResult is what gets returned to the wallet after a response is
// accepted.
type ResponseResult struct {
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// HandleResponse verifies the submitted presentation against the exchange's
// current step and commits the outcome. For OID4VCI-delivered exchanges
// whose step also issues credentials, the proven DID is recorded and the
// step stays open for the credential endpoint; otherwise the step result is
// recorded and the exchange advances.
func (s *Service) HandleResponse(ctx context.Context, config *workflow.Config, ex *exchange.Exchange, profile string, submission *Submission) (*ResponseResult, error) {
	step, err := exchange.ResolveStep(config, ex, ex.Step, nil)
	if err != nil {
		return nil, err
	}
	if step.VerifiablePresentationRequest == nil {
		return nil, errors.NewDataError("step does not expect a presentation", nil)
	}

	presentation, err := ToPresentation(submission.VPToken)
	if err != nil {
		s.engine.RecordError(ctx, ex, err)
		return nil, err
	}

	did, err := s.runner.CheckPresentation(ctx, config, ex, step, presentation,
		ResponseURI(config, ex, profile))
	if err != nil {
		s.engine.RecordError(ctx, ex, err)
		return nil, err
	}

	if ex.OpenID != nil && len(step.IssueRequests) > 0 {
		committed, err := s.engine.Commit(ctx, ex, func(e *exchange.Exchange) error {
			if e.State == exchange.StateComplete {
				return errors.NewDuplicateError("exchange has already been completed", nil)
			}
			if did != "" {
				if e.Variables == nil {
					e.Variables = map[string]any{}
				}
				e.Variables["did"] = did
			}
			e.State = exchange.StateActive
			return nil
		})
		if err != nil {
			return nil, err
		}
		*ex = *committed
		return &ResponseResult{}, nil
	}

	result := map[string]any{
		"verifiablePresentation": presentation,
	}
	if did != "" {
		result["did"] = did
	}
	openID := map[string]any{}
	if ex.AuthorizationRequest != nil {
		openID["authorizationRequest"] = ex.AuthorizationRequest
	}
	if submission.PresentationSubmission != nil {
		openID["presentationSubmission"] = submission.PresentationSubmission
	}
	if len(openID) > 0 {
		result["openId"] = openID
	}
	committed, err := s.engine.CommitStep(ctx, ex, ex.Step, result, step.NextStep)
	if err != nil {
		return nil, err
	}
	*ex = *committed
	return &ResponseResult{}, nil
}
