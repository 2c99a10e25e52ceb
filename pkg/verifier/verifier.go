// Package verifier is the client for the delegated challenge-creation and
// presentation-verification services.
package verifier

import (
	"context"
	"encoding/json"

	"github.com/xeipuuv/gojsonschema"

	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/vc"
	"github.com/openvcx/exchanger/pkg/workflow"
	"github.com/openvcx/exchanger/pkg/zcap"
)

// Client invokes the delegated createChallenge and verifyPresentation
// capabilities.
type Client struct {
	invoker *zcap.Invoker
}

// NewClient creates a verifier client on a capability invoker.
func NewClient(invoker *zcap.Invoker) *Client {
	return &Client{invoker: invoker}
}

// CreateChallenge requests a fresh exchange-scoped challenge from the
// challenge service.
func (c *Client) CreateChallenge(ctx context.Context, capability *zcap.Capability) (string, error) {
	var response struct {
		Challenge string `json:"challenge"`
	}
	if err := c.invoker.Invoke(ctx, capability, "write", map[string]any{}, &response); err != nil {
		return "", err
	}
	if response.Challenge == "" {
		return "", errors.NewDataError("challenge service returned no challenge", nil)
	}
	return response.Challenge, nil
}

// Options bind a verification to the step contract it serves.
type Options struct {
	Challenge                    string
	Domain                       string
	PresentationSchema           *workflow.PresentationSchema
	AllowUnprotectedPresentation bool
}

// Result is the verifier's verdict plus per-credential outcomes.
type Result struct {
	Verified           bool  `json:"verified"`
	CredentialResults  []any `json:"credentialResults,omitempty"`
	PresentationResult any   `json:"presentationResult,omitempty"`
	Error              any   `json:"error,omitempty"`
}

// VerifyPresentation checks a submitted presentation against the step
// contract. An unprotected presentation (no proof) is accepted structurally
// only when the step allows it; the presentationSchema, when configured, is
// applied to the effective presentation either way.
func (c *Client) VerifyPresentation(ctx context.Context, capability *zcap.Capability, presentation *vc.Presentation, opts Options) (*Result, error) {
	if err := c.validateSchema(presentation, opts.PresentationSchema); err != nil {
		return nil, err
	}

	if presentation.Proof == nil {
		if !opts.AllowUnprotectedPresentation {
			return nil, errors.NewDataError("presentation is not protected by a proof", nil)
		}
		return &Result{Verified: true}, nil
	}

	body := map[string]any{
		"verifiablePresentation": presentation,
		"options": map[string]any{
			"challenge": opts.Challenge,
			"domain":    opts.Domain,
			"checks":    []string{"proof"},
		},
	}
	var result Result
	if err := c.invoker.Invoke(ctx, capability, "write", body, &result); err != nil {
		return nil, err
	}
	if !result.Verified {
		return nil, verificationFailure(&result)
	}
	return &result, nil
}

// validateSchema applies the step's JSON schema to the effective
// presentation: the submitted object with any enveloped credentials decoded.
func (c *Client) validateSchema(presentation *vc.Presentation, schema *workflow.PresentationSchema) error {
	if schema == nil {
		return nil
	}
	effective, err := effectivePresentation(presentation)
	if err != nil {
		return err
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema.JSONSchema))
	if err != nil {
		return errors.NewValidationError("presentationSchema does not compile", err)
	}
	outcome, err := compiled.Validate(gojsonschema.NewGoLoader(effective))
	if err != nil {
		return errors.NewValidationError("presentationSchema validation failed", err)
	}
	if !outcome.Valid() {
		var details []map[string]any
		for _, problem := range outcome.Errors() {
			details = append(details, map[string]any{
				"message": problem.String(),
				"field":   problem.Field(),
			})
		}
		return errors.NewValidationError("presentation does not match the step's schema", nil).
			WithDetails(map[string]any{"errors": details})
	}
	return nil
}

func effectivePresentation(presentation *vc.Presentation) (map[string]any, error) {
	raw, err := json.Marshal(presentation)
	if err != nil {
		return nil, errors.NewDataError("failed to encode presentation", err)
	}
	var effective map[string]any
	if err := json.Unmarshal(raw, &effective); err != nil {
		return nil, errors.NewDataError("failed to decode presentation", err)
	}
	credentials, err := vc.EffectiveCredentials(presentation)
	if err != nil {
		return nil, err
	}
	if len(credentials) > 0 {
		asAny := make([]any, len(credentials))
		for i, credential := range credentials {
			asAny[i] = credential
		}
		effective["verifiableCredential"] = asAny
	}
	return effective, nil
}

// verificationFailure surfaces a failed verdict with the verifier's
// credential results preserved for the caller.
func verificationFailure(result *Result) error {
	message := "presentation verification failed"
	if result.Error != nil {
		if m, ok := result.Error.(map[string]any); ok {
			if s, ok := m["message"].(string); ok && s != "" {
				message = s
			}
		} else if s, ok := result.Error.(string); ok && s != "" {
			message = s
		}
	}
	return errors.NewVerificationError(message, nil).
		WithDetails(map[string]any{
			"verified":          false,
			"credentialResults": result.CredentialResults,
			"error":             result.Error,
		})
}
