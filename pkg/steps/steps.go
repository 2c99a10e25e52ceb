// Package steps executes the effective step descriptor of an exchange: it
// binds challenges into presentation requests, checks submitted
// presentations against the step contract, and drives credential issuance
// from the workflow's templates.
package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/exchange"
	"github.com/openvcx/exchanger/pkg/issuer"
	"github.com/openvcx/exchanger/pkg/template"
	"github.com/openvcx/exchanger/pkg/vc"
	"github.com/openvcx/exchanger/pkg/verifier"
	"github.com/openvcx/exchanger/pkg/workflow"
	"github.com/openvcx/exchanger/pkg/zcap"
)

// challengeVariable is where a service-created challenge is kept on the
// exchange so the verification path sees the same value the request carried.
const challengeVariable = "challenge"

// Runner executes step descriptors against the delegated verifier and
// issuer services.
type Runner struct {
	engine   *exchange.Engine
	verifier *verifier.Client
	issuer   *issuer.Client
}

// NewRunner creates a step runner.
func NewRunner(engine *exchange.Engine, verifierClient *verifier.Client, issuerClient *issuer.Client) *Runner {
	return &Runner{engine: engine, verifier: verifierClient, issuer: issuerClient}
}

// Challenge returns the challenge bound to the exchange's current run: the
// service-created one when a step asked for it, otherwise the exchange id.
func Challenge(ex *exchange.Exchange) string {
	if c, ok := ex.Variables[challengeVariable].(string); ok && c != "" {
		return c
	}
	return ex.ID
}

// BindPresentationRequest returns the step's presentation request with a
// challenge bound in, creating one through the challenge service when the
// step requires it. The returned exchange reflects any committed state.
func (r *Runner) BindPresentationRequest(ctx context.Context, config *workflow.Config, ex *exchange.Exchange, step *workflow.StepDescriptor) (*vc.PresentationRequest, *exchange.Exchange, error) {
	if step.VerifiablePresentationRequest == nil {
		return nil, ex, errors.NewDataError("step has no presentation request", nil)
	}

	challenge := Challenge(ex)
	if step.CreateChallenge && ex.Variables[challengeVariable] == nil {
		created, err := r.verifier.CreateChallenge(ctx, config.Zcaps[zcap.RefCreateChallenge])
		if err != nil {
			return nil, ex, err
		}
		committed, err := r.engine.Commit(ctx, ex, func(e *exchange.Exchange) error {
			if e.Variables == nil {
				e.Variables = map[string]any{}
			}
			if _, ok := e.Variables[challengeVariable]; !ok {
				e.Variables[challengeVariable] = created
			}
			return nil
		})
		if err != nil {
			return nil, ex, err
		}
		ex = committed
		challenge = Challenge(ex)
	}

	bound := *step.VerifiablePresentationRequest
	bound.Challenge = challenge
	return &bound, ex, nil
}

// CheckPresentation verifies a submitted presentation against the step
// contract and returns the holder DID it authenticated. A presentation
// accepted without a proof authenticated nobody, so the DID is empty even
// when the presentation names a holder.
func (r *Runner) CheckPresentation(ctx context.Context, config *workflow.Config, ex *exchange.Exchange, step *workflow.StepDescriptor, presentation *vc.Presentation, domain string) (string, error) {
	vc.TransformEmbedded(presentation)

	_, err := r.verifier.VerifyPresentation(ctx,
		config.Zcaps[zcap.RefVerifyPresentation], presentation, verifier.Options{
			Challenge:                    Challenge(ex),
			Domain:                       domain,
			PresentationSchema:           step.PresentationSchema,
			AllowUnprotectedPresentation: step.AllowUnprotectedPresentation,
		})
	if err != nil {
		return "", err
	}
	if presentation.Proof == nil {
		return "", nil
	}
	return HolderDID(presentation), nil
}

// HolderDID extracts the presenting DID from a presentation's holder, or
// from its proof verification method when no holder is present.
func HolderDID(presentation *vc.Presentation) string {
	if holder := presentation.HolderID(); holder != "" {
		return holder
	}
	if proof, ok := presentation.Proof.(map[string]any); ok {
		if vm, ok := proof["verificationMethod"].(string); ok {
			if i := strings.IndexByte(vm, '#'); i >= 0 {
				return vm[:i]
			}
			return vm
		}
	}
	return ""
}

// IssueOptions parameterize one issuance run.
type IssueOptions struct {
	// SubjectDID, when set, is exposed to templates as the did variable
	// and backfills credentialSubject.id on credentials that omit it.
	SubjectDID string

	// Variables overlay the exchange's variables for template evaluation.
	Variables map[string]any
}

// IssueCredentials evaluates every issue request of the step through the
// workflow's credential templates and issues the results as a batch,
// preserving request order.
func (r *Runner) IssueCredentials(ctx context.Context, config *workflow.Config, ex *exchange.Exchange, step *workflow.StepDescriptor, opts IssueOptions) ([]any, error) {
	requests := step.IssueRequests
	if len(requests) == 0 {
		return nil, nil
	}

	issueRequests := make([]issuer.Request, 0, len(requests))
	for i := range requests {
		req := &requests[i]
		tmpl := config.TemplateByRef(req)
		if tmpl == nil {
			return nil, errors.NewDataError(fmt.Sprintf(
				"issue request %d references an unknown credential template", i), nil)
		}
		credential, err := r.evaluateCredential(config, ex, tmpl, req, opts)
		if err != nil {
			return nil, err
		}
		issueRequest := issuer.Request{Credential: credential}
		if req.Format != "" {
			issueRequest.Options = map[string]any{"format": req.Format}
		}
		issueRequests = append(issueRequests, issueRequest)
	}

	return r.issuer.IssueBatch(ctx, config.Zcaps[zcap.RefIssue], issueRequests)
}

func (r *Runner) evaluateCredential(config *workflow.Config, ex *exchange.Exchange, tmpl *workflow.CredentialTemplate, req *workflow.IssueRequest, opts IssueOptions) (map[string]any, error) {
	overrides := map[string]any{}
	for k, v := range opts.Variables {
		overrides[k] = v
	}
	for k, v := range req.Variables {
		overrides[k] = v
	}
	if opts.SubjectDID != "" {
		overrides["did"] = opts.SubjectDID
	}

	env := exchange.TemplateEnvironment(config, ex, overrides)
	evaluated, err := template.EvaluateObject(tmpl.Template, env)
	if err != nil {
		return nil, err
	}
	credential, err := toObject(evaluated)
	if err != nil {
		return nil, errors.NewValidationError(
			"credential template did not evaluate to an object", err)
	}
	if opts.SubjectDID != "" {
		backfillSubjectID(credential, opts.SubjectDID)
	}
	return credential, nil
}

func toObject(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(encoded, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// backfillSubjectID sets credentialSubject.id to the authenticated DID when
// the template left it out.
func backfillSubjectID(credential map[string]any, did string) {
	subject, ok := credential["credentialSubject"].(map[string]any)
	if !ok {
		if _, present := credential["credentialSubject"]; present {
			return
		}
		subject = map[string]any{}
		credential["credentialSubject"] = subject
	}
	if _, ok := subject["id"]; !ok {
		subject["id"] = did
	}
}
