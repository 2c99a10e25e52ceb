package v1

import (
	"bytes"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/exchange"
	"github.com/openvcx/exchanger/pkg/oid4vci"
	"github.com/openvcx/exchanger/pkg/oid4vp"
	"github.com/openvcx/exchanger/pkg/steps"
	"github.com/openvcx/exchanger/pkg/vc"
	"github.com/openvcx/exchanger/pkg/workflow"
	"github.com/openvcx/exchanger/pkg/zcap"
)

func exchangeURL(config *workflow.Config, ex *exchange.Exchange) string {
	return config.ID + "/exchanges/" + ex.ID
}

// loadExchangeForUse loads the exchange named in the path for a protocol
// interaction; completed and expired exchanges are refused. A nil return
// means the error response has been written.
func (s *WorkflowRoutes) loadExchangeForUse(
	w http.ResponseWriter, r *http.Request, config *workflow.Config,
) *exchange.Exchange {
	ex, err := s.services.Engine.LoadForUse(r.Context(), config.ID, chi.URLParam(r, "exchangeId"))
	if err != nil {
		writeError(w, err)
		return nil
	}
	return ex
}

// checkRevocations refuses the request when any of the named capability
// references has been revoked for this workflow.
func (s *WorkflowRoutes) checkRevocations(
	r *http.Request, config *workflow.Config, refs ...string,
) error {
	localID := workflow.LocalID(config.ID)
	for _, ref := range refs {
		capability := config.Zcaps[ref]
		if capability == nil {
			continue
		}
		revoked, err := s.services.Registry.ZcapRevoked(r.Context(), localID, capability.ID)
		if err != nil {
			return err
		}
		if revoked {
			return errors.NewNotAllowedError(
				"a capability this step depends on has been revoked", nil).
				WithDetails(map[string]any{"referenceId": ref})
		}
	}
	return nil
}

type createExchangeRequest struct {
	TTL       int64                 `json:"ttl,omitempty"`
	Expires   *time.Time            `json:"expires,omitempty"`
	Variables map[string]any        `json:"variables,omitempty"`
	OpenID    *exchange.OpenIDState `json:"openId,omitempty"`
}

func (s *WorkflowRoutes) createExchange(w http.ResponseWriter, r *http.Request) {
	config := s.loadConfig(w, r)
	if config == nil {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if s.authorize(w, r, body, config) == nil {
		return
	}
	var req createExchangeRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := decodeJSON(body, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	opts := exchange.CreateOptions{
		TTL:       time.Duration(req.TTL) * time.Second,
		Variables: req.Variables,
		OpenID:    req.OpenID,
	}
	if req.Expires != nil {
		opts.Expires = *req.Expires
	}
	ex, err := s.services.Engine.Create(r.Context(), config, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", exchangeURL(config, ex))
	w.WriteHeader(http.StatusNoContent)
}

func (s *WorkflowRoutes) getExchange(w http.ResponseWriter, r *http.Request) {
	config := s.loadConfig(w, r)
	if config == nil {
		return
	}
	if s.authorize(w, r, nil, config) == nil {
		return
	}
	ex, err := s.services.Engine.Load(r.Context(), config.ID, chi.URLParam(r, "exchangeId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *WorkflowRoutes) getProtocols(w http.ResponseWriter, r *http.Request) {
	if !acceptsJSON(r) {
		http.Error(w, "Accept: application/json required", http.StatusNotAcceptable)
		return
	}
	config := s.loadConfig(w, r)
	if config == nil {
		return
	}
	ex, err := s.services.Engine.LoadForUse(r.Context(), config.ID, chi.URLParam(r, "exchangeId"))
	if err != nil {
		writeError(w, err)
		return
	}
	step, err := exchange.ResolveStep(config, ex, ex.Step, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	exURL := exchangeURL(config, ex)
	protocols := map[string]string{"vcapi": exURL}
	if ex.OpenID != nil {
		if offerURL, err := oid4vci.BuildOffer(exURL, ex).URL(); err == nil {
			protocols["OID4VCI"] = offerURL
		}
	}
	if step.OpenID != nil {
		protocols["OID4VP"] = exURL + "/openid/client/authorization/request"
	}
	if step.InviteRequest != nil {
		protocols["inviteRequest"] = exURL + "/invite-request/response"
	}
	writeJSON(w, http.StatusOK, map[string]any{"protocols": protocols})
}

// postExchange is the VC-API participation endpoint: an empty body asks for
// the step's presentation request, a verifiablePresentation body submits one.
func (s *WorkflowRoutes) postExchange(w http.ResponseWriter, r *http.Request) {
	config := s.loadConfig(w, r)
	if config == nil {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	ex := s.loadExchangeForUse(w, r, config)
	if ex == nil {
		return
	}

	var input map[string]any
	if len(bytes.TrimSpace(body)) > 0 {
		if err := decodeJSON(body, &input); err != nil {
			writeError(w, err)
			return
		}
	}

	step, err := exchange.ResolveStep(config, ex, ex.Step, input)
	if err != nil {
		writeError(w, err)
		return
	}
	if inviteOnly(step) {
		writeError(w, errors.NewValidationError(
			"this exchange uses the invite-request protocol and does not support VC-API", nil))
		return
	}
	if err := s.checkRevocations(r, config,
		zcap.RefCreateChallenge, zcap.RefVerifyPresentation, zcap.RefIssue); err != nil {
		writeError(w, err)
		return
	}

	vpRaw, hasVP := input["verifiablePresentation"]
	if !hasVP {
		if step.VerifiablePresentationRequest != nil {
			vpr, _, err := s.services.Runner.BindPresentationRequest(r.Context(), config, ex, step)
			if err != nil {
				s.services.Engine.RecordError(r.Context(), ex, err)
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"verifiablePresentationRequest": vpr})
			return
		}
		// Nothing to collect from the holder: deliver immediately.
		s.deliver(w, r, config, ex, step, "", nil)
		return
	}

	presentation, err := oid4vp.ToPresentation(vpRaw)
	if err != nil {
		s.services.Engine.RecordError(r.Context(), ex, err)
		writeError(w, err)
		return
	}
	domain := exchangeURL(config, ex)
	if step.VerifiablePresentationRequest != nil && step.VerifiablePresentationRequest.Domain != "" {
		domain = step.VerifiablePresentationRequest.Domain
	}
	did, err := s.services.Runner.CheckPresentation(r.Context(), config, ex, step, presentation, domain)
	if err != nil {
		s.services.Engine.RecordError(r.Context(), ex, err)
		writeError(w, err)
		return
	}
	// The transformed presentation (VC-JWT strings enveloped) is what gets
	// captured in the step result, not the raw submission.
	s.deliver(w, r, config, ex, step, did, presentation)
}

// inviteOnly reports whether the step carries nothing but an invite request.
func inviteOnly(step *workflow.StepDescriptor) bool {
	return step.InviteRequest != nil &&
		step.VerifiablePresentationRequest == nil &&
		len(step.IssueRequests) == 0 &&
		len(step.VerifiableCredentials) == 0
}

// deliver issues the step's credentials, commits the step result, and
// responds with a presentation wrapping the out-of-band credentials first
// and the freshly issued ones after.
func (s *WorkflowRoutes) deliver(
	w http.ResponseWriter, r *http.Request,
	config *workflow.Config, ex *exchange.Exchange, step *workflow.StepDescriptor,
	did string, submitted any,
) {
	issued, err := s.services.Runner.IssueCredentials(r.Context(), config, ex, step,
		steps.IssueOptions{SubjectDID: did})
	if err != nil {
		s.services.Engine.RecordError(r.Context(), ex, err)
		writeError(w, err)
		return
	}

	credentials := make([]any, 0, len(step.VerifiableCredentials)+len(issued))
	credentials = append(credentials, step.VerifiableCredentials...)
	credentials = append(credentials, issued...)

	result := map[string]any{}
	if did != "" {
		result["did"] = did
	}
	if submitted != nil {
		result["verifiablePresentation"] = submitted
	}
	if len(issued) > 0 {
		result["credentials"] = issued
	}
	if _, err := s.services.Engine.CommitStep(r.Context(), ex, ex.Step, result, step.NextStep); err != nil {
		writeError(w, err)
		return
	}

	if len(credentials) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"verifiablePresentation": map[string]any{
			"@context":             []any{vc.ContextV2URL},
			"type":                 []any{"VerifiablePresentation"},
			"verifiableCredential": credentials,
		},
	})
}

func (s *WorkflowRoutes) inviteResponse(w http.ResponseWriter, r *http.Request) {
	config := s.loadConfig(w, r)
	if config == nil {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	ex := s.loadExchangeForUse(w, r, config)
	if ex == nil {
		return
	}
	step, err := exchange.ResolveStep(config, ex, ex.Step, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	if step.InviteRequest == nil {
		writeError(w, errors.NewValidationError("this exchange is not configured for invite-request", nil))
		return
	}

	var response map[string]any
	if err := decodeJSON(body, &response); err != nil {
		writeError(w, err)
		return
	}
	result := map[string]any{
		"inviteRequest": map[string]any{"inviteResponse": response},
	}
	if _, err := s.services.Engine.CommitStep(r.Context(), ex, ex.Step, result, ""); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"referenceId": response["referenceId"]})
}
