package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openvcx/exchanger/pkg/auth"
	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/logger"
	"github.com/openvcx/exchanger/pkg/workflow"
)

// WorkflowRoutes serves the workflow lifecycle and everything rooted under a
// workflow: exchanges and their protocol endpoints.
type WorkflowRoutes struct {
	services Services
}

// WorkflowRouter creates the router for /workflows.
func WorkflowRouter(services Services) http.Handler {
	routes := WorkflowRoutes{services: services}

	r := chi.NewRouter()
	r.Post("/", routes.createWorkflow)
	r.Route("/{workflowId}", func(r chi.Router) {
		r.Get("/", routes.getWorkflow)
		r.Post("/", routes.updateWorkflow)
		r.Post("/zcaps/revocations/{zcapId}", routes.revokeZcap)
		r.Post("/exchanges", routes.createExchange)
		r.Route("/exchanges/{exchangeId}", func(r chi.Router) {
			r.Get("/", routes.getExchange)
			r.Post("/", routes.postExchange)
			r.Get("/protocols", routes.getProtocols)
			r.Post("/invite-request/response", routes.inviteResponse)
			r.Get("/openid-credential-offer", routes.getCredentialOffer)
			r.Get("/.well-known/openid-credential-issuer", routes.getIssuerMetadata)
			r.Post("/openid/token", routes.postToken)
			r.Post("/openid/nonce", routes.postNonce)
			r.Post("/openid/credential", routes.postCredential)
			r.Post("/openid/batch_credential", routes.postBatchCredential)
			// Legacy single-client form and the profile form serve the
			// same handlers; the profile parameter is empty for the former.
			r.Get("/openid/client/authorization/request", routes.getAuthorizationRequest)
			r.Post("/openid/client/authorization/response", routes.postAuthorizationResponse)
			r.Get("/openid/clients/{profile}/authorization/request", routes.getAuthorizationRequest)
			r.Post("/openid/clients/{profile}/authorization/response", routes.postAuthorizationResponse)
		})
	})
	return r
}

// loadConfig loads the workflow named in the path and enforces its IP
// allow-list. A nil return means the error response has been written.
func (s *WorkflowRoutes) loadConfig(w http.ResponseWriter, r *http.Request) *workflow.Config {
	config, err := s.services.Registry.Get(r.Context(), chi.URLParam(r, "workflowId"))
	if err != nil {
		writeError(w, err)
		return nil
	}
	if err := checkIPAllowed(r, config); err != nil {
		writeError(w, err)
		return nil
	}
	return config
}

// authorize authenticates the caller against the workflow's controller or
// its OAuth2 authorization. A nil return means the error response has been
// written. Failures are served as the same not-found a missing workflow
// answers, so authorization failures never reveal whether the resource
// exists.
func (s *WorkflowRoutes) authorize(
	w http.ResponseWriter, r *http.Request, body []byte, config *workflow.Config,
) *auth.Principal {
	principal, err := s.services.Authorizer.Authorize(r, body, config)
	if err != nil {
		if errors.IsNotAllowed(err) {
			err = errors.NewNotFoundError("workflow not found", nil)
		}
		writeError(w, err)
		return nil
	}
	return principal
}

func (s *WorkflowRoutes) createWorkflow(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var config workflow.Config
	if err := decodeJSON(body, &config); err != nil {
		writeError(w, err)
		return
	}
	// The configuration is not stored yet, so the invocation is checked
	// against the controller the caller claims for it. There is no resource
	// whose existence a 403 could reveal, so the failure is served as is.
	if _, err := s.services.Authorizer.Authorize(r, body, &config); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.services.Registry.Create(r.Context(), &config)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *WorkflowRoutes) getWorkflow(w http.ResponseWriter, r *http.Request) {
	config := s.loadConfig(w, r)
	if config == nil {
		return
	}
	if s.authorize(w, r, nil, config) == nil {
		return
	}
	writeJSON(w, http.StatusOK, config)
}

func (s *WorkflowRoutes) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	stored := s.loadConfig(w, r)
	if stored == nil {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	principal := s.authorize(w, r, body, stored)
	if principal == nil {
		return
	}
	var config workflow.Config
	if err := decodeJSON(body, &config); err != nil {
		writeError(w, err)
		return
	}
	config.ID = stored.ID
	invoker := principal.Controller
	if invoker == "" {
		// OAuth2 callers were already checked against the workflow's
		// authorization; the write proceeds as the controller.
		invoker = stored.Controller
	}
	updated, err := s.services.Registry.Update(r.Context(), invoker, &config)
	if err != nil {
		if errors.IsNotAllowed(err) {
			err = errors.NewNotFoundError("workflow not found", nil)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *WorkflowRoutes) revokeZcap(w http.ResponseWriter, r *http.Request) {
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
	zcapID := chi.URLParam(r, "zcapId")
	if zcapID == "" {
		writeError(w, errors.NewValidationError("missing capability id", nil))
		return
	}
	if err := s.services.Registry.RevokeZcap(
		r.Context(), chi.URLParam(r, "workflowId"), zcapID); err != nil {
		writeError(w, err)
		return
	}
	logger.Infow("capability revoked", "workflowId", config.ID, "zcapId", zcapID)
	w.WriteHeader(http.StatusNoContent)
}
