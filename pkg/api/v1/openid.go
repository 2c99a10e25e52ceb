package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/openvcx/exchanger/pkg/auth"
	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/exchange"
	"github.com/openvcx/exchanger/pkg/oid4vci"
	"github.com/openvcx/exchanger/pkg/oid4vp"
	"github.com/openvcx/exchanger/pkg/workflow"
	"github.com/openvcx/exchanger/pkg/zcap"
)

// JARContentType is the media type of a signed request object.
const JARContentType = "application/oauth-authz-req+jwt"

const qrSize = 256

// getCredentialOffer serves the exchange's credential offer URL to the
// workflow's coordinator, as JSON or as a PNG QR code. With by=reference the
// offer itself is parked in the offer store and the URL carries
// credential_offer_uri instead of the offer by value.
func (s *WorkflowRoutes) getCredentialOffer(w http.ResponseWriter, r *http.Request) {
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
	if ex.OpenID == nil {
		writeError(w, errors.NewValidationError("this exchange was not created for OID4VCI delivery", nil))
		return
	}

	offer := oid4vci.BuildOffer(exchangeURL(config, ex), ex)
	var offerURL string
	if r.URL.Query().Get("by") == "reference" {
		id := s.services.Offers.Put(offer)
		offerURL = oid4vci.ReferenceURL(s.services.BaseURL + "/credential-offers/" + id)
	} else {
		offerURL, err = offer.URL()
		if err != nil {
			writeError(w, err)
			return
		}
	}

	if r.URL.Query().Get("format") == "qr" {
		png, err := qrcode.Encode(offerURL, qrcode.Medium, qrSize)
		if err != nil {
			writeError(w, errors.NewDataError("failed to render offer QR code", err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(png)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": offerURL})
}

// OfferRouter creates the router for /credential-offers, the by-reference
// retrieval endpoint wallets dereference from credential_offer_uri.
func OfferRouter(services Services) http.Handler {
	r := chi.NewRouter()
	r.Get("/{offerId}", func(w http.ResponseWriter, req *http.Request) {
		if !acceptsJSON(req) {
			http.Error(w, "Accept: application/json required", http.StatusNotAcceptable)
			return
		}
		offer, err := services.Offers.Get(chi.URLParam(req, "offerId"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, offer)
	})
	return r
}

func (s *WorkflowRoutes) getIssuerMetadata(w http.ResponseWriter, r *http.Request) {
	config := s.loadConfig(w, r)
	if config == nil {
		return
	}
	ex, err := s.services.Engine.Load(r.Context(), config.ID, chi.URLParam(r, "exchangeId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.services.OID4VCI.Metadata(exchangeURL(config, ex), ex))
}

func (s *WorkflowRoutes) postToken(w http.ResponseWriter, r *http.Request) {
	config := s.loadConfig(w, r)
	if config == nil {
		return
	}
	ex, err := s.services.Engine.LoadForUse(r.Context(), config.ID, chi.URLParam(r, "exchangeId"))
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, oid4vci.ErrInvalidRequest, "malformed token request")
		return
	}
	req := &oid4vci.TokenRequest{
		GrantType:         r.PostForm.Get("grant_type"),
		PreAuthorizedCode: r.PostForm.Get("pre-authorized_code"),
		Code:              r.PostForm.Get("code"),
		UserPin:           r.PostForm.Get("user_pin"),
	}
	resp, err := s.services.OID4VCI.Token(r.Context(), ex, req)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *WorkflowRoutes) postNonce(w http.ResponseWriter, r *http.Request) {
	config := s.loadConfig(w, r)
	if config == nil {
		return
	}
	ex, err := s.services.Engine.LoadForUse(r.Context(), config.ID, chi.URLParam(r, "exchangeId"))
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	resp, err := s.services.OID4VCI.Nonce(r.Context(), ex)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *WorkflowRoutes) postCredential(w http.ResponseWriter, r *http.Request) {
	config, ex, ok := s.credentialEndpointContext(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req oid4vci.CredentialRequest
	if err := decodeJSON(body, &req); err != nil {
		oauthError(w, http.StatusBadRequest, oid4vci.ErrInvalidRequest, "malformed credential request")
		return
	}
	resp, err := s.services.OID4VCI.Credential(r.Context(), config, ex, exchangeURL(config, ex), &req)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *WorkflowRoutes) postBatchCredential(w http.ResponseWriter, r *http.Request) {
	config, ex, ok := s.credentialEndpointContext(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var batch struct {
		CredentialRequests []*oid4vci.CredentialRequest `json:"credential_requests"`
	}
	if err := decodeJSON(body, &batch); err != nil {
		oauthError(w, http.StatusBadRequest, oid4vci.ErrInvalidRequest, "malformed batch credential request")
		return
	}
	resps, err := s.services.OID4VCI.BatchCredential(
		r.Context(), config, ex, exchangeURL(config, ex), batch.CredentialRequests)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credential_responses": resps})
}

// credentialEndpointContext loads the workflow and exchange for the
// credential endpoints and checks the Bearer access token against the
// exchange.
func (s *WorkflowRoutes) credentialEndpointContext(
	w http.ResponseWriter, r *http.Request,
) (*workflow.Config, *exchange.Exchange, bool) {
	cfg := s.loadConfig(w, r)
	if cfg == nil {
		return nil, nil, false
	}
	loaded, err := s.services.Engine.LoadForUse(r.Context(), cfg.ID, chi.URLParam(r, "exchangeId"))
	if err != nil {
		writeProtocolError(w, err)
		return nil, nil, false
	}
	token := auth.BearerToken(r)
	if token == "" {
		oauthError(w, http.StatusUnauthorized, oid4vci.ErrInvalidToken, "missing access token")
		return nil, nil, false
	}
	if err := s.services.OID4VCI.VerifyAccessToken(loaded, token); err != nil {
		oauthError(w, http.StatusUnauthorized, oid4vci.ErrInvalidToken, "invalid access token")
		return nil, nil, false
	}
	return cfg, loaded, true
}

func (s *WorkflowRoutes) getAuthorizationRequest(w http.ResponseWriter, r *http.Request) {
	config := s.loadConfig(w, r)
	if config == nil {
		return
	}
	ex := s.loadExchangeForUse(w, r, config)
	if ex == nil {
		return
	}
	if err := s.checkRevocations(r, config,
		zcap.RefCreateChallenge, oid4vp.SignRequestZcapRef); err != nil {
		writeError(w, err)
		return
	}
	request, err := s.services.OID4VP.AuthorizationRequest(
		r.Context(), config, ex, chi.URLParam(r, "profile"))
	if err != nil {
		writeError(w, err)
		return
	}
	if request.JAR != "" {
		w.Header().Set("Content-Type", JARContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(request.JAR))
		return
	}
	writeJSON(w, http.StatusOK, request.Payload)
}

func (s *WorkflowRoutes) postAuthorizationResponse(w http.ResponseWriter, r *http.Request) {
	config := s.loadConfig(w, r)
	if config == nil {
		return
	}
	ex := s.loadExchangeForUse(w, r, config)
	if ex == nil {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, errors.NewValidationError("malformed authorization response", err))
		return
	}
	submission, err := oid4vp.ParseResponse(r.PostForm)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.checkRevocations(r, config, zcap.RefVerifyPresentation, zcap.RefIssue); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.services.OID4VP.HandleResponse(
		r.Context(), config, ex, chi.URLParam(r, "profile"), submission)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{}
	if result.RedirectURI != "" {
		resp["redirect_uri"] = result.RedirectURI
	}
	writeJSON(w, http.StatusOK, resp)
}
