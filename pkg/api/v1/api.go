// Package v1 contains the HTTP handlers for the exchanger API.
package v1

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/openvcx/exchanger/pkg/auth"
	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/exchange"
	"github.com/openvcx/exchanger/pkg/logger"
	"github.com/openvcx/exchanger/pkg/oid4vci"
	"github.com/openvcx/exchanger/pkg/oid4vp"
	"github.com/openvcx/exchanger/pkg/steps"
	"github.com/openvcx/exchanger/pkg/workflow"
)

// Services bundles the shared dependencies the routers are built from.
type Services struct {
	Registry   *workflow.Registry
	Engine     *exchange.Engine
	Runner     *steps.Runner
	OID4VCI    *oid4vci.Service
	OID4VP     *oid4vp.Service
	Offers     *oid4vci.OfferStore
	Authorizer auth.Authorizer

	// BaseURL is the absolute URL the service is reachable at, with no
	// trailing slash, e.g. https://exchanger.example.
	BaseURL string
}

const maxRequestBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("failed to encode response: %v", err)
	}
}

// writeError serves the taxonomy error body `{name, message, details?}` with
// the status the error kind maps to.
func writeError(w http.ResponseWriter, err error) {
	body := map[string]any{
		"name":    errors.KindData,
		"message": err.Error(),
	}
	if typed, ok := errors.As(err); ok {
		body["name"] = typed.Kind
		body["message"] = typed.Message
		if len(typed.Details) > 0 {
			body["details"] = typed.Details
		}
	}
	writeJSON(w, errors.HTTPStatus(err), body)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, errors.NewDataError("failed to read request body", err))
		return nil, false
	}
	return body, true
}

func decodeJSON(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return errors.NewValidationError("request body is not valid JSON", err)
	}
	return nil
}

// acceptsJSON gates endpoints that require Accept: application/json.
func acceptsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// clientAddr is the effective client address: the first X-Forwarded-For hop
// when present, the peer address otherwise.
func clientAddr(r *http.Request) (netip.Addr, bool) {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr, true
		}
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

func checkIPAllowed(r *http.Request, config *workflow.Config) error {
	if len(config.IPAllowList) == 0 {
		return nil
	}
	addr, ok := clientAddr(r)
	if !ok || !config.IPAllowed(addr) {
		return errors.NewNotAllowedError("client address is not in the workflow allow-list", nil)
	}
	return nil
}

// oauthError serves the OAuth2-shaped error body the OID4VCI endpoints use.
func oauthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]any{
		"error":             code,
		"error_description": description,
	})
}

// writeProtocolError serves any error from the OID4VCI surface in its OAuth2
// shape, preserving extra members such as c_nonce and authorization_request.
func writeProtocolError(w http.ResponseWriter, err error) {
	pe := oid4vci.AsProtocolError(err)
	writeJSON(w, pe.HTTPStatus(), pe.Payload())
}
