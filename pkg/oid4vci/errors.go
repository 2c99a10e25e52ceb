// Package oid4vci implements the issuer side of OpenID for Verifiable
// Credential Issuance: credential offers, the token and nonce endpoints,
// and the credential endpoints, all scoped to a single exchange.
package oid4vci

import (
	"net/http"

	"github.com/openvcx/exchanger/pkg/errors"
)

// OAuth-style error codes the endpoints respond with.
const (
	ErrInvalidRequest        = "invalid_request"
	ErrInvalidGrant          = "invalid_grant"
	ErrInvalidToken          = "invalid_token"
	ErrUnsupportedGrantType  = "unsupported_grant_type"
	ErrUnsupportedCredential = "unsupported_credential_type"
	ErrInvalidOrMissingProof = "invalid_or_missing_proof"
	ErrPresentationRequired  = "presentation_required"
	ErrDuplicate             = "duplicate_error"
)

// ProtocolError is an error serialized in the OAuth error shape
// ({error, error_description, ...extras}) instead of the service's native
// error body. It wraps a taxonomy error so lastError recording and status
// mapping stay uniform.
type ProtocolError struct {
	Code        string
	Description string
	Status      int

	// Extra fields merged into the payload (c_nonce, authorization_request).
	Extra map[string]any

	cause error
}

func (e *ProtocolError) Error() string {
	if e.Description != "" {
		return e.Code + ": " + e.Description
	}
	return e.Code
}

func (e *ProtocolError) Unwrap() error { return e.cause }

// Payload returns the JSON body for this error.
func (e *ProtocolError) Payload() map[string]any {
	payload := map[string]any{"error": e.Code}
	if e.Description != "" {
		payload["error_description"] = e.Description
	}
	for k, v := range e.Extra {
		payload[k] = v
	}
	return payload
}

// HTTPStatus returns the response status for this error.
func (e *ProtocolError) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return http.StatusBadRequest
}

func protocolError(code, description string, cause error) *ProtocolError {
	return &ProtocolError{Code: code, Description: description, cause: cause}
}

// AsProtocolError maps any error onto the OAuth error shape. ProtocolErrors
// pass through; taxonomy errors map by kind (a completed exchange becomes
// duplicate_error) and everything else becomes invalid_request.
func AsProtocolError(err error) *ProtocolError {
	if p, ok := err.(*ProtocolError); ok {
		return p
	}
	typed, ok := errors.As(err)
	if !ok {
		return &ProtocolError{
			Code:        ErrInvalidRequest,
			Description: err.Error(),
			Status:      http.StatusBadRequest,
			cause:       err,
		}
	}
	code := ErrInvalidRequest
	switch typed.Kind {
	case errors.KindDuplicate:
		code = ErrDuplicate
	case errors.KindNotAllowed:
		code = ErrInvalidGrant
	}
	return &ProtocolError{
		Code:        code,
		Description: typed.Message,
		Status:      errors.HTTPStatus(typed),
		cause:       err,
	}
}
