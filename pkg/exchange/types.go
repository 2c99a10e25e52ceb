// Package exchange holds the exchange state machine: the persistent record
// of one workflow run and the engine every protocol adapter commits its
// transitions through.
package exchange

import (
	"time"

	"github.com/openvcx/exchanger/pkg/errors"
)

// State is the lifecycle state of an exchange.
type State string

// Exchange lifecycle states. State only ever advances pending -> active ->
// complete; expiry removes the record instead of adding a state.
const (
	StatePending  State = "pending"
	StateActive   State = "active"
	StateComplete State = "complete"
)

// TTL bounds for newly created exchanges.
const (
	DefaultTTL = 15 * time.Minute
	MaxTTL     = 30 * 24 * time.Hour
)

// Exchange is one run of a workflow across one or more protocol round trips.
type Exchange struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflowId"`

	// Sequence strictly increases on every mutation; concurrent writers
	// with a stale sequence fail with InvalidStateError.
	Sequence uint64 `json:"sequence"`

	State State `json:"state"`

	// Expires is enforced at read time: an expired exchange behaves as
	// not-found.
	Expires time.Time `json:"expires"`

	// Step is the name of the current step, starting at the workflow's
	// initialStep.
	Step string `json:"step,omitempty"`

	// Variables always carries issuanceDate plus caller-supplied values,
	// and grows results.<stepName> after each successful step.
	Variables map[string]any `json:"variables,omitempty"`

	// OpenID is the issuer-side OID4VCI context, present only for
	// exchanges created for OID4VCI delivery.
	OpenID *OpenIDState `json:"openId,omitempty"`

	// AuthorizationRequest is the OID4VP authorization request payload
	// fixed on first retrieval; the response handler copies it into the
	// step result so the recorded run shows the request the wallet
	// answered.
	AuthorizationRequest map[string]any `json:"authorizationRequest,omitempty"`

	// LastError is the most recent error that prevented advancement.
	LastError *LastError `json:"lastError,omitempty"`
}

// LastError is the recorded shape of the most recent failure.
type LastError struct {
	Name    string         `json:"name"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// OpenIDState carries the OID4VCI context of an exchange. Codes, tokens, and
// nonces in here are scoped to this single exchange and never cross
// exchanges.
type OpenIDState struct {
	ExpectedCredentialRequests []CredentialRequestDescriptor `json:"expectedCredentialRequests,omitempty"`

	OAuth2 *OAuth2State `json:"oauth2,omitempty"`

	PreAuthorizedCode     string `json:"preAuthorizedCode,omitempty"`
	PreAuthorizedCodeUsed bool   `json:"preAuthorizedCodeUsed,omitempty"`
	UserPin               string `json:"userPin,omitempty"`

	Nonce        string    `json:"nonce,omitempty"`
	NonceExpires time.Time `json:"nonceExpires,omitempty"`

	// AccessTokens holds digests of the bearer tokens minted for this
	// exchange.
	AccessTokens []string `json:"accessTokens,omitempty"`
}

// CredentialRequestDescriptor describes one credential request the exchange
// expects at the OID4VCI credential endpoint.
type CredentialRequestDescriptor struct {
	Format               string         `json:"format,omitempty"`
	CredentialDefinition map[string]any `json:"credential_definition,omitempty"`
}

// OAuth2State holds the exchange-scoped signing key for OID4VCI access
// tokens, as JWKs.
type OAuth2State struct {
	KeyPair *KeyPair `json:"keyPair,omitempty"`

	// GenerateKeyPair asks the server to mint the key pair at creation.
	GenerateKeyPair *GenerateKeyPair `json:"generateKeyPair,omitempty"`
}

// KeyPair is a JWK key pair.
type KeyPair struct {
	PrivateKeyJWK map[string]any `json:"privateKeyJwk,omitempty"`
	PublicKeyJWK  map[string]any `json:"publicKeyJwk,omitempty"`
}

// GenerateKeyPair names the algorithm of a server-minted key pair.
type GenerateKeyPair struct {
	Algorithm string `json:"algorithm"`
}

// Results returns the per-step results map, creating it on first use.
func (e *Exchange) Results() map[string]any {
	if e.Variables == nil {
		e.Variables = map[string]any{}
	}
	results, ok := e.Variables["results"].(map[string]any)
	if !ok {
		results = map[string]any{}
		e.Variables["results"] = results
	}
	return results
}

// StepResult returns the recorded result for a step, or nil.
func (e *Exchange) StepResult(step string) map[string]any {
	results, ok := e.Variables["results"].(map[string]any)
	if !ok {
		return nil
	}
	result, _ := results[step].(map[string]any)
	return result
}

// SetStepResult records a step result. Each step's result is written at most
// once; a second write fails with DuplicateError.
func (e *Exchange) SetStepResult(step string, result map[string]any) error {
	results := e.Results()
	if _, ok := results[step]; ok {
		return errors.NewDuplicateError("step result already recorded", nil)
	}
	results[step] = result
	return nil
}

// RecordLastError sets lastError from any error, mapping it through the
// shared taxonomy.
func (e *Exchange) RecordLastError(err error) {
	e.LastError = toLastError(err)
}

func toLastError(err error) *LastError {
	if e, ok := errors.As(err); ok {
		return &LastError{Name: e.Kind, Message: e.Message, Details: e.Details}
	}
	return &LastError{Name: "Error", Message: err.Error()}
}
