package zcap

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/openvcx/exchanger/pkg/didkey"
	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/logger"
)

// InvocationScheme is the Authorization scheme capability invocations use.
const InvocationScheme = "Zcap"

// DefaultTimeout bounds a single capability invocation round trip.
const DefaultTimeout = 30 * time.Second

// invocationTTL bounds how long a signed invocation stays valid.
const invocationTTL = 2 * time.Minute

// Invoker signs capability invocations with the service's own key and POSTs
// them to the capability's invocation target.
type Invoker struct {
	key    ed25519.PrivateKey
	keyID  string
	client *http.Client
}

// NewInvoker creates an Invoker. keyID must be the did:key verification
// method matching key's public half.
func NewInvoker(key ed25519.PrivateKey, keyID string, client *http.Client) *Invoker {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Invoker{key: key, keyID: keyID, client: client}
}

// invocationClaims is the signed envelope that accompanies an invocation.
type invocationClaims struct {
	jwt.RegisteredClaims
	Capability string `json:"zcap"`
	Action     string `json:"action"`
	BodyDigest string `json:"digest,omitempty"`
}

// Invoke POSTs body to the capability's invocation target with a signed
// invocation header and decodes the JSON response into out. Non-2xx
// responses and transport failures surface as DataError.
func (i *Invoker) Invoke(ctx context.Context, capability *Capability, action string, body, out any) error {
	if capability == nil {
		return errors.NewDataError("no capability delegated for this operation", nil)
	}
	if capability.InvocationTarget == "" {
		return errors.NewDataError("capability has no invocation target", nil)
	}
	if !capability.Allows(action) {
		return errors.NewNotAllowedError(
			fmt.Sprintf("capability does not allow action %q", action), nil)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return errors.NewDataError("failed to encode invocation body", err)
	}

	header, err := i.signInvocation(capability, action, payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		capability.InvocationTarget, bytes.NewReader(payload))
	if err != nil {
		return errors.NewDataError("failed to build invocation request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", InvocationScheme+" "+header)

	resp, err := i.client.Do(req)
	if err != nil {
		return errors.NewDataError(
			fmt.Sprintf("capability invocation to %q failed", capability.InvocationTarget), err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.NewDataError("failed to read invocation response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Warnw("capability invocation rejected",
			"target", capability.InvocationTarget, "status", resp.StatusCode)
		return invocationError(resp.StatusCode, responseBody)
	}
	if out != nil && len(responseBody) > 0 {
		if err := json.Unmarshal(responseBody, out); err != nil {
			return errors.NewDataError("failed to decode invocation response", err)
		}
	}
	return nil
}

// AuthorizationHeader signs an invocation for a request the caller sends
// itself and returns the full Authorization header value. body is the raw
// request body, nil for GETs.
func (i *Invoker) AuthorizationHeader(capability *Capability, action string, body []byte) (string, error) {
	token, err := i.signInvocation(capability, action, body)
	if err != nil {
		return "", err
	}
	return InvocationScheme + " " + token, nil
}

func (i *Invoker) signInvocation(capability *Capability, action string, payload []byte) (string, error) {
	digest := sha256.Sum256(payload)
	now := time.Now()
	claims := invocationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Audience:  jwt.ClaimStrings{capability.InvocationTarget},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(invocationTTL)),
			Issuer:    didkey.Controller(i.keyID),
		},
		Capability: capability.ID,
		Action:     action,
		BodyDigest: base64.RawURLEncoding.EncodeToString(digest[:]),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = i.keyID
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", errors.NewDataError("failed to sign capability invocation", err)
	}
	return signed, nil
}

// invocationError maps a target's error response onto the local taxonomy,
// preserving the target's message when it sent a structured body.
func invocationError(status int, body []byte) error {
	message := fmt.Sprintf("capability target responded with status %d", status)
	var parsed struct {
		Name    string `json:"name"`
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		message = parsed.Message
	}
	switch status {
	case http.StatusForbidden, http.StatusUnauthorized:
		return errors.NewNotAllowedError(message, nil)
	case http.StatusNotFound:
		return errors.NewNotFoundError(message, nil)
	default:
		return errors.NewDataError(message, nil)
	}
}
