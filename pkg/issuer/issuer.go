// Package issuer is the client for the delegated credential issuance
// service.
package issuer

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"

	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/vc"
	"github.com/openvcx/exchanger/pkg/zcap"
)

// maxParallelIssuance bounds concurrent invocations during batch issuance.
const maxParallelIssuance = 4

// Client invokes the delegated issue capability.
type Client struct {
	invoker *zcap.Invoker
}

// NewClient creates an issuer client on a capability invoker.
func NewClient(invoker *zcap.Invoker) *Client {
	return &Client{invoker: invoker}
}

// Request is one credential to issue. Options ride through to the issuer
// service untouched (for example the securing mechanism or a status list
// assignment).
type Request struct {
	Credential map[string]any
	Options    map[string]any
}

// Issue sends one credential to the issuer service and returns the signed
// result. A result secured as VC-JWT comes back wrapped as an
// EnvelopedVerifiableCredential so issued credentials always carry a uniform
// object shape.
func (c *Client) Issue(ctx context.Context, capability *zcap.Capability, req Request) (any, error) {
	if len(req.Credential) == 0 {
		return nil, errors.NewDataError("no credential to issue", nil)
	}

	body := map[string]any{"credential": req.Credential}
	if len(req.Options) > 0 {
		body["options"] = req.Options
	}

	var response struct {
		VerifiableCredential json.RawMessage `json:"verifiableCredential"`
	}
	if err := c.invoker.Invoke(ctx, capability, "write", body, &response); err != nil {
		return nil, err
	}
	if len(response.VerifiableCredential) == 0 {
		return nil, errors.NewDataError("issuer service returned no credential", nil)
	}
	return normalizeIssued(response.VerifiableCredential)
}

// IssueBatch issues every request concurrently and returns the signed
// credentials in request order. Any single failure fails the batch.
func (c *Client) IssueBatch(ctx context.Context, capability *zcap.Capability, reqs []Request) ([]any, error) {
	issued := make([]any, len(reqs))
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(maxParallelIssuance)
	for i, req := range reqs {
		group.Go(func() error {
			credential, err := c.Issue(ctx, capability, req)
			if err != nil {
				return err
			}
			issued[i] = credential
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return issued, nil
}

// normalizeIssued maps the issuer's response onto the shape stored in step
// results: objects pass through, compact VC-JWT strings are enveloped.
func normalizeIssued(raw json.RawMessage) (any, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if !vc.IsJWT(asString) {
			return nil, errors.NewDataError("issuer service returned an unrecognized credential string", nil)
		}
		return vc.EnvelopeCredentialJWT(asString), nil
	}
	var asObject map[string]any
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return nil, errors.NewDataError("failed to decode issued credential", err)
	}
	return asObject, nil
}
