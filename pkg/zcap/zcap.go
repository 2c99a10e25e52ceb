// Package zcap carries authorization capabilities opaquely and invokes them
// against their target services. The exchanger never inspects delegation
// chains itself; it signs invocations with its own key and lets the target
// verify them.
package zcap

import (
	"encoding/json"
)

// Well-known capability reference ids a workflow configuration may carry.
const (
	RefIssue              = "issue"
	RefCredentialStatus   = "credentialStatus"
	RefCreateChallenge    = "createChallenge"
	RefVerifyPresentation = "verifyPresentation"
)

// KnownReferenceIDs lists the reference ids with fixed meaning. Any other id
// is user-defined (for example an OID4VP authorization-request signing key).
var KnownReferenceIDs = []string{
	RefIssue, RefCredentialStatus, RefCreateChallenge, RefVerifyPresentation,
}

// Capability is a delegated authorization capability. Only the fields the
// exchanger routes on are surfaced; everything else rides along in Raw so a
// capability round-trips byte-for-byte to the invocation layer.
type Capability struct {
	ID               string
	Controller       string
	InvocationTarget string
	AllowedAction    []string

	// Raw is the capability exactly as it was delegated to us.
	Raw json.RawMessage
}

type capabilityFields struct {
	ID               string `json:"id"`
	Controller       string `json:"controller"`
	InvocationTarget any    `json:"invocationTarget"`
	AllowedAction    any    `json:"allowedAction"`
}

// UnmarshalJSON keeps the full capability in Raw while lifting the routed
// fields.
func (c *Capability) UnmarshalJSON(data []byte) error {
	var fields capabilityFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	c.ID = fields.ID
	c.Controller = fields.Controller
	c.InvocationTarget = invocationTarget(fields.InvocationTarget)
	c.AllowedAction = allowedActions(fields.AllowedAction)
	c.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON emits the capability as delegated.
func (c Capability) MarshalJSON() ([]byte, error) {
	if len(c.Raw) > 0 {
		return c.Raw, nil
	}
	return json.Marshal(capabilityFields{
		ID:               c.ID,
		Controller:       c.Controller,
		InvocationTarget: c.InvocationTarget,
		AllowedAction:    c.AllowedAction,
	})
}

// invocationTarget handles both the string form and the object form
// ({id, type}) of a capability's invocation target.
func invocationTarget(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if id, ok := t["id"].(string); ok {
			return id
		}
	}
	return ""
}

func allowedActions(v any) []string {
	switch a := v.(type) {
	case string:
		return []string{a}
	case []any:
		var out []string
		for _, item := range a {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Allows reports whether the capability permits the given action. An absent
// allowedAction list permits everything the target accepts.
func (c *Capability) Allows(action string) bool {
	if len(c.AllowedAction) == 0 {
		return true
	}
	for _, a := range c.AllowedAction {
		if a == action {
			return true
		}
	}
	return false
}
