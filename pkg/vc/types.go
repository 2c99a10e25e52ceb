// Package vc models W3C Verifiable Credentials, Presentations, and
// Verifiable Presentation Requests, plus the VC-JWT and enveloped forms the
// exchange protocols move them in.
package vc

// Context URLs for the two credential data model versions.
const (
	ContextV1URL = "https://www.w3.org/2018/credentials/v1"
	ContextV2URL = "https://www.w3.org/ns/credentials/v2"
)

// Type names for enveloped artifacts (VC data model v2).
const (
	EnvelopedCredentialType   = "EnvelopedVerifiableCredential"
	EnvelopedPresentationType = "EnvelopedVerifiablePresentation"
)

// Presentation represents a W3C Verifiable Presentation. Polymorphic fields
// (single value or array, string or object) are kept as any; use the helper
// accessors instead of type-asserting at call sites.
type Presentation struct {
	Context              any    `json:"@context"`
	ID                   string `json:"id,omitempty"`
	Type                 any    `json:"type"`
	Holder               any    `json:"holder,omitempty"`
	VerifiableCredential []any  `json:"verifiableCredential,omitempty"`
	Proof                any    `json:"proof,omitempty"`
}

// EnvelopedCredential is the v2 wrapper around a credential carried in a
// non-JSON-LD securing mechanism such as VC-JWT. The ID is a data: URL whose
// media type names the envelope.
type EnvelopedCredential struct {
	Context any    `json:"@context"`
	ID      string `json:"id"`
	Type    string `json:"type"`
}

// HasType reports whether typ (a string or an array of strings) contains want.
func HasType(typ any, want string) bool {
	switch t := typ.(type) {
	case string:
		return t == want
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && s == want {
				return true
			}
		}
	case []string:
		for _, s := range t {
			if s == want {
				return true
			}
		}
	}
	return false
}

// HolderID returns the holder identifier regardless of whether the holder is
// expressed as a string or as an object with an id property.
func (p *Presentation) HolderID() string {
	switch h := p.Holder.(type) {
	case string:
		return h
	case map[string]any:
		if id, ok := h["id"].(string); ok {
			return id
		}
	}
	return ""
}

// IsType reports whether the presentation carries the given type.
func (p *Presentation) IsType(want string) bool {
	return HasType(p.Type, want)
}

// SubjectID returns credentialSubject.id from a credential expressed as a
// generic JSON object, or "" when absent.
func SubjectID(credential map[string]any) string {
	switch subject := credential["credentialSubject"].(type) {
	case map[string]any:
		if id, ok := subject["id"].(string); ok {
			return id
		}
	case []any:
		if len(subject) > 0 {
			if m, ok := subject[0].(map[string]any); ok {
				if id, ok := m["id"].(string); ok {
					return id
				}
			}
		}
	}
	return ""
}

// IssuerID returns the issuer identifier from a credential expressed as a
// generic JSON object, handling both string and object issuers.
func IssuerID(credential map[string]any) string {
	switch issuer := credential["issuer"].(type) {
	case string:
		return issuer
	case map[string]any:
		if id, ok := issuer["id"].(string); ok {
			return id
		}
	}
	return ""
}

// HasContext reports whether ctx (a string or array) contains the given URL.
func HasContext(ctx any, url string) bool {
	return HasType(ctx, url)
}
