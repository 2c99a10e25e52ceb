package vc

import (
	"strings"
)

const jwtDataURLPrefix = "data:application/jwt,"

// EnvelopeCredentialJWT wraps a VC-JWT string as a v2
// EnvelopedVerifiableCredential for inclusion inside a v2 presentation.
func EnvelopeCredentialJWT(token string) *EnvelopedCredential {
	return &EnvelopedCredential{
		Context: ContextV2URL,
		ID:      jwtDataURLPrefix + token,
		Type:    EnvelopedCredentialType,
	}
}

// EnvelopePresentationJWT wraps a VP-JWT string as a v2
// EnvelopedVerifiablePresentation object.
func EnvelopePresentationJWT(token string) map[string]any {
	return map[string]any{
		"@context": ContextV2URL,
		"id":       jwtDataURLPrefix + token,
		"type":     EnvelopedPresentationType,
	}
}

// UnwrapEnvelopedJWT extracts the compact JWT from an enveloped credential or
// presentation object. The second return is false when the value is not an
// enveloped artifact carrying a JWT data URL.
func UnwrapEnvelopedJWT(value any) (string, bool) {
	var id string
	switch v := value.(type) {
	case *EnvelopedCredential:
		id = v.ID
	case EnvelopedCredential:
		id = v.ID
	case map[string]any:
		typ, _ := v["type"].(string)
		if typ != EnvelopedCredentialType && typ != EnvelopedPresentationType {
			return "", false
		}
		id, _ = v["id"].(string)
	default:
		return "", false
	}
	if !strings.HasPrefix(id, jwtDataURLPrefix) {
		return "", false
	}
	return strings.TrimPrefix(id, jwtDataURLPrefix), true
}

// TransformEmbedded rewrites every VC-JWT string inside the presentation's
// verifiableCredential array into its v2 enveloped form. Presentations
// submitted as VC-JWTs carry their credentials this way, and results are
// captured in the enveloped form only.
func TransformEmbedded(p *Presentation) {
	for i, cred := range p.VerifiableCredential {
		if s, ok := cred.(string); ok && IsJWT(s) {
			p.VerifiableCredential[i] = EnvelopeCredentialJWT(s)
		}
	}
}

// EffectiveCredentials returns the presentation's credentials with enveloped
// entries decoded to plain credential objects, for schema validation against
// the effective (post-unwrap) content.
func EffectiveCredentials(p *Presentation) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(p.VerifiableCredential))
	for _, cred := range p.VerifiableCredential {
		if token, ok := UnwrapEnvelopedJWT(cred); ok {
			decoded, err := DecodeCredentialJWT(token)
			if err != nil {
				return nil, err
			}
			out = append(out, decoded)
			continue
		}
		if s, ok := cred.(string); ok && IsJWT(s) {
			decoded, err := DecodeCredentialJWT(s)
			if err != nil {
				return nil, err
			}
			out = append(out, decoded)
			continue
		}
		if m, ok := cred.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}
