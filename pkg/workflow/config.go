// Package workflow models tenant-owned workflow configurations: the
// credential templates, step graph, and delegated capabilities that
// parameterize every exchange run against them.
package workflow

import (
	"encoding/json"
	"net/netip"

	"github.com/openvcx/exchanger/pkg/vc"
	"github.com/openvcx/exchanger/pkg/zcap"
)

// Config is a workflow configuration. It is immutable except through
// sequenced updates by its controller.
type Config struct {
	ID         string `json:"id,omitempty"`
	Controller string `json:"controller"`
	Sequence   uint64 `json:"sequence"`
	MeterID    string `json:"meterId,omitempty"`

	// Zcaps maps reference ids to delegated capabilities. The known ids
	// (issue, credentialStatus, createChallenge, verifyPresentation) have
	// fixed meaning; other ids are user-defined and referenced from steps.
	Zcaps map[string]*zcap.Capability `json:"zcaps,omitempty"`

	CredentialTemplates []CredentialTemplate `json:"credentialTemplates,omitempty"`

	Steps       map[string]*Step `json:"steps,omitempty"`
	InitialStep string           `json:"initialStep,omitempty"`

	IssuerInstances []IssuerInstance `json:"issuerInstances,omitempty"`

	Authorization *Authorization `json:"authorization,omitempty"`

	IPAllowList []string `json:"ipAllowList,omitempty"`
}

// CredentialTemplate is a JSONata expression that evaluates to a complete
// credential object.
type CredentialTemplate struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Template string `json:"template"`
}

// IssuerInstance declares which formats a delegated issuer supports and the
// zcap reference ids that reach it.
type IssuerInstance struct {
	SupportedFormats []string `json:"supportedFormats"`
	ZcapReferenceIDs []string `json:"zcapReferenceIds"`
}

// Authorization enables OAuth2 access to the workflow and its exchanges, in
// addition to zcap-based access.
type Authorization struct {
	OAuth2 *OAuth2Authorization `json:"oauth2,omitempty"`
}

// OAuth2Authorization names the authorization server whose access tokens are
// accepted.
type OAuth2Authorization struct {
	IssuerConfigURL string   `json:"issuerConfigUrl"`
	MaxClockSkew    int      `json:"maxClockSkew,omitempty"`
	Scopes          []string `json:"scopes,omitempty"`
}

// Step is one node of the step graph: either a static descriptor or a
// JSONata step template evaluated per request.
type Step struct {
	// Template is set for the dynamic variant.
	Template *StepTemplate

	// Descriptor is set for the static variant.
	Descriptor *StepDescriptor
}

// StepTemplate is the dynamic step variant.
type StepTemplate struct {
	Type     string `json:"type"`
	Template string `json:"template"`
}

// UnmarshalJSON distinguishes the two step variants: an object with a
// stepTemplate key is dynamic, anything else parses as a static descriptor.
func (s *Step) UnmarshalJSON(data []byte) error {
	var probe struct {
		StepTemplate *StepTemplate `json:"stepTemplate"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.StepTemplate != nil {
		s.Template = probe.StepTemplate
		s.Descriptor = nil
		return nil
	}
	var descriptor StepDescriptor
	if err := json.Unmarshal(data, &descriptor); err != nil {
		return err
	}
	s.Descriptor = &descriptor
	s.Template = nil
	return nil
}

// MarshalJSON emits whichever variant is set.
func (s Step) MarshalJSON() ([]byte, error) {
	if s.Template != nil {
		return json.Marshal(map[string]any{"stepTemplate": s.Template})
	}
	return json.Marshal(s.Descriptor)
}

// StepDescriptor is the evaluated form of a step; the engine consumes this
// regardless of whether it came from a static step or a step template.
type StepDescriptor struct {
	CreateChallenge               bool                    `json:"createChallenge,omitempty"`
	VerifiablePresentationRequest *vc.PresentationRequest `json:"verifiablePresentationRequest,omitempty"`
	PresentationSchema            *PresentationSchema     `json:"presentationSchema,omitempty"`
	AllowUnprotectedPresentation  bool                    `json:"allowUnprotectedPresentation,omitempty"`
	JWTDIDProofRequest            map[string]any          `json:"jwtDidProofRequest,omitempty"`
	OpenID                        *OpenIDStep             `json:"openId,omitempty"`
	IssueRequests                 []IssueRequest          `json:"issueRequests,omitempty"`
	VerifiableCredentials         []any                   `json:"verifiableCredentials,omitempty"`
	InviteRequest                 any                     `json:"inviteRequest,omitempty"`
	NextStep                      string                  `json:"nextStep,omitempty"`
}

// PresentationSchema is a JSON schema applied to a submitted presentation.
type PresentationSchema struct {
	Type       string         `json:"type"`
	JSONSchema map[string]any `json:"jsonSchema"`
}

// IssueRequest references a credential template by id or index, optionally
// overriding variables for that evaluation.
type IssueRequest struct {
	CredentialTemplateID    string         `json:"credentialTemplateId,omitempty"`
	CredentialTemplateIndex *int           `json:"credentialTemplateIndex,omitempty"`
	Variables               map[string]any `json:"variables,omitempty"`
	Format                  string         `json:"format,omitempty"`
}

// OpenIDStep configures OID4VP for a step, either in the legacy single-client
// form or through named client profiles.
type OpenIDStep struct {
	CreateAuthorizationRequest *string                   `json:"createAuthorizationRequest,omitempty"`
	ClientIDScheme             string                    `json:"client_id_scheme,omitempty"`
	ClientID                   string                    `json:"client_id,omitempty"`
	ResponseMode               string                    `json:"response_mode,omitempty"`
	ClientProfiles             map[string]*ClientProfile `json:"clientProfiles,omitempty"`
}

// ClientProfile is the per-profile OID4VP configuration.
type ClientProfile struct {
	ClientIDScheme   string            `json:"client_id_scheme,omitempty"`
	ClientID         string            `json:"client_id,omitempty"`
	ResponseMode     string            `json:"response_mode,omitempty"`
	ClientMetadata   map[string]any    `json:"client_metadata,omitempty"`
	ZcapReferenceIDs map[string]string `json:"zcapReferenceIds,omitempty"`
}

// Profile resolves a named client profile, falling back to the legacy
// single-client form for the empty profile name.
func (o *OpenIDStep) Profile(name string) *ClientProfile {
	if o == nil {
		return nil
	}
	if name == "" || name == "default" {
		if p, ok := o.ClientProfiles[name]; ok {
			return p
		}
		if o.ClientProfiles == nil {
			return &ClientProfile{
				ClientIDScheme: o.ClientIDScheme,
				ClientID:       o.ClientID,
				ResponseMode:   o.ResponseMode,
			}
		}
		return nil
	}
	return o.ClientProfiles[name]
}

// TemplateByRef resolves an issue request's template reference against the
// config's ordered template list. Returns nil when the reference is dangling.
func (c *Config) TemplateByRef(req *IssueRequest) *CredentialTemplate {
	if req.CredentialTemplateID != "" {
		for i := range c.CredentialTemplates {
			if c.CredentialTemplates[i].ID == req.CredentialTemplateID {
				return &c.CredentialTemplates[i]
			}
		}
		return nil
	}
	index := 0
	if req.CredentialTemplateIndex != nil {
		index = *req.CredentialTemplateIndex
	}
	if index < 0 || index >= len(c.CredentialTemplates) {
		return nil
	}
	return &c.CredentialTemplates[index]
}

// IPAllowed reports whether addr falls inside the config's allow-list. An
// absent allow-list admits every address.
func (c *Config) IPAllowed(addr netip.Addr) bool {
	if len(c.IPAllowList) == 0 {
		return true
	}
	for _, cidr := range c.IPAllowList {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			continue
		}
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
