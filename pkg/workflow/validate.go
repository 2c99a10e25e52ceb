package workflow

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/template"
	"github.com/openvcx/exchanger/pkg/zcap"
)

// Validate checks a workflow configuration. create selects the rules that
// only apply on first write (sequence must be zero). Failures return a
// ValidationError whose details carry one message per offending field.
func Validate(config *Config, create bool) error {
	var problems []string

	if config.Controller == "" {
		problems = append(problems, "controller is required")
	}
	if create && config.Sequence != 0 {
		problems = append(problems, "sequence must be 0 on creation")
	}

	problems = append(problems, validateZcaps(config)...)
	problems = append(problems, validateTemplates(config)...)
	problems = append(problems, validateSteps(config)...)
	problems = append(problems, validateIPAllowList(config)...)

	if config.Authorization != nil && config.Authorization.OAuth2 != nil {
		oauth2 := config.Authorization.OAuth2
		if oauth2.IssuerConfigURL == "" {
			problems = append(problems, "authorization.oauth2.issuerConfigUrl is required")
		} else if !strings.HasPrefix(oauth2.IssuerConfigURL, "https://") &&
			!strings.HasPrefix(oauth2.IssuerConfigURL, "http://localhost") &&
			!strings.HasPrefix(oauth2.IssuerConfigURL, "http://127.0.0.1") {
			problems = append(problems, "authorization.oauth2.issuerConfigUrl must be HTTPS")
		}
	}

	if len(problems) > 0 {
		return errors.NewValidationError("invalid workflow config", nil).
			WithDetails(map[string]any{"errors": problems})
	}
	return nil
}

func validateZcaps(config *Config) []string {
	var problems []string
	for refID, capability := range config.Zcaps {
		if capability == nil {
			problems = append(problems, fmt.Sprintf("zcaps.%s must be a capability", refID))
			continue
		}
		if capability.InvocationTarget == "" {
			problems = append(problems, fmt.Sprintf("zcaps.%s is missing an invocation target", refID))
		}
	}

	// user-defined reference ids are only legal when a step names them
	declared := declaredReferenceIDs(config)
	for refID := range config.Zcaps {
		if slices.Contains(zcap.KnownReferenceIDs, refID) || declared[refID] {
			continue
		}
		problems = append(problems, fmt.Sprintf("zcaps.%s is not a known or declared reference id", refID))
	}
	return problems
}

// declaredReferenceIDs collects the user-defined zcap reference ids that
// static steps name (for example OID4VP authorization-request signing keys).
func declaredReferenceIDs(config *Config) map[string]bool {
	declared := map[string]bool{}
	for _, step := range config.Steps {
		if step == nil || step.Descriptor == nil || step.Descriptor.OpenID == nil {
			continue
		}
		for _, profile := range step.Descriptor.OpenID.ClientProfiles {
			for _, refID := range profile.ZcapReferenceIDs {
				declared[refID] = true
			}
		}
	}
	for _, instance := range config.IssuerInstances {
		for _, refID := range instance.ZcapReferenceIDs {
			declared[refID] = true
		}
	}
	return declared
}

func validateTemplates(config *Config) []string {
	var problems []string
	if len(config.CredentialTemplates) > 0 {
		if _, ok := config.Zcaps[zcap.RefIssue]; !ok {
			problems = append(problems, "credentialTemplates require an issue zcap")
		}
	}
	for i, tmpl := range config.CredentialTemplates {
		if tmpl.Type != template.TypeJSONata {
			problems = append(problems, fmt.Sprintf(
				"credentialTemplates[%d].type must be %q", i, template.TypeJSONata))
		}
		if tmpl.Template == "" {
			problems = append(problems, fmt.Sprintf("credentialTemplates[%d].template is required", i))
		}
	}
	return problems
}

func validateSteps(config *Config) []string {
	var problems []string

	if len(config.Steps) > 0 && config.InitialStep == "" {
		problems = append(problems, "initialStep is required when steps are configured")
	}
	if config.InitialStep != "" {
		if _, ok := config.Steps[config.InitialStep]; !ok {
			problems = append(problems, fmt.Sprintf("initialStep %q does not exist", config.InitialStep))
		}
	}

	for name, step := range config.Steps {
		if step == nil {
			problems = append(problems, fmt.Sprintf("steps.%s must be an object", name))
			continue
		}
		if step.Template != nil {
			if step.Template.Type != template.TypeJSONata {
				problems = append(problems, fmt.Sprintf(
					"steps.%s.stepTemplate.type must be %q", name, template.TypeJSONata))
			}
			if step.Template.Template == "" {
				problems = append(problems, fmt.Sprintf("steps.%s.stepTemplate.template is required", name))
			}
			continue
		}
		problems = append(problems, validateDescriptor(name, config, step.Descriptor)...)
	}
	return problems
}

func validateDescriptor(name string, config *Config, descriptor *StepDescriptor) []string {
	var problems []string

	if descriptor.NextStep != "" {
		if _, ok := config.Steps[descriptor.NextStep]; !ok {
			problems = append(problems, fmt.Sprintf(
				"steps.%s.nextStep %q does not exist", name, descriptor.NextStep))
		}
		if descriptor.NextStep == name {
			problems = append(problems, fmt.Sprintf("steps.%s.nextStep must not self-reference", name))
		}
	}

	if schema := descriptor.PresentationSchema; schema != nil {
		if schema.Type != "JsonSchema" {
			problems = append(problems, fmt.Sprintf(
				"steps.%s.presentationSchema.type must be \"JsonSchema\"", name))
		}
		if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema.JSONSchema)); err != nil {
			problems = append(problems, fmt.Sprintf(
				"steps.%s.presentationSchema.jsonSchema does not compile: %v", name, err))
		}
	}

	for i, req := range descriptor.IssueRequests {
		if config.TemplateByRef(&descriptor.IssueRequests[i]) == nil {
			ref := req.CredentialTemplateID
			if ref == "" && req.CredentialTemplateIndex != nil {
				ref = fmt.Sprintf("index %d", *req.CredentialTemplateIndex)
			}
			problems = append(problems, fmt.Sprintf(
				"steps.%s.issueRequests[%d] references unknown credential template %s", name, i, ref))
		}
	}

	if openID := descriptor.OpenID; openID != nil {
		for profile, cfg := range openID.ClientProfiles {
			if cfg == nil {
				problems = append(problems, fmt.Sprintf(
					"steps.%s.openId.clientProfiles.%s must be an object", name, profile))
				continue
			}
			for use, refID := range cfg.ZcapReferenceIDs {
				if _, ok := config.Zcaps[refID]; !ok {
					problems = append(problems, fmt.Sprintf(
						"steps.%s.openId.clientProfiles.%s.zcapReferenceIds.%s references unknown zcap %q",
						name, profile, use, refID))
				}
			}
		}
	}
	return problems
}

func validateIPAllowList(config *Config) []string {
	var problems []string
	for i, cidr := range config.IPAllowList {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			problems = append(problems, fmt.Sprintf("ipAllowList[%d] is not a valid CIDR: %q", i, cidr))
		}
	}
	return problems
}
