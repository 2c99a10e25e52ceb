package exchange

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/template"
	"github.com/openvcx/exchanger/pkg/workflow"
)

// ResolveStep materializes the effective step descriptor for an exchange's
// step: a static step is returned as configured, a step template is
// evaluated against the exchange's variables merged with the request input.
func ResolveStep(config *workflow.Config, exchange *Exchange, stepName string, requestInput map[string]any) (*workflow.StepDescriptor, error) {
	if stepName == "" {
		return synthesizedStep(config)
	}
	raw, ok := config.Steps[stepName]
	if !ok || raw == nil {
		return nil, errors.NewDataError(
			fmt.Sprintf("workflow has no step named %q", stepName), nil)
	}
	if raw.Descriptor != nil {
		return raw.Descriptor, nil
	}

	env := template.Environment{
		Globals: template.Globals{
			Workflow: map[string]any{
				"id":         config.ID,
				"controller": config.Controller,
			},
			Exchange: map[string]any{
				"id":      exchange.ID,
				"state":   string(exchange.State),
				"expires": exchange.Expires.UTC().Format(time.RFC3339),
			},
		},
		Variables: mergeVariables(exchange.Variables, requestInput),
	}
	evaluated, err := template.EvaluateObject(raw.Template.Template, env)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(evaluated)
	if err != nil {
		return nil, errors.NewDataError("failed to encode evaluated step", err)
	}
	var descriptor workflow.StepDescriptor
	if err := json.Unmarshal(encoded, &descriptor); err != nil {
		return nil, errors.NewValidationError(
			"step template did not evaluate to a step descriptor", err)
	}
	if descriptor.NextStep != "" {
		if _, ok := config.Steps[descriptor.NextStep]; !ok {
			return nil, errors.NewValidationError(fmt.Sprintf(
				"step template names unknown nextStep %q", descriptor.NextStep), nil)
		}
	}
	return &descriptor, nil
}

// synthesizedStep covers workflows configured with credential templates but
// no step graph: a single terminal issuance step over every template.
func synthesizedStep(config *workflow.Config) (*workflow.StepDescriptor, error) {
	if len(config.CredentialTemplates) == 0 {
		return nil, errors.NewDataError("workflow has no steps and no credential templates", nil)
	}
	descriptor := &workflow.StepDescriptor{}
	for i := range config.CredentialTemplates {
		index := i
		descriptor.IssueRequests = append(descriptor.IssueRequests,
			workflow.IssueRequest{CredentialTemplateIndex: &index})
	}
	return descriptor, nil
}

func mergeVariables(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// TemplateEnvironment builds the evaluation environment for credential
// templates, merging per-issue-request variable overrides over the
// exchange's variables.
func TemplateEnvironment(config *workflow.Config, exchange *Exchange, overrides map[string]any) template.Environment {
	return template.Environment{
		Globals: template.Globals{
			Workflow: map[string]any{
				"id":         config.ID,
				"controller": config.Controller,
			},
			Exchange: map[string]any{
				"id":      exchange.ID,
				"state":   string(exchange.State),
				"expires": exchange.Expires.UTC().Format(time.RFC3339),
			},
		},
		Variables: mergeVariables(exchange.Variables, overrides),
	}
}
