package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/workflow"
)

func TestResolveStaticStep(t *testing.T) {
	t.Parallel()

	config := engineConfig()
	exchange := &Exchange{ID: "e1", State: StatePending, Expires: time.Now().Add(time.Hour)}

	descriptor, err := ResolveStep(config, exchange, "didAuthn", nil)
	require.NoError(t, err)
	assert.True(t, descriptor.CreateChallenge)
	assert.Equal(t, "issue", descriptor.NextStep)

	_, err = ResolveStep(config, exchange, "missing", nil)
	require.Error(t, err)
	assert.True(t, errors.IsData(err))
}

func TestResolveStepTemplate(t *testing.T) {
	t.Parallel()

	config := engineConfig()
	config.Steps["dynamic"] = &workflow.Step{Template: &workflow.StepTemplate{
		Type: "jsonata",
		Template: `{
		  "createChallenge": variables.wantChallenge,
		  "verifiablePresentationRequest": {
		    "query": [{"type": "QueryByExample"}],
		    "domain": globals.workflow.id
		  },
		  "nextStep": "issue"
		}`,
	}}

	exchange := &Exchange{
		ID:        "e1",
		State:     StateActive,
		Expires:   time.Now().Add(time.Hour),
		Variables: map[string]any{"wantChallenge": true},
	}

	// request input overlays exchange variables
	descriptor, err := ResolveStep(config, exchange, "dynamic", map[string]any{"wantChallenge": false})
	require.NoError(t, err)
	assert.False(t, descriptor.CreateChallenge)
	assert.Equal(t, "issue", descriptor.NextStep)
	require.Len(t, descriptor.VerifiablePresentationRequest.Query, 1)
	assert.Equal(t, config.ID, descriptor.VerifiablePresentationRequest.Domain)

	descriptor, err = ResolveStep(config, exchange, "dynamic", nil)
	require.NoError(t, err)
	assert.True(t, descriptor.CreateChallenge)
}

func TestResolveStepTemplateRejectsUnknownNextStep(t *testing.T) {
	t.Parallel()

	config := engineConfig()
	config.Steps["dynamic"] = &workflow.Step{Template: &workflow.StepTemplate{
		Type:     "jsonata",
		Template: `{"nextStep": "nowhere"}`,
	}}
	exchange := &Exchange{ID: "e1", Expires: time.Now().Add(time.Hour)}

	_, err := ResolveStep(config, exchange, "dynamic", nil)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestResolveSynthesizedStep(t *testing.T) {
	t.Parallel()

	config := &workflow.Config{
		ID: "https://exchanger.example/workflows/w2",
		CredentialTemplates: []workflow.CredentialTemplate{
			{Type: "jsonata", Template: `{}`},
			{Type: "jsonata", Template: `{}`},
		},
	}
	exchange := &Exchange{ID: "e1", Expires: time.Now().Add(time.Hour)}

	descriptor, err := ResolveStep(config, exchange, "", nil)
	require.NoError(t, err)
	require.Len(t, descriptor.IssueRequests, 2)
	assert.Equal(t, 0, *descriptor.IssueRequests[0].CredentialTemplateIndex)
	assert.Equal(t, 1, *descriptor.IssueRequests[1].CredentialTemplateIndex)
	assert.Empty(t, descriptor.NextStep)

	_, err = ResolveStep(&workflow.Config{}, exchange, "", nil)
	require.Error(t, err)
}
