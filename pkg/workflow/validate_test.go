package workflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/vc"
	"github.com/openvcx/exchanger/pkg/zcap"
)

func didAuthnRequest() *vc.PresentationRequest {
	return &vc.PresentationRequest{
		Query: []vc.Query{{Type: vc.QueryTypeDIDAuthentication}},
	}
}

func testCapability(target string) *zcap.Capability {
	return &zcap.Capability{ID: "urn:zcap:" + target, InvocationTarget: "https://example.com/" + target}
}

func validConfig() *Config {
	return &Config{
		Controller: "did:key:z6MkController",
		MeterID:    "https://meters.example/m1",
		Zcaps: map[string]*zcap.Capability{
			zcap.RefIssue:              testCapability("issue"),
			zcap.RefCreateChallenge:    testCapability("challenges"),
			zcap.RefVerifyPresentation: testCapability("verify"),
		},
		CredentialTemplates: []CredentialTemplate{
			{ID: "degree", Type: "jsonata", Template: `{"type": "VerifiableCredential"}`},
		},
		Steps: map[string]*Step{
			"didAuthn": {Descriptor: &StepDescriptor{
				CreateChallenge:               true,
				VerifiablePresentationRequest: didAuthnRequest(),
			}},
		},
		InitialStep: "didAuthn",
	}
}

func TestValidateAccepts(t *testing.T) {
	t.Parallel()
	require.NoError(t, Validate(validConfig(), true))
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		problem string
	}{
		{
			"templates without issue zcap",
			func(c *Config) { delete(c.Zcaps, zcap.RefIssue) },
			"credentialTemplates require an issue zcap",
		},
		{
			"nonzero sequence on create",
			func(c *Config) { c.Sequence = 3 },
			"sequence must be 0",
		},
		{
			"missing controller",
			func(c *Config) { c.Controller = "" },
			"controller is required",
		},
		{
			"unknown zcap reference id",
			func(c *Config) { c.Zcaps["mystery"] = testCapability("mystery") },
			"not a known or declared reference id",
		},
		{
			"bad cidr",
			func(c *Config) { c.IPAllowList = []string{"10.0.0.0/33"} },
			"not a valid CIDR",
		},
		{
			"dangling initialStep",
			func(c *Config) { c.InitialStep = "missing" },
			`initialStep "missing" does not exist`,
		},
		{
			"dangling nextStep",
			func(c *Config) { c.Steps["didAuthn"].Descriptor.NextStep = "missing" },
			"does not exist",
		},
		{
			"bad template type",
			func(c *Config) { c.CredentialTemplates[0].Type = "handlebars" },
			`type must be "jsonata"`,
		},
		{
			"dangling issueRequest template",
			func(c *Config) {
				c.Steps["didAuthn"].Descriptor.IssueRequests = []IssueRequest{
					{CredentialTemplateID: "missing"},
				}
			},
			"references unknown credential template",
		},
		{
			"presentationSchema wrong type",
			func(c *Config) {
				c.Steps["didAuthn"].Descriptor.PresentationSchema = &PresentationSchema{
					Type: "CBORSchema", JSONSchema: map[string]any{"type": "object"},
				}
			},
			`presentationSchema.type must be "JsonSchema"`,
		},
		{
			"oauth2 without issuerConfigUrl",
			func(c *Config) { c.Authorization = &Authorization{OAuth2: &OAuth2Authorization{}} },
			"issuerConfigUrl is required",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			config := validConfig()
			tc.mutate(config)
			err := Validate(config, true)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err), "want ValidationError, got %v", err)
			e, _ := errors.As(err)
			assert.Contains(t, fmt.Sprint(e.Details["errors"]), tc.problem)
		})
	}
}

func TestValidateDeclaredUserZcap(t *testing.T) {
	t.Parallel()

	config := validConfig()
	config.Zcaps["signAuthzRequestKey"] = testCapability("sign")
	config.Steps["didAuthn"].Descriptor.OpenID = &OpenIDStep{
		ClientProfiles: map[string]*ClientProfile{
			"default": {ZcapReferenceIDs: map[string]string{
				"signAuthorizationRequest": "signAuthzRequestKey",
			}},
		},
	}
	require.NoError(t, Validate(config, true))

	// a profile naming an undeclared zcap fails
	config.Steps["didAuthn"].Descriptor.OpenID.ClientProfiles["default"].
		ZcapReferenceIDs["signAuthorizationRequest"] = "nope"
	err := Validate(config, true)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}
