package workflow

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/logger"
)

// Registry validates and stores workflow configurations.
type Registry struct {
	store   Store
	baseURL string
}

// NewRegistry creates a Registry. baseURL is the absolute URL workflow ids
// are minted under, e.g. https://exchanger.example/workflows.
func NewRegistry(store Store, baseURL string) *Registry {
	return &Registry{store: store, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// LocalID extracts the path-local workflow id from a full workflow URL.
func LocalID(workflowID string) string {
	if i := strings.LastIndexByte(workflowID, '/'); i >= 0 {
		return workflowID[i+1:]
	}
	return workflowID
}

// IDFor returns the full workflow URL for a path-local id.
func (r *Registry) IDFor(localID string) string {
	return r.baseURL + "/" + localID
}

// Create validates and stores a new configuration, minting its id when the
// caller did not choose one.
func (r *Registry) Create(ctx context.Context, config *Config) (*Config, error) {
	if err := Validate(config, true); err != nil {
		return nil, err
	}
	if config.ID == "" {
		config.ID = r.IDFor(uuid.NewString())
	} else if !strings.HasPrefix(config.ID, r.baseURL+"/") {
		return nil, errors.NewValidationError("workflow id is outside this service's namespace", nil)
	}
	if err := r.store.Create(ctx, config); err != nil {
		return nil, err
	}
	logger.Infow("workflow created", "workflowId", config.ID, "controller", config.Controller)
	return config, nil
}

// Get loads a configuration by its path-local id.
func (r *Registry) Get(ctx context.Context, localID string) (*Config, error) {
	return r.store.Get(ctx, r.IDFor(localID))
}

// Update applies a sequenced update: the incoming config's sequence must be
// exactly one past the stored sequence, and only the original controller may
// write.
func (r *Registry) Update(ctx context.Context, invoker string, config *Config) (*Config, error) {
	if err := Validate(config, false); err != nil {
		return nil, err
	}
	stored, err := r.store.Get(ctx, config.ID)
	if err != nil {
		return nil, err
	}
	if stored.Controller != invoker {
		// authorization failures never reveal whether the resource exists
		return nil, errors.NewNotAllowedError("not authorized to update this workflow", nil)
	}
	if config.Sequence != stored.Sequence+1 {
		return nil, errors.NewInvalidStateError("workflow sequence does not match", nil)
	}
	if config.Controller != stored.Controller {
		return nil, errors.NewValidationError("controller cannot change", nil)
	}
	if err := r.store.Update(ctx, config, stored.Sequence); err != nil {
		return nil, err
	}
	return config, nil
}

// RevokeZcap records a delegated capability as revoked for a workflow.
func (r *Registry) RevokeZcap(ctx context.Context, localID, zcapID string) error {
	if _, err := r.store.Get(ctx, r.IDFor(localID)); err != nil {
		return err
	}
	return r.store.AddRevocation(ctx, r.IDFor(localID), zcapID)
}

// ZcapRevoked reports whether a capability has been revoked for a workflow.
func (r *Registry) ZcapRevoked(ctx context.Context, localID, zcapID string) (bool, error) {
	return r.store.IsRevoked(ctx, r.IDFor(localID), zcapID)
}
