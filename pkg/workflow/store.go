package workflow

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/openvcx/exchanger/pkg/errors"
)

// Store persists workflow configurations and their zcap revocation lists.
type Store interface {
	// Create stores a new config; a colliding id fails with DuplicateError.
	Create(ctx context.Context, config *Config) error

	// Get loads a config by id, or NotFoundError.
	Get(ctx context.Context, id string) (*Config, error)

	// Update replaces a config when the stored sequence matches
	// expectedSequence; otherwise it fails with InvalidStateError.
	Update(ctx context.Context, config *Config, expectedSequence uint64) error

	// AddRevocation marks a delegated capability as revoked for a workflow.
	AddRevocation(ctx context.Context, workflowID, zcapID string) error

	// IsRevoked reports whether a capability has been revoked.
	IsRevoked(ctx context.Context, workflowID, zcapID string) (bool, error)
}

// MemoryStore is the in-process Store used for tests and single-node
// deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	configs     map[string][]byte
	revocations map[string]map[string]bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:     map[string][]byte{},
		revocations: map[string]map[string]bool{},
	}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, config *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[config.ID]; ok {
		return errors.NewDuplicateError("workflow already exists", nil)
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return errors.NewDataError("failed to encode workflow config", err)
	}
	s.configs[config.ID] = raw
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Config, error) {
	s.mu.RLock()
	raw, ok := s.configs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFoundError("workflow not found", nil)
	}
	var config Config
	if err := json.Unmarshal(raw, &config); err != nil {
		return nil, errors.NewDataError("failed to decode workflow config", err)
	}
	return &config, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, config *Config, expectedSequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.configs[config.ID]
	if !ok {
		return errors.NewNotFoundError("workflow not found", nil)
	}
	var stored Config
	if err := json.Unmarshal(raw, &stored); err != nil {
		return errors.NewDataError("failed to decode workflow config", err)
	}
	if stored.Sequence != expectedSequence {
		return errors.NewInvalidStateError("workflow sequence does not match", nil)
	}
	updated, err := json.Marshal(config)
	if err != nil {
		return errors.NewDataError("failed to encode workflow config", err)
	}
	s.configs[config.ID] = updated
	return nil
}

// AddRevocation implements Store.
func (s *MemoryStore) AddRevocation(_ context.Context, workflowID, zcapID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revocations[workflowID] == nil {
		s.revocations[workflowID] = map[string]bool{}
	}
	s.revocations[workflowID][zcapID] = true
	return nil
}

// IsRevoked implements Store.
func (s *MemoryStore) IsRevoked(_ context.Context, workflowID, zcapID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revocations[workflowID][zcapID], nil
}
