package exchange

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/openvcx/exchanger/pkg/errors"
)

// Store persists exchanges keyed by (workflowId, exchangeId). All
// transitions for one exchange linearize through the sequence field.
type Store interface {
	// Create stores a new exchange; a colliding id fails with
	// DuplicateError.
	Create(ctx context.Context, exchange *Exchange) error

	// Load returns an exchange or NotFoundError. Expired exchanges are
	// indistinguishable from nonexistent ones.
	Load(ctx context.Context, workflowID, exchangeID string) (*Exchange, error)

	// Update replaces an exchange when the stored sequence matches
	// expectedSequence; otherwise InvalidStateError.
	Update(ctx context.Context, exchange *Exchange, expectedSequence uint64) error

	// UpdateLastError records lastError best-effort, without touching the
	// sequence. Racing writers may overwrite each other; that is benign
	// because lastError never advances state.
	UpdateLastError(ctx context.Context, workflowID, exchangeID string, lastError *LastError) error
}

type memoryKey struct{ workflowID, exchangeID string }

// MemoryStore is the in-process Store used for tests and single-node
// deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[memoryKey][]byte
	clock clockwork.Clock
}

// NewMemoryStore creates a MemoryStore on the given clock.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{items: map[memoryKey][]byte{}, clock: clock}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, exchange *Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey{exchange.WorkflowID, exchange.ID}
	if raw, ok := s.items[key]; ok {
		// an expired record does not block id reuse
		var stored Exchange
		if err := json.Unmarshal(raw, &stored); err == nil && stored.Expires.After(s.clock.Now()) {
			return errors.NewDuplicateError("exchange already exists", nil)
		}
	}
	raw, err := json.Marshal(exchange)
	if err != nil {
		return errors.NewDataError("failed to encode exchange", err)
	}
	s.items[key] = raw
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, workflowID, exchangeID string) (*Exchange, error) {
	s.mu.RLock()
	raw, ok := s.items[memoryKey{workflowID, exchangeID}]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFoundError("exchange not found", nil)
	}
	var exchange Exchange
	if err := json.Unmarshal(raw, &exchange); err != nil {
		return nil, errors.NewDataError("failed to decode exchange", err)
	}
	if !exchange.Expires.After(s.clock.Now()) {
		return nil, errors.NewNotFoundError("exchange not found", nil)
	}
	return &exchange, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, exchange *Exchange, expectedSequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey{exchange.WorkflowID, exchange.ID}
	raw, ok := s.items[key]
	if !ok {
		return errors.NewNotFoundError("exchange not found", nil)
	}
	var stored Exchange
	if err := json.Unmarshal(raw, &stored); err != nil {
		return errors.NewDataError("failed to decode exchange", err)
	}
	if !stored.Expires.After(s.clock.Now()) {
		return errors.NewNotFoundError("exchange not found", nil)
	}
	if stored.Sequence != expectedSequence {
		return errors.NewInvalidStateError("exchange sequence does not match", nil)
	}
	updated, err := json.Marshal(exchange)
	if err != nil {
		return errors.NewDataError("failed to encode exchange", err)
	}
	s.items[key] = updated
	return nil
}

// UpdateLastError implements Store.
func (s *MemoryStore) UpdateLastError(_ context.Context, workflowID, exchangeID string, lastError *LastError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey{workflowID, exchangeID}
	raw, ok := s.items[key]
	if !ok {
		return nil
	}
	var stored Exchange
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil
	}
	stored.LastError = lastError
	if updated, err := json.Marshal(&stored); err == nil {
		s.items[key] = updated
	}
	return nil
}
