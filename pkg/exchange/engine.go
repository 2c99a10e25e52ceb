package exchange

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/openvcx/exchanger/pkg/errors"
	"github.com/openvcx/exchanger/pkg/logger"
	"github.com/openvcx/exchanger/pkg/workflow"
)

// maxCommitAttempts bounds the reload-and-reapply loop on sequence
// conflicts.
const maxCommitAttempts = 4

// Engine is the single point where exchange state transitions, completion,
// and error recording occur. Protocol adapters produce intent; the engine
// commits it atomically.
type Engine struct {
	store Store
	clock clockwork.Clock
}

// NewEngine creates an Engine over a Store.
func NewEngine(store Store, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{store: store, clock: clock}
}

// Clock exposes the engine's clock for callers that derive times from it.
func (g *Engine) Clock() clockwork.Clock { return g.clock }

// CreateOptions parameterize a new exchange.
type CreateOptions struct {
	// TTL for the exchange; Expires wins when both are set.
	TTL     time.Duration
	Expires time.Time

	Variables map[string]any
	OpenID    *OpenIDState
}

// Create builds and persists a new exchange for the workflow, minting its id
// and stamping variables.issuanceDate.
func (g *Engine) Create(ctx context.Context, config *workflow.Config, opts CreateOptions) (*Exchange, error) {
	now := g.clock.Now()

	expires := opts.Expires
	if expires.IsZero() {
		ttl := opts.TTL
		if ttl <= 0 {
			ttl = DefaultTTL
		}
		expires = now.Add(ttl)
	}
	if expires.After(now.Add(MaxTTL)) {
		return nil, errors.NewValidationError("exchange ttl exceeds the maximum", nil)
	}
	if !expires.After(now) {
		return nil, errors.NewValidationError("exchange expires in the past", nil)
	}

	variables := map[string]any{
		"issuanceDate": now.UTC().Format("2006-01-02T15:04:05Z"),
	}
	for k, v := range opts.Variables {
		variables[k] = v
	}

	exchange := &Exchange{
		ID:         uuid.NewString(),
		WorkflowID: config.ID,
		Sequence:   0,
		State:      StatePending,
		Expires:    expires,
		Step:       config.InitialStep,
		Variables:  variables,
		OpenID:     opts.OpenID,
	}

	if err := g.prepareOpenID(exchange); err != nil {
		return nil, err
	}
	if err := g.store.Create(ctx, exchange); err != nil {
		return nil, err
	}
	logger.Infow("exchange created",
		"workflowId", config.ID, "exchangeId", exchange.ID, "expires", expires)
	return exchange, nil
}

// prepareOpenID fills in the server-minted parts of the OID4VCI context: the
// pre-authorized code and the exchange-scoped access-token key pair.
func (g *Engine) prepareOpenID(exchange *Exchange) error {
	openID := exchange.OpenID
	if openID == nil {
		return nil
	}
	if openID.OAuth2 != nil && openID.OAuth2.KeyPair == nil {
		pair, err := generateKeyPair()
		if err != nil {
			return err
		}
		openID.OAuth2.KeyPair = pair
		openID.OAuth2.GenerateKeyPair = nil
	}
	return nil
}

func generateKeyPair() (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.NewDataError("failed to generate exchange key pair", err)
	}
	privateJWK, err := jwk.Import(priv)
	if err != nil {
		return nil, errors.NewDataError("failed to import exchange key", err)
	}
	publicJWK, err := privateJWK.PublicKey()
	if err != nil {
		return nil, errors.NewDataError("failed to derive public key", err)
	}
	return &KeyPair{
		PrivateKeyJWK: jwkToMap(privateJWK),
		PublicKeyJWK:  jwkToMap(publicJWK),
	}, nil
}

func jwkToMap(key jwk.Key) map[string]any {
	raw, err := json.Marshal(key)
	if err != nil {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}

// Load returns an exchange; expired exchanges surface as NotFoundError.
func (g *Engine) Load(ctx context.Context, workflowID, exchangeID string) (*Exchange, error) {
	return g.store.Load(ctx, workflowID, exchangeID)
}

// LoadForUse loads an exchange for a mutating protocol call, rejecting
// completed exchanges with DuplicateError and recording that attempt in
// lastError (state stays complete).
func (g *Engine) LoadForUse(ctx context.Context, workflowID, exchangeID string) (*Exchange, error) {
	exchange, err := g.store.Load(ctx, workflowID, exchangeID)
	if err != nil {
		return nil, err
	}
	if exchange.State == StateComplete {
		err := errors.NewDuplicateError("exchange has already been completed", nil)
		g.RecordError(ctx, exchange, err)
		return nil, err
	}
	return exchange, nil
}

// Mutation applies intent to a working copy of an exchange. It must be safe
// to re-run on a freshly loaded copy after a sequence conflict.
type Mutation func(*Exchange) error

// Commit applies a mutation and writes it with the optimistic sequence
// check, reloading and reapplying a bounded number of times on conflict. The
// returned exchange is the committed state.
func (g *Engine) Commit(ctx context.Context, exchange *Exchange, mutate Mutation) (*Exchange, error) {
	current := exchange
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		work, err := cloneExchange(current)
		if err != nil {
			return nil, err
		}
		if err := mutate(work); err != nil {
			return nil, err
		}
		work.Sequence = current.Sequence + 1

		err = g.store.Update(ctx, work, current.Sequence)
		if err == nil {
			return work, nil
		}
		if !errors.IsInvalidState(err) {
			return nil, err
		}
		current, err = g.store.Load(ctx, exchange.WorkflowID, exchange.ID)
		if err != nil {
			return nil, err
		}
	}
	return nil, errors.NewInvalidStateError("exchange is being modified concurrently", nil)
}

// CommitStep records a step result and advances the exchange: to the named
// next step (state active), or to completion when nextStep is empty. The
// result is written at most once per step; a concurrent duplicate surfaces
// as DuplicateError.
func (g *Engine) CommitStep(ctx context.Context, exchange *Exchange, stepName string, result map[string]any, nextStep string) (*Exchange, error) {
	committed, err := g.Commit(ctx, exchange, func(work *Exchange) error {
		if work.State == StateComplete {
			return errors.NewDuplicateError("exchange has already been completed", nil)
		}
		if err := work.SetStepResult(stepName, result); err != nil {
			return err
		}
		// The fixed authorization request belongs to the step that just
		// committed; the next step serves its own.
		work.AuthorizationRequest = nil
		work.Step = nextStep
		if nextStep == "" {
			work.State = StateComplete
		} else {
			work.State = StateActive
		}
		work.LastError = nil
		return nil
	})
	if err != nil {
		g.RecordError(ctx, exchange, err)
		return nil, err
	}
	logger.Infow("exchange step committed",
		"workflowId", exchange.WorkflowID, "exchangeId", exchange.ID,
		"step", stepName, "state", committed.State)
	return committed, nil
}

// Activate transitions a pending exchange to active without recording a
// result (used when an authorization request is first served). Activating an
// already-active exchange is a no-op.
func (g *Engine) Activate(ctx context.Context, exchange *Exchange) (*Exchange, error) {
	if exchange.State == StateActive {
		return exchange, nil
	}
	return g.Commit(ctx, exchange, func(work *Exchange) error {
		switch work.State {
		case StateComplete:
			return errors.NewDuplicateError("exchange has already been completed", nil)
		case StatePending:
			work.State = StateActive
		}
		return nil
	})
}

// RecordError records err as the exchange's lastError when the error kind
// warrants it. Authorization and not-found failures leave no trace so they
// cannot be used to probe for resources.
func (g *Engine) RecordError(ctx context.Context, exchange *Exchange, err error) {
	e, ok := errors.As(err)
	if !ok {
		return
	}
	switch e.Kind {
	case errors.KindNotAllowed, errors.KindNotFound, errors.KindInvalidState:
		return
	}
	if updateErr := g.store.UpdateLastError(ctx, exchange.WorkflowID, exchange.ID, toLastError(err)); updateErr != nil {
		logger.Warnw("failed to record exchange lastError",
			"workflowId", exchange.WorkflowID, "exchangeId", exchange.ID, "error", updateErr)
	}
}

func cloneExchange(exchange *Exchange) (*Exchange, error) {
	raw, err := json.Marshal(exchange)
	if err != nil {
		return nil, errors.NewDataError("failed to clone exchange", err)
	}
	var clone Exchange
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, errors.NewDataError("failed to clone exchange", err)
	}
	return &clone, nil
}
