package exchange

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/openvcx/exchanger/pkg/errors"
)

const redisExchangePrefix = "exchanger:exchange:"

// RedisStore persists exchanges in redis, using key TTLs for expiry and
// WATCH transactions for the optimistic sequence check.
type RedisStore struct {
	client *redis.Client
	clock  clockwork.Clock
}

// NewRedisStore creates a RedisStore on an existing client.
func NewRedisStore(client *redis.Client, clock clockwork.Clock) *RedisStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisStore{client: client, clock: clock}
}

func exchangeKey(workflowID, exchangeID string) string {
	return redisExchangePrefix + workflowID + ":" + exchangeID
}

func (s *RedisStore) ttl(exchange *Exchange) time.Duration {
	return exchange.Expires.Sub(s.clock.Now())
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, exchange *Exchange) error {
	ttl := s.ttl(exchange)
	if ttl <= 0 {
		return errors.NewValidationError("exchange expires in the past", nil)
	}
	raw, err := json.Marshal(exchange)
	if err != nil {
		return errors.NewDataError("failed to encode exchange", err)
	}
	ok, err := s.client.SetNX(ctx, exchangeKey(exchange.WorkflowID, exchange.ID), raw, ttl).Result()
	if err != nil {
		return errors.NewDataError("failed to store exchange", err)
	}
	if !ok {
		return errors.NewDuplicateError("exchange already exists", nil)
	}
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, workflowID, exchangeID string) (*Exchange, error) {
	raw, err := s.client.Get(ctx, exchangeKey(workflowID, exchangeID)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, errors.NewNotFoundError("exchange not found", nil)
	}
	if err != nil {
		return nil, errors.NewDataError("failed to load exchange", err)
	}
	var exchange Exchange
	if err := json.Unmarshal(raw, &exchange); err != nil {
		return nil, errors.NewDataError("failed to decode exchange", err)
	}
	// the key TTL normally handles this; re-check for frozen-clock tests
	if !exchange.Expires.After(s.clock.Now()) {
		return nil, errors.NewNotFoundError("exchange not found", nil)
	}
	return &exchange, nil
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, exchange *Exchange, expectedSequence uint64) error {
	key := exchangeKey(exchange.WorkflowID, exchange.ID)
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if stderrors.Is(err, redis.Nil) {
			return errors.NewNotFoundError("exchange not found", nil)
		}
		if err != nil {
			return errors.NewDataError("failed to load exchange", err)
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
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, s.ttl(exchange))
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if stderrors.Is(err, redis.TxFailedErr) {
		return errors.NewInvalidStateError("exchange was modified concurrently", err)
	}
	return err
}

// UpdateLastError implements Store.
func (s *RedisStore) UpdateLastError(ctx context.Context, workflowID, exchangeID string, lastError *LastError) error {
	key := exchangeKey(workflowID, exchangeID)
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil
	}
	var stored Exchange
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil
	}
	stored.LastError = lastError
	if updated, err := json.Marshal(&stored); err == nil {
		// last-writer wins; lastError never advances state
		_ = s.client.Set(ctx, key, updated, s.ttl(&stored)).Err()
	}
	return nil
}
