package workflow

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/redis/go-redis/v9"

	"github.com/openvcx/exchanger/pkg/errors"
)

const (
	redisConfigPrefix  = "exchanger:workflow:"
	redisRevokedSuffix = ":revoked"
)

// RedisStore persists workflow configurations in redis. Sequenced updates
// run inside a WATCH transaction so concurrent writers with a stale sequence
// fail with InvalidStateError.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore on an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func configKey(id string) string { return redisConfigPrefix + id }

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, config *Config) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return errors.NewDataError("failed to encode workflow config", err)
	}
	ok, err := s.client.SetNX(ctx, configKey(config.ID), raw, 0).Result()
	if err != nil {
		return errors.NewDataError("failed to store workflow config", err)
	}
	if !ok {
		return errors.NewDuplicateError("workflow already exists", nil)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*Config, error) {
	raw, err := s.client.Get(ctx, configKey(id)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, errors.NewNotFoundError("workflow not found", nil)
	}
	if err != nil {
		return nil, errors.NewDataError("failed to load workflow config", err)
	}
	var config Config
	if err := json.Unmarshal(raw, &config); err != nil {
		return nil, errors.NewDataError("failed to decode workflow config", err)
	}
	return &config, nil
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, config *Config, expectedSequence uint64) error {
	key := configKey(config.ID)
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if stderrors.Is(err, redis.Nil) {
			return errors.NewNotFoundError("workflow not found", nil)
		}
		if err != nil {
			return errors.NewDataError("failed to load workflow config", err)
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
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if stderrors.Is(err, redis.TxFailedErr) {
		return errors.NewInvalidStateError("workflow was modified concurrently", err)
	}
	return err
}

// AddRevocation implements Store.
func (s *RedisStore) AddRevocation(ctx context.Context, workflowID, zcapID string) error {
	if err := s.client.SAdd(ctx, configKey(workflowID)+redisRevokedSuffix, zcapID).Err(); err != nil {
		return errors.NewDataError("failed to store revocation", err)
	}
	return nil
}

// IsRevoked implements Store.
func (s *RedisStore) IsRevoked(ctx context.Context, workflowID, zcapID string) (bool, error) {
	revoked, err := s.client.SIsMember(ctx, configKey(workflowID)+redisRevokedSuffix, zcapID).Result()
	if err != nil {
		return false, errors.NewDataError("failed to check revocation", err)
	}
	return revoked, nil
}
