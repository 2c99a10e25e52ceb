package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvcx/exchanger/pkg/errors"
)

func testExchange(clock clockwork.Clock, ttl time.Duration) *Exchange {
	return &Exchange{
		ID:         "e1",
		WorkflowID: "https://exchanger.example/workflows/w1",
		State:      StatePending,
		Expires:    clock.Now().Add(ttl),
		Step:       "didAuthn",
		Variables:  map[string]any{"issuanceDate": "2024-03-01T12:00:00Z"},
	}
}

func testStores(t *testing.T, clock clockwork.Clock) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(clock),
		"redis":  NewRedisStore(client, clock),
	}
}

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	for name, store := range testStores(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			exchange := testExchange(clock, time.Hour)

			require.NoError(t, store.Create(ctx, exchange))
			err := store.Create(ctx, exchange)
			require.Error(t, err)
			assert.True(t, errors.IsDuplicate(err))

			loaded, err := store.Load(ctx, exchange.WorkflowID, exchange.ID)
			require.NoError(t, err)
			assert.Equal(t, StatePending, loaded.State)
			assert.Equal(t, uint64(0), loaded.Sequence)

			loaded.State = StateActive
			loaded.Sequence = 1
			require.NoError(t, store.Update(ctx, loaded, 0))

			// a writer holding the old sequence now fails
			stale := testExchange(clock, time.Hour)
			stale.Sequence = 1
			err = store.Update(ctx, stale, 0)
			require.Error(t, err)
			assert.True(t, errors.IsInvalidState(err))
		})
	}
}

func TestStoreExpiryBehavesAsNotFound(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	for name, store := range testStores(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			exchange := testExchange(clock, time.Minute)
			exchange.ID = "expiring-" + name
			require.NoError(t, store.Create(ctx, exchange))

			_, err := store.Load(ctx, exchange.WorkflowID, exchange.ID)
			require.NoError(t, err)

			clock.Advance(time.Minute + time.Second)

			_, err = store.Load(ctx, exchange.WorkflowID, exchange.ID)
			require.Error(t, err)
			assert.True(t, errors.IsNotFound(err), "expired must read as not found, got %v", err)

			// updates against an expired exchange also read as not found
			exchange.Sequence = 1
			err = store.Update(ctx, exchange, 0)
			require.Error(t, err)
			assert.True(t, errors.IsNotFound(err))
		})
	}
}

func TestStoreUpdateLastErrorKeepsSequence(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	for name, store := range testStores(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			exchange := testExchange(clock, time.Hour)
			exchange.ID = "lasterror-" + name
			require.NoError(t, store.Create(ctx, exchange))

			require.NoError(t, store.UpdateLastError(ctx, exchange.WorkflowID, exchange.ID,
				&LastError{Name: "DataError", Message: "verification failed"}))

			loaded, err := store.Load(ctx, exchange.WorkflowID, exchange.ID)
			require.NoError(t, err)
			require.NotNil(t, loaded.LastError)
			assert.Equal(t, "DataError", loaded.LastError.Name)
			assert.Equal(t, uint64(0), loaded.Sequence, "lastError must not advance the sequence")

			// best-effort: missing exchange is not an error
			require.NoError(t, store.UpdateLastError(ctx, exchange.WorkflowID, "missing",
				&LastError{Name: "DataError", Message: "x"}))
		})
	}
}
