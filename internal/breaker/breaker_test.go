package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

var errProvider = errors.New("provider exploded")

func failingOp() error { return errProvider }
func okOp() error      { return nil }

func testSettings() Settings {
	return Settings{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		MonitoringPeriod: time.Minute,
		RecoveryTimeout:  50 * time.Millisecond,
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	cb := New("paygate", testSettings(), NewMemoryStore())

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, failingOp)
		assert.ErrorIs(t, err, errProvider)
	}

	state, err := cb.CurrentState(ctx)
	assert.NoError(t, err)
	assert.Equal(t, StateOpen, state)

	// The next call fails fast without invoking the operation.
	invoked := false
	err = cb.Execute(ctx, func() error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked)
}

func TestCircuitBreaker_FallbackWhileOpen(t *testing.T) {
	ctx := context.Background()
	cb := New("paygate", testSettings(), NewMemoryStore())

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, failingOp)
	}

	fallbackRan := false
	err := cb.ExecuteWithFallback(ctx, failingOp, func() error {
		fallbackRan = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, fallbackRan)
}

func TestCircuitBreaker_RecoversThroughHalfOpen(t *testing.T) {
	ctx := context.Background()
	cb := New("paygate", testSettings(), NewMemoryStore())

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, failingOp)
	}

	time.Sleep(60 * time.Millisecond)

	state, err := cb.CurrentState(ctx)
	assert.NoError(t, err)
	assert.Equal(t, StateHalfOpen, state)

	// Two consecutive trial successes close the circuit.
	assert.NoError(t, cb.Execute(ctx, okOp))
	assert.NoError(t, cb.Execute(ctx, okOp))

	state, err = cb.CurrentState(ctx)
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	cb := New("paygate", testSettings(), NewMemoryStore())

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, failingOp)
	}
	time.Sleep(60 * time.Millisecond)

	// The trial call is allowed through, its failure reopens immediately.
	err := cb.Execute(ctx, failingOp)
	assert.ErrorIs(t, err, errProvider)

	err = cb.Execute(ctx, okOp)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestCircuitBreaker_HalfOpenTrialCap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cb := New("paygate", testSettings(), store)

	// SuccessThreshold trial calls are already in flight; the next call must
	// not reach the provider.
	err := store.Put(ctx, "paygate", &State{State: StateHalfOpen, HalfOpenInFlight: 2})
	assert.NoError(t, err)

	invoked := false
	err = cb.Execute(ctx, func() error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked)

	fallbackRan := false
	err = cb.ExecuteWithFallback(ctx, okOp, func() error {
		fallbackRan = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, fallbackRan)

	// Once a trial slot frees up, the next call goes through again.
	assert.NoError(t, store.Put(ctx, "paygate", &State{State: StateHalfOpen, HalfOpenInFlight: 1}))
	assert.NoError(t, cb.Execute(ctx, okOp))
}

func TestCircuitBreaker_WindowResetForgetsOldFailures(t *testing.T) {
	ctx := context.Background()
	settings := testSettings()
	settings.MonitoringPeriod = 20 * time.Millisecond
	cb := New("paygate", settings, NewMemoryStore())

	_ = cb.Execute(ctx, failingOp)
	_ = cb.Execute(ctx, failingOp)

	time.Sleep(30 * time.Millisecond)

	// Old failures fall out of the window; two more do not open the circuit.
	_ = cb.Execute(ctx, failingOp)
	_ = cb.Execute(ctx, failingOp)

	state, err := cb.CurrentState(ctx)
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestCircuitBreaker_StoreFailurePassesCallThrough(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	mock.ExpectGet("breaker:paygate").SetErr(errors.New("redis down"))

	cb := New("paygate", testSettings(), NewRedisStore(client))

	invoked := false
	err := cb.Execute(ctx, func() error {
		invoked = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, invoked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()

	st := &State{State: StateOpen, Failures: 5, LastFailure: time.Now().UTC().Truncate(time.Second)}
	data, err := json.Marshal(st)
	assert.NoError(t, err)

	mock.ExpectSet("breaker:paygate", data, 24*time.Hour).SetVal("OK")
	mock.ExpectGet("breaker:paygate").SetVal(string(data))

	store := NewRedisStore(client)
	assert.NoError(t, store.Put(ctx, "paygate", st))

	loaded, err := store.Get(ctx, "paygate")
	assert.NoError(t, err)
	assert.Equal(t, StateOpen, loaded.State)
	assert.Equal(t, 5, loaded.Failures)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_MissingKeyMeansFreshState(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	mock.ExpectGet("breaker:paygate").RedisNil()

	store := NewRedisStore(client)
	loaded, err := store.Get(ctx, "paygate")
	assert.NoError(t, err)
	assert.Nil(t, loaded)
}
