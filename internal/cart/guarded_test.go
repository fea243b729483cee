package cart

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jogardn/golocal-storefront/internal/apperr"
	"github.com/jogardn/golocal-storefront/internal/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardedRemoteFailsFastWhenOpen(t *testing.T) {
	remote := newFakeRemote()
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        circuitbreaker.CartSync,
		MaxFailures: 2,
		Timeout:     time.Minute,
		IsFailure:   SyncFailure,
	}, testLogger())
	syncer := NewSyncer(NewStore(testLogger()), GuardedRemote(remote, breaker), testLogger())
	ctx := context.Background()

	_, err := syncer.Add(ctx, product("1", 40), 1)
	require.NoError(t, err)

	remote.setFail(errors.New("connection refused"))
	for i := 0; i < 2; i++ {
		_, err = syncer.Add(ctx, product("1", 40), 1)
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())

	calls := len(remote.calls)
	_, err = syncer.Add(ctx, product("1", 40), 1)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	assert.Len(t, remote.calls, calls, "an open breaker must not reach the backend")

	item, _ := syncer.Store().Item("1")
	assert.Equal(t, 1, item.Quantity)
}

func TestGuardedRemoteNotFoundIsNotAFailure(t *testing.T) {
	remote := newFakeRemote()
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        circuitbreaker.CartSync,
		MaxFailures: 1,
		Timeout:     time.Minute,
		IsFailure:   SyncFailure,
	}, testLogger())
	guarded := GuardedRemote(remote, breaker)

	err := guarded.DeleteItem(context.Background(), Item{ID: "x", RemoteID: "missing"})
	require.Error(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
}

func TestRejectedQuantityDoesNotTripBreaker(t *testing.T) {
	remote := newFakeRemote()
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        circuitbreaker.CartSync,
		MaxFailures: 1,
		Timeout:     time.Minute,
		IsFailure:   SyncFailure,
	}, testLogger())
	syncer := NewSyncer(NewStore(testLogger()), GuardedRemote(remote, breaker), testLogger())
	ctx := context.Background()

	_, err := syncer.Add(ctx, product("1", 40), 1)
	require.NoError(t, err)

	// The backend refuses the value itself, as Postgres does for an out-of-range integer.
	remote.setFail(apperr.Validation("Invalid Quantity", "quantity"))
	_, err = syncer.Add(ctx, product("1", 40), 5)
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.False(t, apperr.IsPersistence(err))
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())

	item, _ := syncer.Store().Item("1")
	assert.Equal(t, 1, item.Quantity)
}
