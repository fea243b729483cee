package cart

import (
	"context"
	"errors"

	"github.com/jogardn/golocal-storefront/internal/apperr"
	"github.com/jogardn/golocal-storefront/internal/circuitbreaker"
)

// SyncFailure is the IsFailure policy for the cart-sync breaker. A missing
// record or a rejected value is an answer, not an outage.
func SyncFailure(err error) bool {
	if apperr.IsValidation(err) {
		return false
	}
	return !errors.Is(err, apperr.ErrNotFound) && !errors.Is(err, context.Canceled)
}

type guardedRemote struct {
	remote  Remote
	breaker *circuitbreaker.CircuitBreaker
}

// GuardedRemote routes every call to remote through breaker, so a failing
// backend is skipped fast and the syncer rolls back without waiting on it.
func GuardedRemote(remote Remote, breaker *circuitbreaker.CircuitBreaker) Remote {
	return &guardedRemote{remote: remote, breaker: breaker}
}

func (g *guardedRemote) ListItems(ctx context.Context) ([]Item, error) {
	var items []Item
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		items, err = g.remote.ListItems(ctx)
		return err
	})
	return items, err
}

func (g *guardedRemote) CreateItem(ctx context.Context, item Item) (Item, error) {
	var saved Item
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		saved, err = g.remote.CreateItem(ctx, item)
		return err
	})
	return saved, err
}

func (g *guardedRemote) UpdateItem(ctx context.Context, item Item) (Item, error) {
	var saved Item
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		saved, err = g.remote.UpdateItem(ctx, item)
		return err
	})
	return saved, err
}

func (g *guardedRemote) DeleteItem(ctx context.Context, item Item) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.remote.DeleteItem(ctx, item)
	})
}
