package cart

import (
	"context"
	"sync"

	"github.com/jogardn/golocal-storefront/internal/apperr"
	"github.com/sirupsen/logrus"
)

// RemoteFactory returns the persisted cart of one user.
type RemoteFactory func(userID string) Remote

// loading is a first load in progress. Concurrent callers for the same user
// wait on done instead of loading again.
type loading struct {
	done    chan struct{}
	syncer  *Syncer
	err     error
	dropped bool
}

// Registry owns one cart per signed-in user. Carts are created and loaded on
// first use and dropped on sign-out. The remote load runs outside the
// registry lock so one slow user never blocks the others.
type Registry struct {
	mutex   sync.Mutex
	carts   map[string]*Syncer
	loading map[string]*loading
	remotes RemoteFactory
	logger  *logrus.Logger
}

func NewRegistry(remotes RemoteFactory, logger *logrus.Logger) *Registry {
	return &Registry{
		carts:   make(map[string]*Syncer),
		loading: make(map[string]*loading),
		remotes: remotes,
		logger:  logger,
	}
}

// Get returns the user's cart, loading it from the remote the first time.
func (r *Registry) Get(ctx context.Context, userID string) (*Syncer, error) {
	if userID == "" {
		return nil, apperr.ErrUnauthenticated
	}

	r.mutex.Lock()
	if syncer, ok := r.carts[userID]; ok {
		r.mutex.Unlock()
		return syncer, nil
	}
	l, inFlight := r.loading[userID]
	if !inFlight {
		l = &loading{done: make(chan struct{})}
		r.loading[userID] = l
	}
	r.mutex.Unlock()

	if !inFlight {
		r.load(ctx, userID, l)
	}

	select {
	case <-l.done:
		return l.syncer, l.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) load(ctx context.Context, userID string, l *loading) {
	syncer := NewSyncer(NewStore(r.logger), r.remotes(userID), r.logger)
	_, err := syncer.Load(ctx)

	r.mutex.Lock()
	delete(r.loading, userID)
	if err != nil {
		l.err = err
	} else {
		l.syncer = syncer
		// A sign-out during the load keeps the result out of the registry.
		if !l.dropped {
			r.carts[userID] = syncer
			r.logger.WithField("user_id", userID).Debug("Cart session opened")
		}
	}
	r.mutex.Unlock()

	close(l.done)
}

// Drop forgets the user's in-memory cart. The persisted cart is kept.
func (r *Registry) Drop(userID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if l, ok := r.loading[userID]; ok {
		l.dropped = true
	}
	if _, ok := r.carts[userID]; ok {
		delete(r.carts, userID)
		r.logger.WithField("user_id", userID).Debug("Cart session closed")
	}
}

func (r *Registry) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.carts)
}
