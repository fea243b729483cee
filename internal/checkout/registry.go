package checkout

import (
	"sync"

	"github.com/jogardn/golocal-storefront/internal/apperr"
)

// Registry keeps the checkout in progress for each user.
type Registry struct {
	mutex sync.Mutex
	flows map[string]*Flow
}

func NewRegistry() *Registry {
	return &Registry{flows: make(map[string]*Flow)}
}

// Start resumes the user's unfinished checkout or begins a new one. A
// confirmed checkout is replaced by a fresh flow.
func (r *Registry) Start(user string, c Cart, placer Placer, opts ...Option) (*Flow, error) {
	if user == "" {
		return nil, apperr.ErrUnauthenticated
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if flow, ok := r.flows[user]; ok {
		if flow.Step() != StepConfirmation {
			if err := flow.Guard(); err != nil {
				delete(r.flows, user)
				return nil, err
			}
			return flow, nil
		}
	}

	flow, err := New(user, c, placer, opts...)
	if err != nil {
		delete(r.flows, user)
		return nil, err
	}
	r.flows[user] = flow
	return flow, nil
}

// Get returns the user's current flow, if any.
func (r *Registry) Get(user string) (*Flow, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	flow, ok := r.flows[user]
	return flow, ok
}

// Drop abandons the user's checkout, for example on sign-out.
func (r *Registry) Drop(user string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.flows, user)
}
