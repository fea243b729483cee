package cart

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/golocal-storefront/internal/apperr"
	"github.com/jogardn/golocal-storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

const tempIDPrefix = "temp-"

// Remote is the persisted copy of one user's cart. Implementations return
// apperr.ErrNotFound when asked to update or delete a record they do not hold.
type Remote interface {
	ListItems(ctx context.Context) ([]Item, error)
	CreateItem(ctx context.Context, item Item) (Item, error)
	UpdateItem(ctx context.Context, item Item) (Item, error)
	DeleteItem(ctx context.Context, item Item) error
}

type EntryState string

const (
	EntryPending   EntryState = "pending"
	EntryConfirmed EntryState = "confirmed"
	EntryFailed    EntryState = "failed"
)

// Entry is the reconciliation state of one product id.
type Entry struct {
	ProductID string     `json:"product_id"`
	State     EntryState `json:"state"`
	RemoteID  string     `json:"remote_id,omitempty"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

func newTempID() string {
	return tempIDPrefix + uuid.New().String()
}

// Syncer applies cart mutations optimistically to a Store and mirrors them to
// a Remote. Calls for the same product id are serialized; a failed round trip
// restores the item to its last confirmed state.
type Syncer struct {
	store  *Store
	remote Remote
	logger *logrus.Logger

	// loadMutex is held shared by item operations and exclusively by Load.
	loadMutex sync.RWMutex

	mutex     sync.Mutex
	locks     map[string]*sync.Mutex
	entries   map[string]*Entry
	confirmed map[string]Item
}

func NewSyncer(store *Store, remote Remote, logger *logrus.Logger) *Syncer {
	return &Syncer{
		store:     store,
		remote:    remote,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
		entries:   make(map[string]*Entry),
		confirmed: make(map[string]Item),
	}
}

func (s *Syncer) Store() *Store {
	return s.store
}

func (s *Syncer) Snapshot() Snapshot {
	return s.store.Snapshot()
}

// checkQuantity rejects quantities the cart cannot hold before anything
// reaches the remote.
func checkQuantity(quantity int) error {
	if quantity > MaxQuantity {
		return apperr.Validation("Invalid Quantity", "quantity")
	}
	return nil
}

// Add increments a product locally and persists the new quantity. A delta
// above MaxQuantity is rejected; smaller deltas saturate at MaxQuantity.
func (s *Syncer) Add(ctx context.Context, p models.Product, delta int) (Item, error) {
	if err := checkQuantity(delta); err != nil {
		return Item{}, err
	}

	unlock := s.lockItem(p.ID)
	defer unlock()

	prev := s.lastConfirmed(p.ID)
	s.store.Add(p, delta)
	return s.push(ctx, p.ID, prev)
}

// UpdateQuantity sets a quantity locally and persists it. Non-positive
// quantities delete the item.
func (s *Syncer) UpdateQuantity(ctx context.Context, id string, quantity int) (Item, error) {
	if err := checkQuantity(quantity); err != nil {
		return Item{}, err
	}

	unlock := s.lockItem(id)
	defer unlock()

	prev := s.lastConfirmed(id)
	if !s.store.UpdateQuantity(id, quantity) {
		return Item{}, fmt.Errorf("cart item %s: %w", id, apperr.ErrNotFound)
	}
	return s.push(ctx, id, prev)
}

func (s *Syncer) DecrementItem(ctx context.Context, id string) (Item, error) {
	unlock := s.lockItem(id)
	defer unlock()

	prev := s.lastConfirmed(id)
	if !s.store.DecrementItem(id) {
		return Item{}, fmt.Errorf("cart item %s: %w", id, apperr.ErrNotFound)
	}
	return s.push(ctx, id, prev)
}

func (s *Syncer) DeleteItem(ctx context.Context, id string) error {
	unlock := s.lockItem(id)
	defer unlock()

	prev := s.lastConfirmed(id)
	if !s.store.DeleteItem(id) {
		return fmt.Errorf("cart item %s: %w", id, apperr.ErrNotFound)
	}
	_, err := s.push(ctx, id, prev)
	return err
}

// Clear deletes every item locally and remotely. Items whose remote delete
// fails are restored and reported in the joined error.
func (s *Syncer) Clear(ctx context.Context) error {
	var errs []error
	for _, item := range s.store.Items() {
		if err := s.DeleteItem(ctx, item.ID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forget drops the local cart and the confirmed state after the persisted cart
// was purged elsewhere, for example by the order transaction.
func (s *Syncer) Forget() {
	s.loadMutex.Lock()
	defer s.loadMutex.Unlock()

	s.store.Clear()
	s.mutex.Lock()
	s.entries = make(map[string]*Entry)
	s.confirmed = make(map[string]Item)
	s.mutex.Unlock()
}

// Load replaces the local cart with the persisted one and reports how they differed.
func (s *Syncer) Load(ctx context.Context) (Diff, error) {
	s.loadMutex.Lock()
	defer s.loadMutex.Unlock()

	remoteItems, err := s.remote.ListItems(ctx)
	if err != nil {
		return Diff{}, apperr.Persistence("load cart", err)
	}

	diff := Compare(s.store.Items(), remoteItems)
	s.store.Replace(remoteItems)

	now := time.Now()
	s.mutex.Lock()
	s.entries = make(map[string]*Entry, len(remoteItems))
	s.confirmed = make(map[string]Item, len(remoteItems))
	for _, item := range remoteItems {
		s.confirmed[item.ID] = item
		s.entries[item.ID] = &Entry{
			ProductID: item.ID,
			State:     EntryConfirmed,
			RemoteID:  item.RemoteID,
			UpdatedAt: now,
		}
	}
	s.mutex.Unlock()

	s.logger.WithFields(logrus.Fields{
		"items":           len(remoteItems),
		"sync_percentage": diff.SyncPercentage,
	}).Info("Cart loaded from remote")

	return diff, nil
}

// Entries returns the reconciliation queue ordered by product id.
func (s *Syncer) Entries() []Entry {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ProductID < entries[j].ProductID
	})
	return entries
}

func (s *Syncer) Entry(id string) (Entry, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if e, ok := s.entries[id]; ok {
		return *e, true
	}
	return Entry{}, false
}

// push sends the current local state of id to the remote. The caller holds the item lock.
func (s *Syncer) push(ctx context.Context, id string, prev *Item) (Item, error) {
	local, exists := s.store.Item(id)

	var (
		saved Item
		err   error
	)
	switch {
	case exists && prev == nil:
		local.RemoteID = newTempID()
		s.store.setRemoteID(id, local.RemoteID)
		s.setEntry(id, EntryPending, local.RemoteID, nil)
		saved, err = s.remote.CreateItem(ctx, local)
	case exists:
		local.RemoteID = prev.RemoteID
		s.setEntry(id, EntryPending, prev.RemoteID, nil)
		saved, err = s.remote.UpdateItem(ctx, local)
		if errors.Is(err, apperr.ErrNotFound) {
			// The persisted record disappeared; recreate it.
			saved, err = s.remote.CreateItem(ctx, local)
		}
	case prev != nil:
		s.setEntry(id, EntryPending, prev.RemoteID, nil)
		err = s.remote.DeleteItem(ctx, *prev)
		if errors.Is(err, apperr.ErrNotFound) {
			err = nil
		}
	default:
		return Item{}, nil
	}

	if err != nil {
		s.store.restore(id, prev)
		s.setEntry(id, EntryFailed, "", err)

		s.logger.WithError(err).WithFields(logrus.Fields{
			"product_id": id,
		}).Warn("Cart sync failed, rolled back to last confirmed state")

		if apperr.IsValidation(err) {
			return Item{}, err
		}
		return Item{}, apperr.Persistence("sync cart item", err)
	}

	s.mutex.Lock()
	if exists {
		s.confirmed[id] = saved
	} else {
		delete(s.confirmed, id)
	}
	s.mutex.Unlock()

	if exists {
		s.store.setRemoteID(id, saved.RemoteID)
		s.setEntry(id, EntryConfirmed, saved.RemoteID, nil)
		local.RemoteID = saved.RemoteID
		return local, nil
	}
	s.setEntry(id, EntryConfirmed, "", nil)
	return Item{}, nil
}

func (s *Syncer) lastConfirmed(id string) *Item {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if item, ok := s.confirmed[id]; ok {
		return &item
	}
	return nil
}

func (s *Syncer) setEntry(id string, state EntryState, remoteID string, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry := &Entry{
		ProductID: id,
		State:     state,
		RemoteID:  remoteID,
		UpdatedAt: time.Now(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.entries[id] = entry
}

// lockItem acquires the per-id lock and returns its release func.
func (s *Syncer) lockItem(id string) func() {
	s.loadMutex.RLock()

	s.mutex.Lock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	s.mutex.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()
		s.loadMutex.RUnlock()
	}
}
