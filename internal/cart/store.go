package cart

import (
	"sync"

	"github.com/jogardn/golocal-storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

// MaxQuantity caps the quantity of a single cart line.
const MaxQuantity = 99

// Item is one cart line: a product snapshot plus quantity. RemoteID is the id of
// the persisted record, or a "temp-" id while the record is unconfirmed.
type Item struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
	Image    string `json:"image"`
	Unit     string `json:"unit"`
	Brand    string `json:"brand,omitempty"`
	RemoteID string `json:"remote_id,omitempty"`
}

func (i Item) Subtotal() int64 {
	return i.Price * int64(i.Quantity)
}

// ItemFromProduct snapshots the display fields of a product with the given quantity.
func ItemFromProduct(p models.Product, quantity int) Item {
	return Item{
		ID:       p.ID,
		Name:     p.Name,
		Price:    p.Price,
		Quantity: quantity,
		Image:    p.Image,
		Unit:     p.Unit,
		Brand:    p.Brand,
	}
}

// Snapshot is an immutable copy of the cart taken under the store lock.
type Snapshot struct {
	Items      []Item `json:"items"`
	TotalItems int    `json:"total_items"`
	TotalPrice int64  `json:"total_price"`
	Version    uint64 `json:"version"`
}

func (s Snapshot) IsEmpty() bool {
	return len(s.Items) == 0
}

// Store is the authoritative in-memory cart. Every mutation holds the lock for
// its whole read-modify-write and recomputes totals before releasing it.
type Store struct {
	mutex      sync.RWMutex
	items      []Item
	index      map[string]int
	totalItems int
	totalPrice int64
	version    uint64

	// notifyMutex guards the subscriber set and the delivery queue. It is
	// never held while a subscriber runs.
	notifyMutex sync.Mutex
	subscribers map[int]func(Snapshot)
	nextSub     int
	delivered   uint64
	queue       []Snapshot
	delivering  bool

	logger *logrus.Logger
}

func NewStore(logger *logrus.Logger) *Store {
	return &Store{
		index:       make(map[string]int),
		subscribers: make(map[int]func(Snapshot)),
		logger:      logger,
	}
}

// AddToCart adds one unit of the product.
func (s *Store) AddToCart(p models.Product) Item {
	return s.Add(p, 1)
}

// Add increments the product's quantity by delta, inserting it when absent.
// A delta below 1 counts as 1 and the result saturates at MaxQuantity.
func (s *Store) Add(p models.Product, delta int) Item {
	if delta < 1 {
		delta = 1
	}

	s.mutex.Lock()
	var item Item
	if i, ok := s.index[p.ID]; ok {
		s.items[i].Quantity = addCapped(s.items[i].Quantity, delta)
		item = s.items[i]
	} else {
		item = ItemFromProduct(p, min(delta, MaxQuantity))
		s.insertLocked(item)
	}
	snap := s.commitLocked()
	s.mutex.Unlock()

	s.logger.WithFields(logrus.Fields{
		"product_id": p.ID,
		"quantity":   item.Quantity,
	}).Debug("Cart item added")

	s.notify(snap)
	return item
}

// UpdateQuantity sets the quantity of an existing item, capped at MaxQuantity.
// A quantity of zero or less removes the item. Unknown ids are ignored and
// report false.
func (s *Store) UpdateQuantity(id string, quantity int) bool {
	s.mutex.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mutex.Unlock()
		return false
	}
	if quantity <= 0 {
		s.removeLocked(id)
	} else {
		s.items[i].Quantity = min(quantity, MaxQuantity)
	}
	snap := s.commitLocked()
	s.mutex.Unlock()

	s.notify(snap)
	return true
}

// DecrementItem lowers the quantity by one, removing the item when it reaches zero.
func (s *Store) DecrementItem(id string) bool {
	s.mutex.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mutex.Unlock()
		return false
	}
	if s.items[i].Quantity > 1 {
		s.items[i].Quantity--
	} else {
		s.removeLocked(id)
	}
	snap := s.commitLocked()
	s.mutex.Unlock()

	s.notify(snap)
	return true
}

// DeleteItem removes the item regardless of its quantity.
func (s *Store) DeleteItem(id string) bool {
	s.mutex.Lock()
	if _, ok := s.index[id]; !ok {
		s.mutex.Unlock()
		return false
	}
	s.removeLocked(id)
	snap := s.commitLocked()
	s.mutex.Unlock()

	s.notify(snap)
	return true
}

func (s *Store) Clear() {
	s.mutex.Lock()
	s.items = nil
	s.index = make(map[string]int)
	snap := s.commitLocked()
	s.mutex.Unlock()

	s.logger.Debug("Cart cleared")
	s.notify(snap)
}

// Replace swaps the whole item list, dropping lines with non-positive quantity
// and merging duplicate ids. Quantities are capped at MaxQuantity.
func (s *Store) Replace(items []Item) {
	s.mutex.Lock()
	s.items = nil
	s.index = make(map[string]int)
	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}
		if i, ok := s.index[item.ID]; ok {
			s.items[i].Quantity = addCapped(s.items[i].Quantity, item.Quantity)
			continue
		}
		item.Quantity = min(item.Quantity, MaxQuantity)
		s.insertLocked(item)
	}
	snap := s.commitLocked()
	s.mutex.Unlock()

	s.notify(snap)
}

// restore puts an item back to a previous state; nil removes it.
func (s *Store) restore(id string, prev *Item) {
	s.mutex.Lock()
	if prev == nil {
		s.removeLocked(id)
	} else if i, ok := s.index[id]; ok {
		s.items[i] = *prev
	} else {
		s.insertLocked(*prev)
	}
	snap := s.commitLocked()
	s.mutex.Unlock()

	s.notify(snap)
}

// setRemoteID records the server id of a confirmed item without touching quantities.
func (s *Store) setRemoteID(id, remoteID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if i, ok := s.index[id]; ok {
		s.items[i].RemoteID = remoteID
	}
}

func (s *Store) TotalItems() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.totalItems
}

func (s *Store) TotalPrice() int64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.totalPrice
}

func (s *Store) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.items)
}

func (s *Store) IsEmpty() bool {
	return s.Len() == 0
}

func (s *Store) Item(id string) (Item, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if i, ok := s.index[id]; ok {
		return s.items[i], true
	}
	return Item{}, false
}

func (s *Store) Items() []Item {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]Item(nil), s.items...)
}

func (s *Store) Snapshot() Snapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.snapshotLocked()
}

// Subscribe registers fn to receive the snapshot produced by every mutation.
// The returned func unregisters it.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.notifyMutex.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	s.notifyMutex.Unlock()

	return func() {
		s.notifyMutex.Lock()
		delete(s.subscribers, id)
		s.notifyMutex.Unlock()
	}
}

// addCapped adds a positive delta to a quantity already within bounds without
// overflowing past MaxQuantity.
func addCapped(quantity, delta int) int {
	if delta >= MaxQuantity-quantity {
		return MaxQuantity
	}
	return quantity + delta
}

func (s *Store) insertLocked(item Item) {
	s.index[item.ID] = len(s.items)
	s.items = append(s.items, item)
}

func (s *Store) removeLocked(id string) {
	i, ok := s.index[id]
	if !ok {
		return
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	delete(s.index, id)
	for j := i; j < len(s.items); j++ {
		s.index[s.items[j].ID] = j
	}
}

// commitLocked recomputes the derived totals from the item list and bumps the version.
func (s *Store) commitLocked() Snapshot {
	s.totalItems = 0
	s.totalPrice = 0
	for _, item := range s.items {
		s.totalItems += item.Quantity
		s.totalPrice += item.Subtotal()
	}
	s.version++
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Items:      append([]Item(nil), s.items...),
		TotalItems: s.totalItems,
		TotalPrice: s.totalPrice,
		Version:    s.version,
	}
}

// notify delivers snap to subscribers. One caller at a time drains the queue,
// so callbacks run in mutation order. A mutation made from inside a subscriber
// is queued and delivered after the current callback returns. Snapshots older
// than one already delivered are skipped so subscribers never observe the
// cart going backwards.
func (s *Store) notify(snap Snapshot) {
	s.notifyMutex.Lock()
	s.queue = append(s.queue, snap)
	if s.delivering {
		s.notifyMutex.Unlock()
		return
	}
	s.delivering = true
	s.notifyMutex.Unlock()

	drained := false
	defer func() {
		if !drained {
			// A subscriber panicked; let the next mutation resume delivery.
			s.notifyMutex.Lock()
			s.delivering = false
			s.notifyMutex.Unlock()
		}
	}()

	for {
		next, subscribers, ok := s.nextDelivery()
		if !ok {
			drained = true
			return
		}
		for _, fn := range subscribers {
			fn(next)
		}
	}
}

// nextDelivery pops the next snapshot to deliver with the subscribers to
// deliver it to. An empty queue ends the delivery round under the same lock,
// so a concurrent notify either lands in this round or starts the next one.
func (s *Store) nextDelivery() (Snapshot, []func(Snapshot), bool) {
	s.notifyMutex.Lock()
	defer s.notifyMutex.Unlock()

	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		if next.Version <= s.delivered {
			continue
		}
		s.delivered = next.Version

		subscribers := make([]func(Snapshot), 0, len(s.subscribers))
		for _, fn := range s.subscribers {
			subscribers = append(subscribers, fn)
		}
		return next, subscribers, true
	}
	s.queue = nil
	s.delivering = false
	return Snapshot{}, nil, false
}
