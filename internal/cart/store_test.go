package cart

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jogardn/golocal-storefront/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func product(id string, price int64) models.Product {
	return models.Product{ID: id, Name: "Product " + id, Price: price, Unit: "1 pc"}
}

func assertTotalsConsistent(t *testing.T, s *Store) {
	t.Helper()
	var items int
	var price int64
	for _, item := range s.Items() {
		require.Greater(t, item.Quantity, 0, "item %s has non-positive quantity", item.ID)
		items += item.Quantity
		price += item.Price * int64(item.Quantity)
	}
	assert.Equal(t, items, s.TotalItems())
	assert.Equal(t, price, s.TotalPrice())
}

func TestAddSameProductTwice(t *testing.T) {
	s := NewStore(testLogger())

	s.AddToCart(product("1", 50))
	s.AddToCart(product("1", 50))

	require.Equal(t, 1, s.Len())
	item, ok := s.Item("1")
	require.True(t, ok)
	assert.Equal(t, 2, item.Quantity)
	assert.Equal(t, int64(100), s.TotalPrice())
	assert.Equal(t, 2, s.TotalItems())
}

func TestUpdateQuantityToZeroRemoves(t *testing.T) {
	s := NewStore(testLogger())
	s.AddToCart(product("1", 50))
	s.AddToCart(product("1", 50))

	assert.True(t, s.UpdateQuantity("1", 0))
	assert.True(t, s.IsEmpty())
	assert.Equal(t, 0, s.TotalItems())
	assert.Equal(t, int64(0), s.TotalPrice())
}

func TestUpdateQuantityUnknownID(t *testing.T) {
	s := NewStore(testLogger())
	assert.False(t, s.UpdateQuantity("missing", 3))
	assert.Equal(t, uint64(0), s.Snapshot().Version)
}

func TestAddWithNonPositiveDeltaAddsOne(t *testing.T) {
	s := NewStore(testLogger())
	s.Add(product("1", 10), 0)
	s.Add(product("1", 10), -4)

	item, _ := s.Item("1")
	assert.Equal(t, 2, item.Quantity)
}

func TestQuantitiesSaturateAtMax(t *testing.T) {
	s := NewStore(testLogger())
	s.Add(product("1", 50), math.MaxInt)
	s.Add(product("1", 50), 2)

	item, ok := s.Item("1")
	require.True(t, ok)
	assert.Equal(t, MaxQuantity, item.Quantity)
	assert.Equal(t, int64(MaxQuantity)*50, s.TotalPrice())
	assertTotalsConsistent(t, s)

	s.Add(product("2", 10), 3)
	require.True(t, s.UpdateQuantity("2", math.MaxInt))
	item, _ = s.Item("2")
	assert.Equal(t, MaxQuantity, item.Quantity)

	s.Replace([]Item{
		{ID: "3", Price: 5, Quantity: MaxQuantity},
		{ID: "3", Price: 5, Quantity: math.MaxInt},
		{ID: "4", Price: 5, Quantity: math.MaxInt},
	})
	for _, item := range s.Items() {
		assert.Equal(t, MaxQuantity, item.Quantity, item.ID)
	}
	assertTotalsConsistent(t, s)
}

func TestDecrementAndDelete(t *testing.T) {
	s := NewStore(testLogger())
	s.Add(product("a", 10), 2)
	s.Add(product("b", 20), 3)

	assert.True(t, s.DecrementItem("a"))
	item, _ := s.Item("a")
	assert.Equal(t, 1, item.Quantity)

	assert.True(t, s.DecrementItem("a"))
	_, ok := s.Item("a")
	assert.False(t, ok)

	assert.True(t, s.DeleteItem("b"))
	assert.True(t, s.IsEmpty())
	assert.False(t, s.DeleteItem("b"))
	assert.False(t, s.DecrementItem("b"))
}

func TestInsertionOrderIsKept(t *testing.T) {
	s := NewStore(testLogger())
	s.AddToCart(product("c", 1))
	s.AddToCart(product("a", 1))
	s.AddToCart(product("b", 1))
	s.DeleteItem("a")
	s.AddToCart(product("d", 1))

	var ids []string
	for _, item := range s.Items() {
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"c", "b", "d"}, ids)
}

func TestClearIsIdempotent(t *testing.T) {
	s := NewStore(testLogger())
	s.Clear()
	assert.Equal(t, 0, s.TotalItems())

	s.Add(product("1", 5), 7)
	s.Clear()
	s.Clear()
	assert.Equal(t, 0, s.TotalItems())
	assert.Equal(t, int64(0), s.TotalPrice())
}

func TestReplaceDropsEmptyAndMergesDuplicates(t *testing.T) {
	s := NewStore(testLogger())
	s.Replace([]Item{
		{ID: "1", Price: 10, Quantity: 2},
		{ID: "2", Price: 5, Quantity: 0},
		{ID: "1", Price: 10, Quantity: 1},
	})

	require.Equal(t, 1, s.Len())
	item, _ := s.Item("1")
	assert.Equal(t, 3, item.Quantity)
	assertTotalsConsistent(t, s)
}

func TestTotalsStayConsistentUnderRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := NewStore(testLogger())
	ids := []string{"1", "2", "3", "4", "5"}

	for i := 0; i < 2000; i++ {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(6) {
		case 0, 1:
			s.Add(product(id, int64(rng.Intn(300))), rng.Intn(4))
		case 2:
			q := rng.Intn(10) - 4
			s.UpdateQuantity(id, q)
			if q <= 0 {
				_, ok := s.Item(id)
				require.False(t, ok, "quantity %d must remove item %s", q, id)
			}
		case 3:
			s.DecrementItem(id)
		case 4:
			s.DeleteItem(id)
		case 5:
			if rng.Intn(20) == 0 {
				s.Clear()
				require.Equal(t, 0, s.TotalItems())
			}
		}
		assertTotalsConsistent(t, s)
	}
}

func TestSubscribersReceiveEveryMutationInOrder(t *testing.T) {
	s := NewStore(testLogger())

	var versions []uint64
	var last Snapshot
	unsubscribe := s.Subscribe(func(snap Snapshot) {
		versions = append(versions, snap.Version)
		last = snap
	})

	s.AddToCart(product("1", 50))
	s.AddToCart(product("1", 50))
	s.UpdateQuantity("1", 5)

	assert.Equal(t, []uint64{1, 2, 3}, versions)
	assert.Equal(t, 5, last.TotalItems)
	assert.Equal(t, int64(250), last.TotalPrice)

	unsubscribe()
	s.Clear()
	assert.Len(t, versions, 3)
}

func TestSubscriberMayMutateTheStore(t *testing.T) {
	s := NewStore(testLogger())

	var seen []int
	s.Subscribe(func(snap Snapshot) {
		seen = append(seen, snap.TotalItems)
		// Top the cart up to three units of "1".
		if item, ok := s.Item("1"); ok && item.Quantity < 3 {
			s.AddToCart(product("1", 10))
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.AddToCart(product("1", 10))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("a subscriber mutating the store deadlocked")
	}

	item, _ := s.Item("1")
	assert.Equal(t, 3, item.Quantity)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestPanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	s := NewStore(testLogger())

	var versions []uint64
	s.Subscribe(func(snap Snapshot) {
		versions = append(versions, snap.Version)
		if snap.Version == 1 {
			panic("subscriber failed")
		}
	})

	assert.Panics(t, func() { s.AddToCart(product("1", 10)) })
	s.AddToCart(product("1", 10))
	assert.Equal(t, []uint64{1, 2}, versions)
}

func TestConcurrentAddsDoNotLoseUpdates(t *testing.T) {
	s := NewStore(testLogger())

	var seen uint64
	var seenMutex sync.Mutex
	s.Subscribe(func(snap Snapshot) {
		seenMutex.Lock()
		defer seenMutex.Unlock()
		assert.Greater(t, snap.Version, seen, "snapshots must not go backwards")
		seen = snap.Version
	})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 12; i++ {
				s.AddToCart(product("shared", 10))
				s.AddToCart(product(fmt.Sprintf("own-%d", w), 1))
			}
		}(w)
	}
	wg.Wait()

	item, ok := s.Item("shared")
	require.True(t, ok)
	assert.Equal(t, 96, item.Quantity)
	assert.Equal(t, 192, s.TotalItems())
	assertTotalsConsistent(t, s)
}
