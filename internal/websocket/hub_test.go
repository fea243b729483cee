package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jogardn/golocal-storefront/internal/auth"
	"github.com/jogardn/golocal-storefront/internal/events"
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

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("user"); id != "" {
			r = r.WithContext(auth.WithUser(r.Context(), auth.User{ID: id}))
		}
		hub.HandleWebSocket(w, r)
	}))
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return hub, server
}

func dial(t *testing.T, server *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, user string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount(user) == n }, 2*time.Second, 10*time.Millisecond)
}

func readNotification(t *testing.T, conn *websocket.Conn) models.Notification {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string              `json:"type"`
		Data models.Notification `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "notification", msg.Type)
	return msg.Data
}

func TestNotificationsReachOnlyTheirUser(t *testing.T) {
	hub, server := startHub(t)
	alice := dial(t, server, "alice")
	bob := dial(t, server, "bob")
	waitForClients(t, hub, "alice", 1)
	waitForClients(t, hub, "bob", 1)

	notifier := NewNotifier(hub, testLogger())
	require.NoError(t, notifier.HandleOrderPlaced(context.Background(), events.OrderPlacedEvent{
		OrderID:     "order-1",
		UserID:      "alice",
		TotalAmount: 175,
	}))

	got := readNotification(t, alice)
	assert.Equal(t, "Order Placed Successfully!", got.Title)
	assert.Equal(t, "order-1", got.OrderID)
	assert.Contains(t, got.Message, "₹175")
	assert.Equal(t, models.NotificationSuccess, got.Type)

	bob.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := bob.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "bob must not receive alice's notification")
}

func TestUnauthenticatedUpgradeIsRejected(t *testing.T) {
	_, server := startHub(t)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRecentKeepsLatestFirst(t *testing.T) {
	hub, _ := startHub(t)
	notifier := NewNotifier(hub, testLogger())
	ctx := context.Background()

	for _, to := range []models.OrderStatus{models.OrderStatusConfirmed, models.OrderStatusOutForDelivery} {
		require.NoError(t, notifier.HandleOrderStatusChanged(ctx, events.OrderStatusChangedEvent{
			OrderID: "abcdef123456",
			UserID:  "alice",
			To:      to,
		}))
	}

	recent := hub.Recent("alice")
	require.Len(t, recent, 2)
	assert.Equal(t, "Order #ABCDEF12 is now out for delivery", recent[0].Message)
	assert.Empty(t, hub.Recent("bob"))
}

func TestStatusNotificationTypes(t *testing.T) {
	delivered := StatusNotification(events.OrderStatusChangedEvent{OrderID: "o1", UserID: "u", To: models.OrderStatusDelivered, Location: "Door"})
	assert.Equal(t, models.NotificationSuccess, delivered.Type)
	assert.Equal(t, "Order #O1 is now delivered (Door)", delivered.Message)

	cancelled := StatusNotification(events.OrderStatusChangedEvent{OrderID: "o1", UserID: "u", To: models.OrderStatusCancelled})
	assert.Equal(t, models.NotificationWarning, cancelled.Type)
}

func TestNotifierRetryClassification(t *testing.T) {
	hub := NewHub(testLogger())
	notifier := NewNotifier(hub, testLogger())

	err := notifier.HandleOrderStatusChanged(context.Background(), events.OrderStatusChangedEvent{OrderID: "o1", UserID: "u", To: "lost"})
	assert.ErrorIs(t, err, events.ErrMalformedEvent)
	assert.False(t, notifier.IsRetryable(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hub.Run(ctx)
	err = notifier.HandleOrderPlaced(context.Background(), events.OrderPlacedEvent{OrderID: "o1", UserID: "u"})
	assert.ErrorIs(t, err, ErrHubStopped)
	assert.False(t, notifier.IsRetryable(err))

	assert.True(t, notifier.IsRetryable(context.DeadlineExceeded))
}
