package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/jogardn/golocal-storefront/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("websocket hub busy")

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type recordingHandler struct {
	failures int
	err      error
	placed   []OrderPlacedEvent
	changed  []OrderStatusChangedEvent
	calls    int
}

func (h *recordingHandler) HandleOrderPlaced(ctx context.Context, event OrderPlacedEvent) error {
	h.calls++
	if h.calls <= h.failures {
		return h.err
	}
	h.placed = append(h.placed, event)
	return nil
}

func (h *recordingHandler) HandleOrderStatusChanged(ctx context.Context, event OrderStatusChangedEvent) error {
	h.calls++
	if h.calls <= h.failures {
		return h.err
	}
	h.changed = append(h.changed, event)
	return nil
}

func (h *recordingHandler) IsRetryable(err error) bool {
	return errors.Is(err, errTransient)
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func placedMessage(t *testing.T) *sarama.ConsumerMessage {
	t.Helper()
	data, err := json.Marshal(OrderPlacedEvent{OrderID: "o1", UserID: "u1", TotalAmount: 175})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: OrderPlacedTopic, Key: []byte("o1"), Value: data}
}

func TestProducerPublishesKeyedByOrder(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event OrderPlacedEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if event.OrderID != "o1" || event.TotalAmount != 175 || event.EventTime.IsZero() {
			return errors.New("unexpected event payload")
		}
		return nil
	})
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	producer := NewProducer(sp, testLogger())
	order := &models.Order{ID: "o1", UserID: "u1", TotalAmount: 175, PaymentMethod: models.PaymentMethodCOD}

	require.NoError(t, producer.PublishOrderPlaced(context.Background(), PlacedEventFor(order)))
	err := producer.PublishOrderStatusChanged(context.Background(), OrderStatusChangedEvent{OrderID: "o1"})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	require.NoError(t, producer.Close())
}

func TestRetryThenSucceed(t *testing.T) {
	handler := &recordingHandler{failures: 2, err: errTransient}
	h := newRetryingHandler(handler, nil, DefaultRetryPolicy(), testLogger())
	h.sleep = noSleep

	h.process(context.Background(), placedMessage(t))

	metrics := h.snapshot()
	assert.Equal(t, int64(1), metrics.SuccessCount)
	assert.Equal(t, int64(2), metrics.RetryCount)
	assert.Equal(t, int64(0), metrics.DLQCount)
	require.Len(t, handler.placed, 1)
	assert.Equal(t, "u1", handler.placed[0].UserID)
}

func TestExhaustedRetriesGoToDLQ(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndSucceed()

	handler := &recordingHandler{failures: 100, err: errTransient}
	h := newRetryingHandler(handler, sp, RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}, testLogger())
	h.sleep = noSleep

	h.process(context.Background(), placedMessage(t))

	metrics := h.snapshot()
	assert.Equal(t, 3, handler.calls)
	assert.Equal(t, int64(1), metrics.FailureCount)
	assert.Equal(t, int64(1), metrics.DLQCount)
	require.NoError(t, sp.Close())
}

func TestNonRetryableAndMalformedSkipRetries(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndSucceed()
	sp.ExpectSendMessageAndSucceed()

	handler := &recordingHandler{failures: 100, err: errors.New("unknown user")}
	h := newRetryingHandler(handler, sp, DefaultRetryPolicy(), testLogger())
	h.sleep = noSleep

	h.process(context.Background(), placedMessage(t))
	assert.Equal(t, 1, handler.calls)

	h.process(context.Background(), &sarama.ConsumerMessage{Topic: OrderStatusChangedTopic, Value: []byte("{not json")})
	assert.Equal(t, 1, handler.calls)

	assert.Equal(t, int64(2), h.snapshot().DLQCount)
	assert.Equal(t, int64(0), h.snapshot().RetryCount)
	require.NoError(t, sp.Close())
}

func TestDLQMonitorReplaysWithinBudget(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndSucceed()

	monitor := NewDLQMonitor(sp, true, testLogger())
	metadata, err := json.Marshal(MessageMetadata{RetryCount: 1, OriginalTopic: OrderPlacedTopic, ErrorMessage: "boom"})
	require.NoError(t, err)

	msg := monitor.Inspect(&sarama.ConsumerMessage{
		Topic:   OrderEventsDLQTopic,
		Key:     []byte("o1"),
		Value:   []byte(`{"order_id":"o1"}`),
		Headers: []*sarama.RecordHeader{{Key: []byte("metadata"), Value: metadata}},
	})
	assert.Equal(t, "boom", msg.Metadata.ErrorMessage)
	assert.Equal(t, int64(1), monitor.replayed)

	err = monitor.Replay(DLQMessage{Key: "o1", Metadata: MessageMetadata{RetryCount: MaxReplays, OriginalTopic: OrderPlacedTopic}})
	assert.ErrorIs(t, err, ErrReplayBudgetExhausted)
	require.NoError(t, sp.Close())
}

func TestRetryCountHeader(t *testing.T) {
	msg := &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{{Key: []byte("retry_count"), Value: []byte("4")}}}
	assert.Equal(t, 4, retryCountHeader(msg))
	assert.Equal(t, 0, retryCountHeader(&sarama.ConsumerMessage{}))
}

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, SplitBrokers(" a:9092, ,b:9092"))
}
