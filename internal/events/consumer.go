package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

const (
	MaxRetries        = 3
	InitialRetryDelay = 1 * time.Second
	MaxRetryDelay     = 30 * time.Second
)

// ErrMalformedEvent marks payloads that can never be processed.
var ErrMalformedEvent = errors.New("malformed event")

type OrderEventHandler interface {
	HandleOrderPlaced(ctx context.Context, event OrderPlacedEvent) error
	HandleOrderStatusChanged(ctx context.Context, event OrderStatusChangedEvent) error
	IsRetryable(err error) bool
}

type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   MaxRetries,
		InitialDelay: InitialRetryDelay,
		MaxDelay:     MaxRetryDelay,
	}
}

type ConsumerMetrics struct {
	ProcessedCount int64 `json:"processed_count"`
	RetryCount     int64 `json:"retry_count"`
	DLQCount       int64 `json:"dlq_count"`
	SuccessCount   int64 `json:"success_count"`
	FailureCount   int64 `json:"failure_count"`
}

// MessageMetadata travels in the "metadata" header of dead-lettered messages.
type MessageMetadata struct {
	RetryCount    int       `json:"retry_count"`
	FirstFailure  time.Time `json:"first_failure"`
	LastFailure   time.Time `json:"last_failure"`
	OriginalTopic string    `json:"original_topic"`
	ErrorMessage  string    `json:"error_message"`
}

type KafkaConsumer struct {
	consumerGroup sarama.ConsumerGroup
	producer      sarama.SyncProducer
	handler       *retryingHandler
	logger        *logrus.Logger
	topics        []string
}

func NewKafkaConsumer(brokers, groupID string, handler OrderEventHandler, policy RetryPolicy, logger *logrus.Logger) (*KafkaConsumer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(SplitBrokers(brokers), groupID, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	// Producer for the DLQ
	producer, err := sarama.NewSyncProducer(SplitBrokers(brokers), producerConfig())
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create producer for DLQ: %w", err)
	}

	return &KafkaConsumer{
		consumerGroup: consumerGroup,
		producer:      producer,
		handler:       newRetryingHandler(handler, producer, policy, logger),
		logger:        logger,
		topics:        []string{OrderPlacedTopic, OrderStatusChangedTopic},
	}, nil
}

// Start consumes until ctx is cancelled.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		default:
			if err := c.consumerGroup.Consume(ctx, c.topics, c.handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return nil
				}
				c.logger.WithError(err).Error("Error consuming from Kafka")
				return err
			}
		}
	}
}

func (c *KafkaConsumer) Close() error {
	if err := c.producer.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close producer")
	}
	return c.consumerGroup.Close()
}

func (c *KafkaConsumer) Metrics() ConsumerMetrics {
	return c.handler.snapshot()
}

// retryingHandler is the sarama.ConsumerGroupHandler. Each message is retried
// with exponential backoff and dead-lettered once its retries are exhausted.
type retryingHandler struct {
	handler  OrderEventHandler
	producer sarama.SyncProducer
	policy   RetryPolicy
	logger   *logrus.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	processed atomic.Int64
	retries   atomic.Int64
	dlq       atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
}

func newRetryingHandler(handler OrderEventHandler, producer sarama.SyncProducer, policy RetryPolicy, logger *logrus.Logger) *retryingHandler {
	return &retryingHandler{
		handler:  handler,
		producer: producer,
		policy:   policy,
		logger:   logger,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *retryingHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *retryingHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *retryingHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}
			h.process(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			h.logger.Info("Consumer group session context cancelled")
			return nil
		}
	}
}

// process handles one message, dead-lettering it on terminal failure.
func (h *retryingHandler) process(ctx context.Context, message *sarama.ConsumerMessage) {
	h.processed.Add(1)

	err := h.handleWithRetry(ctx, message)
	if err == nil {
		h.successes.Add(1)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	h.logger.WithError(err).Error("Failed to process message after retries")
	h.failures.Add(1)

	if dlqErr := h.sendToDLQ(message, err); dlqErr != nil {
		h.logger.WithError(dlqErr).Error("Failed to send message to DLQ")
		return
	}
	h.dlq.Add(1)
}

func (h *retryingHandler) handleWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	h.logger.WithFields(logrus.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
		"key":       string(message.Key),
	}).Debug("Processing Kafka message")

	dispatch, err := h.decode(message)
	if err != nil {
		return err
	}

	retryDelay := h.policy.InitialDelay
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			h.logger.WithFields(logrus.Fields{
				"key":     string(message.Key),
				"attempt": attempt,
				"delay":   retryDelay,
			}).Info("Retrying order event")

			if err := h.sleep(ctx, retryDelay); err != nil {
				return err
			}
			h.retries.Add(1)

			retryDelay *= 2
			if retryDelay > h.policy.MaxDelay {
				retryDelay = h.policy.MaxDelay
			}
		}

		err = dispatch(ctx)
		if err == nil {
			return nil
		}
		if !h.handler.IsRetryable(err) {
			h.logger.WithError(err).Error("Non-retryable error encountered")
			return err
		}
		if attempt >= h.policy.MaxRetries {
			return fmt.Errorf("exhausted retries for %s: %w", string(message.Key), err)
		}

		h.logger.WithError(err).WithField("attempt", attempt+1).Warn("Retryable error processing order event")
	}
}

// decode resolves the message topic to a handler call.
func (h *retryingHandler) decode(message *sarama.ConsumerMessage) (func(ctx context.Context) error, error) {
	switch message.Topic {
	case OrderPlacedTopic:
		var event OrderPlacedEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return func(ctx context.Context) error { return h.handler.HandleOrderPlaced(ctx, event) }, nil

	case OrderStatusChangedTopic:
		var event OrderStatusChangedEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return func(ctx context.Context) error { return h.handler.HandleOrderStatusChanged(ctx, event) }, nil

	default:
		return nil, fmt.Errorf("%w: unexpected topic %s", ErrMalformedEvent, message.Topic)
	}
}

func (h *retryingHandler) sendToDLQ(message *sarama.ConsumerMessage, processingError error) error {
	now := time.Now()
	metadata := MessageMetadata{
		RetryCount:    retryCountHeader(message) + 1,
		FirstFailure:  now,
		LastFailure:   now,
		OriginalTopic: message.Topic,
		ErrorMessage:  processingError.Error(),
	}

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// Original payload plus failure metadata
	dlqMessage := &sarama.ProducerMessage{
		Topic: OrderEventsDLQTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("metadata"), Value: metadataBytes},
			{Key: []byte("original_topic"), Value: []byte(message.Topic)},
			{Key: []byte("original_partition"), Value: []byte(strconv.Itoa(int(message.Partition)))},
			{Key: []byte("original_offset"), Value: []byte(strconv.FormatInt(message.Offset, 10))},
			{Key: []byte("failure_time"), Value: []byte(now.Format(time.RFC3339))},
		},
	}

	partition, offset, err := h.producer.SendMessage(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"dlq_topic":     OrderEventsDLQTopic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
		"error":         processingError.Error(),
	}).Warn("Message sent to dead letter queue")

	return nil
}

func (h *retryingHandler) snapshot() ConsumerMetrics {
	return ConsumerMetrics{
		ProcessedCount: h.processed.Load(),
		RetryCount:     h.retries.Load(),
		DLQCount:       h.dlq.Load(),
		SuccessCount:   h.successes.Load(),
		FailureCount:   h.failures.Load(),
	}
}

// retryCountHeader reads the retry_count header set on replayed messages.
func retryCountHeader(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == "retry_count" {
			if n, err := strconv.Atoi(string(header.Value)); err == nil {
				return n
			}
		}
	}
	return 0
}
