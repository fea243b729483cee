package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/golocal-storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	OrderPlacedTopic        = "order.placed"
	OrderStatusChangedTopic = "order.status_changed"
	OrderEventsDLQTopic     = "order.events.dlq"
)

type OrderPlacedEvent struct {
	OrderID       string               `json:"order_id"`
	UserID        string               `json:"user_id"`
	TotalAmount   int64                `json:"total_amount"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	ItemCount     int                  `json:"item_count"`
	CreatedAt     time.Time            `json:"created_at"`
	EventTime     time.Time            `json:"event_time"`
}

type OrderStatusChangedEvent struct {
	OrderID   string             `json:"order_id"`
	UserID    string             `json:"user_id"`
	From      models.OrderStatus `json:"from"`
	To        models.OrderStatus `json:"to"`
	Location  string             `json:"location,omitempty"`
	Notes     string             `json:"notes,omitempty"`
	EventTime time.Time          `json:"event_time"`
}

func PlacedEventFor(order *models.Order) OrderPlacedEvent {
	return OrderPlacedEvent{
		OrderID:       order.ID,
		UserID:        order.UserID,
		TotalAmount:   order.TotalAmount,
		PaymentMethod: order.PaymentMethod,
		ItemCount:     len(order.Items),
		CreatedAt:     order.CreatedAt,
	}
}

func SplitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func producerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0
	return config
}

type KafkaProducer struct {
	producer sarama.SyncProducer
	logger   *logrus.Logger
}

func NewKafkaProducer(brokers string, logger *logrus.Logger) (*KafkaProducer, error) {
	producer, err := sarama.NewSyncProducer(SplitBrokers(brokers), producerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	return NewProducer(producer, logger), nil
}

// NewProducer wraps an existing sarama producer.
func NewProducer(producer sarama.SyncProducer, logger *logrus.Logger) *KafkaProducer {
	return &KafkaProducer{
		producer: producer,
		logger:   logger,
	}
}

func (p *KafkaProducer) PublishOrderPlaced(ctx context.Context, event OrderPlacedEvent) error {
	event.EventTime = time.Now()
	return p.publish(ctx, OrderPlacedTopic, event.OrderID, event)
}

func (p *KafkaProducer) PublishOrderStatusChanged(ctx context.Context, event OrderStatusChangedEvent) error {
	event.EventTime = time.Now()
	return p.publish(ctx, OrderStatusChangedTopic, event.OrderID, event)
}

func (p *KafkaProducer) publish(ctx context.Context, topic, key string, event interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	// Keyed by order id so one order's events stay in one partition
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithField("topic", topic).Error("Failed to send message to Kafka")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
		"order_id":  key,
	}).Info("Event published to Kafka")

	return nil
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}

// LogPublisher stands in for Kafka when it is disabled and only logs events.
type LogPublisher struct {
	logger *logrus.Logger
}

func NewLogPublisher(logger *logrus.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishOrderPlaced(ctx context.Context, event OrderPlacedEvent) error {
	p.logger.WithFields(logrus.Fields{
		"topic":    OrderPlacedTopic,
		"order_id": event.OrderID,
		"user_id":  event.UserID,
	}).Info("Kafka disabled, event not published")
	return nil
}

func (p *LogPublisher) PublishOrderStatusChanged(ctx context.Context, event OrderStatusChangedEvent) error {
	p.logger.WithFields(logrus.Fields{
		"topic":    OrderStatusChangedTopic,
		"order_id": event.OrderID,
		"to":       event.To,
	}).Info("Kafka disabled, event not published")
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
