package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// MaxReplays caps how many times one message may cycle through the DLQ.
const MaxReplays = MaxRetries * 2

var ErrReplayBudgetExhausted = errors.New("exceeded maximum replay attempts")

// DLQMessage is a dead-lettered event with its failure metadata.
type DLQMessage struct {
	Key       string          `json:"key"`
	Metadata  MessageMetadata `json:"metadata"`
	Payload   json.RawMessage `json:"payload"`
	Partition int32           `json:"partition"`
	Offset    int64           `json:"offset"`
}

func ParseDLQMessage(message *sarama.ConsumerMessage) DLQMessage {
	msg := DLQMessage{
		Key:       string(message.Key),
		Payload:   json.RawMessage(message.Value),
		Partition: message.Partition,
		Offset:    message.Offset,
	}
	for _, header := range message.Headers {
		if header == nil {
			continue
		}
		switch string(header.Key) {
		case "metadata":
			_ = json.Unmarshal(header.Value, &msg.Metadata)
		case "original_topic":
			if msg.Metadata.OriginalTopic == "" {
				msg.Metadata.OriginalTopic = string(header.Value)
			}
		}
	}
	return msg
}

// DLQMonitor logs dead-lettered order events and optionally replays them to
// their original topic.
type DLQMonitor struct {
	producer sarama.SyncProducer
	replay   bool
	logger   *logrus.Logger

	seen     int64
	replayed int64
}

// NewDLQMonitor builds a monitor. producer may be nil when replay is false.
func NewDLQMonitor(producer sarama.SyncProducer, replay bool, logger *logrus.Logger) *DLQMonitor {
	return &DLQMonitor{
		producer: producer,
		replay:   replay && producer != nil,
		logger:   logger,
	}
}

func (m *DLQMonitor) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (m *DLQMonitor) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (m *DLQMonitor) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		m.Inspect(message)
		session.MarkMessage(message, "")
	}
	return nil
}

// Inspect logs one DLQ message and replays it when enabled.
func (m *DLQMonitor) Inspect(message *sarama.ConsumerMessage) DLQMessage {
	msg := ParseDLQMessage(message)
	m.seen++

	m.logger.WithFields(logrus.Fields{
		"key":            msg.Key,
		"partition":      msg.Partition,
		"offset":         msg.Offset,
		"original_topic": msg.Metadata.OriginalTopic,
		"retry_count":    msg.Metadata.RetryCount,
		"error":          msg.Metadata.ErrorMessage,
	}).Warn("DLQ message detected")

	if m.replay {
		if err := m.Replay(msg); err != nil {
			m.logger.WithError(err).WithField("key", msg.Key).Error("DLQ replay failed")
		}
	}
	return msg
}

func (m *DLQMonitor) Replay(msg DLQMessage) error {
	if m.producer == nil {
		return errors.New("replay producer not configured")
	}
	if msg.Metadata.RetryCount >= MaxReplays {
		return fmt.Errorf("%s: %w", msg.Key, ErrReplayBudgetExhausted)
	}
	if msg.Metadata.OriginalTopic == "" {
		return fmt.Errorf("%s: missing original topic", msg.Key)
	}

	replayMessage := &sarama.ProducerMessage{
		Topic: msg.Metadata.OriginalTopic,
		Key:   sarama.StringEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("retry_count"), Value: []byte(strconv.Itoa(msg.Metadata.RetryCount))},
			{Key: []byte("replayed_from_dlq"), Value: []byte("true")},
			{Key: []byte("replay_time"), Value: []byte(time.Now().Format(time.RFC3339))},
		},
	}

	partition, offset, err := m.producer.SendMessage(replayMessage)
	if err != nil {
		return fmt.Errorf("failed to replay message: %w", err)
	}
	m.replayed++

	m.logger.WithFields(logrus.Fields{
		"replay_topic":     msg.Metadata.OriginalTopic,
		"replay_partition": partition,
		"replay_offset":    offset,
		"key":              msg.Key,
	}).Info("Message replayed from DLQ")
	return nil
}

// Run consumes the DLQ topic until ctx is cancelled.
func (m *DLQMonitor) Run(ctx context.Context, group sarama.ConsumerGroup) error {
	for {
		if err := group.Consume(ctx, []string{OrderEventsDLQTopic}, m); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			m.logger.WithError(err).Error("Error consuming from DLQ")
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
