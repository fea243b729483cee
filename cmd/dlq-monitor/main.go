package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/IBM/sarama"
	"github.com/jogardn/golocal-storefront/internal/config"
	"github.com/jogardn/golocal-storefront/internal/events"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger := cfg.NewLogger()
	brokers := events.SplitBrokers(cfg.KafkaBrokers)

	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Version = sarama.V2_6_0_0

	group, err := sarama.NewConsumerGroup(brokers, "dlq-monitor-group", consumerConfig)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ consumer")
	}
	defer group.Close()

	var producer sarama.SyncProducer
	if cfg.DLQReplay {
		producerConfig := sarama.NewConfig()
		producerConfig.Producer.RequiredAcks = sarama.WaitForAll
		producerConfig.Producer.Retry.Max = 5
		producerConfig.Producer.Return.Successes = true

		producer, err = sarama.NewSyncProducer(brokers, producerConfig)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create replay producer")
		}
		defer producer.Close()
	}

	monitor := events.NewDLQMonitor(producer, cfg.DLQReplay, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := monitor.Run(ctx, group); err != nil {
			logger.WithError(err).Error("DLQ monitor stopped")
		}
	}()

	logger.WithFields(logrus.Fields{
		"topic":  events.OrderEventsDLQTopic,
		"replay": cfg.DLQReplay,
	}).Info("DLQ monitor started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down DLQ monitor...")
}
