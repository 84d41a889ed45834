// Package kafka provides the Kafka transport. Every output path gets its own
// consumer group so each keeps its own committed offsets.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/userflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// Register adds the Kafka transport to reg under TransportName.
func Register(reg *transport.Registry) {
	reg.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a Kafka publisher and a factory for per-path consumer groups.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, errors.New("kafka: brokers are required")
	}
	initial, err := InitialOffset(cfg.GetStartingOffsets())
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: PublisherSaramaConfig(cfg),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	newSubscriber := func(consumer string) (message.Subscriber, error) {
		return SubscriberFactory(
			kafka.SubscriberConfig{
				Brokers:               brokers,
				Unmarshaler:           PositionUnmarshaler{},
				ConsumerGroup:         consumer,
				OverwriteSaramaConfig: SubscriberSaramaConfig(cfg, initial),
			},
			logger,
		)
	}

	return transport.Transport{
		Publisher:     publisher,
		NewSubscriber: newSubscriber,
	}, nil
}

// InitialOffset maps a StartingOffsets value onto sarama's constants. It only
// applies to consumer groups without a committed offset.
func InitialOffset(startingOffsets string) (int64, error) {
	switch startingOffsets {
	case "", transport.OffsetsEarliest:
		return sarama.OffsetOldest, nil
	case transport.OffsetsLatest:
		return sarama.OffsetNewest, nil
	}
	return 0, fmt.Errorf("kafka: unsupported starting offsets %q", startingOffsets)
}

// SubscriberSaramaConfig derives the consumer config from the defaults
// watermill uses, applying client id, fetch limits and the initial offset.
func SubscriberSaramaConfig(cfg transport.Config, initial int64) *sarama.Config {
	saramaCfg := kafka.DefaultSaramaSubscriberConfig()
	if id := cfg.GetKafkaClientID(); id != "" {
		saramaCfg.ClientID = id
	}
	saramaCfg.Consumer.Offsets.Initial = initial
	if v := cfg.GetFetchMaxBytes(); v > 0 {
		saramaCfg.Consumer.Fetch.Max = v
	}
	if v := cfg.GetPartitionFetchBytes(); v > 0 {
		saramaCfg.Consumer.Fetch.Default = v
	}
	return saramaCfg
}

// PublisherSaramaConfig derives the dead-letter producer config.
func PublisherSaramaConfig(cfg transport.Config) *sarama.Config {
	saramaCfg := kafka.DefaultSaramaSyncPublisherConfig()
	if id := cfg.GetKafkaClientID(); id != "" {
		saramaCfg.ClientID = id
	}
	return saramaCfg
}

// PositionUnmarshaler decodes like kafka.DefaultMarshaler and stamps the
// record's topic, partition and offset onto the message metadata.
type PositionUnmarshaler struct {
	kafka.DefaultMarshaler
}

func (u PositionUnmarshaler) Unmarshal(kafkaMsg *sarama.ConsumerMessage) (*message.Message, error) {
	msg, err := u.DefaultMarshaler.Unmarshal(kafkaMsg)
	if err != nil {
		return nil, err
	}
	transport.Position{
		Topic:     kafkaMsg.Topic,
		Partition: kafkaMsg.Partition,
		Offset:    kafkaMsg.Offset,
	}.Stamp(msg.Metadata)
	return msg, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
