// Package transport defines how userflow reaches its message source. Each
// backend (kafka, rabbitmq, nats, aws, channel) lives in its own sub-package
// and registers a Builder with the registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Starting offsets for consumers that have no committed position yet.
const (
	OffsetsEarliest = "earliest"
	OffsetsLatest   = "latest"
)

// SubscriberFactory creates a subscriber whose progress is tracked under the
// given consumer name. Two subscribers with different names receive every
// message of a topic independently.
type SubscriberFactory func(consumer string) (message.Subscriber, error)

// Transport is what a builder produces: one publisher, used for dead-lettering,
// and a factory for independent subscribers, one per output path.
type Transport struct {
	Publisher     message.Publisher
	NewSubscriber SubscriberFactory
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	GetPubSubSystem() string
	GetConsumerGroup() string
	GetStartingOffsets() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetFetchMaxBytes() int32
	GetPartitionFetchBytes() int32

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
	GetNATSStream() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
