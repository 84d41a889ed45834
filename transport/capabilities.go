package transport

// Capabilities describes the delivery guarantees of a transport backend. The
// service logs them at startup and warns when a setting cannot be honoured.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsOrdering indicates messages within a partition or queue arrive in order.
	SupportsOrdering bool

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates a negative acknowledgment leads to redelivery.
	SupportsNack bool

	// SupportsStartingOffsets indicates the StartingOffsets setting is honoured
	// for consumers without a committed position.
	SupportsStartingOffsets bool

	// DurableProgress indicates each consumer's progress survives a restart.
	DurableProgress bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Fields renders the capabilities as log fields.
func (c Capabilities) Fields() map[string]any {
	return map[string]any{
		"transport":         c.Name,
		"ordering":          c.SupportsOrdering,
		"reliable_delivery": c.SupportsReliableDelivery(),
		"starting_offsets":  c.SupportsStartingOffsets,
		"durable_progress":  c.DurableProgress,
		"max_message_bytes": c.MaxMessageSize,
	}
}

// Predefined capability sets for the bundled transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport. Starting
	// offsets map onto replaying retained messages to new subscribers.
	ChannelCapabilities = Capabilities{
		Name:                    "channel",
		SupportsOrdering:        false,
		SupportsAck:             true,
		SupportsNack:            true,
		SupportsStartingOffsets: true,
		DurableProgress:         false,
	}

	// KafkaCapabilities for Apache Kafka. Consumer group offsets are the
	// per-path checkpoints.
	KafkaCapabilities = Capabilities{
		Name:                    "kafka",
		SupportsOrdering:        true,
		SupportsAck:             true,
		SupportsNack:            true,
		SupportsStartingOffsets: true,
		DurableProgress:         true,
		MaxMessageSize:          1048576,
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP with one durable queue per path.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		DurableProgress:  true,
	}

	// NATSCapabilities for NATS with one queue group per path.
	NATSCapabilities = Capabilities{
		Name:             "nats",
		SupportsOrdering: false,
		SupportsAck:      true,
		SupportsNack:     true,
		DurableProgress:  false,
		MaxMessageSize:   1048576,
	}

	// NATSJetStreamCapabilities for JetStream with one durable pull consumer
	// per path. Stream sequences are the per-path checkpoints.
	NATSJetStreamCapabilities = Capabilities{
		Name:                    "nats-jetstream",
		SupportsOrdering:        true,
		SupportsAck:             true,
		SupportsNack:            true,
		SupportsStartingOffsets: true,
		DurableProgress:         true,
		MaxMessageSize:          1048576,
	}

	// AWSCapabilities for SNS fan-out into one SQS queue per path.
	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsOrdering: false,
		SupportsAck:      true,
		SupportsNack:     true,
		DurableProgress:  true,
		MaxMessageSize:   262144,
	}
)
