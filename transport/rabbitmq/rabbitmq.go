// Package rabbitmq provides the RabbitMQ/AMQP transport. The topic maps onto a
// fanout exchange and every output path consumes from its own durable queue.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/userflow/transport"
)

const (
	// TransportName is the name used to register this transport.
	TransportName = "rabbitmq"
	// ContentType is stamped on every published record.
	ContentType = "application/json"
)

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// CloseConnection allows overriding how a failed Build releases its connection.
var CloseConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// Register adds the RabbitMQ transport to reg under TransportName.
func Register(reg *transport.Registry) {
	reg.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build opens one connection shared by the publisher and both path queues.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return transport.Transport{}, errors.New("rabbitmq: URL is required")
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq: connect: %w", err)
	}

	publisher, err := PublisherFactory(PublisherConfig(url), logger, conn)
	if err != nil {
		return transport.Transport{}, errors.Join(fmt.Errorf("rabbitmq: publisher: %w", err), CloseConnection(conn))
	}

	return transport.Transport{
		Publisher: publisher,
		NewSubscriber: func(consumer string) (message.Subscriber, error) {
			return SubscriberFactory(QueueConfig(url, consumer), logger, conn)
		},
	}, nil
}

// PublisherConfig declares the topic's fanout exchange and marks records as
// persistent JSON.
func PublisherConfig(url string) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicName)
	cfg.Marshaler = amqp.DefaultMarshaler{
		PostprocessPublishing: func(p amqp091.Publishing) amqp091.Publishing {
			p.ContentType = ContentType
			return p
		},
	}
	return cfg
}

// QueueConfig returns the config of one output path: a durable queue named
// "<topic>_<consumer>" bound to the topic exchange. A prefetch of one keeps
// the path's records in queue order.
func QueueConfig(url, consumer string) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicNameWithSuffix(consumer))
	cfg.Consume.Consumer = consumer
	cfg.Consume.Qos.PrefetchCount = 1
	return cfg
}

func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
