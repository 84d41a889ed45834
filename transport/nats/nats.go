// Package nats provides the core NATS transport. Each output path subscribes
// through its own queue group so both receive every message. Core NATS keeps
// no history: a path sees only what is published while it is subscribed.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/userflow/transport"
)

const (
	// TransportName is the name used to register this transport.
	TransportName = "nats"
	// ReconnectWait is the pause between reconnect attempts.
	ReconnectWait = 2 * time.Second
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

// Register adds the core NATS transport to reg under TransportName.
func Register(reg *transport.Registry) {
	reg.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates the publisher and a factory for per-path queue groups.
// JetStream is left to the nats-jetstream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, errors.New("nats: URL is required")
	}
	marshaler := &nats.NATSMarshaler{}
	coreOnly := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(nats.PublisherConfig{
		URL:         url,
		Marshaler:   marshaler,
		NatsOptions: connectOptions(cfg.GetConsumerGroup() + "-publisher"),
		JetStream:   coreOnly,
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("nats: publisher: %w", err)
	}

	return transport.Transport{
		Publisher: publisher,
		NewSubscriber: func(consumer string) (message.Subscriber, error) {
			return SubscriberFactory(nats.SubscriberConfig{
				URL:              url,
				QueueGroupPrefix: consumer,
				// One goroutine per path keeps records in publish order.
				SubscribersCount: 1,
				Unmarshaler:      marshaler,
				NatsOptions:      connectOptions(consumer),
				JetStream:        coreOnly,
			}, logger)
		},
	}, nil
}

// connectOptions names the connection after its owner and keeps it
// reconnecting for as long as the service runs.
func connectOptions(name string) []natsgo.Option {
	return []natsgo.Option{
		natsgo.Name(name),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(ReconnectWait),
	}
}

func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
