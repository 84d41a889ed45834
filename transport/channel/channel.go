// Package channel provides the in-memory Go channel transport, used for tests
// and local runs. Each subscriber receives its own copy of every message.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/userflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

// Register adds the channel transport to reg under TransportName.
func Register(reg *transport.Registry) {
	reg.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a fresh GoChannel. With "earliest" starting offsets messages
// are retained and replayed to subscribers that join later.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pubSub := Factory(gochannel.Config{
		Persistent: cfg.GetStartingOffsets() != transport.OffsetsLatest,
	}, logger)
	return FromPubSub(pubSub), nil
}

// FromPubSub exposes an existing GoChannel as a transport. Closing the
// publisher closes the GoChannel; subscribers never close it.
func FromPubSub(pubSub *gochannel.GoChannel) transport.Transport {
	return transport.Transport{
		Publisher: pubSub,
		NewSubscriber: func(string) (message.Subscriber, error) {
			return sharedSubscriber{pubSub: pubSub}, nil
		},
	}
}

type sharedSubscriber struct {
	pubSub *gochannel.GoChannel
}

func (s sharedSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.pubSub.Subscribe(ctx, topic)
}

func (sharedSubscriber) Close() error { return nil }

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
