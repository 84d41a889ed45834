// Package transports registers every bundled transport with a registry.
package transports

import (
	"github.com/drblury/userflow/transport"
	"github.com/drblury/userflow/transport/aws"
	"github.com/drblury/userflow/transport/channel"
	"github.com/drblury/userflow/transport/jetstream"
	"github.com/drblury/userflow/transport/kafka"
	"github.com/drblury/userflow/transport/nats"
	"github.com/drblury/userflow/transport/rabbitmq"
)

// RegisterAll adds the bundled transports to reg.
func RegisterAll(reg *transport.Registry) {
	kafka.Register(reg)
	channel.Register(reg)
	rabbitmq.Register(reg)
	nats.Register(reg)
	jetstream.Register(reg)
	aws.Register(reg)
}

// NewRegistry returns a registry holding every bundled transport.
func NewRegistry() *transport.Registry {
	reg := transport.NewRegistry()
	RegisterAll(reg)
	return reg
}
