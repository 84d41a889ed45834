// Package transporttest provides a configurable transport.Config and no-op
// publisher/subscriber doubles for transport package tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Config is a plain struct implementation of transport.Config.
type Config struct {
	PubSubSystem        string
	ConsumerGroup       string
	StartingOffsets     string
	KafkaBrokers        []string
	KafkaClientID       string
	FetchMaxBytes       int32
	PartitionFetchBytes int32
	RabbitMQURL         string
	NATSURL             string
	NATSStream          string
	AWSRegion           string
	AWSAccountID        string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpoint         string
}

func (c *Config) GetPubSubSystem() string       { return c.PubSubSystem }
func (c *Config) GetConsumerGroup() string      { return c.ConsumerGroup }
func (c *Config) GetStartingOffsets() string    { return c.StartingOffsets }
func (c *Config) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c *Config) GetKafkaClientID() string      { return c.KafkaClientID }
func (c *Config) GetFetchMaxBytes() int32       { return c.FetchMaxBytes }
func (c *Config) GetPartitionFetchBytes() int32 { return c.PartitionFetchBytes }
func (c *Config) GetRabbitMQURL() string        { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string            { return c.NATSURL }
func (c *Config) GetNATSStream() string         { return c.NATSStream }
func (c *Config) GetAWSRegion() string          { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string       { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string     { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string        { return c.AWSEndpoint }

// Publisher records published messages per topic. Publishing to a topic
// listed in FailTopics returns its error and records nothing.
type Publisher struct {
	mu         sync.Mutex
	Published  map[string][]*message.Message
	FailTopics map[string]error
	Closed     bool
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.FailTopics[topic]; err != nil {
		return err
	}
	if p.Published == nil {
		p.Published = make(map[string][]*message.Message)
	}
	p.Published[topic] = append(p.Published[topic], messages...)
	return nil
}

// Messages returns a copy of what was published to topic.
func (p *Publisher) Messages(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.Published[topic]...)
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// Subscriber returns a channel that never delivers.
type Subscriber struct {
	Closed bool
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}

func (s *Subscriber) Close() error {
	s.Closed = true
	return nil
}
