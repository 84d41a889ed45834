// Package jetstream provides the NATS JetStream transport. Each output path
// reads through its own durable pull consumer, so each keeps its own stream
// position across restarts.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/userflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is used when the config names no stream.
	DefaultStreamName = "USERFLOW"

	// DefaultAckWait is how long the server waits for an ack before redelivering.
	DefaultAckWait = 30 * time.Second

	// HeaderMessageUUID carries the Watermill message UUID across the wire.
	HeaderMessageUUID = "userflow_uuid"

	fetchBatch   = 10
	fetchMaxWait = time.Second
)

// JetStream is the subset of nats.JetStreamContext the transport uses.
type JetStream interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	ConsumerInfo(stream, name string, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// ConnectFactory allows overriding the connection creation for testing. The
// returned connection may be nil when js does not need one.
var ConnectFactory = func(url, name string) (*nats.Conn, JetStream, error) {
	nc, err := nats.Connect(url, nats.Name(name))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}

// Register adds the JetStream transport to reg under TransportName.
func Register(reg *transport.Registry) {
	reg.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds JetStream-specific configuration.
type Config struct {
	URL string
	// StreamName holds every topic as subject <StreamName>.<topic>.
	StreamName string
	// DeliverPolicy applies to consumers created for the first time.
	DeliverPolicy nats.DeliverPolicy
	AckWait       time.Duration
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	return c
}

// DeliverPolicy maps a starting-offsets setting onto a JetStream policy.
func DeliverPolicy(startingOffsets string) (nats.DeliverPolicy, error) {
	switch startingOffsets {
	case "", transport.OffsetsEarliest:
		return nats.DeliverAllPolicy, nil
	case transport.OffsetsLatest:
		return nats.DeliverNewPolicy, nil
	}
	return nats.DeliverAllPolicy, fmt.Errorf("jetstream: unknown starting offsets %q", startingOffsets)
}

// Build connects to the server, makes sure the stream exists and returns a
// publisher plus a factory of durable per-path subscribers.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, errors.New("nats: URL is required")
	}
	policy, err := DeliverPolicy(cfg.GetStartingOffsets())
	if err != nil {
		return transport.Transport{}, err
	}
	conf := Config{URL: url, StreamName: cfg.GetNATSStream(), DeliverPolicy: policy}.withDefaults()

	nc, js, err := ConnectFactory(url, cfg.GetConsumerGroup())
	if err != nil {
		return transport.Transport{}, err
	}
	if err := ensureStream(js, conf.StreamName, logger); err != nil {
		if nc != nil {
			nc.Close()
		}
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher: &Publisher{nc: nc, js: js, stream: conf.StreamName},
		NewSubscriber: func(consumer string) (message.Subscriber, error) {
			return &Subscriber{
				js:      js,
				config:  conf,
				durable: DurableName(consumer),
				logger:  logger.With(watermill.LogFields{"durable": DurableName(consumer)}),
				closing: make(chan struct{}),
			}, nil
		},
	}, nil
}

func ensureStream(js JetStream, name string, logger watermill.LoggerAdapter) error {
	if _, err := js.StreamInfo(name); err == nil {
		logger.Debug("JetStream stream exists", watermill.LogFields{"stream": name})
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", name, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{name + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", name, err)
	}
	logger.Info("JetStream stream created", watermill.LogFields{"stream": name})
	return nil
}

// DurableName turns a consumer name into a valid durable name. JetStream
// rejects '.', '*', '>' and whitespace.
func DurableName(consumer string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, consumer)
}

func subject(stream, topic string) string {
	return stream + "." + topic
}

// Publisher writes messages into the stream. Closing it closes the connection.
type Publisher struct {
	nc     *nats.Conn
	js     JetStream
	stream string

	closeOnce sync.Once
}

// Publish stores every message under <stream>.<topic>, carrying metadata as headers.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		header := nats.Header{}
		for k, v := range msg.Metadata {
			header.Set(k, v)
		}
		header.Set(HeaderMessageUUID, msg.UUID)

		_, err := p.js.PublishMsg(&nats.Msg{
			Subject: subject(p.stream, topic),
			Data:    msg.Payload,
			Header:  header,
		})
		if err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}
	return nil
}

func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		if p.nc != nil {
			p.nc.Close()
		}
	})
	return nil
}

// Subscriber reads one topic through a durable pull consumer. A consumer that
// already exists keeps its stored position.
type Subscriber struct {
	js      JetStream
	config  Config
	durable string
	logger  watermill.LoggerAdapter

	mu      sync.Mutex
	subs    []*nats.Subscription
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

// Subscribe makes sure the durable consumer exists and starts fetching.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("jetstream: subscriber is closed")
	}

	subj := subject(s.config.StreamName, topic)
	if err := s.ensureConsumer(subj); err != nil {
		return nil, err
	}
	sub, err := s.js.PullSubscribe(subj, s.durable, nats.Bind(s.config.StreamName, s.durable))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s: %w", subj, err)
	}
	s.subs = append(s.subs, sub)

	output := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fetch(ctx, sub, topic, output)
	}()
	return output, nil
}

func (s *Subscriber) ensureConsumer(subj string) error {
	if _, err := s.js.ConsumerInfo(s.config.StreamName, s.durable); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to look up consumer %s: %w", s.durable, err)
	}

	_, err := s.js.AddConsumer(s.config.StreamName, &nats.ConsumerConfig{
		Durable:       s.durable,
		FilterSubject: subj,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       s.config.AckWait,
		DeliverPolicy: s.config.DeliverPolicy,
		MaxAckPending: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", s.durable, err)
	}
	s.logger.Info("JetStream consumer created", watermill.LogFields{"subject": subj})
	return nil
}

// fetch hands messages out one at a time and acks or naks each on the
// server once the handler has decided.
func (s *Subscriber) fetch(ctx context.Context, sub *nats.Subscription, topic string, output chan<- *message.Message) {
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		default:
		}

		batch, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchMaxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			s.logger.Error("Failed to fetch messages", err, watermill.LogFields{"topic": topic})
			continue
		}

		for _, natsMsg := range batch {
			if !s.deliver(ctx, natsMsg, topic, output) {
				return
			}
		}
	}
}

func (s *Subscriber) deliver(ctx context.Context, natsMsg *nats.Msg, topic string, output chan<- *message.Message) bool {
	msg := ToMessage(natsMsg, topic)
	msgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msg.SetContext(msgCtx)

	select {
	case output <- msg:
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}

	select {
	case <-msg.Acked():
		if err := natsMsg.Ack(); err != nil {
			s.logger.Error("Failed to ack", err, watermill.LogFields{"uuid": msg.UUID})
		}
		return true
	case <-msg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			s.logger.Error("Failed to nak", err, watermill.LogFields{"uuid": msg.UUID})
		}
		return true
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
}

// Close stops fetching. The durable consumer and its position stay on the server.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	subs := s.subs
	s.mu.Unlock()

	s.wg.Wait()
	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ToMessage converts a fetched message, stamping its stream sequence as the
// offset. The UUID header is reused when present.
func ToMessage(natsMsg *nats.Msg, topic string) *message.Message {
	uuid := natsMsg.Header.Get(HeaderMessageUUID)
	if uuid == "" {
		uuid = watermill.NewULID()
	}
	msg := message.NewMessage(uuid, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k != HeaderMessageUUID && len(v) > 0 {
			msg.Metadata.Set(k, v[0])
		}
	}

	pos := transport.Position{Topic: topic, Partition: -1, Offset: -1}
	if meta, err := natsMsg.Metadata(); err == nil {
		pos.Offset = int64(meta.Sequence.Stream)
	}
	pos.Stamp(msg.Metadata)
	return msg
}
