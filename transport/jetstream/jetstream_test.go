package jetstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/userflow/transport"
	"github.com/drblury/userflow/transport/transporttest"
)

const testURL = "nats://localhost:4222"

type fakeJetStream struct {
	streamErr   error
	consumerErr error

	addedStreams   []*nats.StreamConfig
	addedConsumers []*nats.ConsumerConfig
	published      []*nats.Msg
}

func (f *fakeJetStream) StreamInfo(string, ...nats.JSOpt) (*nats.StreamInfo, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return &nats.StreamInfo{}, nil
}

func (f *fakeJetStream) AddStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.addedStreams = append(f.addedStreams, cfg)
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJetStream) ConsumerInfo(string, string, ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	if f.consumerErr != nil {
		return nil, f.consumerErr
	}
	return &nats.ConsumerInfo{}, nil
}

func (f *fakeJetStream) AddConsumer(_ string, cfg *nats.ConsumerConfig, _ ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	f.addedConsumers = append(f.addedConsumers, cfg)
	return &nats.ConsumerInfo{Config: *cfg}, nil
}

func (f *fakeJetStream) PublishMsg(m *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	f.published = append(f.published, m)
	return &nats.PubAck{}, nil
}

func (f *fakeJetStream) PullSubscribe(string, string, ...nats.SubOpt) (*nats.Subscription, error) {
	return nil, errors.New("fake has no server")
}

func overrideConnect(t *testing.T, js JetStream) {
	t.Helper()
	original := ConnectFactory
	t.Cleanup(func() { ConnectFactory = original })
	ConnectFactory = func(url, name string) (*nats.Conn, JetStream, error) {
		assert.Equal(t, testURL, url)
		return nil, js, nil
	}
}

func TestRegister(t *testing.T) {
	reg := transport.NewRegistry()

	Register(reg)

	caps := reg.GetCapabilities(TransportName)
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.DurableProgress)
	assert.Equal(t, transport.NATSJetStreamCapabilities, Capabilities())
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()
		assert.Equal(t, DefaultStreamName, result.StreamName)
		assert.Equal(t, DefaultAckWait, result.AckWait)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		result := Config{StreamName: "CUSTOM", AckWait: time.Minute}.withDefaults()
		assert.Equal(t, "CUSTOM", result.StreamName)
		assert.Equal(t, time.Minute, result.AckWait)
	})
}

func TestDeliverPolicy(t *testing.T) {
	policy, err := DeliverPolicy("")
	require.NoError(t, err)
	assert.Equal(t, nats.DeliverAllPolicy, policy)

	policy, err = DeliverPolicy(transport.OffsetsLatest)
	require.NoError(t, err)
	assert.Equal(t, nats.DeliverNewPolicy, policy)

	_, err = DeliverPolicy("middle")
	assert.Error(t, err)
}

func TestDurableName(t *testing.T) {
	assert.Equal(t, "userflow-persist", DurableName("userflow-persist"))
	assert.Equal(t, "team_a_userflow_console", DurableName("team.a userflow>console"))
}

func TestBuild(t *testing.T) {
	t.Run("requires URL", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "URL is required")
	})

	t.Run("creates missing stream", func(t *testing.T) {
		js := &fakeJetStream{streamErr: nats.ErrStreamNotFound}
		overrideConnect(t, js)

		_, err := Build(context.Background(), &transporttest.Config{NATSURL: testURL, NATSStream: "USERS"}, watermill.NopLogger{})
		require.NoError(t, err)
		require.Len(t, js.addedStreams, 1)
		assert.Equal(t, "USERS", js.addedStreams[0].Name)
		assert.Equal(t, []string{"USERS.>"}, js.addedStreams[0].Subjects)
	})

	t.Run("keeps existing stream", func(t *testing.T) {
		js := &fakeJetStream{}
		overrideConnect(t, js)

		_, err := Build(context.Background(), &transporttest.Config{NATSURL: testURL}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Empty(t, js.addedStreams)
	})

	t.Run("stream lookup failure", func(t *testing.T) {
		overrideConnect(t, &fakeJetStream{streamErr: errors.New("timeout")})

		_, err := Build(context.Background(), &transporttest.Config{NATSURL: testURL}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "failed to look up stream")
	})

	t.Run("connect failure", func(t *testing.T) {
		original := ConnectFactory
		t.Cleanup(func() { ConnectFactory = original })
		ConnectFactory = func(string, string) (*nats.Conn, JetStream, error) {
			return nil, nil, errors.New("no servers available")
		}

		_, err := Build(context.Background(), &transporttest.Config{NATSURL: testURL}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "no servers available")
	})
}

func TestPublishCarriesMetadata(t *testing.T) {
	js := &fakeJetStream{}
	overrideConnect(t, js)
	tr, err := Build(context.Background(), &transporttest.Config{NATSURL: testURL}, watermill.NopLogger{})
	require.NoError(t, err)

	msg := message.NewMessage("m-1", []byte(`{"first_name":"Ada"}`))
	msg.Metadata.Set("correlation_id", "c-1")
	require.NoError(t, tr.Publisher.Publish("users_dlq", msg))
	require.NoError(t, tr.Publisher.Close())

	require.Len(t, js.published, 1)
	assert.Equal(t, "USERFLOW.users_dlq", js.published[0].Subject)
	assert.Equal(t, "m-1", js.published[0].Header.Get(HeaderMessageUUID))
	assert.Equal(t, "c-1", js.published[0].Header.Get("correlation_id"))
}

func TestSubscribeCreatesDurableConsumerPerPath(t *testing.T) {
	js := &fakeJetStream{consumerErr: nats.ErrConsumerNotFound}
	overrideConnect(t, js)
	tr, err := Build(context.Background(), &transporttest.Config{
		NATSURL:         testURL,
		StartingOffsets: transport.OffsetsLatest,
	}, watermill.NopLogger{})
	require.NoError(t, err)

	for _, consumer := range []string{"userflow-console", "userflow-persist"} {
		sub, err := tr.NewSubscriber(consumer)
		require.NoError(t, err)
		_, err = sub.Subscribe(context.Background(), "users_created")
		assert.ErrorContains(t, err, "failed to subscribe USERFLOW.users_created")
		require.NoError(t, sub.Close())
	}

	require.Len(t, js.addedConsumers, 2)
	for i, durable := range []string{"userflow-console", "userflow-persist"} {
		cfg := js.addedConsumers[i]
		assert.Equal(t, durable, cfg.Durable)
		assert.Equal(t, "USERFLOW.users_created", cfg.FilterSubject)
		assert.Equal(t, nats.DeliverNewPolicy, cfg.DeliverPolicy)
		assert.Equal(t, nats.AckExplicitPolicy, cfg.AckPolicy)
		assert.Equal(t, 1, cfg.MaxAckPending)
	}
}

func TestSubscribeReusesExistingConsumer(t *testing.T) {
	js := &fakeJetStream{}
	overrideConnect(t, js)
	tr, err := Build(context.Background(), &transporttest.Config{NATSURL: testURL}, watermill.NopLogger{})
	require.NoError(t, err)

	sub, err := tr.NewSubscriber("userflow-persist")
	require.NoError(t, err)
	_, _ = sub.Subscribe(context.Background(), "users_created")
	assert.Empty(t, js.addedConsumers)

	require.NoError(t, sub.Close())
	_, err = sub.Subscribe(context.Background(), "users_created")
	assert.ErrorContains(t, err, "closed")
}

func TestToMessage(t *testing.T) {
	t.Run("stamps stream sequence", func(t *testing.T) {
		natsMsg := &nats.Msg{
			Subject: "USERFLOW.users_created",
			Reply:   "$JS.ACK.USERFLOW.userflow-persist.1.42.7.1700000000000000000.0",
			Data:    []byte("payload"),
			Header:  nats.Header{},
			Sub:     &nats.Subscription{},
		}
		natsMsg.Header.Set(HeaderMessageUUID, "m-1")
		natsMsg.Header.Set("correlation_id", "c-1")

		msg := ToMessage(natsMsg, "users_created")

		assert.Equal(t, "m-1", msg.UUID)
		assert.Equal(t, "c-1", msg.Metadata.Get("correlation_id"))
		assert.Empty(t, msg.Metadata.Get(HeaderMessageUUID))
		assert.Equal(t, transport.Position{Topic: "users_created", Partition: -1, Offset: 42}, transport.PositionFrom(msg.Metadata))
	})

	t.Run("plain message", func(t *testing.T) {
		msg := ToMessage(&nats.Msg{Data: []byte("payload")}, "users_created")

		assert.NotEmpty(t, msg.UUID)
		assert.Equal(t, int64(-1), transport.PositionFrom(msg.Metadata).Offset)
	})
}

func TestDeliverWaitsForHandlerDecision(t *testing.T) {
	s := &Subscriber{logger: watermill.NopLogger{}, closing: make(chan struct{})}
	output := make(chan *message.Message)
	done := make(chan bool, 1)

	go func() {
		done <- s.deliver(context.Background(), &nats.Msg{Data: []byte("payload")}, "users_created", output)
	}()

	msg := <-output
	select {
	case <-done:
		t.Fatal("deliver returned before the message was acked")
	case <-time.After(20 * time.Millisecond):
	}
	msg.Ack()
	assert.True(t, <-done)

	close(s.closing)
	assert.False(t, s.deliver(context.Background(), &nats.Msg{}, "users_created", output))
}
