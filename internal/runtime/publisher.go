package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/userflow/internal/runtime/errors"
	idspkg "github.com/drblury/userflow/internal/runtime/ids"
	"github.com/drblury/userflow/internal/runtime/jsoncodec"
	"github.com/drblury/userflow/internal/runtime/record"
)

// NewPayloadMessage wraps a raw payload in a Watermill message with a ULID
// identifier and a correlation id.
func NewPayloadMessage(payload []byte, metadata map[string]string) *message.Message {
	msg := message.NewMessage(idspkg.CreateULID(), payload)
	for k, v := range metadata {
		msg.Metadata.Set(k, v)
	}
	if msg.Metadata.Get(metadataCorrelationID) == "" {
		msg.Metadata.Set(metadataCorrelationID, msg.UUID)
	}
	return msg
}

// PublishPayload publishes payload as-is to topic. It does not check the
// payload against the record schema.
func PublishPayload(ctx context.Context, publisher message.Publisher, topic string, payload []byte, metadata map[string]string) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg := NewPayloadMessage(payload, metadata)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return publisher.Publish(topic, msg)
}

// PublishRecord encodes rec as JSON and publishes it to topic. An empty ID is
// sent as null.
func PublishRecord(ctx context.Context, publisher message.Publisher, topic string, rec record.UserRecord) error {
	payload, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	return PublishPayload(ctx, publisher, topic, payload, nil)
}

// EncodeRecord renders rec in the wire format consumed by Decode.
func EncodeRecord(rec record.UserRecord) ([]byte, error) {
	fields := make(map[string]any, len(record.Columns))
	for i, v := range rec.Values() {
		fields[record.Columns[i]] = v
	}
	if rec.ID == "" {
		fields[record.FieldID] = nil
	}
	payload, err := jsoncodec.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal user record: %w", err)
	}
	return payload, nil
}

// PublishRecord publishes rec to the configured topic through the service's
// transport.
func (s *Service) PublishRecord(ctx context.Context, rec record.UserRecord) error {
	return PublishRecord(ctx, s.publisher, s.Conf.Topic, rec)
}
