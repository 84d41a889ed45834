package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/userflow/internal/runtime/logging"
	"github.com/drblury/userflow/internal/runtime/record"
	"github.com/drblury/userflow/transport"
)

// RecordWriter persists one user record. Implementations must be safe for
// concurrent use and must not retain rec.
type RecordWriter interface {
	Write(ctx context.Context, rec record.UserRecord) error
}

// RecordRenderer renders one user record on the diagnostic output.
type RecordRenderer interface {
	Render(rec record.UserRecord) error
}

// outputPath is one router handler with its own subscription.
type outputPath struct {
	name       string
	subscriber message.Subscriber
	handler    *message.Handler
	counters   pathCounters

	// decodeLevelDebug logs decode failures at debug level. The console path
	// reports them as errors.
	decodeLevelDebug bool
}

func consumerName(group, path string) string {
	return group + "-" + path
}

func positionFields(msg *message.Message) loggingpkg.LogFields {
	return transport.PositionFrom(msg.Metadata).Fields()
}

func (s *Service) decode(p *outputPath, msg *message.Message) (record.UserRecord, bool) {
	rec, err := record.Decode(msg.Payload)
	if err == nil {
		return rec, true
	}

	p.counters.decodeFailures.Add(1)
	s.metrics.record(p.name, resultDecodeFailed)
	fields := loggingpkg.Merge(loggingpkg.LogFields{
		"path":         p.name,
		"message_uuid": msg.UUID,
		"error":        err.Error(),
	}, positionFields(msg))
	if p.decodeLevelDebug {
		s.Logger.Debug("Skipping undecodable record", fields)
	} else {
		s.Logger.Error("Skipping undecodable record", err, fields)
	}
	return record.UserRecord{}, false
}

func (s *Service) consoleHandler(p *outputPath) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		p.counters.onReceived()
		rec, ok := s.decode(p, msg)
		if !ok {
			return nil
		}

		if err := s.renderer.Render(rec); err != nil {
			return err
		}
		p.counters.rendered.Add(1)
		s.metrics.record(p.name, resultRendered)
		return nil
	}
}

func (s *Service) persistHandler(p *outputPath) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		p.counters.onReceived()
		rec, ok := s.decode(p, msg)
		if !ok {
			return nil
		}

		// Shutdown must not interrupt a write that already started.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(msg.Context()), s.Conf.SinkWriteTimeout)
		defer cancel()

		start := time.Now()
		err := s.writer.Write(ctx, rec)
		s.metrics.observeWrite(time.Since(start))
		if err != nil {
			p.counters.persistFailures.Add(1)
			s.metrics.record(p.name, resultPersistFailed)
			return err
		}
		p.counters.persisted.Add(1)
		s.metrics.record(p.name, resultPersisted)
		return nil
	}
}
