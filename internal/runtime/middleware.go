package runtime

import (
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/userflow/internal/runtime/config"
	errspkg "github.com/drblury/userflow/internal/runtime/errors"
	idspkg "github.com/drblury/userflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/userflow/internal/runtime/logging"
)

const metadataCorrelationID = "correlation_id"

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service router.
// Router middlewares wrap both output paths.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the router middleware chain used by the Service constructor.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
	}
}

// MetricsMiddleware adds Watermill's Prometheus handler metrics to the router
// when metrics are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}
			addRouterMetrics(s.router, s.registerer, s.Conf.PubSubSystem)
			return nil, nil
		},
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs the payload and metadata of handled messages at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

// RecovererMiddleware converts panics into handler errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the supplied middleware to the router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.router.AddMiddleware(mw)
	return nil
}

func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata == nil {
			msg.Metadata = make(message.Metadata)
		}
		if msg.Metadata.Get(metadataCorrelationID) == "" {
			msg.Metadata.Set(metadataCorrelationID, idspkg.CreateULID())
		}
		return h(msg)
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"handler":      message.HandlerNameFromCtx(msg.Context()),
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

func tracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		tracer := otel.Tracer("userflow")
		ctx, span := tracer.Start(msg.Context(), "ProcessRecord", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		msg.SetContext(ctx)

		span.SetAttributes(
			attribute.String("message.uuid", msg.UUID),
			attribute.String("userflow.path", message.HandlerNameFromCtx(ctx)),
			attribute.String("userflow.correlation_id", msg.Metadata.Get(metadataCorrelationID)),
		)
		msgs, err := h(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return msgs, err
	}
}

// publishDeadLetter forwards the raw message to the dead-letter topic with
// the failure reason in its metadata.
func (s *Service) publishDeadLetter(msg *message.Message, cause error) error {
	if s.publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	dead := msg.Copy()
	dead.Metadata.Set(middleware.ReasonForPoisonedKey, cause.Error())
	dead.Metadata.Set(middleware.PoisonedTopicKey, message.SubscribeTopicFromCtx(msg.Context()))
	dead.Metadata.Set(middleware.PoisonedHandlerKey, message.HandlerNameFromCtx(msg.Context()))
	return s.publisher.Publish(s.Conf.DeadLetterTopic, dead)
}

// renderFailureMiddleware logs and acknowledges every message the console
// path failed to render.
func (s *Service) renderFailureMiddleware(p *outputPath) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			msgs, err := h(msg)
			if err == nil {
				return msgs, nil
			}
			var renderErr *errspkg.RenderError
			if !errors.As(err, &renderErr) {
				err = &errspkg.RenderError{Err: err}
			}
			p.counters.renderFailures.Add(1)
			s.metrics.record(p.name, resultRenderFailed)
			s.Logger.Error("Failed to render record", err, loggingpkg.Merge(loggingpkg.LogFields{
				"path":         p.name,
				"message_uuid": msg.UUID,
			}, positionFields(msg)))
			return nil, nil
		}
	}
}

// errorPolicyMiddleware applies the configured ErrorPolicy to failures of the
// persistence path. Only abort lets the error reach the router, which leaves
// the message unacknowledged. A dead letter that cannot be published is
// dropped, so a record is never handed to the sink twice.
func (s *Service) errorPolicyMiddleware(p *outputPath) message.HandlerMiddleware {
	policy := s.Conf.ErrorPolicy
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			msgs, err := h(msg)
			if err == nil {
				return msgs, nil
			}

			var persistErr *errspkg.PersistError
			if !errors.As(err, &persistErr) {
				persistErr = &errspkg.PersistError{Op: errspkg.OpHandle, Err: err}
				err = persistErr
			}
			fields := loggingpkg.Merge(loggingpkg.LogFields{
				"path":         p.name,
				"message_uuid": msg.UUID,
				"policy":       string(policy),
				"op":           persistErr.Op,
				"id":           persistErr.ID,
				"first_name":   persistErr.FirstName,
				"last_name":    persistErr.LastName,
			}, positionFields(msg))

			switch policy {
			case configpkg.ErrorPolicyDeadLetter:
				fields = loggingpkg.Merge(fields, loggingpkg.LogFields{"dead_letter_topic": s.Conf.DeadLetterTopic})
				if dlErr := s.publishDeadLetter(msg, err); dlErr != nil {
					s.Logger.Error("Failed to persist record and to forward it to the dead-letter topic, dropping it",
						errors.Join(err, dlErr), fields)
					p.counters.dropped.Add(1)
					s.metrics.record(p.name, resultDropped)
					return nil, nil
				}
				s.Logger.Error("Failed to persist record, forwarded to dead-letter topic", err, fields)
				p.counters.deadLettered.Add(1)
				s.metrics.record(p.name, resultDeadLettered)
				return nil, nil
			case configpkg.ErrorPolicyAbort:
				s.Logger.Error("Failed to persist record, stopping persistence path", err, fields)
				s.failPath(p, fmt.Errorf("record %s: %w", msg.UUID, err))
				p.handler.Stop()
				return nil, err
			default:
				s.Logger.Error(fmt.Sprintf("Failed to persist %s %s", persistErr.FirstName, persistErr.LastName), err, fields)
				p.counters.dropped.Add(1)
				s.metrics.record(p.name, resultDropped)
				return nil, nil
			}
		}
	}
}
