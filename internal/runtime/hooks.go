package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/userflow/internal/runtime/logging"
	"github.com/drblury/userflow/transport"
)

// RecordContext describes one message handled by an output path.
type RecordContext struct {
	// Path is the output path handling the message.
	Path string
	// MessageUUID is the unique identifier of the message.
	MessageUUID string
	// Position is where the message came from, when the transport knows.
	Position transport.Position
	// Metadata contains the message metadata.
	Metadata message.Metadata
	// Context is the context associated with the message.
	Context context.Context
	// StartedAt is when the path started handling the message.
	StartedAt time.Time
	// Duration is how long the path took (only set in OnRecordDone and OnRecordError).
	Duration time.Duration
}

// RecordHooks defines callbacks around each message an output path handles.
// All hooks are optional.
type RecordHooks struct {
	// OnRecordStart is called before the path decodes the message.
	OnRecordStart func(ctx RecordContext)

	// OnRecordDone is called when the path rendered or persisted the record,
	// or skipped a message that does not decode.
	OnRecordDone func(ctx RecordContext)

	// OnRecordError is called when the path failed to render or persist the
	// record. It runs before the ErrorPolicy drops, dead-letters or aborts.
	OnRecordError func(ctx RecordContext, err error)
}

// Merge combines two RecordHooks. The hooks from other run after those of h.
func (h RecordHooks) Merge(other RecordHooks) RecordHooks {
	return RecordHooks{
		OnRecordStart: chainHooks(h.OnRecordStart, other.OnRecordStart),
		OnRecordDone:  chainHooks(h.OnRecordDone, other.OnRecordDone),
		OnRecordError: chainErrorHooks(h.OnRecordError, other.OnRecordError),
	}
}

func (h RecordHooks) empty() bool {
	return h.OnRecordStart == nil && h.OnRecordDone == nil && h.OnRecordError == nil
}

func chainHooks(a, b func(RecordContext)) func(RecordContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx RecordContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(RecordContext, error)) func(RecordContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx RecordContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func recordHooksMiddleware(path string, hooks RecordHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			rc := RecordContext{
				Path:        path,
				MessageUUID: msg.UUID,
				Position:    transport.PositionFrom(msg.Metadata),
				Metadata:    msg.Metadata,
				Context:     msg.Context(),
				StartedAt:   time.Now(),
			}

			if hooks.OnRecordStart != nil {
				hooks.OnRecordStart(rc)
			}

			msgs, err := h(msg)
			rc.Duration = time.Since(rc.StartedAt)

			if err != nil {
				if hooks.OnRecordError != nil {
					hooks.OnRecordError(rc, err)
				}
			} else if hooks.OnRecordDone != nil {
				hooks.OnRecordDone(rc)
			}

			return msgs, err
		}
	}
}

// LoggingHooks returns hooks that log every handled message at debug level
// and every failed one as an error.
func LoggingHooks(logger loggingpkg.ServiceLogger) RecordHooks {
	fields := func(ctx RecordContext) loggingpkg.LogFields {
		return loggingpkg.Merge(loggingpkg.LogFields{
			"path":         ctx.Path,
			"message_uuid": ctx.MessageUUID,
		}, ctx.Position.Fields())
	}
	return RecordHooks{
		OnRecordDone: func(ctx RecordContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Debug("Record handled", f)
		},
		OnRecordError: func(ctx RecordContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Record failed", err, f)
		},
	}
}
