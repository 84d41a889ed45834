package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/userflow/transport"
)

func newHookMessage() *message.Message {
	msg := message.NewMessage("test-uuid", []byte("payload"))
	msg.SetContext(context.Background())
	transport.Position{Topic: testTopic, Partition: 2, Offset: 41}.Stamp(msg.Metadata)
	return msg
}

func TestRecordHooks_OnRecordStart(t *testing.T) {
	var captured RecordContext
	hooks := RecordHooks{OnRecordStart: func(ctx RecordContext) { captured = ctx }}

	handler := recordHooksMiddleware(PathConsole, hooks)(func(*message.Message) ([]*message.Message, error) {
		return nil, nil
	})

	_, err := handler(newHookMessage())
	require.NoError(t, err)
	assert.Equal(t, PathConsole, captured.Path)
	assert.Equal(t, "test-uuid", captured.MessageUUID)
	assert.Equal(t, transport.Position{Topic: testTopic, Partition: 2, Offset: 41}, captured.Position)
	assert.False(t, captured.StartedAt.IsZero())
}

func TestRecordHooks_OnRecordDone(t *testing.T) {
	var captured RecordContext
	var errCalled bool
	hooks := RecordHooks{
		OnRecordDone:  func(ctx RecordContext) { captured = ctx },
		OnRecordError: func(RecordContext, error) { errCalled = true },
	}

	handler := recordHooksMiddleware(PathPersist, hooks)(func(*message.Message) ([]*message.Message, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	})

	_, err := handler(newHookMessage())
	require.NoError(t, err)
	assert.False(t, errCalled)
	assert.Equal(t, PathPersist, captured.Path)
	assert.GreaterOrEqual(t, captured.Duration, 5*time.Millisecond)
}

func TestRecordHooks_OnRecordError(t *testing.T) {
	expected := errors.New("sink down")
	var captured error
	var doneCalled bool
	hooks := RecordHooks{
		OnRecordDone:  func(RecordContext) { doneCalled = true },
		OnRecordError: func(_ RecordContext, err error) { captured = err },
	}

	handler := recordHooksMiddleware(PathPersist, hooks)(func(*message.Message) ([]*message.Message, error) {
		return nil, expected
	})

	_, err := handler(newHookMessage())
	assert.ErrorIs(t, err, expected)
	assert.ErrorIs(t, captured, expected)
	assert.False(t, doneCalled)
}

func TestRecordHooks_Merge(t *testing.T) {
	var order []string
	a := RecordHooks{
		OnRecordStart: func(RecordContext) { order = append(order, "a-start") },
		OnRecordError: func(RecordContext, error) { order = append(order, "a-error") },
	}
	b := RecordHooks{
		OnRecordStart: func(RecordContext) { order = append(order, "b-start") },
		OnRecordDone:  func(RecordContext) { order = append(order, "b-done") },
	}

	merged := a.Merge(b)
	merged.OnRecordStart(RecordContext{})
	merged.OnRecordDone(RecordContext{})
	merged.OnRecordError(RecordContext{}, nil)

	assert.Equal(t, []string{"a-start", "b-start", "b-done", "a-error"}, order)
	assert.True(t, RecordHooks{}.Merge(RecordHooks{}).empty())
}

func TestLoggingHooks(t *testing.T) {
	logger := newRecordingLogger()
	hooks := LoggingHooks(logger)

	ok := recordHooksMiddleware(PathConsole, hooks)(func(*message.Message) ([]*message.Message, error) {
		return nil, nil
	})
	failing := recordHooksMiddleware(PathPersist, hooks)(func(*message.Message) ([]*message.Message, error) {
		return nil, errSinkDown
	})

	_, err := ok(newHookMessage())
	require.NoError(t, err)
	_, err = failing(newHookMessage())
	require.Error(t, err)

	logged := logger.errorsMatching("Record failed")
	require.Len(t, logged, 1)
	assert.ErrorIs(t, logged[0].err, errSinkDown)
	assert.Equal(t, PathPersist, logged[0].fields["path"])
	assert.Equal(t, int64(41), logged[0].fields["offset"])
}
