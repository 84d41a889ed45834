package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired    = sterrors.New("userflow: configuration is required")
	ErrLoggerRequired    = sterrors.New("userflow: logger is required")
	ErrTopicRequired     = sterrors.New("userflow: topic is required")
	ErrServiceStarted    = sterrors.New("userflow: service already started")
	ErrPublisherRequired = sterrors.New("userflow: publisher is required")

	ErrPayloadNotUTF8   = sterrors.New("userflow: payload is not valid UTF-8")
	ErrPayloadMalformed = sterrors.New("userflow: payload is not valid JSON")
	ErrPayloadNotObject = sterrors.New("userflow: payload is not a JSON object")
	ErrFieldMissing     = sterrors.New("userflow: required field is missing")
	ErrFieldNotString   = sterrors.New("userflow: field is not a string")

	ErrPathStopped = sterrors.New("userflow: output path stopped unexpectedly")
)

// ConfigValidationError wraps the joined result of a failed config validation.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("userflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// BootstrapError reports a failure before any record was consumed.
type BootstrapError struct {
	Stage string
	Err   error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("userflow: bootstrap %s: %v", e.Stage, e.Err)
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// DecodeError reports a payload that does not match the user record schema.
// Field is empty when the failure concerns the payload as a whole.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("userflow: decode payload: %v", e.Err)
	}
	return fmt.Sprintf("userflow: decode payload: field %q: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Persist operations reported in PersistError.Op.
const (
	OpConnect = "connect"
	OpBegin   = "begin"
	OpExec    = "exec"
	OpCommit  = "commit"
	// OpHandle covers failures outside the writer, such as a recovered panic.
	OpHandle = "handle"
)

// PersistError reports a single record that could not be written to the sink.
type PersistError struct {
	Op        string
	ID        string
	FirstName string
	LastName  string
	Err       error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("userflow: persist %s %s (id %s): %s: %v", e.FirstName, e.LastName, e.ID, e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// RenderError reports a record the diagnostic sink failed to emit.
type RenderError struct {
	Err error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("userflow: render record: %v", e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// FatalStreamError reports an output path that terminated on its own.
type FatalStreamError struct {
	Path string
	Err  error
}

func (e *FatalStreamError) Error() string {
	return fmt.Sprintf("userflow: %s path failed: %v", e.Path, e.Err)
}

func (e *FatalStreamError) Unwrap() error { return e.Err }
