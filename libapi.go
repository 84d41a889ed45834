package userflow

import (
	"context"

	runtimepkg "github.com/drblury/userflow/internal/runtime"
	configpkg "github.com/drblury/userflow/internal/runtime/config"
	errspkg "github.com/drblury/userflow/internal/runtime/errors"
	idspkg "github.com/drblury/userflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/userflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/userflow/internal/runtime/logging"
	recordpkg "github.com/drblury/userflow/internal/runtime/record"
	sinkpkg "github.com/drblury/userflow/internal/runtime/sink"
	"github.com/drblury/userflow/transport"
	"github.com/drblury/userflow/transport/transports"
)

type (
	Config              = configpkg.Config
	ErrorPolicy         = configpkg.ErrorPolicy
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	State               = runtimepkg.State
	PathStats           = runtimepkg.PathStats

	UserRecord     = recordpkg.UserRecord
	RecordWriter   = runtimepkg.RecordWriter
	RecordRenderer = runtimepkg.RecordRenderer
	SQLConfig      = sinkpkg.SQLConfig
	SQLWriter      = sinkpkg.SQLWriter
	Console        = sinkpkg.Console

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	// Record lifecycle hooks
	RecordContext = runtimepkg.RecordContext
	RecordHooks   = runtimepkg.RecordHooks

	PipelineMetrics = runtimepkg.PipelineMetrics

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	BootstrapError        = errspkg.BootstrapError
	DecodeError           = errspkg.DecodeError
	PersistError          = errspkg.PersistError
	RenderError           = errspkg.RenderError
	FatalStreamError      = errspkg.FatalStreamError

	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
	Position              = transport.Position
)

const (
	StateIdle        = runtimepkg.StateIdle
	StateSubscribing = runtimepkg.StateSubscribing
	StateRunning     = runtimepkg.StateRunning
	StateFailed      = runtimepkg.StateFailed
	StateStopped     = runtimepkg.StateStopped

	ErrorPolicyLogAndDrop = configpkg.ErrorPolicyLogAndDrop
	ErrorPolicyDeadLetter = configpkg.ErrorPolicyDeadLetter
	ErrorPolicyAbort      = configpkg.ErrorPolicyAbort

	PathConsole = runtimepkg.PathConsole
	PathPersist = runtimepkg.PathPersist
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	LoggingHooks       = runtimepkg.LoggingHooks
	NewPipelineMetrics = runtimepkg.NewPipelineMetrics

	DecodeRecord  = recordpkg.Decode
	ResolveID     = recordpkg.ResolveID
	EncodeRecord  = runtimepkg.EncodeRecord
	PublishRecord = runtimepkg.PublishRecord

	OpenSQLWriter = sinkpkg.OpenSQLWriter
	NewConsole    = sinkpkg.NewConsole

	// NewTransportRegistry returns a registry with every built-in transport.
	NewTransportRegistry = transports.NewRegistry

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrServiceStarted    = errspkg.ErrServiceStarted
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrPathStopped       = errspkg.ErrPathStopped

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewJSONServiceLogger      = loggingpkg.NewJSONServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopServiceLogger          = loggingpkg.NopServiceLogger
	ParseLogLevel             = loggingpkg.ParseLevel

	CreateULID  = idspkg.CreateULID
	NewRecordID = idspkg.NewRecordID
)

// Run builds a Service and blocks in Start until ctx is cancelled or the
// stream fails.
func Run(ctx context.Context, conf *Config, logger ServiceLogger, deps ServiceDependencies) error {
	svc, err := TryNewService(conf, logger, ctx, deps)
	if err != nil {
		return err
	}
	return svc.Start(ctx)
}
