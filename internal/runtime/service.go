package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/userflow/internal/runtime/config"
	errspkg "github.com/drblury/userflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/userflow/internal/runtime/logging"
	"github.com/drblury/userflow/internal/runtime/sink"
	"github.com/drblury/userflow/transport"
	"github.com/drblury/userflow/transport/transports"
)

// Bootstrap stages reported in BootstrapError.Stage.
const (
	StageConfig     = "config"
	StageTransport  = "transport"
	StageRouter     = "router"
	StageSink       = "sink"
	StageMetrics    = "metrics"
	StageMiddleware = "middleware"
	StageSubscribe  = "subscribe"
)

const releaseTimeout = 5 * time.Second

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the implementation built from the config.
type ServiceDependencies struct {
	// TransportRegistry resolves Conf.PubSubSystem. Defaults to all built-in transports.
	TransportRegistry *transport.Registry
	// Writer replaces the SQL sink. The caller keeps ownership.
	Writer RecordWriter
	// Renderer replaces the console sink.
	Renderer RecordRenderer
	// Output is where the default console sink writes. Defaults to stdout.
	Output io.Writer
	// Registerer receives the Prometheus collectors when metrics are enabled.
	// Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	Hooks                     RecordHooks              // Invoked around every message of both paths.
}

// Service consumes user records from one topic and feeds them to two
// independent output paths: the diagnostic console and the SQL sink.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher message.Publisher
	router    *message.Router
	paths     []*outputPath

	writer     RecordWriter
	ownsWriter bool
	renderer   RecordRenderer

	registerer    prometheus.Registerer
	metrics       *PipelineMetrics
	metricsServer *metricsServer

	state        stateMachine
	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	releaseOnce  sync.Once

	failMu   sync.Mutex
	failures []error
	failed   map[string]bool
}

// NewService constructs a Service for the supplied configuration and panics
// when it cannot be built. See TryNewService.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService validates conf, builds the transport, the sinks and the router
// with one handler per output path. Every error is a *errors.BootstrapError.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, &errspkg.BootstrapError{Stage: StageConfig, Err: errspkg.ErrConfigRequired}
	}
	if log == nil {
		return nil, &errspkg.BootstrapError{Stage: StageConfig, Err: errspkg.ErrLoggerRequired}
	}

	resolved := conf.WithDefaults()
	if err := resolved.Validate(); err != nil {
		return nil, &errspkg.BootstrapError{Stage: StageConfig, Err: err}
	}

	log.Info("Creating stream service", loggingpkg.LogFields{
		"pubsub_system": resolved.PubSubSystem,
		"topic":         resolved.Topic,
		"config":        resolved.String(),
	})

	s := &Service{
		Conf:     &resolved,
		Logger:   log,
		failed:   make(map[string]bool),
		writer:   deps.Writer,
		renderer: deps.Renderer,
	}
	if err := s.build(ctx, deps); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, deps ServiceDependencies) error {
	wmLogger := loggingpkg.NewWatermillAdapter(s.Logger)

	registry := deps.TransportRegistry
	if registry == nil {
		registry = transports.NewRegistry()
	}
	t, err := registry.Build(ctx, s.Conf, wmLogger)
	if err != nil {
		return &errspkg.BootstrapError{Stage: StageTransport, Err: err}
	}
	s.publisher = t.Publisher
	s.logCapabilities(registry.GetCapabilities(s.Conf.PubSubSystem))

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: s.Conf.ShutdownTimeout}, wmLogger)
	if err != nil {
		return &errspkg.BootstrapError{Stage: StageRouter, Err: err}
	}
	s.router = router
	s.Logger.Info("Stream engine created", loggingpkg.LogFields{"close_timeout": s.Conf.ShutdownTimeout.String()})

	if s.writer == nil {
		w, err := sink.OpenSQLWriter(ctx, sink.SQLConfig{
			Driver:         s.Conf.SinkDriver,
			DSN:            s.Conf.SinkDSN,
			Table:          s.Conf.SinkTable,
			MaxOpenConns:   s.Conf.SinkMaxOpenConns,
			DisablePooling: s.Conf.SinkDisablePooling,
		}, s.Logger)
		if err != nil {
			return &errspkg.BootstrapError{Stage: StageSink, Err: err}
		}
		s.writer = w
		s.ownsWriter = true
	}
	if s.renderer == nil {
		s.renderer = sink.NewConsole(deps.Output)
	}

	if s.Conf.MetricsEnabled {
		s.registerer = deps.Registerer
		if s.registerer == nil {
			s.registerer = prometheus.DefaultRegisterer
		}
		s.metrics = NewPipelineMetrics(s.registerer)
		if err := s.metrics.Register(); err != nil {
			return &errspkg.BootstrapError{Stage: StageMetrics, Err: err}
		}
		if s.Conf.MetricsPort > 0 {
			s.metricsServer = newMetricsServer(s.Conf.MetricsPort, s.registerer, s.Logger)
		}
	}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return &errspkg.BootstrapError{Stage: StageMiddleware, Err: err}
	}

	return s.addPaths(t.NewSubscriber, deps.Hooks)
}

func (s *Service) logCapabilities(caps transport.Capabilities) {
	s.Logger.Info("Transport ready", caps.Fields())
	if !caps.SupportsStartingOffsets {
		s.Logger.Info("Transport ignores starting offsets", loggingpkg.LogFields{
			"transport":        caps.Name,
			"starting_offsets": s.Conf.StartingOffsets,
		})
	}
	if !caps.DurableProgress {
		s.Logger.Info("Transport keeps no progress across restarts", loggingpkg.LogFields{"transport": caps.Name})
	}
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) addPaths(newSubscriber transport.SubscriberFactory, hooks RecordHooks) error {
	console := &outputPath{name: PathConsole}
	persist := &outputPath{name: PathPersist, decodeLevelDebug: true}

	for _, p := range []*outputPath{console, persist} {
		consumer := consumerName(s.Conf.ConsumerGroup, p.name)
		sub, err := newSubscriber(consumer)
		if err != nil {
			return &errspkg.BootstrapError{Stage: StageSubscribe, Err: fmt.Errorf("%s path: %w", p.name, err)}
		}
		p.subscriber = sub
		s.paths = append(s.paths, p)
		s.Logger.Info("Source subscription created", loggingpkg.LogFields{
			"path":     p.name,
			"topic":    s.Conf.Topic,
			"consumer": consumer,
		})
	}

	console.handler = s.router.AddNoPublisherHandler(console.name, s.Conf.Topic, console.subscriber, s.consoleHandler(console))
	persist.handler = s.router.AddNoPublisherHandler(persist.name, s.Conf.Topic, persist.subscriber, s.persistHandler(persist))

	console.handler.AddMiddleware(s.renderFailureMiddleware(console))
	persist.handler.AddMiddleware(s.errorPolicyMiddleware(persist))
	if !hooks.empty() {
		console.handler.AddMiddleware(recordHooksMiddleware(console.name, hooks))
		persist.handler.AddMiddleware(recordHooksMiddleware(persist.name, hooks))
	}
	console.handler.AddMiddleware(RecovererMiddleware().Middleware)
	persist.handler.AddMiddleware(RecovererMiddleware().Middleware)
	return nil
}

// Start runs both output paths until ctx is cancelled, Close is called or
// both paths terminate. It returns nil after a requested shutdown, a
// *errors.BootstrapError when the paths could not subscribe, and the joined
// *errors.FatalStreamError of every path that stopped on its own.
func (s *Service) Start(ctx context.Context) error {
	if !s.state.transition(StateIdle, StateSubscribing) {
		return errspkg.ErrServiceStarted
	}
	s.Logger.Info("Starting stream service", loggingpkg.LogFields{
		"topic":            s.Conf.Topic,
		"starting_offsets": s.Conf.StartingOffsets,
		"error_policy":     string(s.Conf.ErrorPolicy),
	})
	if s.metricsServer != nil {
		s.metricsServer.start()
	}

	runDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.shutdown("context cancelled")
		case <-runDone:
		}
	}()
	go func() {
		select {
		case <-s.router.Running():
			if s.state.transition(StateSubscribing, StateRunning) {
				s.Logger.Info("Stream service running", loggingpkg.LogFields{"paths": len(s.paths)})
			}
		case <-runDone:
		}
	}()

	var watchers sync.WaitGroup
	for _, p := range s.paths {
		watchers.Add(1)
		go func(p *outputPath) {
			defer watchers.Done()
			s.watchPath(p, runDone)
		}(p)
	}

	runErr := routerRun(s.router, context.WithoutCancel(ctx))
	close(runDone)
	watchers.Wait()

	err := s.outcome(runErr)
	if closeErr := s.router.Close(); closeErr != nil {
		s.Logger.Error("Failed to close router", closeErr, nil)
	}
	s.release()
	for _, stats := range s.Stats() {
		s.Logger.Info("Output path finished", stats.Fields())
	}

	if err != nil {
		s.state.set(StateFailed)
		s.Logger.Error("Stream service failed", err, nil)
		return err
	}
	s.state.set(StateStopped)
	s.Logger.Info("Stream service stopped", nil)
	return nil
}

// Close requests a graceful shutdown: both paths stop accepting messages and
// in-flight records finish within ShutdownTimeout. A service that was never
// started releases its resources and moves to StateStopped.
func (s *Service) Close() error {
	if s.state.transition(StateIdle, StateStopped) {
		s.release()
		return nil
	}
	s.shutdown("close requested")
	return nil
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	return s.state.load()
}

// Running is closed once both paths are subscribed and consuming.
func (s *Service) Running() <-chan struct{} {
	return s.router.Running()
}

// Stats returns the counters of both paths, console first.
func (s *Service) Stats() []PathStats {
	out := make([]PathStats, 0, len(s.paths))
	for _, p := range s.paths {
		out = append(out, p.counters.snapshot(p.name))
	}
	return out
}

func (s *Service) shutdown(reason string) {
	s.shutdownOnce.Do(func() {
		s.shuttingDown.Store(true)
		s.Logger.Info("Shutting down stream service", loggingpkg.LogFields{"reason": reason})
		if err := s.router.Close(); err != nil {
			s.Logger.Error("Failed to close router", err, nil)
		}
	})
}

// watchPath records a failure when the path's handler stops while no
// shutdown was requested.
func (s *Service) watchPath(p *outputPath, runDone <-chan struct{}) {
	select {
	case <-p.handler.Stopped():
	case <-runDone:
		select {
		case <-p.handler.Stopped():
		default:
			return
		}
	}
	if s.shuttingDown.Load() {
		return
	}
	s.failPath(p, errspkg.ErrPathStopped)
}

// failPath keeps the first fatal error of each path.
func (s *Service) failPath(p *outputPath, err error) {
	s.failMu.Lock()
	if s.failed[p.name] {
		s.failMu.Unlock()
		return
	}
	s.failed[p.name] = true
	fatal := &errspkg.FatalStreamError{Path: p.name, Err: err}
	s.failures = append(s.failures, fatal)
	s.failMu.Unlock()

	s.Logger.Error("Output path terminated", fatal, loggingpkg.LogFields{"path": p.name})
	if s.Conf.HaltOnPathFailure {
		// The failing handler may be the caller; closing the router waits for it.
		go s.shutdown(fmt.Sprintf("%s path failed", p.name))
	}
}

func (s *Service) outcome(runErr error) error {
	if runErr != nil && !s.shuttingDown.Load() {
		return &errspkg.BootstrapError{Stage: StageSubscribe, Err: runErr}
	}
	if runErr != nil {
		s.Logger.Error("Router returned an error during shutdown", runErr, nil)
	}

	s.failMu.Lock()
	defer s.failMu.Unlock()
	return errors.Join(s.failures...)
}

func (s *Service) release() {
	s.releaseOnce.Do(func() {
		if s.ownsWriter {
			if c, ok := s.writer.(io.Closer); ok {
				if err := c.Close(); err != nil {
					s.Logger.Error("Failed to close sink", err, nil)
				}
			}
		}
		for _, p := range s.paths {
			if err := p.subscriber.Close(); err != nil {
				s.Logger.Error("Failed to close subscriber", err, loggingpkg.LogFields{"path": p.name})
			}
		}
		if s.publisher != nil {
			if err := s.publisher.Close(); err != nil {
				s.Logger.Error("Failed to close publisher", err, nil)
			}
		}
		if s.metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := s.metricsServer.stop(ctx); err != nil {
				s.Logger.Error("Failed to stop metrics server", err, nil)
			}
		}
	})
}
