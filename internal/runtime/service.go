package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"

	"github.com/theam/plasmido/internal/runtime/api"
	"github.com/theam/plasmido/internal/runtime/broker"
	_ "github.com/theam/plasmido/internal/runtime/broker/kafka"
	_ "github.com/theam/plasmido/internal/runtime/broker/memory"
	"github.com/theam/plasmido/internal/runtime/catalog"
	configpkg "github.com/theam/plasmido/internal/runtime/config"
	"github.com/theam/plasmido/internal/runtime/docstore"
	"github.com/theam/plasmido/internal/runtime/engine"
	perrors "github.com/theam/plasmido/internal/runtime/errors"
	loggingpkg "github.com/theam/plasmido/internal/runtime/logging"
	"github.com/theam/plasmido/internal/runtime/notify"
)

var openStore = docstore.Open

var newSink = notify.NewSink

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to build them from the configuration.
type ServiceDependencies struct {
	Backend docstore.Backend
	Sink    message.Publisher
	Brokers *broker.Registry
	// Registry receives the engine collectors, a fresh registry is used when
	// nil. Ignored when metrics are disabled.
	Registry *prometheus.Registry
	Tracer   trace.Tracer
}

// Service wires the catalog, the engine, the event broadcaster and the
// command API of one plasmido process.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	Catalog    *catalog.Catalog
	Engine     *engine.Engine
	Events     *notify.Broadcaster
	Dispatcher *api.Dispatcher

	handler         http.Handler
	startedAt       time.Time
	resourceTracker *resourceTracker
	closeOnce       sync.Once
	closeErr        error
}

// NewService opens the catalog store and the notification sink named by conf
// and builds the engine and its commands on top of them.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, perrors.ErrConfigRequired
	}
	if log == nil {
		return nil, perrors.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	log.Info("Creating plasmido service", loggingpkg.LogFields{
		"broker_system": conf.BrokerSystem,
		"store_driver":  conf.StoreDriver,
		"notify_system": conf.NotifySystem,
		"config":        conf,
	})

	backend := deps.Backend
	if backend == nil {
		var err error
		backend, err = openStore(ctx, docstore.Options{
			Driver:      conf.StoreDriver,
			SQLiteFile:  conf.SQLiteFile,
			PostgresURL: conf.PostgresURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open catalog store: %w", err)
		}
	}
	cat := catalog.New(backend)

	sink := deps.Sink
	if sink == nil {
		var err error
		sink, err = newSink(ctx, conf, loggingpkg.NewWatermillAdapter(log))
		if err != nil {
			_ = cat.Close()
			return nil, err
		}
	}
	var notifyOpts []notify.Option
	if sink != nil {
		notifyOpts = append(notifyOpts, notify.WithSink(sink, conf.NotifyTopicPrefix))
	}
	events := notify.NewBroadcaster(log, notifyOpts...)

	var (
		metrics  *engine.Metrics
		gatherer prometheus.Gatherer
	)
	if conf.MetricsEnabled {
		registry := deps.Registry
		if registry == nil {
			registry = prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		}
		metrics = engine.NewMetrics(registry)
		if err := metrics.Register(); err != nil {
			_ = errors.Join(events.Close(), cat.Close())
			return nil, fmt.Errorf("failed to register engine metrics: %w", err)
		}
		gatherer = registry
	}

	opts := engine.OptionsFromConfig(conf)
	opts.Brokers = deps.Brokers
	opts.Notifier = events
	opts.Logger = log
	opts.Metrics = metrics
	opts.Tracer = deps.Tracer
	eng := engine.New(cat, opts)

	s := &Service{
		Conf:            conf,
		Logger:          log,
		Catalog:         cat,
		Engine:          eng,
		Events:          events,
		Dispatcher:      api.NewDispatcher(log),
		startedAt:       time.Now(),
		resourceTracker: newResourceTracker(),
	}
	api.NewCommands(s.Dispatcher, cat, eng)
	api.Register(s.Dispatcher, "service.stats", func(context.Context, api.Empty) (ServiceStats, error) {
		return s.Stats(), nil
	})

	s.handler = api.NewRouter(s.Dispatcher, api.ServerOptions{
		CORSAllowedOrigins: conf.CORSAllowedOrigins,
		Events:             events,
		Gatherer:           gatherer,
		Logger:             log,
	})
	return s, nil
}

// Handler returns the HTTP binding of the command API.
func (s *Service) Handler() http.Handler {
	return s.handler
}

// Start serves the command API on Conf.APIAddress until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	server := api.NewServer(s.handler, api.ServerOptions{
		Address: s.Conf.APIAddress,
		Logger:  s.Logger,
	})
	return server.Run(ctx)
}

// Shutdown stops every active run, waits for task teardown within ctx and
// releases the sink and the catalog store.
func (s *Service) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.Engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop runs: %w", err))
		}
		if err := s.Events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close notifications: %w", err))
		}
		if err := s.Catalog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close catalog: %w", err))
		}
		s.closeErr = errors.Join(errs...)
		s.Logger.Info("Plasmido service stopped", nil)
	})
	return s.closeErr
}

// ServiceStats is the process overview returned by the service.stats command.
type ServiceStats struct {
	BrokerSystem string        `json:"brokerSystem"`
	NotifySystem string        `json:"notifySystem"`
	Commands     int           `json:"commands"`
	StartedAt    time.Time     `json:"startedAt"`
	Uptime       string        `json:"uptime"`
	Resource     ResourceUsage `json:"resource"`
}

func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		BrokerSystem: s.Conf.BrokerSystem,
		NotifySystem: s.Conf.NotifySystem,
		Commands:     len(s.Dispatcher.Names()),
		StartedAt:    s.startedAt,
		Uptime:       time.Since(s.startedAt).Truncate(time.Second).String(),
		Resource:     s.resourceTracker.Snapshot(),
	}
}
