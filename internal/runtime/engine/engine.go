// Package engine runs workbooks: one producer or consumer task per artifact,
// supervised per run and stopped through the durable workbook action.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/theam/plasmido/internal/runtime/broker"
	"github.com/theam/plasmido/internal/runtime/catalog"
	"github.com/theam/plasmido/internal/runtime/config"
	"github.com/theam/plasmido/internal/runtime/connection"
	perrors "github.com/theam/plasmido/internal/runtime/errors"
	"github.com/theam/plasmido/internal/runtime/logging"
	"github.com/theam/plasmido/internal/runtime/models"
	"github.com/theam/plasmido/internal/runtime/notify"
	"github.com/theam/plasmido/internal/runtime/schema"
	"github.com/theam/plasmido/internal/runtime/variables"
)

const (
	DefaultTaskPollInterval     = 500 * time.Millisecond
	DefaultWorkbookPollInterval = time.Second
	DefaultTeardownTimeout      = 10 * time.Second
	DefaultBrokerSystem         = "kafka"
)

// Options configure an Engine. Zero values fall back to the defaults above.
type Options struct {
	// BrokerSystem names the broker implementation in Brokers.
	BrokerSystem string
	Brokers      *broker.Registry
	// Connection applies client defaults to every broker connection.
	Connection []connection.Option

	TaskPollInterval     time.Duration
	WorkbookPollInterval time.Duration
	TeardownTimeout      time.Duration
	RegistryTimeout      time.Duration

	Notifier notify.Notifier
	Logger   logging.ServiceLogger
	Metrics  *Metrics
	Tracer   trace.Tracer
}

// OptionsFromConfig maps the process configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	if cfg == nil {
		return Options{}
	}
	retries := cfg.RetryTimes
	return Options{
		BrokerSystem: cfg.BrokerSystem,
		Connection: []connection.Option{
			connection.WithDefaults(connection.Defaults{
				ClientID:          cfg.ClientID,
				ConnectionTimeout: cfg.ConnectionTimeout,
				RequestTimeout:    cfg.RequestTimeout,
				MaxRetryTime:      cfg.MaxRetryTime,
				Retries:           &retries,
				Region:            cfg.AWSRegion,
			}),
		},
		TaskPollInterval:     cfg.TaskPollInterval,
		WorkbookPollInterval: cfg.WorkbookPollInterval,
		RegistryTimeout:      cfg.SchemaRegistryTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.BrokerSystem == "" {
		o.BrokerSystem = DefaultBrokerSystem
	}
	if o.Brokers == nil {
		o.Brokers = broker.DefaultRegistry
	}
	if o.TaskPollInterval <= 0 {
		o.TaskPollInterval = DefaultTaskPollInterval
	}
	if o.WorkbookPollInterval <= 0 {
		o.WorkbookPollInterval = DefaultWorkbookPollInterval
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = DefaultTeardownTimeout
	}
	if o.RegistryTimeout <= 0 {
		o.RegistryTimeout = schema.DefaultTimeout
	}
	if o.Notifier == nil {
		o.Notifier = notify.Discard
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("github.com/theam/plasmido/engine")
	}
	return o
}

// Engine starts and stops workbook runs. Only one run per workbook is active
// at a time.
type Engine struct {
	catalog *catalog.Catalog
	gateway *schema.Gateway
	opts    Options
	logger  logging.ServiceLogger
	now     func() time.Time

	mu   sync.Mutex
	runs map[string]*run
}

func New(cat *catalog.Catalog, opts Options) *Engine {
	opts = opts.withDefaults()
	logger := opts.Logger.With(logging.LogFields{"component": "engine"})
	return &Engine{
		catalog: cat,
		gateway: schema.NewGateway(cat.SchemaRegistries,
			schema.WithTimeout(opts.RegistryTimeout),
			schema.WithLogger(logger)),
		opts:   opts,
		logger: logger,
		now:    time.Now,
		runs:   make(map[string]*run),
	}
}

// Client builds a broker client for b. The selected environment's user
// variables are applied to its URL.
func (e *Engine) Client(ctx context.Context, b models.Broker) (broker.Client, error) {
	bindings, err := e.userBindings(ctx)
	if err != nil {
		return nil, err
	}
	return e.clientFor(b, bindings, e.logger)
}

// Codec connects to reg with the selected environment's user variables
// applied to its URL.
func (e *Engine) Codec(ctx context.Context, reg models.SchemaRegistry) (*schema.Codec, error) {
	bindings, err := e.userBindings(ctx)
	if err != nil {
		return nil, err
	}
	reg.URL = variables.Substitute(reg.URL, bindings)
	return e.gateway.Connect(ctx, reg)
}

func (e *Engine) userBindings(ctx context.Context) ([]variables.Binding, error) {
	env, err := e.catalog.SelectedEnvironment(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve the selected environment: %w", err)
	}
	return variables.UserBindings(env), nil
}

func (e *Engine) clientFor(b models.Broker, bindings []variables.Binding, logger logging.ServiceLogger) (broker.Client, error) {
	opts := append([]connection.Option(nil), e.opts.Connection...)
	opts = append(opts, connection.WithBrokerList(variables.Substitute(b.URL, bindings)))
	cfg, err := connection.Build(b, opts...)
	if err != nil {
		return nil, err
	}
	return e.opts.Brokers.Build(e.opts.BrokerSystem, cfg, logging.NewWatermillAdapter(logger))
}

// Start records a new run of wb and launches its tasks. Consumers are
// subscribed one after the other before any producer starts; producers are
// not awaited.
func (e *Engine) Start(ctx context.Context, wb models.Workbook) (models.ExecutionStart, error) {
	if wb.UUID == "" {
		return models.ExecutionStart{}, perrors.ErrWorkbookRequired
	}

	e.mu.Lock()
	if prev, ok := e.runs[wb.UUID]; ok && !prev.finished() {
		e.mu.Unlock()
		return models.ExecutionStart{}, fmt.Errorf("workbook %s: %w", wb.UUID, perrors.ErrWorkbookRunning)
	}
	r := newRun(wb, e.now())
	e.runs[wb.UUID] = r
	e.mu.Unlock()

	start, err := e.begin(ctx, r)
	if err != nil {
		r.abort()
		e.releaseAborted(context.WithoutCancel(ctx), r)
		e.mu.Lock()
		if e.runs[wb.UUID] == r {
			delete(e.runs, wb.UUID)
		}
		e.mu.Unlock()
		return models.ExecutionStart{}, err
	}
	return start, nil
}

func (e *Engine) begin(ctx context.Context, r *run) (models.ExecutionStart, error) {
	wb := r.workbook
	logger := e.logger.With(logging.LogFields{"workbook_uuid": wb.UUID})

	exec, err := e.catalog.ExecutionWorkbooks.Insert(ctx, models.ExecutionWorkbook{
		WorkbookUUID: wb.UUID,
		Action:       models.ActionRun,
	})
	if err != nil {
		return models.ExecutionStart{}, fmt.Errorf("failed to record workbook run: %w", err)
	}
	r.execID = exec.ID
	start := models.ExecutionStart{ExecutionWorkbook: exec}
	for _, a := range wb.Artifacts {
		rec, err := e.catalog.ExecutionArtifacts.Insert(ctx, models.ExecutionArtifact{
			WorkbookUUID: wb.UUID,
			ArtifactUUID: a.UUID,
			Status:       models.StatusRunning,
		})
		if err != nil {
			return models.ExecutionStart{}, fmt.Errorf("failed to record artifact run %s: %w", a.UUID, err)
		}
		r.records[a.UUID] = rec
		start.ExecutionArtifacts = append(start.ExecutionArtifacts, rec)
	}

	env, err := e.catalog.SelectedEnvironment(ctx)
	if err != nil {
		logger.Warn("Could not resolve the selected environment, running without user variables", logging.LogFields{"err": err.Error()})
	}
	r.bindings = variables.UserBindings(env)

	codecs, err := e.gateway.ResolveAllForWorkbook(ctx, wb, r.bindings)
	if err != nil {
		logger.Error("Some schema registries are unavailable", err, nil)
	}
	r.codecs = codecs

	if err := e.catalog.ConsumedEvents.Purge(ctx); err != nil {
		return models.ExecutionStart{}, fmt.Errorf("failed to purge consumed events: %w", err)
	}

	go e.watchStop(r)

	for _, a := range wb.Artifacts {
		if a.Type != models.ArtifactConsumer {
			continue
		}
		t := e.newTask(r, a)
		ready := make(chan error, 1)
		r.spawned[a.UUID] = true
		r.spawn(func() TaskResult { return t.consume(ready) })
		select {
		case err := <-ready:
			if err != nil {
				t.logger.Warn("Consumer did not subscribe", logging.LogFields{"err": err.Error()})
			}
		case <-ctx.Done():
			return start, ctx.Err()
		}
	}
	for _, a := range wb.Artifacts {
		if a.Type != models.ArtifactProducer {
			continue
		}
		t := e.newTask(r, a)
		r.spawned[a.UUID] = true
		r.spawn(t.produce)
	}
	r.sealed()

	e.opts.Metrics.runStarted()
	e.opts.Notifier.Notify(notify.Event{Type: notify.EventWorkbookStarted, WorkbookUUID: wb.UUID})
	logger.Info("Workbook run started", logging.LogFields{"artifacts": len(wb.Artifacts), "execution_id": exec.ID})

	go e.supervise(r)
	return start, nil
}

// releaseAborted stops the records of a run that failed to start. Tasks that
// were spawned mark their own record on teardown.
func (e *Engine) releaseAborted(ctx context.Context, r *run) {
	if r.execID == "" {
		return
	}
	logger := e.logger.With(logging.LogFields{"workbook_uuid": r.workbook.UUID})
	for artifactUUID, rec := range r.records {
		if r.spawned[artifactUUID] {
			continue
		}
		if _, err := e.catalog.ExecutionArtifacts.MarkStopped(ctx, rec.ID); err != nil {
			logger.Error("Failed to mark artifact STOPPED", err, logging.LogFields{"artifact_uuid": artifactUUID})
		}
	}
	if _, err := e.catalog.ExecutionWorkbooks.UpdateActionToStop(ctx, r.workbook.UUID); err != nil {
		logger.Error("Failed to flip workbook action to STOP", err, nil)
	}
}

// Stop requests the current run of wb to stop. It flips the durable action,
// notifies listeners and cancels the local run without waiting for tasks.
func (e *Engine) Stop(ctx context.Context, wb models.Workbook) (models.ExecutionWorkbook, error) {
	if wb.UUID == "" {
		return models.ExecutionWorkbook{}, perrors.ErrWorkbookRequired
	}
	exec, err := e.catalog.ExecutionWorkbooks.UpdateActionToStop(ctx, wb.UUID)
	if err != nil {
		return exec, fmt.Errorf("failed to stop workbook %s: %w", wb.UUID, err)
	}
	e.opts.Notifier.Notify(notify.Event{Type: notify.EventWorkbookStopped, WorkbookUUID: wb.UUID})

	e.mu.Lock()
	r := e.runs[wb.UUID]
	e.mu.Unlock()
	if r != nil {
		r.cancel()
	}
	return exec, nil
}

// Status returns STOPPED once every artifact of the workbook's runs stopped.
func (e *Engine) Status(ctx context.Context, workbookUUID string) (models.RunStatus, error) {
	stopped, err := e.catalog.ExecutionArtifacts.AllArtifactsStopped(ctx, workbookUUID)
	if err != nil {
		return "", err
	}
	if stopped {
		return models.StatusStopped, nil
	}
	return models.StatusRunning, nil
}

// Wait blocks until the last run of the workbook finished and returns its task
// results.
func (e *Engine) Wait(ctx context.Context, workbookUUID string) ([]TaskResult, error) {
	e.mu.Lock()
	r := e.runs[workbookUUID]
	e.mu.Unlock()
	if r == nil {
		return nil, fmt.Errorf("workbook %s: %w", workbookUUID, perrors.ErrNotFound)
	}
	select {
	case <-r.done:
		return r.resultList(), nil
	case <-ctx.Done():
		return r.resultList(), ctx.Err()
	}
}

// Shutdown cancels every active run and waits for their tasks to tear down.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	var errs []error
	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		select {
		case <-r.tasksDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("workbook %s: %w", r.workbook.UUID, ctx.Err()))
		}
	}
	return errors.Join(errs...)
}

// watchStop polls the durable stop flag into the run context. A missing run
// record counts as stopped.
func (e *Engine) watchStop(r *run) {
	ticker := time.NewTicker(e.opts.TaskPollInterval)
	defer ticker.Stop()
	logger := e.logger.With(logging.LogFields{"workbook_uuid": r.workbook.UUID})

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.tasksDone:
			return
		case <-ticker.C:
		}
		exec, err := e.catalog.ExecutionWorkbooks.FindCurrent(context.Background(), r.workbook.UUID)
		switch {
		case errors.Is(err, perrors.ErrNotFound):
			logger.Info("Workbook run record is gone, stopping", nil)
			r.cancel()
			return
		case err != nil:
			logger.Warn("Could not read the stop flag", logging.LogFields{"err": err.Error()})
		case exec.Action == models.ActionStop:
			logger.Debug("Stop requested", nil)
			r.cancel()
			return
		}
	}
}

// supervise flips the workbook action to STOP once every artifact stopped. It
// wakes on its poll interval and whenever a task finishes.
func (e *Engine) supervise(r *run) {
	defer close(r.done)
	ticker := time.NewTicker(e.opts.WorkbookPollInterval)
	defer ticker.Stop()
	logger := e.logger.With(logging.LogFields{"workbook_uuid": r.workbook.UUID})
	ctx := context.Background()

	for {
		last := false
		select {
		case <-ticker.C:
		case <-r.joined:
		case <-r.tasksDone:
			last = true
		}

		stopped, err := e.catalog.ExecutionArtifacts.AllArtifactsStopped(ctx, r.workbook.UUID)
		if err != nil {
			logger.Warn("Could not read artifact statuses", logging.LogFields{"err": err.Error()})
		}
		if err == nil && stopped {
			e.markWorkbookStopped(ctx, r, logger)
			<-r.tasksDone
			return
		}
		if last {
			logger.Warn("Every task finished but some artifacts are still RUNNING", nil)
			r.cancel()
			return
		}
	}
}

func (e *Engine) markWorkbookStopped(ctx context.Context, r *run, logger logging.ServiceLogger) {
	defer r.cancel()
	current, err := e.catalog.ExecutionWorkbooks.FindCurrent(ctx, r.workbook.UUID)
	if err != nil {
		if !errors.Is(err, perrors.ErrNotFound) {
			logger.Warn("Could not read the workbook run", logging.LogFields{"err": err.Error()})
		}
		return
	}
	if current.Action == models.ActionStop {
		return
	}
	if _, err := e.catalog.ExecutionWorkbooks.UpdateActionToStop(ctx, r.workbook.UUID); err != nil {
		logger.Error("Failed to flip workbook action to STOP", err, nil)
		return
	}
	e.opts.Notifier.Notify(notify.Event{Type: notify.EventWorkbookStopped, WorkbookUUID: r.workbook.UUID})
	logger.Info("Workbook run stopped", nil)
}
