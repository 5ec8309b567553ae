package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/theam/plasmido/internal/runtime/broker"
	perrors "github.com/theam/plasmido/internal/runtime/errors"
	"github.com/theam/plasmido/internal/runtime/logging"
	"github.com/theam/plasmido/internal/runtime/models"
	"github.com/theam/plasmido/internal/runtime/schema"
)

type closer struct {
	name string
	fn   func(context.Context) error
}

// task holds what producer and consumer tasks share: their artifact record,
// the run they belong to and a teardown that runs exactly once.
type task struct {
	e        *Engine
	r        *run
	artifact models.Artifact
	record   models.ExecutionArtifact
	logger   logging.ServiceLogger
	codec    *schema.Codec

	mu       sync.Mutex
	closers  []closer
	teardown sync.Once
}

func (e *Engine) newTask(r *run, a models.Artifact) *task {
	return &task{
		e:        e,
		r:        r,
		artifact: a,
		record:   r.records[a.UUID],
		logger: e.opts.Logger.With(logging.LogFields{
			"workbook_uuid": r.workbook.UUID,
			"artifact_uuid": a.UUID,
			"topic":         a.TopicName,
			"kind":          string(a.Type),
		}),
	}
}

func (t *task) baseResult() TaskResult {
	return TaskResult{
		ArtifactUUID:        t.artifact.UUID,
		ExecutionArtifactID: t.record.ID,
		Kind:                t.artifact.Type,
	}
}

func (t *task) startSpan(name string) (context.Context, trace.Span) {
	t.e.opts.Metrics.taskStarted(t.artifact.Type)
	ctx, span := t.e.opts.Tracer.Start(t.r.ctx, name, trace.WithAttributes(
		attribute.String("plasmido.workbook_uuid", t.r.workbook.UUID),
		attribute.String("plasmido.artifact_uuid", t.artifact.UUID),
		attribute.String("messaging.destination.name", t.artifact.TopicName),
	))
	return ctx, span
}

func (t *task) finish(span trace.Span, res *TaskResult) {
	t.e.opts.Metrics.taskFinished(t.artifact.Type, res.Failed())
	span.SetAttributes(
		attribute.Int("plasmido.sent", res.Sent),
		attribute.Int("plasmido.consumed", res.Consumed),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	span.End()
}

// recoverPanic turns a panic of the task goroutine into its result and still
// tears the task down.
func (t *task) recoverPanic(res *TaskResult) {
	v := recover()
	if v == nil {
		return
	}
	res.Err = &perrors.PanicError{Value: v}
	t.logger.Error("Task panicked", res.Err, nil)
	t.stop()
}

// fail ends the task with err. Errors caused by the run being stopped are not
// failures.
func (t *task) fail(res *TaskResult, err error) TaskResult {
	if t.r.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		t.logger.Debug("Task stopped while busy", nil)
	} else {
		res.Err = err
		t.logger.Error("Task failed", err, logging.LogFields{"execution_artifact_id": t.record.ID})
	}
	t.stop()
	return *res
}

// onStop registers a release step. Steps run in registration order.
func (t *task) onStop(name string, fn func(context.Context) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closers = append(t.closers, closer{name: name, fn: fn})
}

// stop marks the artifact STOPPED and releases its connections, once.
func (t *task) stop() {
	t.teardown.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.e.opts.TeardownTimeout)
		defer cancel()

		if t.record.ID != "" {
			if _, err := t.e.catalog.ExecutionArtifacts.MarkStopped(ctx, t.record.ID); err != nil {
				t.logger.Error("Failed to mark artifact STOPPED", err, nil)
			}
		}

		t.mu.Lock()
		closers := append([]closer(nil), t.closers...)
		t.mu.Unlock()
		for _, c := range closers {
			if err := c.fn(ctx); err != nil {
				t.logger.Warn("Teardown step failed", logging.LogFields{"step": c.name, "err": err.Error()})
			}
		}
		t.logger.Debug("Task stopped", nil)
	})
}

// resolveCodec picks the run's codec for schema typed artifacts.
func (t *task) resolveCodec() error {
	if !t.artifact.UsesSchema() {
		return nil
	}
	id := t.artifact.PayloadSchema.SchemaRegistryID
	codec := t.r.codecs[id]
	if codec == nil {
		return perrors.NewConnectionError("schema registry "+id, perrors.ErrRegistryUnavailable)
	}
	t.codec = codec
	return nil
}

// client builds a fresh broker client for the artifact's broker. The stored
// URL gets the run's user variables applied.
func (t *task) client(ctx context.Context) (broker.Client, error) {
	stored, err := t.e.catalog.Brokers.Get(ctx, t.artifact.BrokerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load broker %s: %w", t.artifact.BrokerID, err)
	}
	return t.e.clientFor(stored, t.r.bindings, t.logger)
}
