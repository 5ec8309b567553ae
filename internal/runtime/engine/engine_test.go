package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theam/plasmido/internal/runtime/broker"
	"github.com/theam/plasmido/internal/runtime/broker/memory"
	"github.com/theam/plasmido/internal/runtime/catalog"
	"github.com/theam/plasmido/internal/runtime/config"
	"github.com/theam/plasmido/internal/runtime/connection"
	"github.com/theam/plasmido/internal/runtime/docstore"
	perrors "github.com/theam/plasmido/internal/runtime/errors"
	"github.com/theam/plasmido/internal/runtime/models"
	"github.com/theam/plasmido/internal/runtime/notify"
	"github.com/theam/plasmido/internal/runtime/schema"
)

const orderSchema = `{
  "type": "record",
  "name": "Order",
  "fields": [
    {"name": "id", "type": "string"},
    {"name": "qty", "type": "int"}
  ]
}`

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
	hook   func(notify.Event)
}

func (r *recorder) Notify(ev notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

func (r *recorder) sizes(eventType string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev.Size)
		}
	}
	return out
}

func (r *recorder) count(eventType string) int {
	return len(r.sizes(eventType))
}

type memRegistry struct {
	mu       sync.Mutex
	byID     map[int]schema.Schema
	subjects map[string][]schema.Schema
}

func newMemRegistry() *memRegistry {
	return &memRegistry{byID: map[int]schema.Schema{}, subjects: map[string][]schema.Schema{}}
}

func (m *memRegistry) Register(_ context.Context, subject, def string, t schema.Type) (schema.Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := schema.Schema{ID: len(m.byID) + 1, Subject: subject, Version: len(m.subjects[subject]) + 1, Type: t, Schema: def}
	m.byID[s.ID] = s
	m.subjects[subject] = append(m.subjects[subject], s)
	return s, nil
}

func (m *memRegistry) GetSchema(_ context.Context, id int) (schema.Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return schema.Schema{}, fmt.Errorf("schema %d not found", id)
	}
	return s, nil
}

func (m *memRegistry) GetLatestSchema(_ context.Context, subject string) (schema.Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.subjects[subject]
	if len(versions) == 0 {
		return schema.Schema{}, fmt.Errorf("subject %s not found", subject)
	}
	return versions[len(versions)-1], nil
}

func (m *memRegistry) GetSubjects(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subjects))
	for s := range m.subjects {
		out = append(out, s)
	}
	return out, nil
}

type fixture struct {
	engine   *Engine
	catalog  *catalog.Catalog
	events   *recorder
	cluster  *memory.Cluster
	brokerID string
	metrics  *Metrics
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	ctx := context.Background()
	backend, err := docstore.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	cat := catalog.New(backend)

	url := "mem-" + strings.ReplaceAll(t.Name(), "/", "-")
	b, err := cat.Brokers.Insert(ctx, models.Broker{UUID: "broker-1", Name: "memory", URL: url})
	require.NoError(t, err)

	events := &recorder{}
	metrics := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, metrics.Register())
	engineOpts := Options{
		BrokerSystem:         memory.SystemName,
		TaskPollInterval:     10 * time.Millisecond,
		WorkbookPollInterval: 20 * time.Millisecond,
		TeardownTimeout:      time.Second,
		Notifier:             events,
		Metrics:              metrics,
	}
	for _, opt := range opts {
		opt(&engineOpts)
	}
	eng := New(cat, engineOpts)

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Shutdown(shutdownCtx)
		memory.Forget(url)
		cat.Close()
	})
	return &fixture{
		engine:   eng,
		catalog:  cat,
		events:   events,
		cluster:  memory.Lookup(url),
		brokerID: b.ID,
		metrics:  metrics,
	}
}

func (f *fixture) producer(uuid, topic string, repeat, batch int) models.Artifact {
	return models.Artifact{
		UUID:        uuid,
		Type:        models.ArtifactProducer,
		BrokerID:    f.brokerID,
		TopicName:   topic,
		Payload:     `{"n": {{$p_index}}}`,
		Headers:     map[string]string{"seq": "{{ $p_index }}"},
		RepeatTimes: repeat,
		BatchSize:   batch,
	}
}

func (f *fixture) consumer(uuid, topic string, from models.ConsumeFrom) models.Artifact {
	return models.Artifact{
		UUID:        uuid,
		Type:        models.ArtifactConsumer,
		BrokerID:    f.brokerID,
		TopicName:   topic,
		ConsumeFrom: from,
	}
}

func (f *fixture) wait(t *testing.T, wb models.Workbook) []TaskResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := f.engine.Wait(ctx, wb.UUID)
	require.NoError(t, err)
	return results
}

func (f *fixture) consumed(t *testing.T, artifactUUID string, n int) []models.ConsumedEvent {
	t.Helper()
	require.Eventually(t, func() bool {
		count, err := f.catalog.ConsumedEvents.CountByArtifact(context.Background(), artifactUUID, "")
		return err == nil && count >= n
	}, 3*time.Second, 10*time.Millisecond)
	events, err := f.catalog.ConsumedEvents.FindByArtifact(context.Background(), artifactUUID, "", 0, 100)
	require.NoError(t, err)
	return events
}

// stalledClient wraps the memory broker with consumers that never finish
// connecting.
type stalledClient struct {
	broker.Client
	connecting chan struct{}
}

func (c stalledClient) Consumer(groupID string) broker.Consumer {
	return stalledConsumer{Consumer: c.Client.Consumer(groupID), connecting: c.connecting}
}

type stalledConsumer struct {
	broker.Consumer
	connecting chan struct{}
}

func (c stalledConsumer) Connect(ctx context.Context) error {
	select {
	case c.connecting <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func withStalledConsumers(connecting chan struct{}) func(*Options) {
	return func(o *Options) {
		reg := broker.NewRegistry()
		reg.Register("stalled", func(cfg connection.ClientConfig, logger watermill.LoggerAdapter) (broker.Client, error) {
			c, err := memory.Build(cfg, logger)
			if err != nil {
				return nil, err
			}
			return stalledClient{Client: c, connecting: connecting}, nil
		})
		o.Brokers = reg
		o.BrokerSystem = "stalled"
	}
}

func TestOptionsFromConfigKeepsZeroRetries(t *testing.T) {
	cfg := config.Default()
	cfg.RetryTimes = 0
	cc, err := connection.Build(models.Broker{URL: "a:9092"}, OptionsFromConfig(cfg).Connection...)
	require.NoError(t, err)
	assert.Zero(t, cc.Retry.Retries)
	assert.Equal(t, cfg.MaxRetryTime, cc.Retry.MaxRetryTime)
}

func TestEffectiveBatchSize(t *testing.T) {
	cases := []struct {
		batch, repeat, want int
	}{
		{batch: 2, repeat: 5, want: 2},
		{batch: 10, repeat: 3, want: 3},
		{batch: 0, repeat: 3, want: 1},
		{batch: -4, repeat: 3, want: 1},
		{batch: 5, repeat: 0, want: 5},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("batch=%d,repeat=%d", tc.batch, tc.repeat), func(t *testing.T) {
			assert.Equal(t, tc.want, effectiveBatchSize(tc.batch, tc.repeat))
		})
	}
}

func TestProducerSendsBatches(t *testing.T) {
	f := newFixture(t)
	wb := models.Workbook{UUID: "wb-batches", Artifacts: []models.Artifact{f.producer("p1", "orders", 5, 2)}}

	start, err := f.engine.Start(context.Background(), wb)
	require.NoError(t, err)
	require.Len(t, start.ExecutionArtifacts, 1)
	assert.Equal(t, models.ActionRun, start.ExecutionWorkbook.Action)

	results := f.wait(t, wb)
	res, ok := ResultFor(results, "p1")
	require.True(t, ok)
	require.NoError(t, res.Err)
	assert.Equal(t, 5, res.Sent)
	assert.Equal(t, []int{2, 2, 1}, f.events.sizes(notify.EventProducerProduced))

	records := f.cluster.Records("orders")
	require.Len(t, records, 5)
	for i, m := range records {
		assert.Equal(t, fmt.Sprintf(`{"n": %d}`, i), string(m.Value))
		assert.Equal(t, fmt.Sprint(i), string(m.Headers["seq"]))
	}

	status, err := f.engine.Status(context.Background(), wb.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, status)

	exec, err := f.catalog.ExecutionWorkbooks.FindCurrent(context.Background(), wb.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStop, exec.Action)
	assert.Equal(t, 1, f.events.count(notify.EventWorkbookStopped), "stop is announced once")
	assert.Equal(t, 5.0, testutil.ToFloat64(f.metrics.messagesProduced.WithLabelValues("orders")))
}

func TestProducerBatchLargerThanRepeat(t *testing.T) {
	f := newFixture(t)
	wb := models.Workbook{UUID: "wb-clamp", Artifacts: []models.Artifact{f.producer("p1", "orders", 3, 10)}}

	_, err := f.engine.Start(context.Background(), wb)
	require.NoError(t, err)
	f.wait(t, wb)

	assert.Equal(t, []int{3}, f.events.sizes(notify.EventProducerProduced))
}

func TestProducerWithoutBatchSizeSendsOneByOne(t *testing.T) {
	f := newFixture(t)
	wb := models.Workbook{UUID: "wb-single", Artifacts: []models.Artifact{f.producer("p1", "orders", 3, 0)}}

	_, err := f.engine.Start(context.Background(), wb)
	require.NoError(t, err)
	f.wait(t, wb)

	assert.Equal(t, []int{1, 1, 1}, f.events.sizes(notify.EventProducerProduced))
}

func TestProducerWithZeroRepeatStopsImmediately(t *testing.T) {
	f := newFixture(t)
	wb := models.Workbook{UUID: "wb-zero", Artifacts: []models.Artifact{f.producer("p1", "orders", 0, 1)}}

	_, err := f.engine.Start(context.Background(), wb)
	require.NoError(t, err)
	results := f.wait(t, wb)

	res, _ := ResultFor(results, "p1")
	assert.Zero(t, res.Sent)
	assert.Empty(t, f.cluster.Records("orders"))
}

func TestStopRequestEndsRunningProducer(t *testing.T) {
	check := func(t *testing.T, stop func(f *fixture, wb models.Workbook)) {
		f := newFixture(t)
		f.cluster.SetSendHook(func(ctx context.Context, _ string, _ []broker.Message) error {
			select {
			case <-time.After(2 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		wb := models.Workbook{UUID: "wb-stop", Artifacts: []models.Artifact{f.producer("p1", "orders", 1_000_000, 1)}}

		_, err := f.engine.Start(context.Background(), wb)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return f.events.count(notify.EventProducerProduced) > 0 },
			2*time.Second, 5*time.Millisecond)

		stop(f, wb)
		results := f.wait(t, wb)

		res, ok := ResultFor(results, "p1")
		require.True(t, ok)
		assert.NoError(t, res.Err, "a stop is not a failure")
		assert.Positive(t, res.Sent)
		assert.Less(t, res.Sent, 1_000_000)

		status, err := f.engine.Status(context.Background(), wb.UUID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusStopped, status)
	}

	t.Run("engine stop", func(t *testing.T) {
		check(t, func(f *fixture, wb models.Workbook) {
			exec, err := f.engine.Stop(context.Background(), wb)
			require.NoError(t, err)
			assert.Equal(t, models.ActionStop, exec.Action)
		})
	})

	t.Run("durable action only", func(t *testing.T) {
		check(t, func(f *fixture, wb models.Workbook) {
			_, err := f.catalog.ExecutionWorkbooks.UpdateActionToStop(context.Background(), wb.UUID)
			require.NoError(t, err)
		})
	})

	t.Run("run records truncated", func(t *testing.T) {
		check(t, func(f *fixture, wb models.Workbook) {
			require.NoError(t, f.catalog.Truncate(context.Background()))
		})
	})
}

func TestConsumerStoresProducedMessages(t *testing.T) {
	f := newFixture(t)
	wb := models.Workbook{UUID: "wb-e2e", Artifacts: []models.Artifact{
		f.producer("p1", "orders", 3, 2),
		f.consumer("c1", "orders", models.ConsumeFromBeginning),
	}}

	start, err := f.engine.Start(context.Background(), wb)
	require.NoError(t, err)
	var consumerRecord models.ExecutionArtifact
	for _, rec := range start.ExecutionArtifacts {
		if rec.ArtifactUUID == "c1" {
			consumerRecord = rec
		}
	}
	groupID := ConsumerGroupID(consumerRecord.ID)
	assert.Contains(t, f.cluster.Groups(), groupID)

	events := f.consumed(t, "c1", 3)
	require.Len(t, events, 3)
	// newest first
	assert.Equal(t, `{"n": 2}`, events[0].PlainMessage)
	assert.Equal(t, "2", events[0].PlainHeaders["seq"])
	assert.Equal(t, "orders", events[0].Source.Topic)
	assert.Equal(t, int64(2), events[0].Source.Offset)
	assert.True(t, strings.HasPrefix(events[0].UniqueConstraint, "c1:"))

	status, err := f.engine.Status(context.Background(), wb.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, status, "the consumer keeps the run alive")

	_, err = f.engine.Stop(context.Background(), wb)
	require.NoError(t, err)
	results := f.wait(t, wb)

	res, ok := ResultFor(results, "c1")
	require.True(t, ok)
	assert.NoError(t, res.Err)
	assert.Equal(t, 3, res.Consumed)
	assert.NotContains(t, f.cluster.Groups(), groupID, "the run's group is deleted on teardown")
	assert.Equal(t, 3, f.events.count(notify.EventConsumerConsumed))
	assert.Equal(t, 1, f.events.count(notify.EventWorkbookStopped))
}

// The group is subscribed first and seeked to the run start afterwards. The
// memory broker resolves the start position on Run, so nothing sent before the
// run is delivered; a real cluster can deliver in between.
func TestConsumerFromNowSkipsEarlierMessages(t *testing.T) {
	f := newFixture(t)
	early := f.cluster.Client().Producer()
	require.NoError(t, early.Connect(context.Background()))
	require.NoError(t, early.Send(context.Background(), "orders", []broker.Message{
		{Value: []byte("old-1"), Timestamp: time.Now().Add(-time.Hour)},
		{Value: []byte("old-2"), Timestamp: time.Now().Add(-time.Hour)},
	}))

	wb := models.Workbook{UUID: "wb-now", Artifacts: []models.Artifact{
		f.consumer("c1", "orders", models.ConsumeFromNow),
		f.producer("p1", "orders", 2, 1),
	}}
	_, err := f.engine.Start(context.Background(), wb)
	require.NoError(t, err)

	events := f.consumed(t, "c1", 2)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.NotContains(t, ev.PlainMessage, "old")
		assert.GreaterOrEqual(t, ev.Source.Offset, int64(2))
	}

	_, err = f.engine.Stop(context.Background(), wb)
	require.NoError(t, err)
	f.wait(t, wb)
}

func TestConsumerDropsRedeliveredMessages(t *testing.T) {
	f := newFixture(t)
	wb := models.Workbook{UUID: "wb-dup", Artifacts: []models.Artifact{f.consumer("c1", "orders", models.ConsumeFromBeginning)}}
	r := newRun(wb, time.Now())
	r.records["c1"] = models.ExecutionArtifact{ID: "rec-1", ArtifactUUID: "c1"}
	tk := f.engine.newTask(r, wb.Artifacts[0])
	t.Cleanup(r.cancel)

	var consumed atomic.Int64
	handle := tk.handler(&consumed, make(chan error, 1))
	msg := broker.Message{Topic: "orders", Offset: 7, Timestamp: time.UnixMilli(1700000000000), Value: []byte("hello")}

	require.NoError(t, handle(context.Background(), msg))
	require.NoError(t, handle(context.Background(), msg), "duplicates are not handler errors")

	count, err := f.catalog.ConsumedEvents.CountByArtifact(context.Background(), "c1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.EqualValues(t, 1, consumed.Load())
	assert.Equal(t, "c1:1700000000000:7", UniqueConstraint("c1", msg))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.duplicateEvents.WithLabelValues("orders")))
}

func TestProducerFailureOnlyVisibleAsStopped(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("leader not available")
	f.cluster.SetSendHook(func(context.Context, string, []broker.Message) error { return boom })
	wb := models.Workbook{UUID: "wb-fail", Artifacts: []models.Artifact{f.producer("p1", "orders", 3, 1)}}

	_, err := f.engine.Start(context.Background(), wb)
	require.NoError(t, err, "task failures do not fail the start")
	results := f.wait(t, wb)

	res, ok := ResultFor(results, "p1")
	require.True(t, ok)
	assert.ErrorIs(t, res.Err, boom)
	assert.Zero(t, res.Sent)

	arts, err := f.catalog.ExecutionArtifacts.FindByWorkbook(context.Background(), wb.UUID)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, models.StatusStopped, arts[0].Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.taskFailures.WithLabelValues(string(models.ArtifactProducer))))
}

func TestUnavailableBrokerStopsConsumer(t *testing.T) {
	f := newFixture(t)
	f.cluster.SetUnavailable(true)
	wb := models.Workbook{UUID: "wb-down", Artifacts: []models.Artifact{f.consumer("c1", "orders", models.ConsumeFromBeginning)}}

	_, err := f.engine.Start(context.Background(), wb)
	require.NoError(t, err)
	results := f.wait(t, wb)

	res, _ := ResultFor(results, "c1")
	assert.True(t, perrors.IsConnectionError(res.Err))
	status, err := f.engine.Status(context.Background(), wb.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, status)
}

func TestMissingCodecStopsArtifact(t *testing.T) {
	f := newFixture(t)
	a := f.producer("p1", "orders", 1, 1)
	a.SchemaType = models.SchemaAvro
	a.PayloadSchema = models.PayloadSchema{SchemaRegistryID: "no-such-registry", SchemaID: 1}
	wb := models.Workbook{UUID: "wb-nocodec", Artifacts: []models.Artifact{a}}

	_, err := f.engine.Start(context.Background(), wb)
	require.NoError(t, err)
	results := f.wait(t, wb)

	res, _ := ResultFor(results, "p1")
	assert.True(t, perrors.IsConnectionError(res.Err))
	assert.ErrorIs(t, res.Err, perrors.ErrRegistryUnavailable)
	assert.Empty(t, f.cluster.Records("orders"))
}

func TestSchemaTypedRoundTrip(t *testing.T) {
	registry := newMemRegistry()
	orig := schema.Connector
	schema.Connector = func(schema.ClientOptions) (schema.Registry, error) { return registry, nil }
	t.Cleanup(func() { schema.Connector = orig })

	f := newFixture(t)
	ctx := context.Background()
	reg, err := f.catalog.SchemaRegistries.Insert(ctx, models.SchemaRegistry{UUID: "sr-1", URL: "http://registry"})
	require.NoError(t, err)
	s, err := registry.Register(ctx, "orders-value", orderSchema, schema.TypeAvro)
	require.NoError(t, err)

	p := f.producer("p1", "orders", 2, 2)
	p.SchemaType = models.SchemaAvro
	p.Payload = `{"id": "o-{{$p_index}}", "qty": {{$p_index}}}`
	p.PayloadSchema = models.PayloadSchema{SchemaRegistryID: reg.ID, SchemaID: s.ID}
	c := f.consumer("c1", "orders", models.ConsumeFromBeginning)
	c.SchemaType = models.SchemaAvro
	c.PayloadSchema = models.PayloadSchema{SchemaRegistryID: reg.ID}

	wb := models.Workbook{UUID: "wb-avro", Artifacts: []models.Artifact{c, p}}
	_, err = f.engine.Start(ctx, wb)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.cluster.Records("orders")) == 2 }, 2*time.Second, 5*time.Millisecond)
	records := f.cluster.Records("orders")
	assert.Equal(t, byte(0), records[0].Value[0], "framed with the magic byte")

	events := f.consumed(t, "c1", 2)
	assert.JSONEq(t, `{"id": "o-1", "qty": 1}`, events[0].PlainMessage)
	assert.JSONEq(t, `{"id": "o-0", "qty": 0}`, events[1].PlainMessage)

	_, err = f.engine.Stop(ctx, wb)
	require.NoError(t, err)
	f.wait(t, wb)
}

func TestUserVariablesApplyToBrokerURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	url := "mem-" + t.Name()
	t.Cleanup(func() { memory.Forget(url) })
	_, err := f.catalog.Brokers.Update(ctx, models.Broker{ID: f.brokerID, UUID: "broker-1", URL: "{{ $cluster }}"})
	require.NoError(t, err)
	_, err = f.catalog.Environments.Insert(ctx, models.Environment{
		UUID:      "env-1",
		Variables: []models.EnvironmentVariable{{Name: "cluster", Value: url}},
	})
	require.NoError(t, err)
	_, err = f.catalog.Users.Insert(ctx, models.User{UUID: "u1", IsDefault: true, SelectedEnvironmentUUID: "env-1"})
	require.NoError(t, err)

	wb := models.Workbook{UUID: "wb-vars", Artifacts: []models.Artifact{f.producer("p1", "orders", 1, 1)}}
	_, err = f.engine.Start(ctx, wb)
	require.NoError(t, err)
	f.wait(t, wb)

	assert.Len(t, memory.Lookup(url).Records("orders"), 1)
}

func TestPanickingTaskIsRecovered(t *testing.T) {
	f := newFixture(t)
	f.events.hook = func(ev notify.Event) {
		if ev.Type == notify.EventProducerProduced {
			panic("listener exploded")
		}
	}
	wb := models.Workbook{UUID: "wb-panic", Artifacts: []models.Artifact{f.producer("p1", "orders", 2, 1)}}

	_, err := f.engine.Start(context.Background(), wb)
	require.NoError(t, err)
	results := f.wait(t, wb)

	res, _ := ResultFor(results, "p1")
	var pe *perrors.PanicError
	require.ErrorAs(t, res.Err, &pe)
	assert.Equal(t, "listener exploded", pe.Value)
	status, err := f.engine.Status(context.Background(), wb.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, status)
}

func TestPanickingHandlerStopsConsumer(t *testing.T) {
	f := newFixture(t)
	f.events.hook = func(ev notify.Event) {
		if ev.Type == notify.EventConsumerConsumed {
			panic("listener exploded")
		}
	}
	wb := models.Workbook{UUID: "wb-panic-consumer", Artifacts: []models.Artifact{
		f.consumer("c1", "orders", models.ConsumeFromBeginning),
		f.producer("p1", "orders", 1, 1),
	}}

	_, err := f.engine.Start(context.Background(), wb)
	require.NoError(t, err)
	results := f.wait(t, wb)

	res, _ := ResultFor(results, "c1")
	var pe *perrors.PanicError
	assert.ErrorAs(t, res.Err, &pe)
}

func TestStartRejectsRunningWorkbook(t *testing.T) {
	f := newFixture(t)
	wb := models.Workbook{UUID: "wb-twice", Artifacts: []models.Artifact{f.consumer("c1", "orders", models.ConsumeFromBeginning)}}

	_, err := f.engine.Start(context.Background(), wb)
	require.NoError(t, err)
	_, err = f.engine.Start(context.Background(), wb)
	assert.ErrorIs(t, err, perrors.ErrWorkbookRunning)

	_, err = f.engine.Stop(context.Background(), wb)
	require.NoError(t, err)
	f.wait(t, wb)

	_, err = f.engine.Start(context.Background(), wb)
	require.NoError(t, err, "a finished run can be started again")
	_, err = f.engine.Stop(context.Background(), wb)
	require.NoError(t, err)
	f.wait(t, wb)
}

func TestStartPurgesConsumedEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.catalog.ConsumedEvents.Insert(ctx, models.ConsumedEvent{ArtifactUUID: "old", UniqueConstraint: "old:1:1"})
	require.NoError(t, err)

	wb := models.Workbook{UUID: "wb-purge", Artifacts: []models.Artifact{f.producer("p1", "orders", 1, 1)}}
	_, err = f.engine.Start(ctx, wb)
	require.NoError(t, err)
	f.wait(t, wb)

	count, err := f.catalog.ConsumedEvents.CountByArtifact(ctx, "old", "")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Start(context.Background(), models.Workbook{})
	assert.ErrorIs(t, err, perrors.ErrWorkbookRequired)

	_, err = f.engine.Wait(context.Background(), "never-started")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestEmptyWorkbookStopsAtOnce(t *testing.T) {
	f := newFixture(t)
	wb := models.Workbook{UUID: "wb-empty"}

	_, err := f.engine.Start(context.Background(), wb)
	require.NoError(t, err)
	results := f.wait(t, wb)
	assert.Empty(t, results)
	assert.Equal(t, 1, f.events.count(notify.EventWorkbookStarted))
}

func TestProduceAndConsumeFromNowUntilStopped(t *testing.T) {
	f := newFixture(t)
	var groupsAtStart []string
	f.events.hook = func(ev notify.Event) {
		if ev.Type == notify.EventWorkbookStarted {
			groupsAtStart = f.cluster.Groups()
		}
	}
	wb := models.Workbook{UUID: "wb-orders", Artifacts: []models.Artifact{
		f.producer("p1", "orders", 5, 2),
		f.consumer("c1", "orders", models.ConsumeFromNow),
	}}

	start, err := f.engine.Start(context.Background(), wb)
	require.NoError(t, err)
	var groupID string
	for _, rec := range start.ExecutionArtifacts {
		if rec.ArtifactUUID == "c1" {
			groupID = ConsumerGroupID(rec.ID)
		}
	}
	require.NotEmpty(t, groupID)
	assert.Equal(t, 1, f.events.count(notify.EventWorkbookStarted))
	assert.Contains(t, groupsAtStart, groupID, "consumers subscribe before the run is announced")

	events := f.consumed(t, "c1", 5)
	assert.Len(t, events, 5)
	require.Eventually(t, func() bool { return f.events.count(notify.EventConsumerConsumed) == 5 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{2, 2, 1}, f.events.sizes(notify.EventProducerProduced))

	_, err = f.engine.Stop(context.Background(), wb)
	require.NoError(t, err)
	results := f.wait(t, wb)
	require.Len(t, results, 2)

	records, err := f.catalog.ExecutionArtifacts.FindByWorkbook(context.Background(), wb.UUID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, models.StatusStopped, rec.Status, rec.ArtifactUUID)
	}
	status, err := f.engine.Status(context.Background(), wb.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, status)
	assert.Equal(t, 1, f.events.count(notify.EventWorkbookStopped))
	assert.NotContains(t, f.cluster.Groups(), groupID)
}

func TestCancelledStartReleasesRecords(t *testing.T) {
	connecting := make(chan struct{}, 1)
	f := newFixture(t, withStalledConsumers(connecting))
	wb := models.Workbook{UUID: "wb-abort", Artifacts: []models.Artifact{
		f.consumer("c1", "orders", models.ConsumeFromBeginning),
		f.producer("p1", "orders", 5, 2),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-connecting
		cancel()
	}()
	_, err := f.engine.Start(ctx, wb)
	require.ErrorIs(t, err, context.Canceled)

	require.Eventually(t, func() bool {
		status, err := f.engine.Status(context.Background(), wb.UUID)
		return err == nil && status == models.StatusStopped
	}, 2*time.Second, 10*time.Millisecond)

	records, err := f.catalog.ExecutionArtifacts.FindByWorkbook(context.Background(), wb.UUID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, models.StatusStopped, rec.Status, rec.ArtifactUUID)
	}
	exec, err := f.catalog.ExecutionWorkbooks.FindCurrent(context.Background(), wb.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStop, exec.Action)
	assert.Zero(t, f.events.count(notify.EventWorkbookStarted))
	assert.Empty(t, f.cluster.Records("orders"), "producers never start")
}
