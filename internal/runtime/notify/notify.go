// Package notify fans engine events out to in-process listeners and,
// optionally, to an external messaging system.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/theam/plasmido/internal/runtime/jsoncodec"
	"github.com/theam/plasmido/internal/runtime/logging"
)

const (
	EventWorkbookStarted  = "workbook.started"
	EventWorkbookStopped  = "workbook.stopped"
	EventProducerProduced = "producer.produced"
	EventConsumerConsumed = "consumer.consumed"
)

const (
	eventsTopic       = "plasmido.events"
	metadataEventType = "event_type"
	forwardQueueSize  = 256
)

// Event is a single engine notification.
type Event struct {
	Type         string    `json:"type"`
	WorkbookUUID string    `json:"workbookUUID,omitempty"`
	ArtifactUUID string    `json:"artifactUUID,omitempty"`
	Size         int       `json:"size,omitempty"`
	At           time.Time `json:"at"`
}

// Notifier accepts events without reporting delivery.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ev Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Discard drops every event.
var Discard Notifier = NotifierFunc(func(Event) {})

type forward struct {
	topic string
	msg   *message.Message
}

// Broadcaster delivers events to subscribers over a watermill go channel and
// forwards a copy to the configured sink in the background. Publishing never
// blocks on the sink; events are dropped with a warning when it falls behind.
type Broadcaster struct {
	pubsub *gochannel.GoChannel
	logger logging.ServiceLogger

	sink   message.Publisher
	prefix string

	mu      sync.RWMutex
	closed  bool
	queue   chan forward
	drained chan struct{}

	now func() time.Time
}

type Option func(*Broadcaster)

// WithSink forwards every event to pub on topic prefix+event type.
func WithSink(pub message.Publisher, topicPrefix string) Option {
	return func(b *Broadcaster) {
		b.sink = pub
		b.prefix = topicPrefix
	}
}

func NewBroadcaster(logger logging.ServiceLogger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = logging.Discard()
	}
	b := &Broadcaster{
		logger: logger.With(logging.LogFields{"component": "notify"}),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.pubsub = gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logging.NewWatermillAdapter(b.logger))
	if b.sink != nil {
		b.queue = make(chan forward, forwardQueueSize)
		b.drained = make(chan struct{})
		go b.forwardLoop()
	}
	return b
}

// Notify publishes ev. It is safe to call after Close.
func (b *Broadcaster) Notify(ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	payload, err := jsoncodec.Marshal(ev)
	if err != nil {
		b.logger.Error("Failed to encode event", err, logging.LogFields{"event_type": ev.Type})
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataEventType, ev.Type)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	if err := b.pubsub.Publish(eventsTopic, msg); err != nil {
		b.logger.Warn("Failed to publish event", logging.LogFields{"event_type": ev.Type, "err": err.Error()})
	}
	if b.queue == nil {
		return
	}
	select {
	case b.queue <- forward{topic: b.prefix + ev.Type, msg: msg.Copy()}:
	default:
		b.logger.Warn("Notification sink is behind, dropping event", logging.LogFields{"event_type": ev.Type})
	}
}

func (b *Broadcaster) forwardLoop() {
	defer close(b.drained)
	for f := range b.queue {
		if err := b.sink.Publish(f.topic, f.msg); err != nil {
			b.logger.Error("Failed to forward event", err, logging.LogFields{"topic": f.topic})
		}
	}
}

// Subscribe streams events of the given types, or every event when none are
// given, until ctx is done.
func (b *Broadcaster) Subscribe(ctx context.Context, types ...string) (<-chan Event, error) {
	messages, err := b.pubsub.Subscribe(ctx, eventsTopic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for msg := range messages {
			var ev Event
			if err := jsoncodec.Unmarshal(msg.Payload, &ev); err != nil {
				b.logger.Warn("Dropping undecodable event", logging.LogFields{"err": err.Error()})
				msg.Ack()
				continue
			}
			if len(want) > 0 && !want[ev.Type] {
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
			}
			msg.Ack()
		}
	}()
	return out, nil
}

// Close stops delivery, drains pending forwards and closes the sink.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.queue != nil {
		close(b.queue)
	}
	b.mu.Unlock()

	var errs []error
	if b.queue != nil {
		<-b.drained
		if err := b.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close notification sink: %w", err))
		}
	}
	if err := b.pubsub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close event channel: %w", err))
	}
	return errors.Join(errs...)
}
