package notify

import (
	"context"
	"fmt"
	nethttp "net/http"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/theam/plasmido/internal/runtime/config"
)

// SinkChannel keeps events in process.
const SinkChannel = "channel"

// SinkBuilder creates the publisher events are forwarded to.
type SinkBuilder func(ctx context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (message.Publisher, error)

var (
	sinksMu sync.RWMutex
	sinks   = map[string]SinkBuilder{
		"kafka":    kafkaSink,
		"nats":     natsSink,
		"rabbitmq": rabbitSink,
		"http":     httpSink,
		"aws":      awsSink,
	}
)

var (
	KafkaPublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return kafka.NewPublisher(cfg, logger)
	}
	NATSPublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nats.NewPublisher(cfg, logger)
	}
	AmqpConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		return amqp.NewConnection(cfg, logger)
	}
	AmqpPublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
		return amqp.NewPublisherWithConnection(cfg, logger, conn)
	}
	HTTPPublisherFactory = func(cfg http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return http.NewPublisher(cfg, logger)
	}
)

// RegisterSink adds or replaces the sink builder for name.
func RegisterSink(name string, builder SinkBuilder) {
	sinksMu.Lock()
	defer sinksMu.Unlock()
	sinks[name] = builder
}

// SinkNames returns the registered sink names, sorted.
func SinkNames() []string {
	sinksMu.RLock()
	defer sinksMu.RUnlock()
	names := make([]string, 0, len(sinks))
	for name := range sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewSink builds the forwarding publisher selected by cfg.NotifySystem. It
// returns nil when events stay in process.
func NewSink(ctx context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	name := strings.ToLower(strings.TrimSpace(cfg.NotifySystem))
	if name == "" || name == SinkChannel {
		return nil, nil
	}

	sinksMu.RLock()
	builder, ok := sinks[name]
	sinksMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown notification sink: %q (registered: %v)", name, SinkNames())
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	pub, err := builder(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s notification sink: %w", name, err)
	}
	return pub, nil
}

func kafkaSink(_ context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return KafkaPublisherFactory(
		kafka.PublisherConfig{
			Brokers:   cfg.NotifyKafkaBrokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
}

func natsSink(_ context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return NATSPublisherFactory(
		nats.PublisherConfig{
			URL:       cfg.NATSURL,
			Marshaler: &nats.NATSMarshaler{},
		},
		logger,
	)
}

func rabbitSink(_ context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	amqpConfig := amqp.NewDurablePubSubConfig(
		cfg.RabbitMQURL,
		amqp.GenerateQueueNameTopicNameWithSuffix("-plasmido"),
	)
	conn, err := AmqpConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   cfg.RabbitMQURL,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, err
	}
	return AmqpPublisherFactory(amqpConfig, logger, conn)
}

func httpSink(_ context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	base := cfg.HTTPWebhookURL
	return HTTPPublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(base+topic, msg)
			},
		},
		logger,
	)
}
