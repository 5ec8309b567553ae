package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/theam/plasmido/internal/runtime/broker"
	"github.com/theam/plasmido/internal/runtime/connection"
	perrors "github.com/theam/plasmido/internal/runtime/errors"
)

// Producer publishes through a watermill-kafka sync publisher.
type Producer struct {
	cfg    connection.ClientConfig
	logger watermill.LoggerAdapter

	mu        sync.Mutex
	publisher message.Publisher
}

// Connect dials the cluster. The sync publisher connects eagerly, so an
// unreachable broker fails here rather than on the first send.
func (p *Producer) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	saramaCfg, err := SaramaConfig(p.cfg, kafka.DefaultSaramaSyncPublisherConfig())
	if err != nil {
		return err
	}

	publisher, err := PublisherFactory(kafka.PublisherConfig{
		Brokers:               p.cfg.Brokers,
		Marshaler:             recordMarshaler{},
		OverwriteSaramaConfig: saramaCfg,
	}, p.logger)
	if err != nil {
		return perrors.NewConnectionError(brokerTarget(p.cfg), err)
	}

	p.mu.Lock()
	p.publisher = publisher
	p.mu.Unlock()
	return nil
}

// Send writes msgs to topic in order.
func (p *Producer) Send(ctx context.Context, topic string, msgs []broker.Message) error {
	if topic == "" {
		return perrors.ErrTopicRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	publisher := p.publisher
	p.mu.Unlock()
	if publisher == nil {
		return fmt.Errorf("kafka producer: send before connect")
	}

	out := make([]*message.Message, len(msgs))
	for i, m := range msgs {
		out[i] = toWatermill(m)
	}
	if err := publisher.Publish(topic, out...); err != nil {
		return fmt.Errorf("failed to send %d messages to %s: %w", len(msgs), topic, err)
	}
	return nil
}

// Disconnect closes the publisher. It is safe to call more than once.
func (p *Producer) Disconnect(context.Context) error {
	p.mu.Lock()
	publisher := p.publisher
	p.publisher = nil
	p.mu.Unlock()

	if publisher == nil {
		return nil
	}
	return publisher.Close()
}

func brokerTarget(cfg connection.ClientConfig) string {
	return "broker " + strings.Join(cfg.Brokers, ",")
}
