package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/theam/plasmido/internal/runtime/broker"
	"github.com/theam/plasmido/internal/runtime/connection"
	perrors "github.com/theam/plasmido/internal/runtime/errors"
)

// Consumer reads one topic as part of a consumer group through a
// watermill-kafka subscriber. The group only joins the cluster on Run, so
// offsets committed between Subscribe and Run decide where delivery starts.
type Consumer struct {
	cfg     connection.ClientConfig
	groupID string
	logger  watermill.LoggerAdapter

	mu            sync.Mutex
	topic         string
	fromBeginning bool
	subscriber    message.Subscriber
	cancel        context.CancelFunc
	done          chan struct{}
}

// Connect checks that the cluster is reachable.
func (c *Consumer) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	saramaCfg, err := SaramaConfig(c.cfg, nil)
	if err != nil {
		return err
	}
	client, err := ClientFactory(c.cfg.Brokers, saramaCfg)
	if err != nil {
		return perrors.NewConnectionError(brokerTarget(c.cfg), err)
	}
	return client.Close()
}

// Subscribe records the topic and start position used by Run.
func (c *Consumer) Subscribe(ctx context.Context, topic string, fromBeginning bool) error {
	if topic == "" {
		return perrors.ErrTopicRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topic = topic
	c.fromBeginning = fromBeginning
	return nil
}

// Run joins the group and hands messages to handler until Stop.
func (c *Consumer) Run(ctx context.Context, handler broker.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.topic == "" {
		return fmt.Errorf("kafka consumer: run before subscribe")
	}
	if c.subscriber != nil {
		return fmt.Errorf("kafka consumer: already running")
	}

	saramaCfg, err := SaramaConfig(c.cfg, kafka.DefaultSaramaSubscriberConfig())
	if err != nil {
		return err
	}
	if c.fromBeginning {
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	subscriber, err := SubscriberFactory(kafka.SubscriberConfig{
		Brokers:               c.cfg.Brokers,
		Unmarshaler:           recordMarshaler{},
		OverwriteSaramaConfig: saramaCfg,
		ConsumerGroup:         c.groupID,
	}, c.logger)
	if err != nil {
		return perrors.NewConnectionError(brokerTarget(c.cfg), err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages, err := subscriber.Subscribe(runCtx, c.topic)
	if err != nil {
		cancel()
		_ = subscriber.Close()
		return perrors.NewConnectionError(brokerTarget(c.cfg), err)
	}

	c.subscriber = subscriber
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.deliver(runCtx, c.topic, messages, handler, c.done)
	return nil
}

func (c *Consumer) deliver(ctx context.Context, topic string, messages <-chan *message.Message, handler broker.Handler, done chan struct{}) {
	defer close(done)
	for msg := range messages {
		if err := handler(ctx, fromWatermill(topic, msg)); err != nil {
			c.logger.Error("Message handler failed", err, watermill.LogFields{"topic": topic})
		}
		// acked either way so a failing message cannot loop forever
		msg.Ack()
	}
}

// Stop ends delivery and waits for the in-flight message, bounded by ctx.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, subscriber, done := c.cancel, c.subscriber, c.done
	c.cancel, c.subscriber = nil, nil
	c.mu.Unlock()

	if subscriber == nil {
		return nil
	}
	cancel()
	err := subscriber.Close()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}

// Disconnect releases whatever Stop left behind.
func (c *Consumer) Disconnect(ctx context.Context) error {
	return c.Stop(ctx)
}
