// Package kafka implements the broker client on Kafka. Producers and consumers
// go through watermill-kafka; admin and offset management use sarama directly.
package kafka

import (
	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/theam/plasmido/internal/runtime/broker"
	"github.com/theam/plasmido/internal/runtime/connection"
)

// SystemName is the name used to register this client.
const SystemName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// ClientFactory allows overriding the sarama client creation for testing.
var ClientFactory = func(addrs []string, cfg *sarama.Config) (sarama.Client, error) {
	return sarama.NewClient(addrs, cfg)
}

// ClusterAdminFactory allows overriding the cluster admin creation for testing.
var ClusterAdminFactory = func(client sarama.Client) (sarama.ClusterAdmin, error) {
	return sarama.NewClusterAdminFromClient(client)
}

// OffsetManagerFactory allows overriding the offset manager creation for testing.
var OffsetManagerFactory = func(groupID string, client sarama.Client) (sarama.OffsetManager, error) {
	return sarama.NewOffsetManagerFromClient(groupID, client)
}

func init() {
	broker.Register(SystemName, Build)
}

// Build creates a Kafka client for cfg.
func Build(cfg connection.ClientConfig, logger watermill.LoggerAdapter) (broker.Client, error) {
	return NewClient(cfg, logger)
}

// Client hands out Kafka producers, consumers and admins sharing one
// connection configuration. Nothing is dialled until Connect.
type Client struct {
	cfg    connection.ClientConfig
	logger watermill.LoggerAdapter
}

func NewClient(cfg connection.ClientConfig, logger watermill.LoggerAdapter) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errNoBrokers
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	// validate the mapping once so a bad configuration fails before any task
	// starts dialling
	if _, err := SaramaConfig(cfg, nil); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, logger: logger}, nil
}

func (c *Client) Producer() broker.Producer {
	return &Producer{cfg: c.cfg, logger: c.logger.With(watermill.LogFields{"role": "producer"})}
}

func (c *Client) Consumer(groupID string) broker.Consumer {
	return &Consumer{cfg: c.cfg, groupID: groupID, logger: c.logger.With(watermill.LogFields{"role": "consumer", "group_id": groupID})}
}

func (c *Client) Admin() broker.Admin {
	return &Admin{cfg: c.cfg, logger: c.logger.With(watermill.LogFields{"role": "admin"})}
}
