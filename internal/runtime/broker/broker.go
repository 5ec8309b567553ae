// Package broker defines the message broker client used by producer and
// consumer tasks, independent of the wire implementation.
package broker

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/theam/plasmido/internal/runtime/connection"
)

// Message is one record sent to or received from a topic.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Key       []byte
	Value     []byte
	Headers   map[string][]byte
}

// Handler processes one delivered message.
type Handler func(ctx context.Context, msg Message) error

// Producer sends batches of messages. Messages of one Send call are written in
// order.
type Producer interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, topic string, msgs []Message) error
	Disconnect(ctx context.Context) error
}

// Consumer reads one topic as a member of a consumer group.
type Consumer interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, fromBeginning bool) error
	// Run starts delivery and returns once delivery has started. Messages are
	// handed to handler one at a time until Stop is called or ctx ends.
	Run(ctx context.Context, handler Handler) error
	Stop(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// PartitionOffset is an offset of one partition.
type PartitionOffset struct {
	Partition int32 `json:"partition"`
	Offset    int64 `json:"offset"`
}

// PartitionMetadata describes one partition and its offsets.
type PartitionMetadata struct {
	Partition int32   `json:"partitionId"`
	Leader    int32   `json:"leader"`
	Replicas  []int32 `json:"replicas,omitempty"`
	Low       int64   `json:"low"`
	High      int64   `json:"high"`
}

// TopicMetadata describes a topic and its partitions.
type TopicMetadata struct {
	Name       string              `json:"name"`
	Partitions []PartitionMetadata `json:"partitions"`
}

// TopicSpec is a topic creation request.
type TopicSpec struct {
	Name              string        `json:"topic"`
	Partitions        int32         `json:"numPartitions"`
	ReplicationFactor int16         `json:"replicationFactor"`
	Timeout           time.Duration `json:"-"`
}

// GroupInfo describes a consumer group.
type GroupInfo struct {
	GroupID      string `json:"groupId"`
	ProtocolType string `json:"protocolType"`
}

// Admin exposes cluster management and offset operations.
type Admin interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	ListTopics(ctx context.Context) ([]string, error)
	FetchTopicMetadata(ctx context.Context, topics ...string) ([]TopicMetadata, error)
	CreateTopic(ctx context.Context, spec TopicSpec) (bool, error)
	DeleteTopic(ctx context.Context, topic string) error
	ListGroups(ctx context.Context) ([]GroupInfo, error)
	DeleteGroups(ctx context.Context, groupIDs ...string) error
	// FetchOffsetsByTimestamp returns, per partition, the first offset whose
	// timestamp is at or after ts, or the high watermark when none is.
	FetchOffsetsByTimestamp(ctx context.Context, topic string, ts time.Time) ([]PartitionOffset, error)
	SetOffsets(ctx context.Context, groupID, topic string, offsets []PartitionOffset) error
}

// Client hands out role-specific connections to one cluster. Every call
// returns a fresh, unconnected instance.
type Client interface {
	Producer() Producer
	Consumer(groupID string) Consumer
	Admin() Admin
}

// Builder creates a Client for a connection configuration.
type Builder func(cfg connection.ClientConfig, logger watermill.LoggerAdapter) (Client, error)

// DefaultTopicSpec fills the creation defaults of a topic request.
func DefaultTopicSpec(spec TopicSpec) TopicSpec {
	if spec.Partitions <= 0 {
		spec.Partitions = 1
	}
	if spec.ReplicationFactor <= 0 {
		spec.ReplicationFactor = 1
	}
	if spec.Timeout <= 0 {
		spec.Timeout = 5 * time.Second
	}
	return spec
}
