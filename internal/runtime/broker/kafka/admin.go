package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"golang.org/x/sync/errgroup"

	"github.com/theam/plasmido/internal/runtime/broker"
	"github.com/theam/plasmido/internal/runtime/connection"
	perrors "github.com/theam/plasmido/internal/runtime/errors"
)

const (
	metadataFanOut     = 8
	leaderPollInterval = 200 * time.Millisecond
)

// Admin wraps a sarama cluster admin and the client it was created from.
type Admin struct {
	cfg    connection.ClientConfig
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	client sarama.Client
	admin  sarama.ClusterAdmin
}

func (a *Admin) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	saramaCfg, err := SaramaConfig(a.cfg, nil)
	if err != nil {
		return err
	}
	client, err := ClientFactory(a.cfg.Brokers, saramaCfg)
	if err != nil {
		return perrors.NewConnectionError(brokerTarget(a.cfg), err)
	}
	admin, err := ClusterAdminFactory(client)
	if err != nil {
		_ = client.Close()
		return perrors.NewConnectionError(brokerTarget(a.cfg), err)
	}

	a.mu.Lock()
	a.client, a.admin = client, admin
	a.mu.Unlock()
	return nil
}

// Disconnect closes the admin, which also closes its client.
func (a *Admin) Disconnect(context.Context) error {
	a.mu.Lock()
	admin := a.admin
	a.admin, a.client = nil, nil
	a.mu.Unlock()

	if admin == nil {
		return nil
	}
	return admin.Close()
}

func (a *Admin) handles() (sarama.Client, sarama.ClusterAdmin, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.admin == nil {
		return nil, nil, errors.New("kafka admin: not connected")
	}
	return a.client, a.admin, nil
}

func (a *Admin) ListTopics(context.Context) ([]string, error) {
	_, admin, err := a.handles()
	if err != nil {
		return nil, err
	}
	details, err := admin.ListTopics()
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	names := make([]string, 0, len(details))
	for name := range details {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// FetchTopicMetadata describes topics (all topics when none are named) with
// the low and high watermark of each partition.
func (a *Admin) FetchTopicMetadata(ctx context.Context, topics ...string) ([]broker.TopicMetadata, error) {
	client, admin, err := a.handles()
	if err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		if topics, err = a.ListTopics(ctx); err != nil {
			return nil, err
		}
	}

	described, err := admin.DescribeTopics(topics)
	if err != nil {
		return nil, fmt.Errorf("failed to describe topics: %w", err)
	}

	result := make([]broker.TopicMetadata, len(described))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(metadataFanOut)
	for i, topic := range described {
		if topic == nil {
			continue
		}
		if !errors.Is(topic.Err, sarama.ErrNoError) {
			return nil, fmt.Errorf("topic %s: %w", topic.Name, topic.Err)
		}
		g.Go(func() error {
			tm, err := partitionOffsets(gctx, client, topic)
			if err != nil {
				return err
			}
			result[i] = tm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func partitionOffsets(ctx context.Context, client sarama.Client, topic *sarama.TopicMetadata) (broker.TopicMetadata, error) {
	tm := broker.TopicMetadata{Name: topic.Name, Partitions: make([]broker.PartitionMetadata, 0, len(topic.Partitions))}
	for _, p := range topic.Partitions {
		if err := ctx.Err(); err != nil {
			return tm, err
		}
		low, err := client.GetOffset(topic.Name, p.ID, sarama.OffsetOldest)
		if err != nil {
			return tm, fmt.Errorf("failed to fetch low offset of %s/%d: %w", topic.Name, p.ID, err)
		}
		high, err := client.GetOffset(topic.Name, p.ID, sarama.OffsetNewest)
		if err != nil {
			return tm, fmt.Errorf("failed to fetch high offset of %s/%d: %w", topic.Name, p.ID, err)
		}
		tm.Partitions = append(tm.Partitions, broker.PartitionMetadata{
			Partition: p.ID,
			Leader:    p.Leader,
			Replicas:  p.Replicas,
			Low:       low,
			High:      high,
		})
	}
	sort.Slice(tm.Partitions, func(i, j int) bool { return tm.Partitions[i].Partition < tm.Partitions[j].Partition })
	return tm, nil
}

// CreateTopic creates the topic and waits for partition leaders. It returns
// false when the topic already exists.
func (a *Admin) CreateTopic(ctx context.Context, spec broker.TopicSpec) (bool, error) {
	client, admin, err := a.handles()
	if err != nil {
		return false, err
	}
	if spec.Name == "" {
		return false, perrors.ErrTopicRequired
	}
	spec = broker.DefaultTopicSpec(spec)

	err = admin.CreateTopic(spec.Name, &sarama.TopicDetail{
		NumPartitions:     spec.Partitions,
		ReplicationFactor: spec.ReplicationFactor,
	}, false)
	if err != nil {
		var topicErr *sarama.TopicError
		if errors.As(err, &topicErr) && errors.Is(topicErr.Err, sarama.ErrTopicAlreadyExists) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create topic %s: %w", spec.Name, err)
	}

	if err := waitForLeaders(ctx, client, spec); err != nil {
		return true, err
	}
	return true, nil
}

func waitForLeaders(ctx context.Context, client sarama.Client, spec broker.TopicSpec) error {
	ctx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	ticker := time.NewTicker(leaderPollInterval)
	defer ticker.Stop()
	for {
		if err := client.RefreshMetadata(spec.Name); err == nil {
			ready := true
			for p := int32(0); p < spec.Partitions; p++ {
				if _, err := client.Leader(spec.Name, p); err != nil {
					ready = false
					break
				}
			}
			if ready {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("topic %s has no leaders yet: %w", spec.Name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (a *Admin) DeleteTopic(_ context.Context, topic string) error {
	_, admin, err := a.handles()
	if err != nil {
		return err
	}
	if err := admin.DeleteTopic(topic); err != nil {
		return fmt.Errorf("failed to delete topic %s: %w", topic, err)
	}
	return nil
}

func (a *Admin) ListGroups(context.Context) ([]broker.GroupInfo, error) {
	_, admin, err := a.handles()
	if err != nil {
		return nil, err
	}
	groups, err := admin.ListConsumerGroups()
	if err != nil {
		return nil, fmt.Errorf("failed to list consumer groups: %w", err)
	}
	out := make([]broker.GroupInfo, 0, len(groups))
	for id, protocol := range groups {
		out = append(out, broker.GroupInfo{GroupID: id, ProtocolType: protocol})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

// DeleteGroups deletes every group, reporting all failures together.
func (a *Admin) DeleteGroups(_ context.Context, groupIDs ...string) error {
	_, admin, err := a.handles()
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range groupIDs {
		if err := admin.DeleteConsumerGroup(id); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete consumer group %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (a *Admin) FetchOffsetsByTimestamp(ctx context.Context, topic string, ts time.Time) ([]broker.PartitionOffset, error) {
	client, _, err := a.handles()
	if err != nil {
		return nil, err
	}
	partitions, err := client.Partitions(topic)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions of %s: %w", topic, err)
	}

	offsets := make([]broker.PartitionOffset, 0, len(partitions))
	for _, p := range partitions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		offset, err := client.GetOffset(topic, p, ts.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("failed to fetch offset of %s/%d at %s: %w", topic, p, ts, err)
		}
		if offset < 0 {
			// nothing at or after ts yet
			if offset, err = client.GetOffset(topic, p, sarama.OffsetNewest); err != nil {
				return nil, fmt.Errorf("failed to fetch high offset of %s/%d: %w", topic, p, err)
			}
		}
		offsets = append(offsets, broker.PartitionOffset{Partition: p, Offset: offset})
	}
	return offsets, nil
}

// SetOffsets commits offsets for groupID outside of any group generation.
func (a *Admin) SetOffsets(_ context.Context, groupID, topic string, offsets []broker.PartitionOffset) (err error) {
	client, _, err := a.handles()
	if err != nil {
		return err
	}
	om, err := OffsetManagerFactory(groupID, client)
	if err != nil {
		return fmt.Errorf("failed to create offset manager for %s: %w", groupID, err)
	}
	defer func() { err = errors.Join(err, om.Close()) }()

	managed := make([]sarama.PartitionOffsetManager, 0, len(offsets))
	defer func() {
		for _, pom := range managed {
			err = errors.Join(err, pom.Close())
		}
	}()

	for _, o := range offsets {
		pom, err := om.ManagePartition(topic, o.Partition)
		if err != nil {
			return fmt.Errorf("failed to manage %s/%d: %w", topic, o.Partition, err)
		}
		managed = append(managed, pom)
		pom.MarkOffset(o.Offset, "")
	}
	om.Commit()
	return nil
}
