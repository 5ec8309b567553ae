// Package memory implements the broker client on an in-process log. Topics
// have a single partition, groups track committed offsets and members, and
// nothing survives the process. It backs local runs and the engine tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/theam/plasmido/internal/runtime/broker"
	"github.com/theam/plasmido/internal/runtime/connection"
	perrors "github.com/theam/plasmido/internal/runtime/errors"
)

// SystemName is the name used to register this client.
const SystemName = "memory"

var (
	ErrUnavailable      = errors.New("memory broker: cluster unavailable")
	ErrGroupNotFound    = errors.New("memory broker: group not found")
	ErrGroupNotEmpty    = errors.New("memory broker: group has active members")
	ErrTopicNotFound    = errors.New("memory broker: topic not found")
	errNotSubscribed    = errors.New("memory broker: run before subscribe")
	errAlreadyRunning   = errors.New("memory broker: consumer already running")
	errProducerNotReady = errors.New("memory broker: send before connect")
)

var (
	clustersMu sync.Mutex
	clusters   = map[string]*Cluster{}
)

func init() {
	broker.Register(SystemName, Build)
}

// Build returns a client for the cluster named by cfg.Brokers. Configurations
// with the same broker list share one cluster.
func Build(cfg connection.ClientConfig, logger watermill.LoggerAdapter) (broker.Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, perrors.NewConfigurationError("broker url", "", perrors.ErrBrokerListRequired)
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return Lookup(cfg.Brokers...).client(logger), nil
}

// Lookup returns the shared cluster for a broker list, creating it on first use.
func Lookup(brokers ...string) *Cluster {
	key := strings.Join(brokers, ",")
	clustersMu.Lock()
	defer clustersMu.Unlock()
	c, ok := clusters[key]
	if !ok {
		c = NewCluster()
		clusters[key] = c
	}
	return c
}

// Forget drops the shared cluster of a broker list.
func Forget(brokers ...string) {
	clustersMu.Lock()
	defer clustersMu.Unlock()
	delete(clusters, strings.Join(brokers, ","))
}

// SendHook runs before every send; a non-nil error fails the send.
type SendHook func(ctx context.Context, topic string, msgs []broker.Message) error

// Cluster is an in-process broker.
type Cluster struct {
	mu          sync.Mutex
	topics      map[string]*topicLog
	groups      map[string]*group
	unavailable bool
	sendHook    SendHook
	now         func() time.Time
}

type topicLog struct {
	records []broker.Message
	// closed and replaced on every append
	appended chan struct{}
}

type group struct {
	offsets map[string]int64
	members int
}

func NewCluster() *Cluster {
	return &Cluster{
		topics: map[string]*topicLog{},
		groups: map[string]*group{},
		now:    time.Now,
	}
}

// Client returns a broker client bound to this cluster.
func (c *Cluster) Client() broker.Client {
	return c.client(watermill.NopLogger{})
}

func (c *Cluster) client(logger watermill.LoggerAdapter) *Client {
	return &Client{cluster: c, logger: logger}
}

// SetUnavailable makes every Connect fail while down is true.
func (c *Cluster) SetUnavailable(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unavailable = down
}

// SetSendHook installs fn in front of every send. A nil fn removes it.
func (c *Cluster) SetSendHook(fn SendHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendHook = fn
}

// Records returns a copy of everything written to topic.
func (c *Cluster) Records(topic string) []broker.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	log, ok := c.topics[topic]
	if !ok {
		return nil
	}
	return append([]broker.Message(nil), log.records...)
}

// Groups returns the ids of all known groups.
func (c *Cluster) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.groups))
	for id := range c.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Committed returns the committed offset of groupID on topic.
func (c *Cluster) Committed(groupID, topic string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[groupID]
	if !ok {
		return 0, false
	}
	off, ok := g.offsets[topic]
	return off, ok
}

func (c *Cluster) checkAvailable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unavailable {
		return ErrUnavailable
	}
	return nil
}

// topic returns the log of name, creating it. Callers hold mu.
func (c *Cluster) topic(name string) *topicLog {
	log, ok := c.topics[name]
	if !ok {
		log = &topicLog{appended: make(chan struct{})}
		c.topics[name] = log
	}
	return log
}

// group returns the group of id, creating it. Callers hold mu.
func (c *Cluster) group(id string) *group {
	g, ok := c.groups[id]
	if !ok {
		g = &group{offsets: map[string]int64{}}
		c.groups[id] = g
	}
	return g
}

func (c *Cluster) append(ctx context.Context, topic string, msgs []broker.Message) error {
	c.mu.Lock()
	hook := c.sendHook
	c.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, topic, msgs); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unavailable {
		return ErrUnavailable
	}
	log := c.topic(topic)
	for _, m := range msgs {
		m.Topic = topic
		m.Partition = 0
		m.Offset = int64(len(log.records))
		if m.Timestamp.IsZero() {
			m.Timestamp = c.now()
		}
		log.records = append(log.records, m)
	}
	close(log.appended)
	log.appended = make(chan struct{})
	return nil
}

// next returns the records of topic from offset on, or a channel closed on
// the next append when there are none.
func (c *Cluster) next(topic string, offset int64) ([]broker.Message, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	log := c.topic(topic)
	if offset < int64(len(log.records)) {
		return append([]broker.Message(nil), log.records[offset:]...), nil
	}
	return nil, log.appended
}

// Client hands out producers, consumers and admins of one cluster.
type Client struct {
	cluster *Cluster
	logger  watermill.LoggerAdapter
}

func (c *Client) Producer() broker.Producer {
	return &Producer{cluster: c.cluster}
}

func (c *Client) Consumer(groupID string) broker.Consumer {
	return &Consumer{cluster: c.cluster, groupID: groupID, logger: c.logger.With(watermill.LogFields{"group_id": groupID})}
}

func (c *Client) Admin() broker.Admin {
	return &Admin{cluster: c.cluster}
}

// Producer appends to topic logs.
type Producer struct {
	cluster *Cluster

	mu        sync.Mutex
	connected bool
}

func (p *Producer) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.cluster.checkAvailable(); err != nil {
		return perrors.NewConnectionError("memory broker", err)
	}
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return nil
}

func (p *Producer) Send(ctx context.Context, topic string, msgs []broker.Message) error {
	if topic == "" {
		return perrors.ErrTopicRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()
	if !connected {
		return errProducerNotReady
	}
	if err := p.cluster.append(ctx, topic, msgs); err != nil {
		return fmt.Errorf("failed to send %d messages to %s: %w", len(msgs), topic, err)
	}
	return nil
}

func (p *Producer) Disconnect(context.Context) error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

// Consumer reads one topic as a group member. The start position is resolved
// on Run: the group's committed offset when there is one, otherwise the log
// start or end depending on fromBeginning.
type Consumer struct {
	cluster *Cluster
	groupID string
	logger  watermill.LoggerAdapter

	mu            sync.Mutex
	topic         string
	fromBeginning bool
	cancel        context.CancelFunc
	done          chan struct{}
}

func (c *Consumer) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.cluster.checkAvailable(); err != nil {
		return perrors.NewConnectionError("memory broker", err)
	}
	return nil
}

func (c *Consumer) Subscribe(_ context.Context, topic string, fromBeginning bool) error {
	if topic == "" {
		return perrors.ErrTopicRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topic = topic
	c.fromBeginning = fromBeginning
	return nil
}

func (c *Consumer) Run(ctx context.Context, handler broker.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.topic == "" {
		return errNotSubscribed
	}
	if c.cancel != nil {
		return errAlreadyRunning
	}

	cl := c.cluster
	cl.mu.Lock()
	g := cl.group(c.groupID)
	g.members++
	start, ok := g.offsets[c.topic]
	if !ok {
		if !c.fromBeginning {
			start = int64(len(cl.topic(c.topic).records))
		}
		g.offsets[c.topic] = start
	}
	cl.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.deliver(runCtx, c.topic, start, handler, c.done)
	return nil
}

func (c *Consumer) deliver(ctx context.Context, topic string, offset int64, handler broker.Handler, done chan struct{}) {
	defer close(done)
	for {
		records, wait := c.cluster.next(topic, offset)
		if wait != nil {
			select {
			case <-ctx.Done():
				return
			case <-wait:
				continue
			}
		}
		for _, m := range records {
			if ctx.Err() != nil {
				return
			}
			if err := handler(ctx, m); err != nil {
				c.logger.Error("Message handler failed", err, watermill.LogFields{"topic": topic, "offset": m.Offset})
			}
			offset = m.Offset + 1
			c.commit(topic, offset)
		}
	}
}

func (c *Consumer) commit(topic string, offset int64) {
	c.cluster.mu.Lock()
	defer c.cluster.mu.Unlock()
	if g, ok := c.cluster.groups[c.groupID]; ok {
		g.offsets[topic] = offset
	}
}

// Stop ends delivery and leaves the group.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.cluster.mu.Lock()
	if g, ok := c.cluster.groups[c.groupID]; ok && g.members > 0 {
		g.members--
	}
	c.cluster.mu.Unlock()
	return err
}

func (c *Consumer) Disconnect(ctx context.Context) error {
	return c.Stop(ctx)
}

// Admin manages topics, groups and offsets of the cluster.
type Admin struct {
	cluster *Cluster
}

func (a *Admin) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.cluster.checkAvailable(); err != nil {
		return perrors.NewConnectionError("memory broker", err)
	}
	return nil
}

func (a *Admin) Disconnect(context.Context) error { return nil }

func (a *Admin) ListTopics(context.Context) ([]string, error) {
	a.cluster.mu.Lock()
	defer a.cluster.mu.Unlock()
	names := make([]string, 0, len(a.cluster.topics))
	for name := range a.cluster.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (a *Admin) FetchTopicMetadata(ctx context.Context, topics ...string) ([]broker.TopicMetadata, error) {
	if len(topics) == 0 {
		topics, _ = a.ListTopics(ctx)
	}
	a.cluster.mu.Lock()
	defer a.cluster.mu.Unlock()
	out := make([]broker.TopicMetadata, 0, len(topics))
	for _, name := range topics {
		log, ok := a.cluster.topics[name]
		if !ok {
			return nil, fmt.Errorf("topic %s: %w", name, ErrTopicNotFound)
		}
		out = append(out, broker.TopicMetadata{
			Name: name,
			Partitions: []broker.PartitionMetadata{{
				Partition: 0,
				Replicas:  []int32{0},
				High:      int64(len(log.records)),
			}},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateTopic creates a single partition topic whatever the requested count.
func (a *Admin) CreateTopic(_ context.Context, spec broker.TopicSpec) (bool, error) {
	if spec.Name == "" {
		return false, perrors.ErrTopicRequired
	}
	a.cluster.mu.Lock()
	defer a.cluster.mu.Unlock()
	if _, ok := a.cluster.topics[spec.Name]; ok {
		return false, nil
	}
	a.cluster.topic(spec.Name)
	return true, nil
}

func (a *Admin) DeleteTopic(_ context.Context, topic string) error {
	a.cluster.mu.Lock()
	defer a.cluster.mu.Unlock()
	if _, ok := a.cluster.topics[topic]; !ok {
		return fmt.Errorf("failed to delete topic %s: %w", topic, ErrTopicNotFound)
	}
	delete(a.cluster.topics, topic)
	return nil
}

func (a *Admin) ListGroups(context.Context) ([]broker.GroupInfo, error) {
	ids := a.cluster.Groups()
	out := make([]broker.GroupInfo, len(ids))
	for i, id := range ids {
		out[i] = broker.GroupInfo{GroupID: id, ProtocolType: "consumer"}
	}
	return out, nil
}

func (a *Admin) DeleteGroups(_ context.Context, groupIDs ...string) error {
	a.cluster.mu.Lock()
	defer a.cluster.mu.Unlock()
	var errs []error
	for _, id := range groupIDs {
		g, ok := a.cluster.groups[id]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("failed to delete consumer group %s: %w", id, ErrGroupNotFound))
		case g.members > 0:
			errs = append(errs, fmt.Errorf("failed to delete consumer group %s: %w", id, ErrGroupNotEmpty))
		default:
			delete(a.cluster.groups, id)
		}
	}
	return errors.Join(errs...)
}

func (a *Admin) FetchOffsetsByTimestamp(_ context.Context, topic string, ts time.Time) ([]broker.PartitionOffset, error) {
	a.cluster.mu.Lock()
	defer a.cluster.mu.Unlock()
	log := a.cluster.topic(topic)
	offset := int64(len(log.records))
	for i, m := range log.records {
		if !m.Timestamp.Before(ts) {
			offset = int64(i)
			break
		}
	}
	return []broker.PartitionOffset{{Partition: 0, Offset: offset}}, nil
}

func (a *Admin) SetOffsets(_ context.Context, groupID, topic string, offsets []broker.PartitionOffset) error {
	a.cluster.mu.Lock()
	defer a.cluster.mu.Unlock()
	g := a.cluster.group(groupID)
	for _, o := range offsets {
		if o.Partition != 0 {
			return fmt.Errorf("topic %s has no partition %d", topic, o.Partition)
		}
		g.offsets[topic] = o.Offset
	}
	return nil
}
