package broker

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theam/plasmido/internal/runtime/connection"
)

type stubClient struct{ Client }

func TestRegistryBuild(t *testing.T) {
	r := NewRegistry()
	var gotCfg connection.ClientConfig
	var gotLogger watermill.LoggerAdapter
	r.Register("stub", func(cfg connection.ClientConfig, logger watermill.LoggerAdapter) (Client, error) {
		gotCfg = cfg
		gotLogger = logger
		return stubClient{}, nil
	})

	client, err := r.Build("stub", connection.ClientConfig{Brokers: []string{"a:1"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, stubClient{}, client)
	assert.Equal(t, []string{"a:1"}, gotCfg.Brokers)
	assert.NotNil(t, gotLogger, "nil logger should be replaced")
	assert.True(t, r.Has("stub"))
}

func TestRegistryUnknownSystem(t *testing.T) {
	r := NewRegistry()
	r.Register("b", nil)
	r.Register("a", nil)

	_, err := r.Build("kafka", connection.ClientConfig{}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown broker system: "kafka"`)
	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestDefaultTopicSpec(t *testing.T) {
	spec := DefaultTopicSpec(TopicSpec{Name: "orders"})
	assert.Equal(t, TopicSpec{Name: "orders", Partitions: 1, ReplicationFactor: 1, Timeout: 5 * time.Second}, spec)

	custom := DefaultTopicSpec(TopicSpec{Name: "x", Partitions: 3, ReplicationFactor: 2, Timeout: time.Second})
	assert.Equal(t, int32(3), custom.Partitions)
	assert.Equal(t, int16(2), custom.ReplicationFactor)
	assert.Equal(t, time.Second, custom.Timeout)
}
