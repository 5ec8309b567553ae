package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theam/plasmido/internal/runtime/broker/memory"
)

func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PLASMIDO_SQLITE_FILE", ":memory:")
	t.Setenv("PLASMIDO_BROKER_SYSTEM", memory.SystemName)
	t.Setenv("PLASMIDO_METRICS_ENABLED", "false")
	t.Setenv("PLASMIDO_TASK_POLL_INTERVAL", "10ms")
	t.Setenv("PLASMIDO_WORKBOOK_POLL_INTERVAL", "20ms")
	t.Setenv("PLASMIDO_LOG_LEVEL", "error")
}

func writeWorkbook(t *testing.T, artifacts string) string {
	t.Helper()
	url := "mem-" + strings.ReplaceAll(t.Name(), "/", "-")
	t.Cleanup(func() { memory.Forget(url) })

	content := fmt.Sprintf(`brokers:
  - uuid: local
    name: local
    url: %s
workbook:
  uuid: wb-cli
  name: cli
  artifacts:
%s`, url, artifacts)
	path := filepath.Join(t.TempDir(), "workbook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(ctx context.Context, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestRunCommandRunsWorkbook(t *testing.T) {
	setTestEnv(t)
	path := writeWorkbook(t, `    - uuid: p1
      type: PRODUCER
      brokerId: local
      topicName: orders
      payload: 'order {{$p_index}}'
      repeatTimes: 3
`)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := execute(ctx, "run", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ARTIFACT")
	assert.Regexp(t, `p1\s+PRODUCER\s+3\s+0\s+-`, out)
}

func TestRunCommandTimeoutStopsConsumer(t *testing.T) {
	setTestEnv(t)
	path := writeWorkbook(t, `    - uuid: c1
      type: CONSUMER
      brokerId: local
      topicName: orders
`)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := execute(ctx, "run", "--timeout", "200ms", path)
	require.NoError(t, err)
	assert.Regexp(t, `c1\s+CONSUMER\s+0\s+0\s+-`, out)
}

func TestRunCommandErrors(t *testing.T) {
	setTestEnv(t)

	t.Run("missing argument", func(t *testing.T) {
		_, err := execute(context.Background(), "run")
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := execute(context.Background(), "run", filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorContains(t, err, "failed to open workbook file")
	})

	t.Run("invalid configuration", func(t *testing.T) {
		t.Setenv("PLASMIDO_STORE_DRIVER", "mongo")
		path := writeWorkbook(t, "    []\n")
		_, err := execute(context.Background(), "run", path)
		assert.ErrorContains(t, err, "invalid configuration")
	})

	t.Run("unknown broker system", func(t *testing.T) {
		path := writeWorkbook(t, `    - uuid: p1
      type: PRODUCER
      brokerId: local
      topicName: orders
      repeatTimes: 1
`)
		_, err := execute(context.Background(), "--broker-system", "carrier-pigeon", "run", path)
		assert.ErrorContains(t, err, "1 task(s) failed")
	})
}

func TestServeStopsOnCancel(t *testing.T) {
	setTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := execute(ctx, "serve", "--address", "127.0.0.1:0")
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}
