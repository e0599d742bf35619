package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushpipe/internal/types"
)

func queueByName(t *testing.T, qs []types.QueueConfig, name string) types.QueueConfig {
	t.Helper()
	for _, q := range qs {
		if q.Name == name {
			return q
		}
	}
	t.Fatalf("queue %s not found", name)
	return types.QueueConfig{}
}

func TestLoadQueuesDefaults(t *testing.T) {
	qs, err := LoadQueues("")
	require.NoError(t, err)
	require.Len(t, qs, 4)

	email := queueByName(t, qs, types.QueueEmail)
	assert.Equal(t, 60*time.Second, email.VisibilityTimeout)
	assert.Equal(t, 5, email.MaxConcurrency)

	prio := queueByName(t, qs, types.QueuePriority)
	assert.Equal(t, 20, prio.MaxConcurrency)
}

func TestLoadQueuesOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queues.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queues:
  email-queue:
    retry_threshold: 2
    visibility_timeout: 45s
  sms-queue:
    max_concurrency: 2
`), 0o600))

	qs, err := LoadQueues(path)
	require.NoError(t, err)
	require.Len(t, qs, 5)

	email := queueByName(t, qs, types.QueueEmail)
	assert.Equal(t, 2, email.RetryThreshold)
	assert.Equal(t, 3, email.DeadLetterThreshold)
	assert.Equal(t, 2, email.EffectiveThreshold())
	assert.Equal(t, 45*time.Second, email.VisibilityTimeout)

	sms := queueByName(t, qs, "sms-queue")
	assert.Equal(t, 2, sms.MaxConcurrency)
	assert.Equal(t, 30*time.Second, sms.VisibilityTimeout)
}

func TestLoadQueuesInvalid(t *testing.T) {
	_, err := applyQueueOverrides(DefaultQueues(), []byte("queues:\n  chat-queue:\n    max_concurrency: 0\n"))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, ErrQueueOverrides, cfgErr.Type)

	_, err = applyQueueOverrides(DefaultQueues(), []byte("queues: [nope"))
	require.Error(t, err)

	_, err = LoadQueues(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
