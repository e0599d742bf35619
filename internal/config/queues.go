package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"pushpipe/internal/types"
)

// DefaultQueues returns the built-in queue policies, sorted by name.
func DefaultQueues() []types.QueueConfig {
	return []types.QueueConfig{
		{Name: types.QueueChat, VisibilityTimeout: 30 * time.Second, RetryThreshold: 3, DeadLetterThreshold: 3, MaxConcurrency: 5},
		{Name: types.QueueEmail, VisibilityTimeout: 60 * time.Second, RetryThreshold: 3, DeadLetterThreshold: 3, MaxConcurrency: 5},
		{Name: types.QueueNotification, VisibilityTimeout: 30 * time.Second, RetryThreshold: 5, DeadLetterThreshold: 5, MaxConcurrency: 10},
		{Name: types.QueuePriority, VisibilityTimeout: 15 * time.Second, RetryThreshold: 5, DeadLetterThreshold: 5, MaxConcurrency: 20},
	}
}

// queueOverride is one entry of the overrides file. Pointer fields
// distinguish "unset" from an explicit zero.
type queueOverride struct {
	VisibilityTimeout   *time.Duration `yaml:"visibility_timeout"`
	RetryThreshold      *int           `yaml:"retry_threshold"`
	DeadLetterThreshold *int           `yaml:"dead_letter_threshold"`
	MaxConcurrency      *int           `yaml:"max_concurrency"`
}

type overridesFile struct {
	Queues map[string]queueOverride `yaml:"queues"`
}

// LoadQueues returns the default policies with the overrides file applied.
// An empty path returns the defaults. Queues named in the file that are not
// built in are added, so operators can declare extra queues.
//
// Example:
//
//	queues:
//	  email-queue:
//	    retry_threshold: 2
//	    visibility_timeout: 45s
func LoadQueues(path string) ([]types.QueueConfig, error) {
	queues := DefaultQueues()
	if path == "" {
		return queues, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Type: ErrQueueOverrides, Message: "failed to read queue overrides", Err: err}
	}
	return applyQueueOverrides(queues, data)
}

func applyQueueOverrides(queues []types.QueueConfig, data []byte) ([]types.QueueConfig, error) {
	var file overridesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &ConfigError{Type: ErrQueueOverrides, Message: "failed to parse queue overrides", Err: err}
	}

	byName := make(map[string]*types.QueueConfig, len(queues))
	for i := range queues {
		byName[queues[i].Name] = &queues[i]
	}

	for name, o := range file.Queues {
		q, ok := byName[name]
		if !ok {
			queues = append(queues, types.QueueConfig{
				Name:              name,
				VisibilityTimeout: 30 * time.Second,
				RetryThreshold:    3,
				MaxConcurrency:    5,
			})
			q = &queues[len(queues)-1]
			// Re-point the index; append may have moved the backing array.
			byName = make(map[string]*types.QueueConfig, len(queues))
			for i := range queues {
				byName[queues[i].Name] = &queues[i]
			}
		}
		if o.VisibilityTimeout != nil {
			q.VisibilityTimeout = *o.VisibilityTimeout
		}
		if o.RetryThreshold != nil {
			q.RetryThreshold = *o.RetryThreshold
		}
		if o.DeadLetterThreshold != nil {
			q.DeadLetterThreshold = *o.DeadLetterThreshold
		}
		if o.MaxConcurrency != nil {
			q.MaxConcurrency = *o.MaxConcurrency
		}
	}

	sort.Slice(queues, func(i, j int) bool { return queues[i].Name < queues[j].Name })

	var errs []error
	for _, q := range queues {
		if err := validateQueue(q); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, &ConfigError{Type: ErrQueueOverrides, Message: "invalid queue policy", Err: errors.Join(errs...)}
	}
	return queues, nil
}

func validateQueue(q types.QueueConfig) error {
	switch {
	case q.VisibilityTimeout < time.Second:
		return fmt.Errorf("%s: visibility_timeout must be at least 1s", q.Name)
	case q.RetryThreshold < 0 || q.DeadLetterThreshold < 0:
		return fmt.Errorf("%s: thresholds must not be negative", q.Name)
	case q.MaxConcurrency < 1:
		return fmt.Errorf("%s: max_concurrency must be at least 1", q.Name)
	}
	return nil
}
