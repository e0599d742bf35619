package config

import (
	"context"
	"os"
)

// EnvVarProvider resolves a reference by reading the environment variable it
// names. Useful when a platform injects secrets under its own names.
type EnvVarProvider struct{}

func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

func (p *EnvVarProvider) Resolve(_ context.Context, refs []string) (map[string]string, error) {
	result := make(map[string]string, len(refs))
	for _, ref := range refs {
		if val, ok := os.LookupEnv(ref); ok {
			result[ref] = val
		}
	}
	return result, nil
}
