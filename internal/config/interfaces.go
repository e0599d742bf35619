package config

import (
	"context"
	"os"
)

// SecretProvider resolves secret references named by *_SECRET_REF variables.
// The returned map holds ref -> plaintext for every ref that was found;
// missing refs are omitted rather than reported as errors.
type SecretProvider interface {
	Resolve(ctx context.Context, refs []string) (map[string]string, error)
}

// DefaultProvider picks the provider for the binaries: files under
// SECRETS_DIR when it is set, the environment otherwise.
func DefaultProvider() SecretProvider {
	if dir := os.Getenv("SECRETS_DIR"); dir != "" {
		return NewFileProvider(dir)
	}
	return NewEnvVarProvider()
}
