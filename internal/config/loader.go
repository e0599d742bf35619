// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Resolve *_SECRET_REF variables through the SecretProvider and inject
//     the values back into the environment.
//  4. Use envconfig to populate the Config struct.
//  5. Populate BuildInfo from linker-injected variables.
//  6. Validate the struct using go-playground/validator.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is returned by LoadConfig to aid debugging.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// secretRefSuffix marks variables whose value is a reference to resolve.
// REDIS_PASSWORD_SECRET_REF=redis-password fills REDIS_PASSWORD.
const secretRefSuffix = "_SECRET_REF"

// loaderDeps holds the injectable environment accessors so tests do not
// mutate process state.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig loads and validates the configuration. provider may be nil when
// no *_SECRET_REF variables are set.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// Does not override variables that are already set.
	_ = godotenv.Load()

	if err := resolveSecretRefs(provider, deps); err != nil {
		return nil, err
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	if cfg.Store.Driver == "postgres" && !cfg.Store.DatabaseURL.IsSet() {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "DATABASE_URL is required when STORE_DRIVER=postgres",
		}
	}

	return &cfg, nil
}

// resolveSecretRefs scans the environment for *_SECRET_REF variables, fetches
// their values in one provider call and sets the target variables. Targets
// that are already set are left alone (direct env wins).
func resolveSecretRefs(provider SecretProvider, deps loaderDeps) error {
	refToTarget := make(map[string]string)
	var refs []string

	for _, entry := range deps.environ() {
		key, ref, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, secretRefSuffix) || ref == "" {
			continue
		}
		target := strings.TrimSuffix(key, secretRefSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		refToTarget[ref] = target
		refs = append(refs, ref)
	}

	if len(refs) == 0 {
		return nil
	}
	if provider == nil {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("a SecretProvider is required to resolve %d secret references", len(refs)),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resolved, err := provider.Resolve(ctx, refs)
	if err != nil {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("failed to resolve %d secret references", len(refs)),
			Err:     err,
		}
	}

	var missing []string
	for _, ref := range refs {
		target := refToTarget[ref]
		value, ok := resolved[ref]
		if !ok {
			missing = append(missing, target)
			continue
		}
		if err := deps.setEnv(target, value); err != nil {
			return &ConfigError{
				Type:    ErrSecretResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", target),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("secret references not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
