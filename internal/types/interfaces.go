package types

// Logger defines the structured logging interface used by the delivery
// pipeline. *slog.Logger satisfies it through logging.Adapt.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// NopLogger discards everything. Useful for tests and for components that
// are constructed before logging is configured.
type NopLogger struct{}

func (NopLogger) Info(string, ...any)   {}
func (NopLogger) Error(string, ...any)  {}
func (NopLogger) Warn(string, ...any)   {}
func (n NopLogger) With(...any) Logger { return n }
