package types

import "log/slog"

const redacted = "[redacted]"

// SecretString holds a credential (Redis password, SMTP password, webhook
// URL, API key hash) that must never reach a log line or a JSON dump.
// Call Reveal to get the raw value at the point of use.
type SecretString string

func (s SecretString) String() string { return redacted }

// GoString covers %#v.
func (s SecretString) GoString() string { return redacted }

// LogValue keeps slog from printing the raw value.
func (s SecretString) LogValue() slog.Value { return slog.StringValue(redacted) }

func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// Reveal returns the plaintext.
func (s SecretString) Reveal() string { return string(s) }

// IsSet reports whether a non-empty value was configured.
func (s SecretString) IsSet() bool { return s != "" }
