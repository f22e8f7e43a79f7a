package config

import "fmt"

// ConfigError indicates invalid configuration detected at startup.
// Validation happens once during boot; a ConfigError is never produced
// per-request.
type ConfigError struct {
	Option  string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("config: %s: %s: %v", e.Option, e.Message, e.Cause)
	}
	return fmt.Sprintf("config: %s: %s", e.Option, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new ConfigError.
func NewConfigError(option, message string, cause error) *ConfigError {
	return &ConfigError{Option: option, Message: message, Cause: cause}
}
