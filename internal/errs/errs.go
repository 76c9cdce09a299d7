// Package errs holds error types shared across components.
package errs

import (
	"errors"
	"fmt"
)

// ConfigError reports invalid static configuration: a rule pattern that does
// not compile, a limiter with a zero window, a tier table that is not
// monotonic. It is only ever returned from constructors and loaders.
type ConfigError struct {
	Component string
	Field     string
	Reason    string
	Err       error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("%s: invalid %s: %s", e.Component, e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config builds a ConfigError.
func Config(component, field, reason string) error {
	return &ConfigError{Component: component, Field: field, Reason: reason}
}

// Configf builds a ConfigError wrapping err.
func Configf(component, field string, err error, format string, args ...any) error {
	return &ConfigError{Component: component, Field: field, Reason: fmt.Sprintf(format, args...), Err: err}
}

// IsConfig reports whether err is or wraps a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
