// Package errs defines the error kinds worker components use to decide
// whether a failure should flip a writer unhealthy, abort a provider
// refresh, or simply get logged and ignored.
package errs

import (
	"errors"
	"fmt"
)

// HealthCheckError marks a transient failure of an external dependency
// (unreachable endpoint, broker disconnected, database down). Returning
// one from a writer's DoWrite or Healthcheck flips the writer unhealthy
// and routes the batch to the backlog.
type HealthCheckError struct {
	Op  string
	Err error
}

func (e *HealthCheckError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *HealthCheckError) Unwrap() error { return e.Err }

// NewHealthCheck wraps err as a HealthCheckError.
func NewHealthCheck(op string, err error) error {
	return &HealthCheckError{Op: op, Err: err}
}

// DataError marks a permanent rejection of a specific batch or value
// (malformed payload, resource genuinely absent). It never affects
// writer health and is never retried.
type DataError struct {
	Op  string
	Err error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// NewData wraps err as a DataError.
func NewData(op string, err error) error {
	return &DataError{Op: op, Err: err}
}

// ConfigError marks a problem found while loading or validating
// configuration. The process should not start when one is returned.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfig wraps err as a ConfigError.
func NewConfig(path string, err error) error {
	return &ConfigError{Path: path, Err: err}
}

// ExpressionError marks a failure compiling or evaluating a !py
// expression.
type ExpressionError struct {
	Source string
	Err    error
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("expression %q: %v", e.Source, e.Err)
}

func (e *ExpressionError) Unwrap() error { return e.Err }

// NewExpression wraps err as an ExpressionError.
func NewExpression(source string, err error) error {
	return &ExpressionError{Source: source, Err: err}
}

// IsHealthCheck reports whether err (or something it wraps) is a HealthCheckError.
func IsHealthCheck(err error) bool {
	var hc *HealthCheckError
	return errors.As(err, &hc)
}

// IsData reports whether err (or something it wraps) is a DataError.
func IsData(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}
