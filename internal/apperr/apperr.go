// Package apperr defines the sentinel error kinds the gateway and CLI
// boundary need to switch on, wrapped with fmt.Errorf("%w") the way the
// rest of this codebase reports errors.
package apperr

import "errors"

var (
	// ErrValidation marks a rejected user input (bad service name,
	// version label, health path, or out-of-range parameter).
	ErrValidation = errors.New("validation error")

	// ErrNoHealthyBackends marks a service with no up instances to route
	// to; the gateway answers 503.
	ErrNoHealthyBackends = errors.New("no healthy backends")

	// ErrUpstreamError marks a transport-level failure reaching a chosen
	// backend; the gateway answers 502.
	ErrUpstreamError = errors.New("upstream error")
)

// Is reports whether err wraps target, delegating to errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
