// Package errdefs defines the error classes surfaced by the triage pipeline.
//
// ConfigurationError aborts a run: invalid class counts, ensemble members that
// disagree on labels or output shape, missing hyperparameters. InputError is
// returned for inference input that cannot be decoded or normalized; callers may
// reject the input and carry on.
package errdefs

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationError reports a condition the pipeline cannot proceed past.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Msg
}

// InputError reports inference input that cannot be turned into a model tensor.
type InputError struct {
	Msg   string
	Cause error
}

func (e *InputError) Error() string {
	if e.Cause != nil {
		return "input error: " + e.Msg + ": " + e.Cause.Error()
	}
	return "input error: " + e.Msg
}

func (e *InputError) Unwrap() error {
	return e.Cause
}

// Configuration returns a ConfigurationError with a stack trace attached.
func Configuration(format string, args ...interface{}) error {
	return errors.WithStack(&ConfigurationError{Msg: fmt.Sprintf(format, args...)})
}

// Input returns an InputError wrapping cause (which may be nil).
func Input(cause error, format string, args ...interface{}) error {
	return errors.WithStack(&InputError{Msg: fmt.Sprintf(format, args...), Cause: cause})
}

// IsConfiguration reports whether err is, or wraps, a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsInput reports whether err is, or wraps, an InputError.
func IsInput(err error) bool {
	var target *InputError
	return errors.As(err, &target)
}
