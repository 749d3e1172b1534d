// Package errdefs defines the error taxonomy shared by the tensor, layer and
// graph packages. Callers match on the sentinels with errors.Is.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks an invalid or incompatible layer configuration.
	ErrConfig = errors.New("invalid configuration")
	// ErrShapeMismatch marks a tensor shape that violates an operation's precondition.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrMissingWeight marks a failed weight archive lookup.
	ErrMissingWeight = errors.New("missing weight")
	// ErrInvalidInput marks a predict-time input contract violation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnsupported marks a recognized but unimplemented configuration.
	ErrUnsupported = errors.New("unsupported configuration")
)

// LayerError attaches the layer kind and name to an error raised while
// constructing or calling a layer.
type LayerError struct {
	Kind string
	Name string
	Err  error
}

func (e *LayerError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Kind, e.Name, e.Err)
}

func (e *LayerError) Unwrap() error {
	return e.Err
}

// WithLayer wraps err with layer context. A nil err stays nil, and an error
// that already carries layer context is returned unchanged.
func WithLayer(kind, name string, err error) error {
	if err == nil {
		return nil
	}
	var le *LayerError
	if errors.As(err, &le) {
		return err
	}
	return &LayerError{Kind: kind, Name: name, Err: err}
}

func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

func Shapef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrShapeMismatch, fmt.Sprintf(format, args...))
}

func MissingWeightf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMissingWeight, fmt.Sprintf(format, args...))
}

func InvalidInputf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func Unsupportedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}
