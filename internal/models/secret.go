package models

import "fmt"

// Secret wraps a value that must never be printed, logged, or otherwise
// leaked through %v/%+v formatting — exporter secrets, ratchet keys, and
// signing material all flow through this type. Equality and ordering still
// work on the wrapped value so it can sit in map keys and comparisons; only
// display is redacted.
type Secret[T any] struct {
	value T
}

// NewSecret wraps v.
func NewSecret[T any](v T) Secret[T] {
	return Secret[T]{value: v}
}

// Expose returns the wrapped value. Call sites should be narrow and
// short-lived: read the bytes, use them, let them go out of scope.
func (s Secret[T]) Expose() T {
	return s.value
}

// String implements fmt.Stringer without revealing the wrapped value.
func (s Secret[T]) String() string {
	return "Secret(...)"
}

// GoString implements fmt.GoStringer so %#v also redacts.
func (s Secret[T]) GoString() string {
	return "Secret(...)"
}

// Format implements fmt.Formatter, overriding every verb (%v, %+v, %#v, %s)
// so the zero-effort path for a developer printing a struct never leaks
// secret bytes.
func (s Secret[T]) Format(f fmt.State, verb rune) {
	_, _ = f.Write([]byte("Secret(...)"))
}

// MarshalJSON intentionally fails closed: secrets are not meant to cross a
// JSON boundary. Storage backends that need to persist the bytes use
// Expose() directly against a typed column, never generic marshaling.
func (s Secret[T]) MarshalJSON() ([]byte, error) {
	return nil, fmt.Errorf("models: Secret values cannot be JSON-marshaled; use Expose() at a typed storage boundary")
}
