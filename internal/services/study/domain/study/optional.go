package study

import (
	"bytes"
	"encoding/json"
)

// Optional marks a partial-update field as present or absent.
//
// Absent fields are omitted from JSON (use the `omitzero` tag option). A
// present field carries its value even when that value is the zero value, so
// an explicit clear to "" survives the round trip and is distinguishable from
// "no change". JSON null decodes as present with the zero value.
type Optional[T any] struct {
	Value T
	Set   bool
}

// Some returns a present value.
func Some[T any](value T) Optional[T] {
	return Optional[T]{Value: value, Set: true}
}

// None returns an absent value.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// IsZero reports absence; encoding/json consults it for omitzero.
func (o Optional[T]) IsZero() bool {
	return !o.Set
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.Value, o.Set
}

// OrElse returns the value when present, otherwise fallback.
func (o Optional[T]) OrElse(fallback T) T {
	if o.Set {
		return o.Value
	}
	return fallback
}

// MarshalJSON encodes the value, or null when absent.
func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Set {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// UnmarshalJSON is only invoked for keys present in the document, so any
// call marks the field as set.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		var zero T
		o.Value = zero
		return nil
	}
	return json.Unmarshal(data, &o.Value)
}
