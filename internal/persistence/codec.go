package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
)

var registered sync.Map

// RegisterType makes a concrete type storable as process data or event
// payload. Registering the same type twice is a no-op.
func RegisterType(sample any) {
	if sample == nil {
		return
	}
	name := fmt.Sprintf("%T", sample)
	if _, loaded := registered.LoadOrStore(name, struct{}{}); loaded {
		return
	}
	gob.Register(sample)
}

// EncodeValue serializes an arbitrary value using encoding/gob. The value is
// encoded as an interface so it can be decoded without knowing its type.
// Nil encodes to nil.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	iv := v
	if err := gob.NewEncoder(&buf).Encode(&iv); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes a payload produced by EncodeValue into T. Empty input
// decodes to the zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var zero T
	if len(data) == 0 {
		return zero, nil
	}
	var iv any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv); err != nil {
		return zero, fmt.Errorf("decode value: %w", err)
	}
	if iv == nil {
		return zero, nil
	}
	v, ok := iv.(T)
	if !ok {
		return zero, fmt.Errorf("decode value: payload of type %T is not %T", iv, zero)
	}
	return v, nil
}
