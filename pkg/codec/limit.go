package codec

import (
	"errors"
	"fmt"
)

// ErrTooLarge is returned by Limit when a payload exceeds its bound.
var ErrTooLarge = errors.New("codec: payload too large")

// Limit wraps a codec and refuses to decode payloads longer than Max bytes,
// and to store encodings longer than Max. Max <= 0 disables both checks.
type Limit[V any] struct {
	Inner Codec[V]
	Max   int
}

func (l Limit[V]) Encode(v V) ([]byte, error) {
	b, err := l.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if l.Max > 0 && len(b) > l.Max {
		return nil, fmt.Errorf("%w: encoded %d > %d bytes", ErrTooLarge, len(b), l.Max)
	}
	return b, nil
}

func (l Limit[V]) Decode(b []byte) (V, error) {
	if l.Max > 0 && len(b) > l.Max {
		var zero V
		return zero, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(b), l.Max)
	}
	return l.Inner.Decode(b)
}
