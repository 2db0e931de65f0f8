// Package codec converts typed Go values to and from the raw bytes an upcache
// server stores.
//
// The server never interprets values, so a codec is purely a client-side
// convention: every client reading a key must use the codec that wrote it.
// Counters are the exception; IncrKey and DecrKey expect decimal ASCII, which
// is what Int produces.
//
//	users := codec.Msgpack[User]{}
//	err := client.SetAs(ctx, c, "user:1", User{Name: "ada"}, users)
//	u, ok, err := client.GetAs(ctx, c, "user:1", users)
package codec

import "strconv"

// Codec encodes values of type V for storage and decodes them back.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Bytes passes []byte values through unchanged.
type Bytes struct{}

func (Bytes) Encode(b []byte) ([]byte, error) { return b, nil }
func (Bytes) Decode(b []byte) ([]byte, error) { return b, nil }

// String stores Go strings as their bytes. No UTF-8 validation is done.
type String struct{}

func (String) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (String) Decode(b []byte) (string, error) { return string(b), nil }

// Int stores int64 values as decimal ASCII, the representation the server's
// counter commands operate on.
type Int struct{}

func (Int) Encode(n int64) ([]byte, error) { return strconv.AppendInt(nil, n, 10), nil }
func (Int) Decode(b []byte) (int64, error) { return strconv.ParseInt(string(b), 10, 64) }
