package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type job struct {
	ID      int       `json:"id" msgpack:"id" cbor:"id"`
	Name    string    `json:"name" msgpack:"name" cbor:"name"`
	Tags    []string  `json:"tags" msgpack:"tags" cbor:"tags"`
	Created time.Time `json:"created" msgpack:"created" cbor:"created"`
}

func sample() job {
	return job{ID: 7, Name: "reindex", Tags: []string{"a", "b"}, Created: time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC)}
}

func roundTrip[V any](t *testing.T, c Codec[V], v V) V {
	t.Helper()
	b, err := c.Encode(v)
	require.NoError(t, err)
	got, err := c.Decode(b)
	require.NoError(t, err)
	return got
}

func TestStructCodecs(t *testing.T) {
	canonical, err := NewCBOR[job](true)
	require.NoError(t, err)
	compact, err := NewCBOR[job](false)
	require.NoError(t, err)

	codecs := map[string]Codec[job]{
		"json":           JSON[job]{},
		"msgpack":        Msgpack[job]{},
		"cbor canonical": canonical,
		"cbor compact":   compact,
	}
	for name, c := range codecs {
		t.Run(name, func(t *testing.T) {
			got := roundTrip(t, c, sample())
			want := sample()
			assert.True(t, want.Created.Equal(got.Created))
			got.Created = want.Created
			assert.Equal(t, want, got)
		})
	}
}

func TestCBORCanonicalIsStable(t *testing.T) {
	c, err := NewCBOR[map[string]int](true)
	require.NoError(t, err)

	a, err := c.Encode(map[string]int{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	b, err := c.Encode(map[string]int{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestProtobuf(t *testing.T) {
	c := Protobuf[*wrapperspb.StringValue]{New: func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }}
	got := roundTrip[*wrapperspb.StringValue](t, c, wrapperspb.String("hello"))
	assert.Equal(t, "hello", got.GetValue())
}

func TestInt(t *testing.T) {
	b, err := Int{}.Encode(-42)
	require.NoError(t, err)
	assert.Equal(t, []byte("-42"), b)

	_, err = Int{}.Decode([]byte("forty"))
	assert.Error(t, err)
}

func TestRawCodecs(t *testing.T) {
	assert.Equal(t, []byte{0, 1, 2}, roundTrip[[]byte](t, Bytes{}, []byte{0, 1, 2}))
	assert.Equal(t, "héllo", roundTrip[string](t, String{}, "héllo"))
}

func TestLimit(t *testing.T) {
	l := Limit[string]{Inner: String{}, Max: 4}

	_, err := l.Encode("toolong")
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = l.Decode([]byte("toolong"))
	assert.ErrorIs(t, err, ErrTooLarge)

	assert.Equal(t, "ok", roundTrip[string](t, l, "ok"))

	unlimited := Limit[string]{Inner: String{}}
	assert.Equal(t, "toolong", roundTrip[string](t, unlimited, "toolong"))
}
