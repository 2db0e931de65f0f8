package codec

import "google.golang.org/protobuf/proto"

// Protobuf encodes protocol buffer messages. New must return a fresh, empty
// message to decode into.
type Protobuf[M proto.Message] struct {
	New func() M
}

func (c Protobuf[M]) Encode(m M) ([]byte, error) { return proto.Marshal(m) }

func (c Protobuf[M]) Decode(b []byte) (M, error) {
	m := c.New()
	err := proto.Unmarshal(b, m)
	return m, err
}
