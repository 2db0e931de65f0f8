package client

import (
	"context"
	"fmt"

	"github.com/cachemir/upcache/pkg/codec"
)

// GetAs fetches key and decodes it with cd.
//
// Example:
//
//	type Session struct{ User string }
//	s, found, err := client.GetAs(ctx, c, "session:abc", codec.Msgpack[Session]{})
func GetAs[V any](ctx context.Context, c *Client, key string, cd codec.Codec[V]) (V, bool, error) {
	var zero V
	raw, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return zero, found, err
	}
	v, err := cd.Decode(raw)
	if err != nil {
		return zero, true, fmt.Errorf("client: decode %q: %w", key, err)
	}
	return v, true, nil
}

// SetAs encodes v with cd and stores it under key.
func SetAs[V any](ctx context.Context, c *Client, key string, v V, cd codec.Codec[V]) error {
	raw, err := cd.Encode(v)
	if err != nil {
		return fmt.Errorf("client: encode %q: %w", key, err)
	}
	return c.Set(ctx, key, raw)
}
