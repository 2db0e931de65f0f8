// Package cache provides the in-memory key-value store behind the upcache server.
//
// Keys are arbitrary byte strings (held in Go strings) and values are raw bytes.
// The cache has no expiration or eviction: an entry lives until it is dropped or
// the cache is cleared.
//
// Besides plain get/set, the cache supports atomic decimal counters and
// change notification. A caller blocked in WaitFor is woken by the next
// mutation of its key, or by Close.
//
// Example usage:
//
//	c := cache.New()
//	defer c.Close()
//
//	c.Set("greeting", []byte("hello"))
//	if v, ok := c.Get("greeting"); ok {
//		fmt.Printf("%s\n", v)
//	}
//
//	go func() {
//		changed := c.WaitFor("jobs:done")
//		fmt.Println("jobs:done changed:", changed)
//	}()
//	c.Incr("jobs:done")
//
// All operations are safe for concurrent use from multiple goroutines.
package cache

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrNotInteger is returned by Incr, Decr and IncrBy when the stored value
	// is not a decimal integer that fits in 64 bits.
	ErrNotInteger = errors.New("cache: value is not an integer")

	// ErrOverflow is returned when applying a delta would leave the int64 range.
	ErrOverflow = errors.New("cache: increment or decrement would overflow")
)

// Item is a single key/value pair returned by Items.
type Item struct {
	Key   string
	Value []byte
}

// waiter is the broadcast point for everyone blocked on one key.
// ch is closed exactly once, when the key changes.
type waiter struct {
	ch chan struct{}
	n  int
}

// Cache is a concurrent map of keys to byte values with counter and
// change-notification primitives.
//
// A single RWMutex guards both the data and the waiter registrations, so a
// waiter that registers before a mutation is always woken by it.
//
// Example:
//
//	c := cache.New()
//	c.Set("user:123", []byte("john"))
//	n, err := c.Incr("visits")
type Cache struct {
	data    map[string][]byte  // stored values, owned by the cache
	waiters map[string]*waiter // per-key wake channels, created lazily
	done    chan struct{}      // closed by Close
	closed  bool
	mu      sync.RWMutex
}

// New creates an empty Cache.
//
// Returns:
//   - A new Cache ready for use
func New() *Cache {
	return &Cache{
		data:    make(map[string][]byte),
		waiters: make(map[string]*waiter),
		done:    make(chan struct{}),
	}
}

// Get returns a copy of the value stored under key.
// The boolean is false when the key is absent; no default value is substituted.
//
// Example:
//
//	if v, ok := c.Get("greeting"); ok {
//		fmt.Printf("greeting = %s\n", v)
//	}
//
// Parameters:
//   - key: The key to retrieve
//
// Returns:
//   - The stored bytes if found
//   - Boolean indicating if the key exists
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	value, exists := c.data[key]
	if !exists {
		return nil, false
	}
	return bytes.Clone(value), true
}

// Set stores value under key, replacing any previous value, and wakes the
// key's waiters. The value is copied.
//
// Parameters:
//   - key: The key to store
//   - value: The bytes to store (nil is stored as an empty value)
func (c *Cache) Set(key string, value []byte) {
	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = stored
	c.notifyLocked(key)
}

// Exists reports whether key is present.
func (c *Cache) Exists(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, exists := c.data[key]
	return exists
}

// Incr adds one to the decimal integer stored under key.
// An absent key counts as 0, so the first Incr stores "1".
//
// Example:
//
//	views, err := c.Incr("page_views")
//	if err != nil {
//		log.Printf("Error: %v", err)
//	}
//
// Returns:
//   - The new integer value
//   - ErrNotInteger if the stored value is not an integer, ErrOverflow on overflow
func (c *Cache) Incr(key string) (int64, error) {
	return c.IncrBy(key, 1)
}

// Decr subtracts one from the decimal integer stored under key.
// An absent key counts as 0, so the first Decr stores "-1".
func (c *Cache) Decr(key string) (int64, error) {
	return c.IncrBy(key, -1)
}

// IncrBy adds delta to the decimal integer stored under key and stores the
// result back as decimal ASCII. The read-modify-write happens under the
// cache lock, so concurrent increments of the same key are never lost.
//
// Surrounding whitespace and a leading sign are accepted in the stored value.
// On error the stored value is left untouched and no waiter is woken.
//
// Parameters:
//   - key: The key to modify
//   - delta: The amount to add (may be negative)
//
// Returns:
//   - The new integer value after the operation
//   - ErrNotInteger or ErrOverflow
func (c *Cache) IncrBy(key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var current int64
	if value, exists := c.data[key]; exists {
		n, err := parseInt(value)
		if err != nil {
			return 0, err
		}
		current = n
	}

	if (delta > 0 && current > math.MaxInt64-delta) || (delta < 0 && current < math.MinInt64-delta) {
		return 0, ErrOverflow
	}

	next := current + delta
	c.data[key] = strconv.AppendInt(nil, next, 10)
	c.notifyLocked(key)
	return next, nil
}

func parseInt(value []byte) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(string(value)), 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	return n, nil
}

// Drop removes key. It returns true and wakes the key's waiters if the key
// was present; dropping an absent key is a no-op that returns false.
func (c *Cache) Drop(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists {
		return false
	}
	delete(c.data, key)
	c.notifyLocked(key)
	return true
}

// Clear removes every key and wakes every waiter, on any key, with a
// "changed" result.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.data)
	for key, w := range c.waiters {
		close(w.ch)
		delete(c.waiters, key)
	}
}

// Count returns the number of stored keys.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.data)
}

// Keys returns a point-in-time snapshot of all keys in no particular order.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.data))
	for key := range c.data {
		keys = append(keys, key)
	}
	return keys
}

// Items returns a point-in-time snapshot of all pairs in no particular order.
// Values are copies.
func (c *Cache) Items() []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()

	items := make([]Item, 0, len(c.data))
	for key, value := range c.data {
		items = append(items, Item{Key: key, Value: bytes.Clone(value)})
	}
	return items
}

// WaitFor blocks until key is set, incremented, decremented, dropped or
// cleared, or until the cache is closed.
//
// Example:
//
//	if c.WaitFor("config:reload") {
//		reload()
//	}
//
// Returns:
//   - true if woken by a change of key, false if woken because the cache closed
func (c *Cache) WaitFor(key string) bool {
	changed, _ := c.WaitForContext(context.Background(), key)
	return changed
}

// WaitForContext is WaitFor with cancellation. When ctx ends first it returns
// false and ctx.Err(), which keeps a timeout distinct from both "changed"
// (true, nil) and "closed" (false, nil).
func (c *Cache) WaitForContext(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, nil
	}
	w, ok := c.waiters[key]
	if !ok {
		w = &waiter{ch: make(chan struct{})}
		c.waiters[key] = w
	}
	w.n++
	c.mu.Unlock()

	select {
	case <-w.ch:
		return true, nil
	case <-c.done:
		// A change that raced with Close still counts as a change.
		select {
		case <-w.ch:
			return true, nil
		default:
			return false, nil
		}
	case <-ctx.Done():
		select {
		case <-w.ch:
			return true, nil
		default:
		}
		c.release(key, w)
		return false, ctx.Err()
	}
}

// release drops one registration from w, removing it once nobody waits on it.
func (c *Cache) release(key string, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w.n--
	if w.n == 0 && c.waiters[key] == w {
		delete(c.waiters, key)
	}
}

// notifyLocked wakes everyone waiting on key. c.mu must be held for writing.
func (c *Cache) notifyLocked(key string) {
	if w, ok := c.waiters[key]; ok {
		close(w.ch)
		delete(c.waiters, key)
	}
}

// Close wakes every pending WaitFor with a "closed" result. Later waits
// return false immediately. Data operations keep working after Close.
// Close is idempotent.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	clear(c.waiters)
}

// Closed reports whether Close has been called.
func (c *Cache) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.closed
}

// Waiting returns the number of callers currently blocked in WaitFor.
func (c *Cache) Waiting() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, w := range c.waiters {
		n += w.n
	}
	return n
}
