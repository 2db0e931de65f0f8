package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
)

// Reader decodes protocol fields from a stream. Every field is read with
// io.ReadFull, so frames split across TCP segments are reassembled.
type Reader struct {
	r      *bufio.Reader
	maxLen uint32 // 0 means unlimited
	buf    [EnvelopeSize]byte
}

// NewReader wraps r. Byte strings longer than maxLen are rejected with
// ErrTooLarge before any allocation; maxLen <= 0 disables the check.
func NewReader(r io.Reader, maxLen int) *Reader {
	rd := &Reader{r: bufio.NewReader(r)}
	switch {
	case maxLen <= 0:
	case uint64(maxLen) > math.MaxUint32:
		rd.maxLen = math.MaxUint32
	default:
		rd.maxLen = uint32(maxLen)
	}
	return rd
}

// Envelope reads and validates an envelope.
//
// Returns:
//   - The command named by the envelope
//   - io.EOF if the stream ended cleanly before the envelope
//   - ErrBadMagic or ErrUnknownCommand for malformed envelopes
func (r *Reader) Envelope() (Command, error) {
	if _, err := io.ReadFull(r.r, r.buf[:EnvelopeSize]); err != nil {
		return 0, err
	}
	if magic := binary.BigEndian.Uint32(r.buf[0:4]); magic != Magic {
		return 0, fmt.Errorf("%w: %#08x", ErrBadMagic, magic)
	}
	cmd := Command(binary.BigEndian.Uint32(r.buf[4:8]))
	if !cmd.Valid() {
		return cmd, fmt.Errorf("%w: %d", ErrUnknownCommand, uint32(cmd))
	}
	return cmd, nil
}

// Uint32 reads one big-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	if _, err := io.ReadFull(r.r, r.buf[:4]); err != nil {
		return 0, unexpected(err)
	}
	return binary.BigEndian.Uint32(r.buf[:4]), nil
}

// Bool reads a one-byte flag. Any nonzero byte is true.
func (r *Reader) Bool() (bool, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return false, unexpected(err)
	}
	return b != 0, nil
}

// Raw reads exactly n bytes.
func (r *Reader) Raw(n uint32) ([]byte, error) {
	if err := r.checkLen(n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, unexpected(err)
	}
	return b, nil
}

// Blob reads a length-prefixed byte string.
func (r *Reader) Blob() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	return r.Raw(n)
}

// Key reads a length-prefixed key.
func (r *Reader) Key() (string, error) {
	b, err := r.Blob()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) checkLen(n uint32) error {
	if r.maxLen > 0 && n > r.maxLen {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, n, r.maxLen)
	}
	return nil
}

// Pair reads the klen, vlen, key, value layout shared by SetKey requests and
// AllItems entries.
func (r *Reader) Pair() (string, []byte, error) {
	klen, err := r.Uint32()
	if err != nil {
		return "", nil, err
	}
	vlen, err := r.Uint32()
	if err != nil {
		return "", nil, err
	}
	if err := r.checkLen(klen); err != nil {
		return "", nil, err
	}
	if err := r.checkLen(vlen); err != nil {
		return "", nil, err
	}
	key, err := r.Raw(klen)
	if err != nil {
		return "", nil, err
	}
	value, err := r.Raw(vlen)
	if err != nil {
		return "", nil, err
	}
	return string(key), value, nil
}

// GetKeyResponse reads the found flag and value of a GetKey response.
// The value is nil when found is false.
func (r *Reader) GetKeyResponse() ([]byte, bool, error) {
	found, err := r.Bool()
	if err != nil {
		return nil, false, err
	}
	value, err := r.Blob()
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return value, true, nil
}

// Int reads a length-prefixed decimal ASCII integer, as sent in IncrKey and
// DecrKey responses.
func (r *Reader) Int() (int64, error) {
	b, err := r.Blob()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("protocol: bad integer %q: %w", b, err)
	}
	return n, nil
}

// Keys reads a counted list of keys.
func (r *Reader) Keys() ([]string, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, min(n, 1024))
	for i := uint32(0); i < n; i++ {
		key, err := r.Key()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Items reads a counted list of key/value pairs.
func (r *Reader) Items() ([]Item, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, min(n, 1024))
	for i := uint32(0); i < n; i++ {
		key, value, err := r.Pair()
		if err != nil {
			return nil, err
		}
		items = append(items, Item{Key: key, Value: value})
	}
	return items, nil
}

// unexpected turns a clean EOF inside a frame into io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Writer encodes protocol fields into a buffered stream. The first write error
// sticks: later calls are no-ops and Flush returns it.
type Writer struct {
	w   *bufio.Writer
	err error
	buf [EnvelopeSize]byte
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) write(b []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(b)
}

// Envelope writes Magic followed by cmd.
func (w *Writer) Envelope(cmd Command) {
	binary.BigEndian.PutUint32(w.buf[0:4], Magic)
	binary.BigEndian.PutUint32(w.buf[4:8], uint32(cmd))
	w.write(w.buf[:EnvelopeSize])
}

// Uint32 writes one big-endian uint32.
func (w *Writer) Uint32(v uint32) {
	binary.BigEndian.PutUint32(w.buf[:4], v)
	w.write(w.buf[:4])
}

// Bool writes a one-byte flag.
func (w *Writer) Bool(v bool) {
	var b byte
	if v {
		b = 1
	}
	w.buf[0] = b
	w.write(w.buf[:1])
}

// Raw writes b with no length prefix.
func (w *Writer) Raw(b []byte) {
	w.write(b)
}

// Blob writes a length-prefixed byte string.
func (w *Writer) Blob(b []byte) {
	w.length(len(b))
	w.write(b)
}

// Key writes a length-prefixed key.
func (w *Writer) Key(key string) {
	w.length(len(key))
	if w.err == nil {
		_, w.err = w.w.WriteString(key)
	}
}

func (w *Writer) length(n int) {
	if uint64(n) > math.MaxUint32 {
		if w.err == nil {
			w.err = fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
		}
		return
	}
	w.Uint32(uint32(n))
}

// Pair writes the klen, vlen, key, value layout.
func (w *Writer) Pair(key string, value []byte) {
	w.length(len(key))
	w.length(len(value))
	if w.err == nil {
		_, w.err = w.w.WriteString(key)
	}
	w.write(value)
}

// GetKeyResponse writes the payload of a GetKey response. The value is
// omitted (zero length) when found is false.
func (w *Writer) GetKeyResponse(value []byte, found bool) {
	w.Bool(found)
	if !found {
		value = nil
	}
	w.Blob(value)
}

// Int writes n as a length-prefixed decimal ASCII string.
func (w *Writer) Int(n int64) {
	var digits [20]byte
	w.Blob(strconv.AppendInt(digits[:0], n, 10))
}

// Keys writes a counted list of keys.
func (w *Writer) Keys(keys []string) {
	w.length(len(keys))
	for _, key := range keys {
		w.Key(key)
	}
}

// Items writes a counted list of key/value pairs.
func (w *Writer) Items(items []Item) {
	w.length(len(items))
	for _, it := range items {
		w.Pair(it.Key, it.Value)
	}
}

// Flush sends buffered data and returns the first error seen since the
// Writer was created.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	w.err = w.w.Flush()
	return w.err
}
