// Package protocol implements the fixed-layout binary protocol spoken between
// upcache clients and servers.
//
// Every message, in both directions, starts with an envelope:
//
//	magic   uint32  always Magic
//	command uint32  one of the Cmd* constants
//
// followed by a payload whose layout depends on the command. All integers are
// big-endian. Byte strings are sent as a uint32 length followed by the bytes,
// except for SetKey requests and AllItems entries, which send both lengths
// before both byte strings. Boolean flags are a single byte, 0 or 1.
//
//	Command     Request payload             Response payload
//	Shutdown    -                           -
//	Disconnect  -                           -
//	GetKey      key                         found:u8, value
//	SetKey      klen, vlen, key, value      -
//	KeyExists   key                         exists:u8
//	WaitKey     key                         changed:u8
//	DecrKey     key                         value (decimal ASCII)
//	IncrKey     key                         value (decimal ASCII)
//	ClearKeys   -                           -
//	DropKey     key                         dropped:u8
//	CountKeys   -                           count:u32
//	AllKeys     -                           n:u32, n x key
//	AllItems    -                           n:u32, n x (klen, vlen, key, value)
//
// A response repeats the command id of its request. The protocol carries no
// error responses: a server that cannot satisfy a request closes the
// connection instead.
//
// Example usage:
//
//	w := protocol.NewWriter(conn)
//	w.Envelope(protocol.CmdGetKey)
//	w.Blob([]byte("user:123"))
//	if err := w.Flush(); err != nil {
//		return err
//	}
//
//	r := protocol.NewReader(conn, 0)
//	cmd, err := r.Envelope()
//	...
//	value, found, err := r.GetKeyResponse()
package protocol

import (
	"errors"
	"fmt"
)

// Magic prefixes every envelope ("UPCA").
const Magic uint32 = 0x55504341

// EnvelopeSize is the encoded size of an envelope in bytes.
const EnvelopeSize = 8

// DefaultMaxLen is the default upper bound on a single key or value.
const DefaultMaxLen = 64 << 20

var (
	// ErrBadMagic is returned when an envelope does not start with Magic.
	ErrBadMagic = errors.New("protocol: bad magic word")

	// ErrUnknownCommand is returned when an envelope names no known command.
	ErrUnknownCommand = errors.New("protocol: unknown command")

	// ErrTooLarge is returned when a length field exceeds the reader's limit.
	ErrTooLarge = errors.New("protocol: length exceeds limit")
)

// Command identifies the operation carried by an envelope.
type Command uint32

// Command ids. The numbering is part of the wire format.
const (
	CmdShutdown   Command = iota // stop the server
	CmdDisconnect                // end this connection
	CmdGetKey                    // fetch a value
	CmdSetKey                    // store a value
	CmdKeyExists                 // test for a key
	CmdWaitKey                   // block until a key changes
	CmdDecrKey                   // decrement a counter
	CmdIncrKey                   // increment a counter
	CmdClearKeys                 // remove every key
	CmdDropKey                   // remove one key
	CmdCountKeys                 // count keys
	CmdAllKeys                   // list keys
	CmdAllItems                  // list key/value pairs
)

var commandNames = [...]string{
	CmdShutdown:   "Shutdown",
	CmdDisconnect: "Disconnect",
	CmdGetKey:     "GetKey",
	CmdSetKey:     "SetKey",
	CmdKeyExists:  "KeyExists",
	CmdWaitKey:    "WaitKey",
	CmdDecrKey:    "DecrKey",
	CmdIncrKey:    "IncrKey",
	CmdClearKeys:  "ClearKeys",
	CmdDropKey:    "DropKey",
	CmdCountKeys:  "CountKeys",
	CmdAllKeys:    "AllKeys",
	CmdAllItems:   "AllItems",
}

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	return uint64(c) < uint64(len(commandNames))
}

func (c Command) String() string {
	if c.Valid() {
		return commandNames[c]
	}
	return fmt.Sprintf("Command(%d)", uint32(c))
}

// Item is one key/value pair of an AllItems response.
type Item struct {
	Key   string
	Value []byte
}
