// Package fileproto implements the wire format of the paravirtualized file
// port.
//
// A guest sends one message as a stream of single-byte port writes:
//
//	<op:1> '#' <field A> '#' <field B> '#' '#'
//
// The message ends with the fourth '#'. Numeric fields are the 8 bytes of a
// uint64 in the order the guest emits them (least significant first). The
// delimiter is not escaped, so it must not appear inside any field.
package fileproto

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	// Delimiter separates message fields.
	Delimiter byte = '#'

	delimitersPerMessage = 4

	// NumberSize is the width of every numeric field and numeric reply.
	NumberSize = 8
)

var (
	ErrMalformed = errors.New("malformed file protocol message")
	ErrUnknownOp = errors.New("unknown file protocol operation")
)

type Op byte

const (
	OpOpen  Op = 0x01
	OpRead  Op = 0x02
	OpWrite Op = 0x03
	OpClose Op = 0x04
)

func (o Op) String() string {
	switch o {
	case OpOpen:
		return "open"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpClose:
		return "close"
	default:
		return fmt.Sprintf("Op(0x%02x)", byte(o))
	}
}

func (o Op) valid() bool {
	return o >= OpOpen && o <= OpClose
}

// Framer accumulates port bytes until a complete message has arrived.
type Framer struct {
	buf    []byte
	delims int
}

// Feed appends b to the pending message. It returns the raw message and true
// once the fourth delimiter has been seen, after which the framer is empty.
func (f *Framer) Feed(b byte) ([]byte, bool) {
	f.buf = append(f.buf, b)
	if b == Delimiter {
		f.delims++
	}
	if f.delims < delimitersPerMessage {
		return nil, false
	}

	msg := f.buf
	f.buf = nil
	f.delims = 0
	return msg, true
}

// Pending reports how many bytes are buffered for the next message.
func (f *Framer) Pending() int { return len(f.buf) }

// Reset drops any partially gathered message.
func (f *Framer) Reset() {
	f.buf = nil
	f.delims = 0
}

// Message is a decoded protocol message. A and B alias the raw buffer.
type Message struct {
	Op Op
	A  []byte
	B  []byte
}

// Parse splits a complete raw message into its opcode and fields.
func Parse(raw []byte) (Message, error) {
	if len(raw) == 0 || raw[0] == Delimiter {
		return Message{}, fmt.Errorf("%w: missing opcode", ErrMalformed)
	}

	first := bytes.IndexByte(raw, Delimiter)
	if first < 0 {
		return Message{}, fmt.Errorf("%w: missing first delimiter", ErrMalformed)
	}
	second := indexFrom(raw, first+1)
	if second < 0 {
		return Message{}, fmt.Errorf("%w: missing second delimiter", ErrMalformed)
	}
	third := indexFrom(raw, second+1)
	if third < 0 {
		return Message{}, fmt.Errorf("%w: missing third delimiter", ErrMalformed)
	}

	op := Op(raw[0])
	if !op.valid() {
		return Message{}, fmt.Errorf("%w: opcode 0x%02x", ErrUnknownOp, raw[0])
	}

	return Message{
		Op: op,
		A:  raw[first+1 : second],
		B:  raw[second+1 : third],
	}, nil
}

func indexFrom(b []byte, from int) int {
	i := bytes.IndexByte(b[from:], Delimiter)
	if i < 0 {
		return -1
	}
	return from + i
}

// DecodeUint64 decodes a numeric field. The field bytes are reversed and then
// folded most significant byte first, which reads the guest's
// least-significant-first emission order back into a value.
func DecodeUint64(field []byte) (uint64, error) {
	if len(field) > NumberSize {
		return 0, fmt.Errorf("%w: numeric field is %d bytes", ErrMalformed, len(field))
	}

	var v uint64
	for i := len(field) - 1; i >= 0; i-- {
		v <<= 8
		v |= uint64(field[i])
	}
	return v, nil
}

// EncodeUint64 returns the bytes a guest emits for v in a numeric field.
// It is also the emission order of numeric replies.
func EncodeUint64(v uint64) []byte {
	out := make([]byte, NumberSize)
	for i := range out {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

// Encode builds a raw message. It is the guest side of the protocol and is
// used by tests and tooling.
func Encode(op Op, a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b)+5)
	out = append(out, byte(op), Delimiter)
	out = append(out, a...)
	out = append(out, Delimiter)
	out = append(out, b...)
	out = append(out, Delimiter, Delimiter)
	return out
}

// Response holds the bytes queued for the guest, drained one per port read.
type Response struct {
	number    uint64
	numberLen int

	data []byte
}

// SetNumber queues an 8-byte numeric reply.
func (r *Response) SetNumber(v uint64) {
	r.number = v
	r.numberLen = NumberSize
}

// SetData queues a payload that follows any pending numeric reply.
func (r *Response) SetData(p []byte) {
	if len(p) == 0 {
		r.data = nil
		return
	}
	r.data = p
}

// Pending reports whether any reply byte is waiting.
func (r *Response) Pending() bool {
	return r.numberLen > 0 || len(r.data) > 0
}

// Next returns the next reply byte. Numeric bytes come first, least
// significant first, then the payload in order.
func (r *Response) Next() (byte, bool) {
	if r.numberLen > 0 {
		b := byte(r.number)
		r.number >>= 8
		r.numberLen--
		return b, true
	}
	if len(r.data) > 0 {
		b := r.data[0]
		r.data = r.data[1:]
		if len(r.data) == 0 {
			r.data = nil
		}
		return b, true
	}
	return 0, false
}

// Reset discards anything still queued.
func (r *Response) Reset() {
	*r = Response{}
}
