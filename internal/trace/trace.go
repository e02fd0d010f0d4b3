// Package trace writes and reads a binary stream of records appended
// concurrently by every VM.
//
// Each record is:
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes data length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source bytes
//   - data bytes
//
// Writers reserve space by atomically advancing the offset and then use
// WriteAt, so records never interleave.
package trace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Kind uint16

const (
	KindInvalid Kind = iota
	KindMessage
	KindResponse
	KindNote
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindResponse:
		return "response"
	case KindNote:
		return "note"
	default:
		return fmt.Sprintf("Kind(%d)", uint16(k))
	}
}

const headerSize = 16

type Sink interface {
	io.WriterAt
	io.Closer
}

type Writer struct {
	sink   Sink
	offset atomic.Int64

	mu  sync.Mutex
	err error
}

func Create(filename string) (*Writer, error) {
	// Truncate so a previous run does not leave trailing records.
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return NewWriter(f), nil
}

func NewWriter(sink Sink) *Writer {
	return &Writer{sink: sink}
}

func encodeHeader(kind Kind, source string, data []byte, ts time.Time) []byte {
	record := make([]byte, headerSize+len(source)+len(data))
	binary.LittleEndian.PutUint16(record[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(record[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(record[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(record[8:16], uint64(ts.UnixNano()))
	copy(record[headerSize:], source)
	copy(record[headerSize+len(source):], data)
	return record
}

// Write appends one record. A nil Writer discards it. The first write error
// is kept and returned by Close.
func (w *Writer) Write(kind Kind, source string, data []byte) {
	if w == nil {
		return
	}

	record := encodeHeader(kind, source, data, time.Now())
	off := w.offset.Add(int64(len(record))) - int64(len(record))
	if _, err := w.sink.WriteAt(record, off); err != nil {
		w.mu.Lock()
		if w.err == nil {
			w.err = err
		}
		w.mu.Unlock()
	}
}

func (w *Writer) Writef(kind Kind, source string, format string, args ...any) {
	if w == nil {
		return
	}
	w.Write(kind, source, fmt.Appendf(nil, format, args...))
}

func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	err := w.err
	w.mu.Unlock()
	return errors.Join(err, w.sink.Close())
}

// Source binds a writer to a fixed source name, e.g. "vm1/file".
type Source struct {
	w    *Writer
	name string
}

func (w *Writer) Source(name string) Source {
	return Source{w: w, name: name}
}

func (s Source) Write(kind Kind, data []byte) { s.w.Write(kind, s.name, data) }

func (s Source) Writef(kind Kind, format string, args ...any) {
	s.w.Writef(kind, s.name, format, args...)
}

// Record is one decoded trace entry.
type Record struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// Each decodes records from r in file order.
func Each(r io.Reader, fn func(rec Record) error) error {
	br := bufio.NewReader(r)

	var header [headerSize]byte
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("trace: read header: %w", err)
		}

		kind := Kind(binary.LittleEndian.Uint16(header[0:2]))
		if kind == KindInvalid {
			return fmt.Errorf("trace: invalid header")
		}
		sourceLen := binary.LittleEndian.Uint16(header[2:4])
		dataLen := binary.LittleEndian.Uint32(header[4:8])
		ts := int64(binary.LittleEndian.Uint64(header[8:16]))

		body := make([]byte, int(sourceLen)+int(dataLen))
		if _, err := io.ReadFull(br, body); err != nil {
			return fmt.Errorf("trace: read record body: %w", err)
		}

		if err := fn(Record{
			Time:   time.Unix(0, ts),
			Kind:   kind,
			Source: string(body[:sourceLen]),
			Data:   body[sourceLen:],
		}); err != nil {
			return err
		}
	}
}

func EachFile(filename string, fn func(rec Record) error) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	return Each(f, fn)
}
