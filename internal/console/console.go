// Package console implements the debug console port shared by all guests.
package console

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/filevisor/internal/hv"
)

// Port is the console I/O port.
const Port uint16 = 0xE9

type Mode string

const (
	// ModeRaw passes every guest byte straight through.
	ModeRaw Mode = "raw"
	// ModePrefixed buffers output per VM and writes whole lines tagged with
	// the VM id, with escape sequences removed.
	ModePrefixed Mode = "prefixed"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRaw, ModePrefixed:
		return Mode(s), nil
	case "":
		return ModeRaw, nil
	default:
		return "", fmt.Errorf("unknown console mode %q (want %q or %q)", s, ModeRaw, ModePrefixed)
	}
}

// Hub owns the host side of the console: one output and one input shared
// by every VM.
type Hub struct {
	mode Mode

	outMu sync.Mutex
	out   io.Writer

	inMu sync.Mutex
	in   io.Reader
}

func NewHub(out io.Writer, in io.Reader, mode Mode) *Hub {
	if mode == "" {
		mode = ModeRaw
	}
	return &Hub{mode: mode, out: out, in: in}
}

func (h *Hub) write(p []byte) error {
	h.outMu.Lock()
	defer h.outMu.Unlock()

	_, err := h.out.Write(p)
	return err
}

// readByte returns the next input byte, or 0xff once input is exhausted.
func (h *Hub) readByte() (byte, error) {
	h.inMu.Lock()
	defer h.inMu.Unlock()

	if h.in == nil {
		return 0xff, nil
	}

	var b [1]byte
	if _, err := io.ReadFull(h.in, b[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0xff, nil
		}
		return 0, err
	}
	return b[0], nil
}

// Device returns the console device for one VM.
func (h *Hub) Device(vmID uint64) *Device {
	return &Device{hub: h, prefix: fmt.Appendf(nil, "[vm %d] ", vmID)}
}

type Device struct {
	hub    *Hub
	prefix []byte

	line []byte
}

// implements hv.X86IOPortDevice.
func (d *Device) Init(vm hv.VirtualMachine) error { return nil }
func (d *Device) IOPorts() []uint16              { return []uint16{Port} }

func (d *Device) WriteIOPort(port uint16, data []byte) error {
	if d.hub.mode == ModeRaw {
		return d.hub.write(data)
	}

	d.line = append(d.line, data...)
	for {
		i := bytes.IndexByte(d.line, '\n')
		if i < 0 {
			return nil
		}
		if err := d.emit(d.line[:i]); err != nil {
			return err
		}
		d.line = d.line[i+1:]
	}
}

func (d *Device) emit(line []byte) error {
	out := make([]byte, 0, len(d.prefix)+len(line)+1)
	out = append(out, d.prefix...)
	out = append(out, ansi.Strip(string(bytes.TrimSuffix(line, []byte{'\r'})))...)
	out = append(out, '\n')
	return d.hub.write(out)
}

func (d *Device) ReadIOPort(port uint16, data []byte) error {
	for i := range data {
		b, err := d.hub.readByte()
		if err != nil {
			return fmt.Errorf("console: read input: %w", err)
		}
		data[i] = b
	}
	return nil
}

// Flush writes any unterminated line left in prefixed mode.
func (d *Device) Flush() error {
	if len(d.line) == 0 {
		return nil
	}
	line := d.line
	d.line = nil
	return d.emit(line)
}

var (
	_ hv.X86IOPortDevice = &Device{}
)
