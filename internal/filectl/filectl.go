// Package filectl implements the per-VM file controller behind the
// paravirtualized file port.
//
// Each VM sees two namespaces. Shared files are opened once by the host and
// read by every VM through its own cursor. Local files are private to one VM
// and are stored on the host as the requested name followed by the VM id. The
// first write by a VM to a shared file promotes it: the content is copied
// into that VM's local file, which from then on answers to the same file id.
package filectl

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/tinyrange/filevisor/internal/fileproto"
	"github.com/tinyrange/filevisor/internal/hv"
	"github.com/tinyrange/filevisor/internal/namespace"
	"github.com/tinyrange/filevisor/internal/trace"
)

// Port is the I/O port guests use for the file protocol.
const Port uint16 = 0x278

// MaxRead bounds the size of a single read reply.
const MaxRead = 1 << 20

var (
	ErrUnknownFile = errors.New("unknown file id")
	ErrClosedFile  = errors.New("file id was closed")
)

type localFile struct {
	name string
	f    *os.File
}

type Config struct {
	VMID      uint64
	Namespace *namespace.Namespace
	Logger    *slog.Logger
	Trace     trace.Source
}

type Controller struct {
	vmID  uint64
	ns    *namespace.Namespace
	log   *slog.Logger
	trace trace.Source

	framer fileproto.Framer
	resp   fileproto.Response

	local  map[uint64]*localFile
	byName map[string]uint64
	// Local ids closed by the guest. They stay local and never fall back to
	// the shared file with the same id.
	closed map[uint64]string
}

func New(cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Controller{
		vmID:   cfg.VMID,
		ns:     cfg.Namespace,
		log:    log.With("device", "file"),
		trace:  cfg.Trace,
		local:  make(map[uint64]*localFile),
		byName: make(map[string]uint64),
		closed: make(map[uint64]string),
	}
}

func (c *Controller) localName(name string) string {
	return name + strconv.FormatUint(c.vmID, 10)
}

// Open returns the id for name: the VM's own local file if one exists, else
// the shared file, else a newly created local file.
func (c *Controller) Open(name string) (uint64, error) {
	if name == "" {
		return 0, fmt.Errorf("open: empty file name")
	}

	qualified := c.localName(name)
	if id, ok := c.byName[qualified]; ok {
		return id, nil
	}

	if sf, ok := c.ns.Lookup(name); ok {
		// The VM promoted this file and closed its copy. Reopen the copy so the
		// id keeps pointing at the VM's private version.
		if prev, ok := c.closed[sf.ID]; ok {
			f, err := c.ns.Reopen(c.vmID, prev)
			if err != nil {
				return 0, fmt.Errorf("open: reopen %q: %w", prev, err)
			}
			c.register(sf.ID, prev, f)
			return sf.ID, nil
		}
		return sf.ID, nil
	}

	f, err := c.ns.Create(c.vmID, qualified)
	if err != nil {
		return 0, fmt.Errorf("open: create %q: %w", qualified, err)
	}

	id := c.ns.NextID()
	c.register(id, qualified, f)
	return id, nil
}

func (c *Controller) register(id uint64, name string, f *os.File) {
	delete(c.closed, id)
	c.local[id] = &localFile{name: name, f: f}
	c.byName[name] = id
}

// Read returns up to size bytes of file id. Local files are always read from
// offset 0; shared files are read from this VM's cursor.
func (c *Controller) Read(id uint64, size uint64) ([]byte, error) {
	size = min(size, MaxRead)

	if lf, ok := c.local[id]; ok {
		if _, err := lf.f.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("read: seek %q: %w", lf.name, err)
		}

		buf := make([]byte, size)
		n, err := io.ReadFull(lf.f, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("read: %q: %w", lf.name, err)
		}
		return buf[:n], nil
	}

	if _, ok := c.closed[id]; ok {
		return nil, fmt.Errorf("read %d: %w", id, ErrClosedFile)
	}

	if sf, ok := c.ns.ByID(id); ok {
		return sf.Read(c.vmID, size)
	}

	return nil, fmt.Errorf("read %d: %w", id, ErrUnknownFile)
}

// Write writes data to file id at its current position. Writing to a shared
// file first promotes it to a local copy positioned at the VM's cursor.
func (c *Controller) Write(id uint64, data []byte) error {
	if lf, ok := c.local[id]; ok {
		if _, err := lf.f.Write(data); err != nil {
			return fmt.Errorf("write: %q: %w", lf.name, err)
		}
		return nil
	}

	if _, ok := c.closed[id]; ok {
		return fmt.Errorf("write %d: %w", id, ErrClosedFile)
	}

	sf, ok := c.ns.ByID(id)
	if !ok {
		return fmt.Errorf("write %d: %w", id, ErrUnknownFile)
	}

	lf, err := c.promote(sf)
	if err != nil {
		return fmt.Errorf("write: promote %q: %w", sf.Name, err)
	}

	if _, err := lf.f.Write(data); err != nil {
		return fmt.Errorf("write: %q: %w", lf.name, err)
	}
	return nil
}

func (c *Controller) promote(sf *namespace.SharedFile) (*localFile, error) {
	name := c.localName(sf.Name)

	f, err := c.ns.Create(c.vmID, name)
	if err != nil {
		return nil, err
	}

	cursor, err := sf.CopyTo(c.vmID, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(cursor, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek copy to %d: %w", cursor, err)
	}

	c.register(sf.ID, name, f)
	c.log.Debug("promoted shared file", "name", sf.Name, "copy", name, "id", sf.ID, "cursor", cursor)

	return c.local[sf.ID], nil
}

// Close closes a local file. Closing a shared file is a no-op.
func (c *Controller) Close(id uint64) error {
	if lf, ok := c.local[id]; ok {
		delete(c.local, id)
		delete(c.byName, lf.name)
		c.closed[id] = lf.name

		if err := lf.f.Close(); err != nil {
			return fmt.Errorf("close: %q: %w", lf.name, err)
		}
		return nil
	}

	if _, ok := c.closed[id]; ok {
		return fmt.Errorf("close %d: %w", id, ErrClosedFile)
	}

	if _, ok := c.ns.ByID(id); ok {
		return nil
	}

	return fmt.Errorf("close %d: %w", id, ErrUnknownFile)
}

// CloseAll closes every local file still open and drops any partial
// message. It is called when the VM stops.
func (c *Controller) CloseAll() error {
	if n := c.framer.Pending(); n > 0 {
		c.log.Debug("dropping partial message", "bytes", n)
		c.framer.Reset()
	}

	var errs []error
	for id, lf := range c.local {
		if err := lf.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", lf.name, err))
		}
		delete(c.local, id)
		delete(c.byName, lf.name)
		c.closed[id] = lf.name
	}
	return errors.Join(errs...)
}

// Handle executes one complete raw message and queues its reply. Errors are
// logged and the message is dropped without a reply.
func (c *Controller) Handle(raw []byte) {
	c.trace.Write(trace.KindMessage, raw)

	if err := c.handle(raw); err != nil {
		c.log.Warn("file protocol error", "error", err)
		c.trace.Writef(trace.KindNote, "error: %v", err)
	}
}

func (c *Controller) handle(raw []byte) error {
	msg, err := fileproto.Parse(raw)
	if err != nil {
		return err
	}

	switch msg.Op {
	case fileproto.OpOpen:
		name := string(msg.A)
		id, err := c.Open(name)
		if err != nil {
			return err
		}
		c.log.Debug("open", "name", name, "mode", string(msg.B), "id", id)
		c.reply(id, nil)
	case fileproto.OpRead:
		id, err := fileproto.DecodeUint64(msg.A)
		if err != nil {
			return fmt.Errorf("read: file id: %w", err)
		}
		size, err := fileproto.DecodeUint64(msg.B)
		if err != nil {
			return fmt.Errorf("read: size: %w", err)
		}
		data, err := c.Read(id, size)
		if err != nil {
			return err
		}
		c.log.Debug("read", "id", id, "size", size, "n", len(data))
		c.reply(uint64(len(data)), data)
	case fileproto.OpWrite:
		id, err := fileproto.DecodeUint64(msg.A)
		if err != nil {
			return fmt.Errorf("write: file id: %w", err)
		}
		if err := c.Write(id, msg.B); err != nil {
			return err
		}
		c.log.Debug("write", "id", id, "n", len(msg.B))
	case fileproto.OpClose:
		id, err := fileproto.DecodeUint64(msg.A)
		if err != nil {
			return fmt.Errorf("close: file id: %w", err)
		}
		if err := c.Close(id); err != nil {
			return err
		}
		c.log.Debug("close", "id", id)
	}

	return nil
}

func (c *Controller) reply(number uint64, data []byte) {
	c.resp.Reset()
	c.resp.SetNumber(number)
	c.resp.SetData(data)

	c.trace.Write(trace.KindResponse, append(fileproto.EncodeUint64(number), data...))
}

// implements hv.X86IOPortDevice.
func (c *Controller) Init(vm hv.VirtualMachine) error { return nil }
func (c *Controller) IOPorts() []uint16              { return []uint16{Port} }

// WriteIOPort feeds guest bytes into the message framer.
func (c *Controller) WriteIOPort(port uint16, data []byte) error {
	for _, b := range data {
		if raw, ok := c.framer.Feed(b); ok {
			c.Handle(raw)
		}
	}
	return nil
}

// ReadIOPort hands the guest the next queued reply bytes. Reads with nothing
// queued return zero.
func (c *Controller) ReadIOPort(port uint16, data []byte) error {
	for i := range data {
		data[i], _ = c.resp.Next()
	}
	return nil
}

var (
	_ hv.X86IOPortDevice = &Controller{}
)
