package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/filevisor/internal/console"
	"github.com/tinyrange/filevisor/internal/filectl"
	"github.com/tinyrange/filevisor/internal/fileproto"
	"github.com/tinyrange/filevisor/internal/hv"
	"github.com/tinyrange/filevisor/internal/paging"
	"github.com/tinyrange/filevisor/internal/trace"
)

// Guest images in these tests are scripts for scriptCPU rather than x86
// code. Each op is one byte followed by its operands:
//
//	'O' port(2) value(1)  write one byte to a port
//	'I' port(2)           read one byte from a port into the VM's input
//	'E' port(2) index(1)  write input[index] back out to a port
//	'H'                   halt
//	'S'                   shut down
type program []byte

func (p program) out(port uint16, data ...byte) program {
	for _, b := range data {
		p = append(p, 'O', byte(port), byte(port>>8), b)
	}
	return p
}

func (p program) in(port uint16, n int) program {
	for range n {
		p = append(p, 'I', byte(port), byte(port>>8))
	}
	return p
}

func (p program) send(op fileproto.Op, a, b []byte) program {
	return p.out(filectl.Port, fileproto.Encode(op, a, b)...)
}

// sendWithID sends op with the file id from the first reply the guest read
// (input bytes 0 to 7) as field A.
func (p program) sendWithID(op fileproto.Op, b []byte) program {
	msg := fileproto.Encode(op, nil, b)
	p = p.out(filectl.Port, msg[:2]...)
	port := uint16(filectl.Port)
	for i := range fileproto.NumberSize {
		p = append(p, 'E', byte(port), byte(port>>8), byte(i))
	}
	return p.out(filectl.Port, msg[2:]...)
}

func (p program) halt() program     { return append(p, 'H') }
func (p program) shutdown() program { return append(p, 'S') }

type scriptHypervisor struct {
	mu  sync.Mutex
	vms []*scriptVM
}

func (h *scriptHypervisor) Close() error                     { return nil }
func (h *scriptHypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (h *scriptHypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	vm := &scriptVM{hv: h, mem: make([]byte, config.MemorySize()), ports: make(map[uint16]hv.X86IOPortDevice)}
	vm.cpu = &scriptCPU{vm: vm}

	for _, dev := range config.Devices() {
		if err := vm.AddDevice(dev); err != nil {
			return nil, err
		}
	}
	if l := config.Loader(); l != nil {
		if err := l.Load(vm); err != nil {
			return nil, err
		}
	}

	h.mu.Lock()
	h.vms = append(h.vms, vm)
	h.mu.Unlock()

	return vm, nil
}

// input returns what the VM running prog read from its ports.
func (h *scriptHypervisor) input(t *testing.T, prog program) []byte {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, vm := range h.vms {
		if bytes.HasPrefix(vm.mem, prog) {
			return vm.cpu.input
		}
	}
	t.Fatalf("no VM ran the program")
	return nil
}

type scriptVM struct {
	hv    *scriptHypervisor
	mem   []byte
	cpu   *scriptCPU
	ports map[uint16]hv.X86IOPortDevice
}

func (vm *scriptVM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(vm.mem)) {
		return 0, io.EOF
	}
	return copy(p, vm.mem[off:]), nil
}

func (vm *scriptVM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(vm.mem)) {
		return 0, fmt.Errorf("write at 0x%x out of bounds", off)
	}
	return copy(vm.mem[off:], p), nil
}

func (vm *scriptVM) Close() error              { return nil }
func (vm *scriptVM) Hypervisor() hv.Hypervisor { return vm.hv }
func (vm *scriptVM) MemorySize() uint64        { return uint64(len(vm.mem)) }

func (vm *scriptVM) AddDevice(dev hv.Device) error {
	if pd, ok := dev.(hv.X86IOPortDevice); ok {
		for _, port := range pd.IOPorts() {
			vm.ports[port] = pd
		}
	}
	return dev.Init(vm)
}

func (vm *scriptVM) Run(ctx context.Context, cfg hv.RunConfig) error {
	return cfg.Run(ctx, vm.cpu)
}

type scriptCPU struct {
	vm    *scriptVM
	pc    uint64
	input []byte
}

func (c *scriptCPU) VirtualMachine() hv.VirtualMachine                        { return c.vm }
func (c *scriptCPU) ID() int                                                  { return 0 }
func (c *scriptCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error { return nil }
func (c *scriptCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error { return nil }
func (c *scriptCPU) SetLongMode(cr3 uint64) error                             { return nil }

func (c *scriptCPU) Run(ctx context.Context) error {
	mem := c.vm.mem
	op := mem[c.pc]
	switch op {
	case 'H':
		return hv.ErrVMHalted
	case 'S':
		return hv.ErrVMShutdown
	case 'O', 'I', 'E':
		port := uint16(mem[c.pc+1]) | uint16(mem[c.pc+2])<<8
		dev, ok := c.vm.ports[port]
		if op != 'I' {
			val := mem[c.pc+3]
			if op == 'E' {
				if int(val) >= len(c.input) {
					return fmt.Errorf("%w: echo of input byte %d not read yet", hv.ErrInternalError, val)
				}
				val = c.input[val]
			}
			c.pc += 4
			if !ok {
				return fmt.Errorf("%w: out on I/O port 0x%04x", hv.ErrUnhandledExit, port)
			}
			return dev.WriteIOPort(port, []byte{val})
		}
		c.pc += 3
		if !ok {
			return fmt.Errorf("%w: in on I/O port 0x%04x", hv.ErrUnhandledExit, port)
		}
		var b [1]byte
		if err := dev.ReadIOPort(port, b[:]); err != nil {
			return err
		}
		c.input = append(c.input, b[0])
		return nil
	default:
		return fmt.Errorf("%w: bad script op 0x%02x", hv.ErrInternalError, op)
	}
}

var _ hv.VirtualCPUAmd64 = &scriptCPU{}

type harness struct {
	t   *testing.T
	dir string
	hv  *scriptHypervisor
	out bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, dir: t.TempDir(), hv: &scriptHypervisor{}}
}

func (h *harness) file(name, content string) {
	h.t.Helper()
	if err := os.WriteFile(filepath.Join(h.dir, name), []byte(content), 0o644); err != nil {
		h.t.Fatalf("write %s: %v", name, err)
	}
}

func (h *harness) read(name string) string {
	h.t.Helper()
	b, err := os.ReadFile(filepath.Join(h.dir, name))
	if err != nil {
		h.t.Fatalf("read %s: %v", name, err)
	}
	return string(b)
}

func (h *harness) image(name string, prog program) string {
	h.t.Helper()
	path := filepath.Join(h.t.TempDir(), name)
	if err := os.WriteFile(path, prog, 0o644); err != nil {
		h.t.Fatalf("write image: %v", err)
	}
	return path
}

func (h *harness) config(images ...string) Config {
	return Config{
		Images:         images,
		MemorySize:     2 << 20,
		PageSize:       paging.Size2M,
		Dir:            h.dir,
		Console:        console.NewHub(&h.out, nil, console.ModePrefixed),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		OpenHypervisor: func() (hv.Hypervisor, error) { return h.hv, nil },
	}
}

func reply(n uint64, data string) []byte {
	return append(fileproto.EncodeUint64(n), data...)
}

func TestSharedFilePromotion(t *testing.T) {
	h := newHarness(t)
	h.file("data.txt", "HELLO")

	writer := program{}.
		send(fileproto.OpOpen, []byte("data.txt"), []byte("r")).
		in(filectl.Port, 8).
		send(fileproto.OpRead, []byte{0}, []byte{5}).
		in(filectl.Port, 13).
		send(fileproto.OpWrite, []byte{0}, []byte("X")).
		halt()
	reader := program{}.
		send(fileproto.OpOpen, []byte("data.txt"), []byte("r")).
		in(filectl.Port, 8).
		send(fileproto.OpRead, []byte{0}, []byte{5}).
		in(filectl.Port, 13).
		halt()

	tracePath := filepath.Join(t.TempDir(), "trace.bin")
	tw, err := trace.Create(tracePath)
	if err != nil {
		t.Fatalf("trace.Create: %v", err)
	}

	cfg := h.config(h.image("writer.bin", writer), h.image("reader.bin", reader))
	cfg.SharedFiles = []string{"data.txt"}
	cfg.Trace = tw

	results, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("trace Close: %v", err)
	}

	if len(results) != 2 || results[0].VMID != 1 || results[1].VMID != 2 {
		t.Fatalf("results = %+v", results)
	}

	want := append(reply(0, ""), reply(5, "HELLO")...)
	if diff := cmp.Diff(want, h.hv.input(t, writer)); diff != "" {
		t.Errorf("writer input mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, h.hv.input(t, reader)); diff != "" {
		t.Errorf("reader input mismatch (-want +got):\n%s", diff)
	}

	if got := h.read("data.txt"); got != "HELLO" {
		t.Errorf("shared file = %q, want HELLO", got)
	}
	if got := h.read("data.txt1"); got != "HELLOX" {
		t.Errorf("promoted copy = %q, want HELLOX", got)
	}
	if _, err := os.Stat(filepath.Join(h.dir, "data.txt2")); !os.IsNotExist(err) {
		t.Errorf("reader got a private copy: %v", err)
	}

	sources := map[string]int{}
	if err := trace.EachFile(tracePath, func(rec trace.Record) error {
		sources[rec.Source]++
		return nil
	}); err != nil {
		t.Fatalf("EachFile: %v", err)
	}
	// writer: open, response, read, response, write. reader: 4 records.
	if diff := cmp.Diff(map[string]int{"vm1/file": 5, "vm2/file": 4}, sources); diff != "" {
		t.Errorf("trace sources mismatch (-want +got):\n%s", diff)
	}
}

func TestLocalFilesArePerVM(t *testing.T) {
	h := newHarness(t)

	payloads := []string{"first guest", "second guest payload", "third"}

	prog := func(tag byte, payload string) program {
		p := program{}.
			send(fileproto.OpOpen, []byte("out.txt"), []byte("w")).
			in(filectl.Port, 8)
		// Two writes so the second must land after the first.
		half := len(payload) / 2
		return p.
			sendWithID(fileproto.OpWrite, []byte(payload[:half])).
			sendWithID(fileproto.OpWrite, []byte(payload[half:])).
			sendWithID(fileproto.OpClose, nil).
			out(0xe9, tag, '\n').
			halt()
	}

	var progs []program
	var images []string
	for i, payload := range payloads {
		p := prog(byte('a'+i), payload)
		progs = append(progs, p)
		images = append(images, h.image(fmt.Sprintf("g%d.bin", i), p))
	}

	results, err := Run(context.Background(), h.config(images...))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	ids := map[uint64]bool{}
	for _, p := range progs {
		id, err := fileproto.DecodeUint64(h.hv.input(t, p))
		if err != nil {
			t.Fatalf("DecodeUint64: %v", err)
		}
		ids[id] = true
	}
	if len(ids) != 3 {
		t.Errorf("file ids %v are not distinct", ids)
	}

	for i, res := range results {
		name := fmt.Sprintf("out.txt%d", res.VMID)
		if got := h.read(name); got != payloads[i] {
			t.Errorf("vm %d %s = %q, want %q", res.VMID, name, got, payloads[i])
		}
	}

	lines := bytes.Split(bytes.TrimSuffix(h.out.Bytes(), []byte("\n")), []byte("\n"))
	if len(lines) != 3 {
		t.Errorf("console lines = %q", lines)
	}
}

func TestFailuresAreIsolated(t *testing.T) {
	h := newHarness(t)

	good := program{}.out(0xe9, 'o', 'k', '\n').out(0x80, 0).halt()
	bad := program{}.shutdown()

	cfg := h.config(
		h.image("good.bin", good),
		h.image("bad.bin", bad),
		filepath.Join(t.TempDir(), "missing.bin"),
	)

	results, err := Run(context.Background(), cfg)
	if err == nil {
		t.Fatal("Run succeeded with failing guests")
	}
	if !errors.Is(err, hv.ErrVMShutdown) {
		t.Errorf("error %v does not report the shutdown", err)
	}

	if results[0].Err != nil {
		t.Errorf("good guest failed: %v", results[0].Err)
	}
	if results[0].Stats.Unhandled != 1 {
		t.Errorf("good guest unhandled exits = %d, want 1", results[0].Stats.Unhandled)
	}
	if !errors.Is(results[1].Err, hv.ErrVMShutdown) {
		t.Errorf("bad guest error = %v", results[1].Err)
	}
	if !errors.Is(results[2].Err, os.ErrNotExist) {
		t.Errorf("missing image error = %v", results[2].Err)
	}

	if got := h.out.String(); got != "[vm 1] ok\n" {
		t.Errorf("console = %q", got)
	}
}

func TestMissingSharedFileStopsBeforeBoot(t *testing.T) {
	h := newHarness(t)

	opened := false
	cfg := h.config(h.image("g.bin", program{}.halt()))
	cfg.SharedFiles = []string{"nope.txt"}
	cfg.OpenHypervisor = func() (hv.Hypervisor, error) {
		opened = true
		return h.hv, nil
	}

	results, err := Run(context.Background(), cfg)
	if err == nil || results != nil {
		t.Fatalf("Run = %v, %v; want setup error", results, err)
	}
	if opened {
		t.Error("hypervisor opened despite setup failure")
	}
}
