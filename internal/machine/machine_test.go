package machine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/filevisor/internal/hv"
	"github.com/tinyrange/filevisor/internal/paging"
)

type fakeHypervisor struct {
	vcpu *fakeVCPU
}

func (h *fakeHypervisor) Close() error                     { return nil }
func (h *fakeHypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (h *fakeHypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	vm := &fakeVM{hv: h, mem: make([]byte, config.MemorySize()), vcpu: h.vcpu}
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
	return vm, nil
}

type fakeVM struct {
	hv      *fakeHypervisor
	mem     []byte
	vcpu    *fakeVCPU
	devices []hv.Device
	closed  bool
}

func (vm *fakeVM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(vm.mem)) {
		return 0, io.EOF
	}
	n := copy(p, vm.mem[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (vm *fakeVM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(vm.mem)) {
		return 0, fmt.Errorf("write at 0x%x out of bounds", off)
	}
	return copy(vm.mem[off:], p), nil
}

func (vm *fakeVM) Close() error                  { vm.closed = true; return nil }
func (vm *fakeVM) Hypervisor() hv.Hypervisor     { return vm.hv }
func (vm *fakeVM) MemorySize() uint64            { return uint64(len(vm.mem)) }
func (vm *fakeVM) AddDevice(dev hv.Device) error { vm.devices = append(vm.devices, dev); return dev.Init(vm) }

func (vm *fakeVM) Run(ctx context.Context, cfg hv.RunConfig) error {
	vm.vcpu.vm = vm
	return cfg.Run(ctx, vm.vcpu)
}

// fakeVCPU returns the scripted exits in order, then halts.
type fakeVCPU struct {
	vm     *fakeVM
	script []error

	cr3  uint64
	regs map[hv.Register]hv.RegisterValue
	runs int
}

func (v *fakeVCPU) VirtualMachine() hv.VirtualMachine { return v.vm }
func (v *fakeVCPU) ID() int                           { return 0 }

func (v *fakeVCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	if v.regs == nil {
		v.regs = make(map[hv.Register]hv.RegisterValue)
	}
	for k, val := range regs {
		v.regs[k] = val
	}
	return nil
}

func (v *fakeVCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for k := range regs {
		regs[k] = v.regs[k]
	}
	return nil
}

func (v *fakeVCPU) SetLongMode(cr3 uint64) error {
	v.cr3 = cr3
	return nil
}

func (v *fakeVCPU) Run(ctx context.Context) error {
	v.runs++
	if len(v.script) == 0 {
		return hv.ErrVMHalted
	}
	err := v.script[0]
	v.script = v.script[1:]
	return err
}

var _ hv.VirtualCPUAmd64 = &fakeVCPU{}

func writeImage(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guest.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return path
}

func newMachine(t *testing.T, vcpu *fakeVCPU, cfg Config) (*Machine, *fakeVM) {
	t.Helper()

	if cfg.Image == "" {
		cfg.Image = writeImage(t, []byte{0xf4})
	}
	if cfg.MemorySize == 0 {
		cfg.MemorySize = 2 << 20
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = paging.Size4K
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	m, err := New(&fakeHypervisor{vcpu: vcpu}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, m.vm.(*fakeVM)
}

func TestBootState(t *testing.T) {
	vcpu := &fakeVCPU{}
	m, vm := newMachine(t, vcpu, Config{MemorySize: 4 << 20, PageSize: paging.Size2M})

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if vcpu.cr3 != paging.DefaultLayout.PML4 {
		t.Errorf("cr3 = %#x, want %#x", vcpu.cr3, paging.DefaultLayout.PML4)
	}

	want := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip:    hv.Register64(0),
		hv.RegisterAMD64Rsp:    hv.Register64(4 << 20),
		hv.RegisterAMD64Rflags: hv.Register64(0x2),
	}
	if diff := cmp.Diff(want, vcpu.regs); diff != "" {
		t.Errorf("initial registers mismatch (-want +got):\n%s", diff)
	}

	if vm.mem[0] != 0xf4 {
		t.Errorf("image byte at 0 = %#x, want 0xf4", vm.mem[0])
	}

	mappings, err := paging.Walk(vm, vcpu.cr3)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(mappings) != 2 {
		t.Fatalf("got %d mappings, want 2", len(mappings))
	}
}

func TestRunExitPolicy(t *testing.T) {
	unhandled := fmt.Errorf("%w: KVM_EXIT_MMIO", hv.ErrUnhandledExit)

	tests := []struct {
		name      string
		script    []error
		wantErr   error
		wantRuns  int
		unhandled uint64
	}{
		{
			name:     "halt",
			script:   []error{nil, nil, hv.ErrVMHalted},
			wantRuns: 3,
		},
		{
			name:      "unhandled exits continue",
			script:    []error{unhandled, nil, unhandled, hv.ErrVMHalted},
			wantRuns:  4,
			unhandled: 2,
		},
		{
			name:     "shutdown is terminal",
			script:   []error{nil, hv.ErrVMShutdown, nil},
			wantErr:  hv.ErrVMShutdown,
			wantRuns: 2,
		},
		{
			name:     "internal error is terminal",
			script:   []error{fmt.Errorf("%w: KVM_INTERNAL_ERROR_EMULATION", hv.ErrInternalError)},
			wantErr:  hv.ErrInternalError,
			wantRuns: 1,
		},
		{
			name:     "device error is terminal",
			script:   []error{io.ErrClosedPipe},
			wantErr:  io.ErrClosedPipe,
			wantRuns: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vcpu := &fakeVCPU{script: tt.script}
			m, _ := newMachine(t, vcpu, Config{})

			err := m.Run(context.Background())
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Run: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Run = %v, want %v", err, tt.wantErr)
			}
			if vcpu.runs != tt.wantRuns {
				t.Errorf("vCPU ran %d times, want %d", vcpu.runs, tt.wantRuns)
			}
			if got := m.Stats().Unhandled; got != tt.unhandled {
				t.Errorf("unhandled = %d, want %d", got, tt.unhandled)
			}
		})
	}
}

func TestNewRejectsBadPaging(t *testing.T) {
	_, err := New(&fakeHypervisor{vcpu: &fakeVCPU{}}, Config{
		Image:      writeImage(t, nil),
		MemorySize: 3 << 20,
		PageSize:   paging.Size4K,
	})
	if !errors.Is(err, paging.ErrUnsupported) {
		t.Fatalf("New = %v, want ErrUnsupported", err)
	}
}

func TestLoadImageOverlap(t *testing.T) {
	mem := make(guestMemory, 2<<20)
	image := writeImage(t, bytes.Repeat([]byte{0x90}, 0x1001))

	if _, err := LoadImage(mem, image, 0x1000, nil); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("LoadImage = %v, want ErrImageTooLarge", err)
	}

	n, err := LoadImage(mem, image, 0x2000, nil)
	if err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	if n != 0x1001 || mem[0x1000] != 0x90 {
		t.Fatalf("loaded %d bytes, last byte %#x", n, mem[0x1000])
	}
}

func TestLoadImageMissing(t *testing.T) {
	_, err := New(&fakeHypervisor{vcpu: &fakeVCPU{}}, Config{
		Image:      filepath.Join(t.TempDir(), "missing.bin"),
		MemorySize: 2 << 20,
		PageSize:   paging.Size2M,
	})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("New = %v, want ErrNotExist", err)
	}
}

func TestLoadImageProgress(t *testing.T) {
	mem := make(guestMemory, 2<<20)
	image := writeImage(t, bytes.Repeat([]byte{1}, 512))

	var progress bytes.Buffer
	if _, err := LoadImage(mem, image, 0x1000, &progress); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	if progress.Len() == 0 {
		t.Fatal("no progress output")
	}
}

type guestMemory []byte

func (g guestMemory) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > int64(len(g)) {
		return 0, io.ErrShortWrite
	}
	return copy(g[off:], p), nil
}
