//go:build linux

package kvm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/tinyrange/filevisor/internal/hv"
	"golang.org/x/sys/unix"
)

type virtualCPU struct {
	vm       *virtualMachine
	runQueue chan func()
	id       int
	fd       int
	run      []byte
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

// start services the run queue on a locked OS thread. KVM expects every
// vCPU ioctl to come from the thread that issued KVM_RUN.
func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range v.runQueue {
		fn()
	}
}

func (v *virtualCPU) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&v.run[0]))
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

type virtualMachine struct {
	hv    *hypervisor
	vmFd  int
	vcpus map[int]*virtualCPU

	memMu  sync.RWMutex
	memory []byte

	devices []hv.Device
	ports   map[uint16]hv.X86IOPortDevice

	closeOnce sync.Once
	closeErr  error
}

// implements hv.VirtualMachine.
func (v *virtualMachine) MemorySize() uint64        { return uint64(len(v.memory)) }
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

// AddDevice implements hv.VirtualMachine.
func (v *virtualMachine) AddDevice(dev hv.Device) error {
	if pd, ok := dev.(hv.X86IOPortDevice); ok {
		for _, port := range pd.IOPorts() {
			if prev, ok := v.ports[port]; ok {
				return fmt.Errorf("kvm: I/O port 0x%04x already claimed by %T", port, prev)
			}
		}
		for _, port := range pd.IOPorts() {
			v.ports[port] = pd
		}
	}

	v.devices = append(v.devices, dev)

	return dev.Init(v)
}

// Close implements hv.VirtualMachine. It is safe to call more than once and
// on a partially constructed VM.
func (v *virtualMachine) Close() error {
	v.closeOnce.Do(func() {
		var errs []error

		for _, vcpu := range v.vcpus {
			if vcpu.runQueue != nil {
				close(vcpu.runQueue)
			}
			if vcpu.run != nil {
				if err := unix.Munmap(vcpu.run); err != nil {
					errs = append(errs, fmt.Errorf("munmap vCPU %d kvm_run: %w", vcpu.id, err))
				}
			}
			if err := unix.Close(vcpu.fd); err != nil {
				errs = append(errs, fmt.Errorf("close vCPU %d fd: %w", vcpu.id, err))
			}
		}
		v.vcpus = nil

		v.memMu.Lock()
		if v.memory != nil {
			if err := unix.Munmap(v.memory); err != nil {
				errs = append(errs, fmt.Errorf("munmap guest memory: %w", err))
			}
			v.memory = nil
		}
		v.memMu.Unlock()

		if v.vmFd >= 0 {
			if err := unix.Close(v.vmFd); err != nil {
				errs = append(errs, fmt.Errorf("close vm fd: %w", err))
			}
			v.vmFd = -1
		}

		if err := errors.Join(errs...); err != nil {
			v.closeErr = fmt.Errorf("kvm: close: %w", err)
		}
	})

	return v.closeErr
}

// Run implements hv.VirtualMachine. cfg runs on the vCPU thread.
func (v *virtualMachine) Run(ctx context.Context, cfg hv.RunConfig) error {
	if cfg == nil {
		return fmt.Errorf("kvm: RunConfig is nil")
	}

	vcpu, ok := v.vcpus[0]
	if !ok {
		return fmt.Errorf("kvm: no vCPU 0 found")
	}

	done := make(chan error, 1)

	vcpu.runQueue <- func() {
		done <- cfg.Run(ctx, vcpu)
	}

	return <-done
}

func (v *virtualMachine) ReadAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.memory == nil {
		return 0, fmt.Errorf("kvm: ReadAt after close")
	}

	if off < 0 || off >= int64(len(v.memory)) {
		return 0, fmt.Errorf("kvm: ReadAt GPA 0x%x out of bounds 0x%x", off, len(v.memory))
	}

	n = copy(p, v.memory[off:])
	if n < len(p) {
		err = fmt.Errorf("kvm: ReadAt short read")
	}

	return n, err
}

func (v *virtualMachine) WriteAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.memory == nil {
		return 0, fmt.Errorf("kvm: WriteAt after close")
	}

	if off < 0 || off >= int64(len(v.memory)) {
		return 0, fmt.Errorf("kvm: WriteAt GPA 0x%x out of bounds 0x%x", off, len(v.memory))
	}

	n = copy(v.memory[off:], p)
	if n < len(p) {
		err = fmt.Errorf("kvm: WriteAt short write")
	}

	return n, err
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd int
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

// NewVirtualMachine implements hv.Hypervisor. On failure every resource
// acquired so far is released and the error names the failing step.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	vm := &virtualMachine{
		hv:    h,
		vmFd:  -1,
		vcpus: make(map[int]*virtualCPU),
		ports: make(map[uint16]hv.X86IOPortDevice),
	}

	fail := func(step string, err error) (hv.VirtualMachine, error) {
		vm.Close()
		return nil, fmt.Errorf("kvm: %s: %w", step, err)
	}

	if config.MemorySize() == 0 {
		return nil, fmt.Errorf("kvm: memory size must be greater than 0")
	}
	if config.CPUCount() != 1 {
		return nil, fmt.Errorf("kvm: only 1 vCPU supported, got %d", config.CPUCount())
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		return fail("create VM", err)
	}
	vm.vmFd = vmFd

	if err := h.archVMInit(vm); err != nil {
		return fail("initialize VM", err)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(config.MemorySize()),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return fail("mmap guest memory", err)
	}
	vm.memory = mem

	if err := setUserMemoryRegion(vm.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          0,
		Flags:         0,
		GuestPhysAddr: 0,
		MemorySize:    config.MemorySize(),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		return fail("set user memory region", err)
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		return fail("get kvm_run mmap size", err)
	}

	vcpuFd, err := createVCPU(vm.vmFd, 0)
	if err != nil {
		return fail("create vCPU 0", err)
	}

	vcpu := &virtualCPU{vm: vm, id: 0, fd: vcpuFd}
	vm.vcpus[0] = vcpu

	run, err := unix.Mmap(
		vcpuFd,
		0,
		mmapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return fail("mmap vCPU 0 kvm_run", err)
	}
	vcpu.run = run

	if err := h.archVCPUInit(vm, vcpuFd); err != nil {
		return fail("initialize vCPU 0", err)
	}

	vcpu.runQueue = make(chan func(), 1)
	go vcpu.start()

	for _, dev := range config.Devices() {
		if err := vm.AddDevice(dev); err != nil {
			return fail(fmt.Sprintf("add device %T", dev), err)
		}
	}

	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			return fail("load VM", err)
		}
	}

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	// validate API version
	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}
