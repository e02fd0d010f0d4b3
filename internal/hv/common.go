package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrVMHalted is returned by VirtualCPU.Run when the guest executed HLT.
	ErrVMHalted = errors.New("virtual machine halted")

	// ErrVMShutdown is returned when the guest triple-faulted or otherwise
	// requested an unsolicited shutdown.
	ErrVMShutdown = errors.New("virtual machine shut down")

	// ErrInternalError wraps hypervisor internal errors (e.g. emulation failure).
	ErrInternalError = errors.New("hypervisor internal error")

	// ErrUnhandledExit marks an exit the backend could not service. It is not
	// fatal: callers log it and resume the vCPU.
	ErrUnhandledExit = errors.New("unhandled exit")

	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags
	RegisterAMD64Cr3
)

func (r Register) String() string {
	switch r {
	case RegisterAMD64Rax:
		return "rax"
	case RegisterAMD64Rbx:
		return "rbx"
	case RegisterAMD64Rcx:
		return "rcx"
	case RegisterAMD64Rdx:
		return "rdx"
	case RegisterAMD64Rsi:
		return "rsi"
	case RegisterAMD64Rdi:
		return "rdi"
	case RegisterAMD64Rsp:
		return "rsp"
	case RegisterAMD64Rbp:
		return "rbp"
	case RegisterAMD64R8:
		return "r8"
	case RegisterAMD64R9:
		return "r9"
	case RegisterAMD64R10:
		return "r10"
	case RegisterAMD64R11:
		return "r11"
	case RegisterAMD64R12:
		return "r12"
	case RegisterAMD64R13:
		return "r13"
	case RegisterAMD64R14:
		return "r14"
	case RegisterAMD64R15:
		return "r15"
	case RegisterAMD64Rip:
		return "rip"
	case RegisterAMD64Rflags:
		return "rflags"
	case RegisterAMD64Cr3:
		return "cr3"
	default:
		return fmt.Sprintf("Register(%d)", uint64(r))
	}
}

type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	// Run resumes the vCPU until the next exit. I/O exits for registered
	// devices are serviced internally and return nil.
	Run(ctx context.Context) error
}

type VirtualCPUAmd64 interface {
	VirtualCPU

	// SetLongMode installs CR0/CR4/EFER for 64-bit paging rooted at cr3 and
	// flat code and data segments.
	SetLongMode(cr3 uint64) error
}

type RunConfig interface {
	Run(ctx context.Context, vcpu VirtualCPU) error
}

type Device interface {
	Init(vm VirtualMachine) error
}

type X86IOPortDevice interface {
	Device

	IOPorts() []uint16

	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

type SimpleX86IOPortDevice struct {
	Ports []uint16

	ReadFunc  func(port uint16, data []byte) error
	WriteFunc func(port uint16, data []byte) error
}

func (d SimpleX86IOPortDevice) IOPorts() []uint16 { return d.Ports }
func (d SimpleX86IOPortDevice) ReadIOPort(port uint16, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(port, data)
	}
	return fmt.Errorf("unhandled read from I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) WriteIOPort(port uint16, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(port, data)
	}
	return fmt.Errorf("unhandled write to I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) Init(vm VirtualMachine) error {
	return nil
}

var (
	_ X86IOPortDevice = SimpleX86IOPortDevice{}
)

type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	Hypervisor() Hypervisor

	MemorySize() uint64

	Run(ctx context.Context, cfg RunConfig) error

	AddDevice(dev Device) error
}

type VMLoader interface {
	Load(vm VirtualMachine) error
}

type VMConfig interface {
	CPUCount() int
	MemorySize() uint64
	Loader() VMLoader
	Devices() []Device
}

type SimpleVMConfig struct {
	NumCPUs   int
	MemSize   uint64
	VMLoader  VMLoader
	VMDevices []Device
}

func (c SimpleVMConfig) CPUCount() int      { return c.NumCPUs }
func (c SimpleVMConfig) MemorySize() uint64 { return c.MemSize }
func (c SimpleVMConfig) Loader() VMLoader   { return c.VMLoader }
func (c SimpleVMConfig) Devices() []Device  { return c.VMDevices }

var (
	_ VMConfig = SimpleVMConfig{}
)

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
