//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/tinyrange/filevisor/internal/hv"
	"golang.org/x/sys/unix"
)

// regField returns the kvmRegs field backing reg, or nil for registers that
// live in the special register set.
func regField(regs *kvmRegs, reg hv.Register) *uint64 {
	switch reg {
	case hv.RegisterAMD64Rax:
		return &regs.Rax
	case hv.RegisterAMD64Rbx:
		return &regs.Rbx
	case hv.RegisterAMD64Rcx:
		return &regs.Rcx
	case hv.RegisterAMD64Rdx:
		return &regs.Rdx
	case hv.RegisterAMD64Rsi:
		return &regs.Rsi
	case hv.RegisterAMD64Rdi:
		return &regs.Rdi
	case hv.RegisterAMD64Rsp:
		return &regs.Rsp
	case hv.RegisterAMD64Rbp:
		return &regs.Rbp
	case hv.RegisterAMD64R8:
		return &regs.R8
	case hv.RegisterAMD64R9:
		return &regs.R9
	case hv.RegisterAMD64R10:
		return &regs.R10
	case hv.RegisterAMD64R11:
		return &regs.R11
	case hv.RegisterAMD64R12:
		return &regs.R12
	case hv.RegisterAMD64R13:
		return &regs.R13
	case hv.RegisterAMD64R14:
		return &regs.R14
	case hv.RegisterAMD64R15:
		return &regs.R15
	case hv.RegisterAMD64Rip:
		return &regs.Rip
	case hv.RegisterAMD64Rflags:
		return &regs.Rflags
	default:
		return nil
	}
}

func sregField(sregs *kvmSRegs, reg hv.Register) *uint64 {
	switch reg {
	case hv.RegisterAMD64Cr3:
		return &sregs.Cr3
	default:
		return nil
	}
}

// splitRegisters reports which register sets regs touches.
func splitRegisters(regs map[hv.Register]hv.RegisterValue) (regular, special bool, err error) {
	var probe kvmRegs
	var sprobe kvmSRegs
	for reg := range regs {
		switch {
		case regField(&probe, reg) != nil:
			regular = true
		case sregField(&sprobe, reg) != nil:
			special = true
		default:
			return false, false, fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
	}
	return regular, special, nil
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	regular, special, err := splitRegisters(regs)
	if err != nil {
		return err
	}

	if regular {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}

		for reg, val := range regs {
			if field := regField(&regularRegs, reg); field != nil {
				*field = uint64(val.(hv.Register64))
			}
		}

		if err := setRegisters(v.fd, &regularRegs); err != nil {
			return fmt.Errorf("kvm: set registers: %w", err)
		}
	}

	if special {
		specialRegs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}

		for reg, val := range regs {
			if field := sregField(&specialRegs, reg); field != nil {
				*field = uint64(val.(hv.Register64))
			}
		}

		if err := setSRegs(v.fd, &specialRegs); err != nil {
			return fmt.Errorf("kvm: set special registers: %w", err)
		}
	}

	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	regular, special, err := splitRegisters(regs)
	if err != nil {
		return err
	}

	if regular {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}

		for reg := range regs {
			if field := regField(&regularRegs, reg); field != nil {
				regs[reg] = hv.Register64(*field)
			}
		}
	}

	if special {
		specialRegs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}

		for reg := range regs {
			if field := sregField(&specialRegs, reg); field != nil {
				regs[reg] = hv.Register64(*field)
			}
		}
	}

	return nil
}

// Run resumes the vCPU once and classifies the exit. Port I/O for a
// registered device is serviced here and reported as nil.
func (v *virtualCPU) Run(ctx context.Context) error {
	run := v.runData()
	run.immediate_exit = 0

	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		} else if err != nil {
			return fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}

		break
	}

	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitHlt:
		return hv.ErrVMHalted
	case kvmExitShutdown:
		return hv.ErrVMShutdown
	case kvmExitInternalError:
		ie := (*internalError)(unsafe.Pointer(&run.anon0[0]))

		return fmt.Errorf("%w: vCPU %d: %s", hv.ErrInternalError, v.id, ie.Suberror)
	case kvmExitFailEntry:
		fe := (*kvmFailEntry)(unsafe.Pointer(&run.anon0[0]))

		return fmt.Errorf("%w: vCPU %d: entry failed, hardware reason 0x%x", hv.ErrInternalError, v.id, fe.hardwareEntryFailureReason)
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))

		return v.handleIO(ioData)
	default:
		return fmt.Errorf("%w: vCPU %d: %s", hv.ErrUnhandledExit, v.id, reason)
	}
}

func (v *virtualCPU) handleIO(ioData *kvmExitIoData) error {
	dev, ok := v.vm.ports[ioData.port]
	if !ok {
		dir := "out"
		if ioData.direction == kvmExitIoIn {
			dir = "in"
		}
		return fmt.Errorf("%w: %s on I/O port 0x%04x", hv.ErrUnhandledExit, dir, ioData.port)
	}

	data := v.run[ioData.dataOffset : ioData.dataOffset+uint64(ioData.size)*uint64(ioData.count)]

	if ioData.direction == kvmExitIoIn {
		if err := dev.ReadIOPort(ioData.port, data); err != nil {
			return fmt.Errorf("I/O port 0x%04x read: %w", ioData.port, err)
		}
	} else {
		if err := dev.WriteIOPort(ioData.port, data); err != nil {
			return fmt.Errorf("I/O port 0x%04x write: %w", ioData.port, err)
		}
	}

	return nil
}

// tssAddr sits just below the 4 GiB boundary, out of the way of guest RAM.
const tssAddr = 0xfffbd000

func (h *hypervisor) archVMInit(vm *virtualMachine) error {
	if err := setTSSAddr(vm.vmFd, tssAddr); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}

	return nil
}

func (h *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	cpuId, err := getSupportedCpuId(h.fd)
	if err != nil {
		return fmt.Errorf("getting vCPU ID: %w", err)
	}

	if err := setVCPUID(vcpuFd, cpuId); err != nil {
		return fmt.Errorf("setting vCPU ID: %w", err)
	}

	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}

const (
	cr0_PE = 1
	cr0_PG = (1 << 31)

	cr4_PAE = (1 << 5)

	efer_LME = (1 << 8)
	efer_LMA = (1 << 10)
)

const (
	codeSelector = 1 << 3
	dataSelector = 2 << 3
)

// SetLongMode implements hv.VirtualCPUAmd64. The page tables rooted at cr3
// must already be in guest memory.
func (v *virtualCPU) SetLongMode(cr3 uint64) error {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get special registers: %w", err)
	}

	sregs.Cr3 = cr3
	sregs.Cr4 = cr4_PAE
	sregs.Cr0 = cr0_PE | cr0_PG
	sregs.Efer = efer_LME | efer_LMA

	code := kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: codeSelector,
		Present:  1,
		Type:     11, // code: exec/read/accessed
		Dpl:      0,
		Db:       0, // must be 0 when L is set
		S:        1,
		L:        1,
		G:        1,
	}
	sregs.Cs = code

	data := code
	data.Type = 3 // data: read/write/accessed
	data.L = 0
	data.Selector = dataSelector
	sregs.Ds, sregs.Es, sregs.Fs, sregs.Gs, sregs.Ss = data, data, data, data, data

	if err := setSRegs(v.fd, &sregs); err != nil {
		return fmt.Errorf("kvm: set special registers: %w", err)
	}

	return nil
}

var (
	_ hv.VirtualCPUAmd64 = &virtualCPU{}
)
