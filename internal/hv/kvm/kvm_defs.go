//go:build linux

package kvm

import "fmt"

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmGetVcpuMmapSize     = 0xae04
	kvmGetSupportedCpuid   = 0xc008ae05
	kvmCreateVcpu          = 0xae41
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetTssAddr          = 0xae47
	kvmRun                 = 0xae80
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmSetCpuid2           = 0x4008ae90
)

type kvmExitReason uint32

func (kr kvmExitReason) String() string {
	switch kr {
	case kvmExitUnknown:
		return "KVM_EXIT_UNKNOWN"
	case kvmExitException:
		return "KVM_EXIT_EXCEPTION"
	case kvmExitIo:
		return "KVM_EXIT_IO"
	case kvmExitHypercall:
		return "KVM_EXIT_HYPERCALL"
	case kvmExitDebug:
		return "KVM_EXIT_DEBUG"
	case kvmExitHlt:
		return "KVM_EXIT_HLT"
	case kvmExitMmio:
		return "KVM_EXIT_MMIO"
	case kvmExitIrqWindowOpen:
		return "KVM_EXIT_IRQ_WINDOW_OPEN"
	case kvmExitShutdown:
		return "KVM_EXIT_SHUTDOWN"
	case kvmExitFailEntry:
		return "KVM_EXIT_FAIL_ENTRY"
	case kvmExitIntr:
		return "KVM_EXIT_INTR"
	case kvmExitNmi:
		return "KVM_EXIT_NMI"
	case kvmExitInternalError:
		return "KVM_EXIT_INTERNAL_ERROR"
	case kvmExitSystemEvent:
		return "KVM_EXIT_SYSTEM_EVENT"
	case kvmExitX86Rdmsr:
		return "KVM_EXIT_X86_RDMSR"
	case kvmExitX86Wrmsr:
		return "KVM_EXIT_X86_WRMSR"
	case kvmExitX86BusLock:
		return "KVM_EXIT_X86_BUS_LOCK"
	case kvmExitNotify:
		return "KVM_EXIT_NOTIFY"
	case kvmExitMemoryFault:
		return "KVM_EXIT_MEMORY_FAULT"
	default:
		return fmt.Sprintf("KVM_EXIT_???(%d)", uint32(kr))
	}
}

const (
	kvmExitUnknown       kvmExitReason = 0
	kvmExitException     kvmExitReason = 1
	kvmExitIo            kvmExitReason = 2
	kvmExitHypercall     kvmExitReason = 3
	kvmExitDebug         kvmExitReason = 4
	kvmExitHlt           kvmExitReason = 5
	kvmExitMmio          kvmExitReason = 6
	kvmExitIrqWindowOpen kvmExitReason = 7
	kvmExitShutdown      kvmExitReason = 8
	kvmExitFailEntry     kvmExitReason = 9
	kvmExitIntr          kvmExitReason = 10
	kvmExitNmi           kvmExitReason = 16
	kvmExitInternalError kvmExitReason = 17
	kvmExitSystemEvent   kvmExitReason = 24
	kvmExitX86Rdmsr      kvmExitReason = 29
	kvmExitX86Wrmsr      kvmExitReason = 30
	kvmExitX86BusLock    kvmExitReason = 33
	kvmExitNotify        kvmExitReason = 37
	kvmExitMemoryFault   kvmExitReason = 39
)

const (
	kvmExitIoIn  = 0
	kvmExitIoOut = 1
)
