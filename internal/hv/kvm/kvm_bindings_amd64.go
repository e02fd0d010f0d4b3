//go:build linux && amd64

package kvm

import (
	"fmt"
	"unsafe"
)

func getRegisters(vcpuFd int) (kvmRegs, error) {
	var regs kvmRegs

	if err := ioctlPtr(vcpuFd, kvmGetRegs, &regs); err != nil {
		return kvmRegs{}, err
	}

	return regs, nil
}

func setRegisters(vcpuFd int, regs *kvmRegs) error {
	return ioctlPtr(vcpuFd, kvmSetRegs, regs)
}

func setTSSAddr(vmFd int, addr uint64) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetTssAddr), uintptr(addr))
	return err
}

const maxCPUIDEntries = 255

func getSupportedCpuId(hvFd int) (*kvmCPUID2, error) {
	size := unsafe.Sizeof(kvmCPUID2{}) + unsafe.Sizeof(kvmCPUIDEntry2{})*maxCPUIDEntries
	cpuidData := make([]byte, size)
	cpuid := (*kvmCPUID2)(unsafe.Pointer(&cpuidData[0]))
	cpuid.Nr = maxCPUIDEntries

	if err := ioctlPtr(hvFd, kvmGetSupportedCpuid, cpuid); err != nil {
		return nil, fmt.Errorf("KVM_GET_SUPPORTED_CPUID: %w", err)
	}

	return cpuid, nil
}

func setVCPUID(vcpuFd int, cpuId *kvmCPUID2) error {
	return ioctlPtr(vcpuFd, kvmSetCpuid2, cpuId)
}

func getSRegs(vcpuFd int) (kvmSRegs, error) {
	var sregs kvmSRegs

	if err := ioctlPtr(vcpuFd, kvmGetSregs, &sregs); err != nil {
		return kvmSRegs{}, err
	}

	return sregs, nil
}

func setSRegs(vcpuFd int, sregs *kvmSRegs) error {
	return ioctlPtr(vcpuFd, kvmSetSregs, sregs)
}
