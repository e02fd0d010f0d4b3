//go:build linux

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func ioctlInt(ioctl int) func(fd int) (int, error) {
	return func(fd int) (int, error) {
		v, err := ioctlWithRetry(uintptr(fd), uint64(ioctl), 0)
		if err != nil {
			return 0, err
		}
		return int(v), nil
	}
}

var (
	getApiVersion   = ioctlInt(kvmGetApiVersion)
	createVm        = ioctlInt(kvmCreateVm)
	getVcpuMmapSize = ioctlInt(kvmGetVcpuMmapSize)
)

// ioctlPtr issues request with arg passed by reference. arg must point to a
// struct laid out exactly like the kernel's.
func ioctlPtr[T any](fd int, request uint64, arg *T) error {
	_, err := ioctlWithRetry(uintptr(fd), request, uintptr(unsafe.Pointer(arg)))
	return err
}

func createVCPU(vmFd int, id int) (int, error) {
	vcpuFd, err := ioctlWithRetry(uintptr(vmFd), kvmCreateVcpu, uintptr(id))
	if err != nil {
		return -1, err
	}
	return int(vcpuFd), nil
}

func setUserMemoryRegion(vmFd int, region *kvmUserspaceMemoryRegion) error {
	return ioctlPtr(vmFd, kvmSetUserMemoryRegion, region)
}
