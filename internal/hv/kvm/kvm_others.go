//go:build linux && !amd64

package kvm

import (
	"context"
	"fmt"

	"github.com/tinyrange/filevisor/internal/hv"
)

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return fmt.Errorf("kvm: SetRegisters not supported on this architecture")
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return fmt.Errorf("kvm: GetRegisters not supported on this architecture")
}

func (v *virtualCPU) Run(ctx context.Context) error {
	return fmt.Errorf("kvm: Run not supported on this architecture")
}

func (h *hypervisor) archVMInit(vm *virtualMachine) error {
	return hv.ErrHypervisorUnsupported
}

func (h *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	return hv.ErrHypervisorUnsupported
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureInvalid
}
