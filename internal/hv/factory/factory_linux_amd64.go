//go:build linux && amd64

package factory

import (
	"github.com/tinyrange/filevisor/internal/hv"
	"github.com/tinyrange/filevisor/internal/hv/kvm"
)

// Open returns the host hypervisor backend.
func Open() (hv.Hypervisor, error) {
	return kvm.Open()
}
