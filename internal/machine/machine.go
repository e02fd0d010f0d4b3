// Package machine boots a flat binary guest into 64-bit long mode and drives
// its run loop.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/filevisor/internal/hv"
	"github.com/tinyrange/filevisor/internal/paging"
)

// initialRflags has only the reserved bit 1 set.
const initialRflags = 0x2

type Config struct {
	ID    uint64
	Image string

	MemorySize uint64
	PageSize   uint64
	// Layout places the paging structures. The zero value selects
	// paging.DefaultLayout.
	Layout paging.Layout

	// Devices are attached to the VM before the image is loaded.
	Devices []hv.Device

	Logger *slog.Logger
	// Progress receives the image load progress bar. Nil disables it.
	Progress io.Writer
}

// Stats counts the exits a machine handled.
type Stats struct {
	Exits     uint64
	Unhandled uint64
}

type Machine struct {
	cfg Config
	log *slog.Logger

	vm  hv.VirtualMachine
	cr3 uint64

	imageSize int64
	stats     Stats
}

// New validates cfg, creates the VM on h and loads the guest image and page
// tables into it.
func New(h hv.Hypervisor, cfg Config) (*Machine, error) {
	if cfg.Layout == (paging.Layout{}) {
		cfg.Layout = paging.DefaultLayout
	}
	if err := paging.Validate(cfg.Layout, cfg.MemorySize, cfg.PageSize); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	m := &Machine{cfg: cfg, log: log}

	vm, err := h.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs:   1,
		MemSize:   cfg.MemorySize,
		VMLoader:  m,
		VMDevices: cfg.Devices,
	})
	if err != nil {
		return nil, fmt.Errorf("create VM: %w", err)
	}
	m.vm = vm

	return m, nil
}

func (m *Machine) ID() uint64   { return m.cfg.ID }
func (m *Machine) Stats() Stats { return m.stats }

// Load implements hv.VMLoader.
func (m *Machine) Load(vm hv.VirtualMachine) error {
	n, err := LoadImage(vm, m.cfg.Image, m.cfg.Layout.Start(), m.cfg.Progress)
	if err != nil {
		return err
	}
	m.imageSize = n

	cr3, err := paging.Build(vm, m.cfg.Layout, m.cfg.MemorySize, m.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("build page tables: %w", err)
	}
	m.cr3 = cr3

	m.log.Debug("guest loaded",
		"image", m.cfg.Image,
		"bytes", n,
		"cr3", fmt.Sprintf("%#x", cr3),
		"pageSize", m.cfg.PageSize,
	)

	return nil
}

// Run boots the guest and returns once it halts (nil) or hits a terminal
// exit.
func (m *Machine) Run(ctx context.Context) error {
	return m.vm.Run(ctx, runLoop{m})
}

func (m *Machine) Close() error {
	if m.vm == nil {
		return nil
	}
	return m.vm.Close()
}

// runLoop implements hv.RunConfig.
type runLoop struct {
	m *Machine
}

func (r runLoop) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	m := r.m

	amd64, ok := vcpu.(hv.VirtualCPUAmd64)
	if !ok {
		return fmt.Errorf("vCPU %T does not support long mode", vcpu)
	}
	if err := amd64.SetLongMode(m.cr3); err != nil {
		return fmt.Errorf("set long mode: %w", err)
	}

	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip:    hv.Register64(0),
		hv.RegisterAMD64Rsp:    hv.Register64(m.cfg.MemorySize),
		hv.RegisterAMD64Rflags: hv.Register64(initialRflags),
	}); err != nil {
		return fmt.Errorf("set initial registers: %w", err)
	}

	for {
		err := vcpu.Run(ctx)
		m.stats.Exits++

		switch {
		case err == nil:
		case errors.Is(err, hv.ErrVMHalted):
			m.log.Debug("guest halted", "exits", m.stats.Exits, "unhandled", m.stats.Unhandled)
			return nil
		case errors.Is(err, hv.ErrUnhandledExit):
			m.stats.Unhandled++
			m.log.Warn("unhandled exit", "error", err)
		default:
			return fmt.Errorf("run vCPU: %w", err)
		}
	}
}
