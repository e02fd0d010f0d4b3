// Package orchestrator runs a set of guests concurrently against one shared
// file namespace.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/tinyrange/filevisor/internal/console"
	"github.com/tinyrange/filevisor/internal/filectl"
	"github.com/tinyrange/filevisor/internal/hv"
	"github.com/tinyrange/filevisor/internal/hv/factory"
	"github.com/tinyrange/filevisor/internal/machine"
	"github.com/tinyrange/filevisor/internal/namespace"
	"github.com/tinyrange/filevisor/internal/paging"
	"github.com/tinyrange/filevisor/internal/trace"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Images []string

	MemorySize uint64
	PageSize   uint64
	Layout     paging.Layout

	// Dir is the root for shared and local files.
	Dir         string
	SharedFiles []string

	Console  *console.Hub
	Trace    *trace.Writer
	Logger   *slog.Logger
	Progress io.Writer

	// OpenHypervisor defaults to factory.Open.
	OpenHypervisor func() (hv.Hypervisor, error)
}

// Result is the outcome of one guest.
type Result struct {
	VMID  uint64
	Image string
	Stats machine.Stats
	Err   error
}

// Run starts one VM per image and waits for all of them. The returned slice
// has one entry per image in cfg.Images order. The error joins every guest
// failure; setup failures that prevent any guest from starting are returned
// with a nil slice.
func Run(ctx context.Context, cfg Config) ([]Result, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Console == nil {
		cfg.Console = console.NewHub(io.Discard, nil, console.ModeRaw)
	}
	openHV := cfg.OpenHypervisor
	if openHV == nil {
		openHV = factory.Open
	}
	dir := cfg.Dir
	if dir == "" {
		dir = "."
	}

	ns, err := namespace.Open(dir, cfg.SharedFiles)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ns.Close(); err != nil {
			log.Warn("close shared files", "error", err)
		}
	}()

	h, err := openHV()
	if err != nil {
		return nil, fmt.Errorf("open hypervisor: %w", err)
	}
	defer h.Close()

	log.Debug("starting guests", "count", len(cfg.Images), "shared", len(ns.Shared()))

	var (
		nextVM  atomic.Uint64
		results = make([]Result, len(cfg.Images))
		g       errgroup.Group
	)

	for i, image := range cfg.Images {
		id := nextVM.Add(1)
		g.Go(func() error {
			// One guest per OS thread for its whole life.
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			results[i] = runGuest(ctx, cfg, h, ns, log.With("vm", id), id, image)
			return results[i].Err
		})
	}

	// Wait returns the first failure; the joined error below reports all.
	_ = g.Wait()

	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("vm %d (%s): %w", res.VMID, res.Image, res.Err))
		}
	}

	return results, errors.Join(errs...)
}

func runGuest(
	ctx context.Context,
	cfg Config,
	h hv.Hypervisor,
	ns *namespace.Namespace,
	log *slog.Logger,
	id uint64,
	image string,
) Result {
	res := Result{VMID: id, Image: image}

	ctl := filectl.New(filectl.Config{
		VMID:      id,
		Namespace: ns,
		Logger:    log,
		Trace:     cfg.Trace.Source(fmt.Sprintf("vm%d/file", id)),
	})
	con := cfg.Console.Device(id)

	m, err := machine.New(h, machine.Config{
		ID:         id,
		Image:      image,
		MemorySize: cfg.MemorySize,
		PageSize:   cfg.PageSize,
		Layout:     cfg.Layout,
		Devices:    []hv.Device{con, ctl},
		Logger:     log,
		Progress:   cfg.Progress,
	})
	if err != nil {
		log.Error("guest setup failed", "image", image, "error", err)
		res.Err = err
		return res
	}

	log.Info("guest started", "image", image)

	runErr := m.Run(ctx)
	res.Stats = m.Stats()

	res.Err = errors.Join(
		runErr,
		con.Flush(),
		ctl.CloseAll(),
		m.Close(),
	)

	if runErr != nil {
		log.Error("guest failed", "error", runErr, "exits", res.Stats.Exits)
	} else {
		log.Info("guest halted", "exits", res.Stats.Exits, "unhandled", res.Stats.Unhandled)
	}

	return res
}
