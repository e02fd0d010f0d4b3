// Command filevisor boots flat binary guests under KVM and serves them the
// console and file ports.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tinyrange/filevisor/internal/console"
	"github.com/tinyrange/filevisor/internal/manifest"
	"github.com/tinyrange/filevisor/internal/orchestrator"
	"github.com/tinyrange/filevisor/internal/paging"
	"github.com/tinyrange/filevisor/internal/trace"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "filevisor: %v\n", err)
		os.Exit(1)
	}
}

type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	if _, err := f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'})); err != nil {
		return 0, err
	}
	return len(p), nil
}

type uint64Flag struct {
	v   uint64
	set bool
}

func (f *uint64Flag) String() string { return strconv.FormatUint(f.v, 10) }

func (f *uint64Flag) Set(s string) error {
	// Base 0 so addresses can be given in hex.
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

type boolFlag struct {
	v   bool
	set bool
}

func (f *boolFlag) String() string {
	if f.v {
		return "true"
	}
	return "false"
}

func (f *boolFlag) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

func (f *boolFlag) IsBoolFlag() bool { return true }

type stringFlag struct {
	v   string
	set bool
}

func (f *stringFlag) String() string { return f.v }

func (f *stringFlag) Set(s string) error {
	f.v = s
	f.set = true
	return nil
}

// listFlag collects every occurrence of a repeatable flag.
type listFlag struct {
	v   []string
	set bool
}

func (f *listFlag) String() string { return strings.Join(f.v, ",") }

func (f *listFlag) Set(s string) error {
	f.v = append(f.v, s)
	f.set = true
	return nil
}

// pageKBFromFlag maps the -page values to KiB: 4 selects 4 KiB pages, 2
// selects 2 MiB pages.
func pageKBFromFlag(v uint64) (uint64, error) {
	switch v {
	case 4:
		return paging.Size4K >> 10, nil
	case 2:
		return paging.Size2M >> 10, nil
	default:
		return 0, fmt.Errorf("-page must be 4 (KiB) or 2 (MiB), got %d", v)
	}
}

func pageFlagFromKB(kb uint64) uint64 {
	if kb<<10 == paging.Size2M {
		return 2
	}
	return kb
}

func run() error {
	var memoryFlag uint64Flag
	memoryFlag.v = manifest.DefaultMemoryMB
	flag.Var(&memoryFlag, "memory", "Guest memory in MiB (2, 4 or 8)")
	var pageFlag uint64Flag
	pageFlag.v = 4
	flag.Var(&pageFlag, "page", "Page size: 4 for 4 KiB pages, 2 for 2 MiB pages")
	var pagingBaseFlag uint64Flag
	pagingBaseFlag.v = paging.DefaultLayout.PML4
	flag.Var(&pagingBaseFlag, "paging-base", "Guest physical address of the page tables (bounds the image size)")
	var fileFlag listFlag
	flag.Var(&fileFlag, "file", "Shared file name, resolved inside -dir (repeatable)")
	var dirFlag stringFlag
	dirFlag.v = "."
	flag.Var(&dirFlag, "dir", "Directory holding shared and per-guest files")
	var consoleFlag stringFlag
	consoleFlag.v = string(console.ModeRaw)
	flag.Var(&consoleFlag, "console", "Console mode: raw or prefixed")
	var rawStdinFlag boolFlag
	flag.Var(&rawStdinFlag, "raw-stdin", "Put a terminal stdin into raw mode while guests run")
	var progressFlag boolFlag
	flag.Var(&progressFlag, "progress", "Show guest image load progress")

	configFile := flag.String("config", "", "YAML run manifest; flags given explicitly override it")
	writeConfig := flag.String("write-config", "", "Write the effective run manifest to this file, then exit")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	traceFile := flag.String("trace-file", "", "Record file protocol traffic to this file")
	dumpTrace := flag.String("dump-trace", "", "Print a file written by -trace-file, then exit")
	dumpPaging := flag.Bool("dump-paging", false, "Print the page table mappings for the configured memory, then exit")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] IMAGE...\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	if *dumpTrace != "" {
		return printTrace(os.Stdout, *dumpTrace)
	}

	m := manifest.Manifest{}
	if *configFile != "" {
		var err error
		m, err = manifest.Load(*configFile)
		if err != nil {
			return err
		}

		if !memoryFlag.set {
			memoryFlag.v = m.MemoryMB
		}
		if !pageFlag.set {
			pageFlag.v = pageFlagFromKB(m.PageKB)
		}
		if !pagingBaseFlag.set && m.PagingBase != 0 {
			pagingBaseFlag.v = m.PagingBase
		}
		if !fileFlag.set {
			fileFlag.v = m.SharedFiles
		}
		if !dirFlag.set {
			dirFlag.v = m.Dir
		}
		if !consoleFlag.set {
			consoleFlag.v = m.Console
		}
	}

	images := flag.Args()
	if len(images) == 0 {
		images = m.Guests
	}

	pageKB, err := pageKBFromFlag(pageFlag.v)
	if err != nil {
		return err
	}

	// The effective settings, validated the same way a manifest is.
	eff := manifest.Manifest{
		Version:     manifest.CurrentVersion,
		MemoryMB:    memoryFlag.v,
		PageKB:      pageKB,
		PagingBase:  pagingBaseFlag.v,
		Dir:         dirFlag.v,
		Console:     consoleFlag.v,
		SharedFiles: fileFlag.v,
		Guests:      images,
	}
	if err := eff.Validate(); err != nil {
		return err
	}
	memSize := eff.MemoryBytes()
	pageBytes := eff.PageBytes()

	layout := paging.LayoutAt(pagingBaseFlag.v)
	if err := paging.Validate(layout, memSize, pageBytes); err != nil {
		return err
	}

	consoleMode, err := console.ParseMode(consoleFlag.v)
	if err != nil {
		return err
	}

	if *writeConfig != "" {
		eff.Console = string(consoleMode)
		return manifest.Write(*writeConfig, eff)
	}

	if *dumpPaging {
		return printPaging(os.Stdout, layout, memSize, pageBytes)
	}

	if len(images) == 0 {
		flag.Usage()
		return fmt.Errorf("no guest images given")
	}

	var (
		stdout io.Writer = os.Stdout
		stderr io.Writer = os.Stderr
	)

	if rawStdinFlag.v && term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)

		stdout = &fixCrlf{w: os.Stdout}
		stderr = &fixCrlf{w: os.Stderr}
	}

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(
		stderr,
		&slog.HandlerOptions{Level: level},
	)))

	var tw *trace.Writer
	if *traceFile != "" {
		tw, err = trace.Create(*traceFile)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		defer func() {
			if err := tw.Close(); err != nil {
				slog.Error("close trace file", "error", err)
			}
		}()
	}

	var progress io.Writer
	if progressFlag.v {
		progress = stderr
	}

	slog.Debug("starting",
		"guests", len(images),
		"memory", memSize,
		"pageSize", pageBytes,
		"dir", dirFlag.v,
		"shared", fileFlag.v,
	)

	results, err := orchestrator.Run(context.Background(), orchestrator.Config{
		Images:      images,
		MemorySize:  memSize,
		PageSize:    pageBytes,
		Layout:      layout,
		Dir:         dirFlag.v,
		SharedFiles: fileFlag.v,
		Console:     console.NewHub(stdout, os.Stdin, consoleMode),
		Trace:       tw,
		Logger:      slog.Default(),
		Progress:    progress,
	})

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	if err != nil {
		if results == nil {
			return err
		}
		return fmt.Errorf("%d of %d guests failed: %w", failed, len(results), err)
	}

	return nil
}

func printTrace(w io.Writer, filename string) error {
	return trace.EachFile(filename, func(rec trace.Record) error {
		_, err := fmt.Fprintf(w, "%s %-8s %-10s %q\n",
			rec.Time.Format(time.RFC3339Nano), rec.Kind, rec.Source, rec.Data)
		return err
	})
}

// guestMemory is a plain buffer standing in for guest RAM.
type guestMemory []byte

func (g guestMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(g)) {
		return 0, io.EOF
	}
	n := copy(p, g[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (g guestMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(g)) {
		return 0, io.ErrShortWrite
	}
	return copy(g[off:], p), nil
}

func printPaging(w io.Writer, layout paging.Layout, memSize, pageBytes uint64) error {
	mem := make(guestMemory, memSize)

	cr3, err := paging.Build(mem, layout, memSize, pageBytes)
	if err != nil {
		return err
	}

	mappings, err := paging.Walk(mem, cr3)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "cr3=%#x tables=[%#x, %#x) mappings=%d\n",
		cr3, layout.Start(), layout.End(memSize, pageBytes), len(mappings))
	for _, mp := range mappings {
		fmt.Fprintf(w, "%#012x -> %#012x %s\n", mp.Virt, mp.Phys, sizeName(mp.Size))
	}
	return nil
}

func sizeName(size uint64) string {
	switch size {
	case paging.Size2M:
		return "2M"
	case paging.Size4K:
		return "4K"
	default:
		return strconv.FormatUint(size, 10)
	}
}
