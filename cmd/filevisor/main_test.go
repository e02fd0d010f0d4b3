package main

import (
	"bufio"
	"bytes"
	"flag"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/filevisor/internal/paging"
	"github.com/tinyrange/filevisor/internal/trace"
)

func TestPageSize(t *testing.T) {
	if v, err := pageKBFromFlag(4); err != nil || v != 4 {
		t.Errorf("pageKBFromFlag(4) = %d, %v", v, err)
	}
	if v, err := pageKBFromFlag(2); err != nil || v != 2048 {
		t.Errorf("pageKBFromFlag(2) = %d, %v", v, err)
	}
	if _, err := pageKBFromFlag(8); err == nil {
		t.Error("pageKBFromFlag(8) succeeded")
	}
	if got := pageFlagFromKB(2048); got != 2 {
		t.Errorf("pageFlagFromKB(2048) = %d, want 2", got)
	}
}

func TestFlagsTrackSet(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)

	var files listFlag
	fs.Var(&files, "file", "")
	var base uint64Flag
	base.v = 0x1000
	fs.Var(&base, "paging-base", "")
	var raw boolFlag
	fs.Var(&raw, "raw-stdin", "")

	if err := fs.Parse([]string{"-file", "a.txt", "-file", "b.txt", "-paging-base", "0x4000", "-raw-stdin", "img"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if !files.set || files.String() != "a.txt,b.txt" {
		t.Errorf("files = %+v", files)
	}
	if !base.set || base.v != 0x4000 {
		t.Errorf("paging-base = %+v", base)
	}
	if !raw.set || !raw.v {
		t.Errorf("raw-stdin = %+v", raw)
	}
	if fs.NArg() != 1 {
		t.Errorf("args = %v", fs.Args())
	}
}

func TestPrintPaging(t *testing.T) {
	var out bytes.Buffer
	if err := printPaging(&out, paging.DefaultLayout, 4<<20, paging.Size2M); err != nil {
		t.Fatalf("printPaging: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("output = %q", out.String())
	}
	if !strings.Contains(lines[0], "mappings=2") || !strings.HasSuffix(lines[2], "2M") {
		t.Errorf("output = %q", out.String())
	}
}

func TestPrintTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.bin")
	w, err := trace.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w.Write(trace.KindMessage, "vm1/file", []byte("\x01#a#r##"))
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var out bytes.Buffer
	if err := printTrace(&out, path); err != nil {
		t.Fatalf("printTrace: %v", err)
	}

	sc := bufio.NewScanner(&out)
	if !sc.Scan() || !strings.Contains(sc.Text(), `vm1/file   "\x01#a#r##"`) {
		t.Errorf("output = %q", out.String())
	}
}

func TestFixCrlf(t *testing.T) {
	var out bytes.Buffer
	w := &fixCrlf{w: &out}
	n, err := w.Write([]byte("a\nb\n"))
	if err != nil || n != 4 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if out.String() != "a\r\nb\r\n" {
		t.Errorf("output = %q", out.String())
	}
}
