// Package manifest reads and writes the YAML run manifest that describes a
// set of guests and the files they share.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

const (
	CurrentVersion = 1

	DefaultMemoryMB = 2
	DefaultPageKB   = 4
	DefaultConsole  = "raw"
)

var (
	validMemoryMB = []uint64{2, 4, 8}
	validPageKB   = []uint64{4, 2048}
)

type Manifest struct {
	Version int `yaml:"version"`

	MemoryMB uint64 `yaml:"memoryMB,omitempty"`
	// PageKB is the page size in KiB: 4 or 2048.
	PageKB uint64 `yaml:"pageKB,omitempty"`
	// PagingBase overrides where the page tables are placed.
	PagingBase uint64 `yaml:"pagingBase,omitempty"`

	Dir     string `yaml:"dir,omitempty"`
	Console string `yaml:"console,omitempty"`

	SharedFiles []string `yaml:"sharedFiles,omitempty"`
	Guests      []string `yaml:"guests,omitempty"`
}

func (m *Manifest) normalize() {
	if m.Version == 0 {
		m.Version = CurrentVersion
	}
	if m.MemoryMB == 0 {
		m.MemoryMB = DefaultMemoryMB
	}
	if m.PageKB == 0 {
		m.PageKB = DefaultPageKB
	}
	if m.Dir == "" {
		m.Dir = "."
	}
	if m.Console == "" {
		m.Console = DefaultConsole
	}
}

// Validate checks the values a run depends on. Guests may be empty when the
// command line supplies them.
func (m Manifest) Validate() error {
	if m.Version != CurrentVersion {
		return fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	if !slices.Contains(validMemoryMB, m.MemoryMB) {
		return fmt.Errorf("memoryMB must be one of %v, got %d", validMemoryMB, m.MemoryMB)
	}
	if !slices.Contains(validPageKB, m.PageKB) {
		return fmt.Errorf("pageKB must be one of %v, got %d", validPageKB, m.PageKB)
	}
	return nil
}

// MemoryBytes returns the guest memory size in bytes.
func (m Manifest) MemoryBytes() uint64 { return m.MemoryMB << 20 }

// PageBytes returns the page size in bytes.
func (m Manifest) PageBytes() uint64 { return m.PageKB << 10 }

// Load reads the manifest at path. Relative guest paths and the file
// directory are resolved against the manifest's directory.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	m.normalize()

	if err := m.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	base := filepath.Dir(path)
	m.Dir = resolve(base, m.Dir)
	for i, g := range m.Guests {
		m.Guests[i] = resolve(base, g)
	}

	return m, nil
}

func resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Write stores m as YAML at path.
func Write(path string, m Manifest) error {
	m.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&m); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close manifest encoder: %w", err)
	}
	return f.Close()
}
