// Package namespace owns the host-side file state shared by every guest: the
// directory guests' files live in, the global file id counter and the table
// of shared files with their per-VM read cursors.
package namespace

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// ErrNameInUse is returned when a VM asks for a host file name that belongs
// to a shared file or to another VM.
var ErrNameInUse = errors.New("host file name in use")

// sharedOwner marks host names held by shared files.
const sharedOwner = math.MaxUint64

// Namespace is created once before any guest starts and closed once after all
// guests have finished.
type Namespace struct {
	root *os.Root

	nextID atomic.Uint64

	// Written only by Open; read concurrently afterwards.
	byName map[string]*SharedFile
	byID   map[uint64]*SharedFile
	order  []*SharedFile

	ownersMu sync.Mutex
	// Host names handed out so far, keyed by cleaned path, with the VM that
	// owns each one.
	owners map[string]uint64
}

// Open opens dir as the file root and every name in shared read-only. Shared
// files take the first ids in list order. A name listed twice is opened once.
func Open(dir string, shared []string) (*Namespace, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open file root %q: %w", dir, err)
	}

	ns := &Namespace{
		root:   root,
		byName: make(map[string]*SharedFile),
		byID:   make(map[uint64]*SharedFile),
		owners: make(map[string]uint64),
	}

	for _, name := range shared {
		if _, ok := ns.byName[name]; ok {
			continue
		}

		f, err := root.Open(name)
		if err != nil {
			ns.Close()
			return nil, fmt.Errorf("open shared file %q: %w", name, err)
		}

		sf := &SharedFile{
			ID:      ns.NextID(),
			Name:    name,
			f:       f,
			cursors: make(map[uint64]int64),
		}
		ns.byName[name] = sf
		ns.byID[sf.ID] = sf
		ns.order = append(ns.order, sf)
		ns.owners[filepath.Clean(name)] = sharedOwner
	}

	return ns, nil
}

// NextID hands out the next process-wide file id.
func (ns *Namespace) NextID() uint64 {
	return ns.nextID.Add(1) - 1
}

func (ns *Namespace) Lookup(name string) (*SharedFile, bool) {
	sf, ok := ns.byName[name]
	return sf, ok
}

func (ns *Namespace) ByID(id uint64) (*SharedFile, bool) {
	sf, ok := ns.byID[id]
	return sf, ok
}

// Shared lists the shared files in id order.
func (ns *Namespace) Shared() []*SharedFile {
	return append([]*SharedFile(nil), ns.order...)
}

// claim records vmID as the owner of the host name. A name already held by a
// shared file or another VM is refused.
func (ns *Namespace) claim(vmID uint64, name string) error {
	key := filepath.Clean(name)

	ns.ownersMu.Lock()
	defer ns.ownersMu.Unlock()

	owner, ok := ns.owners[key]
	switch {
	case !ok:
		ns.owners[key] = vmID
		return nil
	case owner == vmID:
		return nil
	case owner == sharedOwner:
		return fmt.Errorf("%q: %w by a shared file", name, ErrNameInUse)
	default:
		return fmt.Errorf("%q: %w by vm %d", name, ErrNameInUse, owner)
	}
}

// Create creates or truncates vmID's private file inside the root.
func (ns *Namespace) Create(vmID uint64, name string) (*os.File, error) {
	if err := ns.claim(vmID, name); err != nil {
		return nil, err
	}
	return ns.root.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
}

// Reopen opens vmID's existing private file inside the root without
// truncating it.
func (ns *Namespace) Reopen(vmID uint64, name string) (*os.File, error) {
	if err := ns.claim(vmID, name); err != nil {
		return nil, err
	}
	return ns.root.OpenFile(name, os.O_RDWR, 0)
}

// Close closes every shared handle and the root.
func (ns *Namespace) Close() error {
	var errs []error
	for _, sf := range ns.order {
		if err := sf.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close shared file %q: %w", sf.Name, err))
		}
	}
	if err := ns.root.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close file root: %w", err))
	}
	return errors.Join(errs...)
}

// SharedFile is a read-only host file visible to every guest. Each VM has an
// independent cursor. mu serializes every access that reads the handle or a
// cursor.
type SharedFile struct {
	ID   uint64
	Name string

	mu      sync.Mutex
	f       *os.File
	cursors map[uint64]int64
}

// Read reads up to size bytes at vmID's cursor and advances that cursor by the
// number of bytes read.
func (sf *SharedFile) Read(vmID uint64, size uint64) ([]byte, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if size > math.MaxInt32 {
		size = math.MaxInt32
	}
	buf := make([]byte, size)

	cursor := sf.cursors[vmID]
	n, err := sf.f.ReadAt(buf, cursor)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read shared file %q at %d: %w", sf.Name, cursor, err)
	}
	sf.cursors[vmID] = cursor + int64(n)

	return buf[:n], nil
}

// Cursor returns vmID's read position.
func (sf *SharedFile) Cursor(vmID uint64) int64 {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	return sf.cursors[vmID]
}

// CopyTo writes the whole current content of the shared file to dst and
// returns vmID's cursor as it was during the copy.
func (sf *SharedFile) CopyTo(vmID uint64, dst io.Writer) (int64, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if _, err := io.Copy(dst, io.NewSectionReader(sf.f, 0, math.MaxInt64)); err != nil {
		return 0, fmt.Errorf("copy shared file %q: %w", sf.Name, err)
	}
	return sf.cursors[vmID], nil
}
