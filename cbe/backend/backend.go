// Package backend defines the block backend CBE treats as an external
// collaborator (spec.md §1: opaque "read(pba,buf)"/"write(pba,buf)"),
// plus two reference implementations: an in-memory device for tests and
// a file-backed device for the cmd/cbectl host tool.
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/tsdb/fileutil"
	"golang.org/x/sync/errgroup"
)

// BlockSize is the backend's unit of transfer.
const BlockSize = 4096

// Device is the backend block device. PBAs are dense indices from 0 to
// Capacity()-1. CBE is the only writer of any given PBA at a time
// (invariant 6, scoped to the VBD path currently being written), so
// Device implementations do not need to serialize concurrent writes to
// distinct PBAs, only make individual ReadAt/WriteAt calls atomic with
// respect to each other.
type Device interface {
	Capacity() uint64
	ReadAt(pba uint64, buf []byte) error
	WriteAt(pba uint64, buf []byte) error
	Close() error
}

// Memory is an in-memory reference Device, used by the cbe package's
// own tests (spec.md §8's scenarios run against it).
type Memory struct {
	mu     sync.RWMutex
	blocks [][BlockSize]byte
}

// NewMemory allocates an in-memory backend of the given block capacity.
func NewMemory(capacity uint64) *Memory {
	return &Memory{blocks: make([][BlockSize]byte, capacity)}
}

func (m *Memory) Capacity() uint64 { return uint64(len(m.blocks)) }

func (m *Memory) ReadAt(pba uint64, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("backend: read buffer must be %d bytes, got %d", BlockSize, len(buf))
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pba >= uint64(len(m.blocks)) {
		return fmt.Errorf("backend: pba %d out of range (capacity %d)", pba, len(m.blocks))
	}
	copy(buf, m.blocks[pba][:])
	return nil
}

func (m *Memory) WriteAt(pba uint64, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("backend: write buffer must be %d bytes, got %d", BlockSize, len(buf))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if pba >= uint64(len(m.blocks)) {
		return fmt.Errorf("backend: pba %d out of range (capacity %d)", pba, len(m.blocks))
	}
	copy(m.blocks[pba][:], buf)
	return nil
}

func (m *Memory) Close() error { return nil }

// RawBlock returns a copy of the block currently stored at pba,
// bypassing CBE's translation layer entirely. Test scenario 2 in
// spec.md §8 ("Read backend at P0 directly") needs exactly this
// back door.
func (m *Memory) RawBlock(pba uint64) ([BlockSize]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pba >= uint64(len(m.blocks)) {
		return [BlockSize]byte{}, fmt.Errorf("backend: pba %d out of range", pba)
	}
	return m.blocks[pba], nil
}

// File is a reference file-backed Device, used by cmd/cbectl. It takes
// an exclusive advisory lock on the image file for the lifetime of the
// Device, the same fileutil.Flock idiom the teacher uses to guard its
// ancient/freezer directory against double-open
// (core/rawdb/prunedfreezer.go's newPrunedFreezer).
type File struct {
	mu       sync.Mutex
	f        *os.File
	lock     fileutil.Releaser
	capacity uint64
}

// OpenFile opens (or creates, if create is true) a file-backed device
// of the given block capacity at path.
func OpenFile(path string, capacity uint64, create bool) (*File, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("backend: open %s: %w", path, err)
	}
	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil && !os.IsExist(err) {
		f.Close()
		return nil, err
	}
	lock, _, err := fileutil.Flock(lockPath)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("backend: lock %s: %w", path, err)
	}
	want := int64(capacity) * BlockSize
	if create {
		if err := f.Truncate(want); err != nil {
			f.Close()
			lock.Release()
			return nil, err
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			lock.Release()
			return nil, err
		}
		if info.Size() < want {
			f.Close()
			lock.Release()
			return nil, fmt.Errorf("backend: %s too small for %d blocks", path, capacity)
		}
	}
	return &File{f: f, lock: lock, capacity: capacity}, nil
}

func (d *File) Capacity() uint64 { return d.capacity }

func (d *File) ReadAt(pba uint64, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("backend: read buffer must be %d bytes, got %d", BlockSize, len(buf))
	}
	if pba >= d.capacity {
		return fmt.Errorf("backend: pba %d out of range (capacity %d)", pba, d.capacity)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.ReadAt(buf, int64(pba)*BlockSize)
	return err
}

func (d *File) WriteAt(pba uint64, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("backend: write buffer must be %d bytes, got %d", BlockSize, len(buf))
	}
	if pba >= d.capacity {
		return fmt.Errorf("backend: pba %d out of range (capacity %d)", pba, d.capacity)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.WriteAt(buf, int64(pba)*BlockSize)
	return err
}

func (d *File) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	syncErr := d.f.Sync()
	closeErr := d.f.Close()
	lockErr := d.lock.Release()
	if syncErr != nil {
		return syncErr
	}
	if closeErr != nil {
		return closeErr
	}
	return lockErr
}

// ScanSuperblockSlots reads all n superblock slot blocks (PBAs 0..n-1)
// concurrently, bounded by golang.org/x/sync/errgroup, for the
// bootstrap scan performed at Library construction (spec.md §6
// superblock selection rule). It is a read-only convenience; it does
// not participate in the CBE engine's single in-flight-request model
// since it runs before any Library exists.
func ScanSuperblockSlots(ctx context.Context, d Device, n int) ([][BlockSize]byte, error) {
	out := make([][BlockSize]byte, n)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return d.ReadAt(uint64(i), out[i][:])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
