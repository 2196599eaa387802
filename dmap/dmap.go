// Package dmap owns the single open *os.File for a daemonkv database: the
// memory map used by the read path, the positioned writes used by the
// commit path, the advisory file lock, and remap-by-doubling on growth.
//
// Grounded on the teacher's storage_engine/disk_manager (file descriptor
// lifecycle, ReadPage/WritePage via positioned I/O, Sync/Close discipline),
// generalized from the teacher's per-file page-at-a-time model to a single
// memory-mapped file whose read path never calls ReadAt at all. The mmap,
// munmap, and flock calls are the one place daemonkv reaches past
// the standard library, via golang.org/x/sys/unix — the host OS's mmap and
// advisory locking are external collaborators per spec.md §1, not something
// this package reimplements.
package dmap

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"daemonkv/page"
	"daemonkv/types"
)

// minMmapSize is the smallest region ever mapped, regardless of file size,
// so that a freshly created 4-page file still gets a mapping large enough
// to absorb the first few commits without an immediate remap.
const minMmapSize = 1 << 20 // 1 MiB

// Mmap owns the open file, its current memory map, and the page size the
// file was created with.
type Mmap struct {
	mu       sync.RWMutex
	file     *os.File
	data     []byte
	dataSz   int
	pageSize int
	readOnly bool

	// mmaplock serializes a growing remap against every read-only
	// transaction that might still hold a pointer into the current
	// mapping. Read-only transactions take RLock for their entire
	// lifetime (BeginRead/EndRead); EnsureSize takes Lock before calling
	// mmap(), which unmaps the old region, so growth waits for every
	// reader active when it started to close first (mirrors bbolt's
	// db.mmaplock).
	mmaplock sync.RWMutex
}

// BeginRead takes the read side of mmaplock for the lifetime of a read-only
// transaction, so a concurrent writer's growth can't unmap memory this
// transaction still has a pointer into. Must be paired with EndRead.
func (m *Mmap) BeginRead() { m.mmaplock.RLock() }

// EndRead releases the lock taken by BeginRead.
func (m *Mmap) EndRead() { m.mmaplock.RUnlock() }

// Open opens (creating if needed) the file at path, acquires the advisory
// exclusive (or shared, for read-only) lock, and establishes the initial
// memory map. If the file is empty, it is initialized with the four
// bootstrap pages: two meta pages, a freelist page, and an empty root leaf
// (spec.md §4.1).
func Open(path string, readOnly bool, pageSizeOverride int) (*Mmap, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	lockType := unix.LOCK_EX
	if readOnly {
		lockType = unix.LOCK_SH
	}
	if err := unix.Flock(int(f.Fd()), lockType|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s", types.ErrBusy, path)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	m := &Mmap{file: f, readOnly: readOnly}

	if info.Size() == 0 {
		if readOnly {
			f.Close()
			return nil, fmt.Errorf("%w: empty file opened read-only", types.ErrInvalid)
		}
		pageSize := pageSizeOverride
		if pageSize == 0 {
			pageSize = os.Getpagesize()
		}
		if pageSize < types.MinPageSize {
			f.Close()
			return nil, fmt.Errorf("%w: page size %d below minimum", types.ErrInvalid, pageSize)
		}
		if err := bootstrap(f, pageSize); err != nil {
			f.Close()
			return nil, err
		}
		m.pageSize = pageSize
	} else {
		pageSize, err := readPageSize(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		m.pageSize = pageSize
	}

	sz := info.Size()
	if sz == 0 {
		sz = int64(4 * m.pageSize)
	}
	if err := m.mmap(int(sz)); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

// bootstrap writes the four initial pages of a brand-new file: two meta
// pages (tx_id 0 and 1, so meta page 1 is authoritative), an empty freelist,
// and an empty leaf page as the root bucket (spec.md §4.1).
func bootstrap(f *os.File, pageSize int) error {
	buf := make([]byte, 4*pageSize)

	for i, txID := range []uint64{0, 1} {
		m := page.Meta{
			Magic:        types.Magic,
			Version:      types.Version,
			PageSize:     uint32(pageSize),
			RootPgid:     types.RootPageID,
			RootSequence: 0,
			Freelist:     types.FreelistPageID,
			NumPages:     4,
			TxID:         txID,
		}
		page.WriteMeta(buf[i*pageSize:(i+1)*pageSize], page.Pgid(i), m)
	}

	flPage := page.Wrap(buf[2*pageSize : 3*pageSize])
	flPage.SetID(types.FreelistPageID)
	flPage.SetKind(types.KindFreelist)
	flPage.SetCount(0)

	rootPage := page.Wrap(buf[3*pageSize : 4*pageSize])
	rootPage.SetID(types.RootPageID)
	rootPage.SetKind(types.KindLeaf)
	rootPage.SetCount(0)

	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("%w: bootstrap write: %v", types.ErrIo, err)
	}
	return f.Sync()
}

func readPageSize(f *os.File) (int, error) {
	buf := make([]byte, 4096)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return 0, fmt.Errorf("%w: reading meta page 0: %v", types.ErrInvalid, err)
	}
	p := page.Wrap(buf)
	m := page.MetaFromPage(p)
	if m.Magic != types.Magic {
		return 0, types.ErrInvalid
	}
	return int(m.PageSize), nil
}

// mmap (re)establishes the memory map to cover at least sz bytes, rounding
// up by doubling from minMmapSize. The previous mapping, if any, is unmapped
// as soon as the new one is installed; that is only safe because the caller
// holds mmaplock exclusively here (see EnsureSize), which can't happen while
// any read-only transaction — the only thing that keeps a page pointer into
// this mapping alive past a single call — is still open.
func (m *Mmap) mmap(sz int) error {
	newSz := minMmapSize
	for newSz < sz {
		newSz *= 2
	}
	// Round to a multiple of the page size.
	newSz = (newSz / m.effectivePageSize()) * m.effectivePageSize()
	if newSz < sz {
		newSz += m.effectivePageSize()
	}

	// The mapping is always read-only: writes go through positioned I/O
	// (spec.md §4.2), never through this mapping, regardless of whether
	// the transaction itself is read-only.
	data, err := unix.Mmap(int(m.file.Fd()), 0, newSz, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: mmap: %v", types.ErrIo, err)
	}

	old := m.data
	m.data = data
	m.dataSz = newSz
	if old != nil {
		_ = unix.Munmap(old)
	}
	return nil
}

func (m *Mmap) effectivePageSize() int {
	if m.pageSize == 0 {
		return os.Getpagesize()
	}
	return m.pageSize
}

// PageSize returns the page size this file was created with.
func (m *Mmap) PageSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pageSize
}

// EnsureSize grows the mapping if it does not already cover sz bytes.
// Transactions call this after computing the highest page id they may need
// to address (num_pages * page_size) before reading from the map.
func (m *Mmap) EnsureSize(sz int) error {
	m.mu.RLock()
	needsGrow := sz > m.dataSz
	m.mu.RUnlock()
	if !needsGrow {
		return nil
	}
	// Wait for every read-only transaction active right now to close
	// before taking m.mu, so a reader blocked on m.mu for a PageAt call
	// it needs to finish and release mmaplock is never stuck behind this
	// call (lock order: mmaplock before mu, never the reverse).
	m.mmaplock.Lock()
	defer m.mmaplock.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if sz <= m.dataSz {
		return nil
	}
	return m.mmap(sz)
}

// PageAt returns a zero-copy overlay of the page at id, spanning 1+overflow
// physical pages worth of bytes as requested by the caller.
func (m *Mmap) PageAt(id page.Pgid, overflowPages int) *page.Page {
	m.mu.RLock()
	defer m.mu.RUnlock()
	off := int(id) * m.pageSize
	sz := (1 + overflowPages) * m.pageSize
	return page.Wrap(m.data[off : off+sz])
}

// Page returns the zero-copy overlay for the logical page at id, peeking
// the header first to learn how many overflow pages the logical page spans
// (spec.md §4.1 "a logical page may span 1+overflow physical pages").
func (m *Mmap) Page(id page.Pgid) *page.Page {
	head := m.PageAt(id, 0)
	if head.Overflow() == 0 {
		return head
	}
	return m.PageAt(id, head.Overflow())
}

// WriteAt writes buf at the byte offset pgid*pageSize via positioned I/O,
// bypassing the mapping entirely (spec.md §4.2).
func (m *Mmap) WriteAt(pgid page.Pgid, buf []byte) error {
	m.mu.RLock()
	f := m.file
	ps := m.pageSize
	m.mu.RUnlock()
	if _, err := f.WriteAt(buf, int64(pgid)*int64(ps)); err != nil {
		return fmt.Errorf("%w: write page %d: %v", types.ErrIo, pgid, err)
	}
	return nil
}

// Fsync flushes the data file to stable storage.
func (m *Mmap) Fsync() error {
	m.mu.RLock()
	f := m.file
	m.mu.RUnlock()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrSync, err)
	}
	return nil
}

// Truncate grows the underlying file to at least sz bytes so that writes
// past the current end of file are not sparse in a way the mapping can't
// see; called before EnsureSize when num_pages grows.
func (m *Mmap) Truncate(sz int64) error {
	m.mu.RLock()
	f := m.file
	m.mu.RUnlock()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat: %v", types.ErrIo, err)
	}
	if info.Size() >= sz {
		return nil
	}
	if err := f.Truncate(sz); err != nil {
		return fmt.Errorf("%w: truncate: %v", types.ErrIo, err)
	}
	return nil
}

// Close unmaps the file and releases the advisory lock by closing the fd.
func (m *Mmap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data != nil {
		_ = unix.Munmap(m.data)
		m.data = nil
	}
	if m.file != nil {
		err := m.file.Close()
		m.file = nil
		return err
	}
	return nil
}
