// Package daemonkv is an embedded, single-file, ACID key/value store: a
// copy-on-write B+ tree over a memory-mapped file, single-writer/
// multi-reader, serializable isolation via two-meta-page shadow paging
// (spec.md §1, §2).
//
// Grounded on the teacher's storage_engine/main.go (constructor-style
// Open, owning the on-disk resources and handing out transaction handles)
// and storage_engine/disk_manager (fmt.Errorf %w wrapping discipline, the
// single-mutex-guarded shared-state shape) generalized from the teacher's
// multi-file, catalog-backed storage engine down to the spec's one file,
// one tree-of-buckets model.
package daemonkv

import (
	"fmt"
	"log"
	"sync"

	"daemonkv/bucket"
	"daemonkv/dmap"
	"daemonkv/freelist"
	"daemonkv/page"
	"daemonkv/txn"
	"daemonkv/types"
)

// Options configures Open (spec.md §6.2 "Options").
type Options struct {
	// ReadOnly opens the database without acquiring the exclusive file
	// lock, rejecting any writable transaction.
	ReadOnly bool

	// PageSizeOverride sets the page size used when creating a brand-new
	// file. Ignored when opening an existing one, whose page size is
	// read from its meta page. Defaults to the OS page size.
	PageSizeOverride int

	// FillPercent is the default split target fill factor for every
	// bucket that doesn't set its own (spec.md §4.4). Zero means
	// types.DefaultFillPercent.
	FillPercent float64

	// NodeCacheSize bounds the read-path page-node decode cache, one per
	// Database and shared by every bucket of every read-only transaction
	// (SPEC_FULL.md §11). Zero disables the cache entirely.
	NodeCacheSize int64

	// Logger receives the one diagnostic message Open emits: a meta page
	// failing validation and the other one being used instead. Defaults
	// to log.Default().
	Logger *log.Logger
}

func (o Options) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

// Database is the shared, process-wide state over one open file: the
// memory map, the authoritative meta, the freelist, the writer mutex, and
// the active-reader registry (spec.md §4.8).
type Database struct {
	path string
	opts Options

	mmap   *dmap.Mmap
	cache  *bucket.NodeCache
	logger *log.Logger

	mu   sync.Mutex // protects meta and fl; held for the lifetime of a writable tx
	meta page.Meta
	fl   *freelist.Freelist

	// readers counts, per snapshot tx_id, how many live read transactions
	// began on that snapshot. Several readers can share one meta.TxID
	// (that's what lets them share one NodeCache entry), so closing one
	// must only drop the count, not the whole key, or a still-live sibling
	// reader stops being counted by minReaderTxID.
	readersMu sync.Mutex
	readers   map[uint64]int
	nextTxID  uint64

	closed bool
}

// Open opens (creating if necessary) the database file at path.
func Open(path string, opts Options) (*Database, error) {
	m, err := dmap.Open(path, opts.ReadOnly, opts.PageSizeOverride)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	logger := opts.logger()
	meta, err := readAuthoritativeMeta(m, logger)
	if err != nil {
		m.Close()
		return nil, err
	}

	flIDs := page.ReadFreelist(m.Page(meta.Freelist))
	fl := freelist.Load(flIDs)

	cache, err := bucket.NewNodeCache(opts.NodeCacheSize)
	if err != nil {
		m.Close()
		return nil, err
	}

	db := &Database{
		path:     path,
		opts:     opts,
		mmap:     m,
		cache:    cache,
		logger:   logger,
		meta:     *meta,
		fl:       fl,
		readers:  make(map[uint64]int),
		nextTxID: meta.TxID + 1,
	}
	return db, nil
}

// readAuthoritativeMeta reads both meta pages and picks whichever is valid
// and has the greater tx_id (spec.md §3 invariant 1), logging whenever one
// of the two fails validation so a truncated-write crash leaves a trace.
func readAuthoritativeMeta(m *dmap.Mmap, logger *log.Logger) (*page.Meta, error) {
	m0 := page.MetaFromPage(m.PageAt(types.MetaPageID0, 0))
	m1 := page.MetaFromPage(m.PageAt(types.MetaPageID1, 0))
	err0 := m0.Validate()
	err1 := m1.Validate()
	switch {
	case err0 != nil && err1 != nil:
		return nil, fmt.Errorf("%w: both meta pages invalid", types.ErrInvalid)
	case err0 != nil:
		logger.Printf("daemonkv: meta page 0 invalid (%v), falling back to meta page 1 (tx %d)", err0, m1.TxID)
		cp := *m1
		return &cp, nil
	case err1 != nil:
		logger.Printf("daemonkv: meta page 1 invalid (%v), falling back to meta page 0 (tx %d)", err1, m0.TxID)
		cp := *m0
		return &cp, nil
	case m1.TxID > m0.TxID:
		cp := *m1
		return &cp, nil
	default:
		cp := *m0
		return &cp, nil
	}
}

// Begin starts a new transaction. A writable transaction blocks until any
// other writable transaction on this Database commits or rolls back
// (spec.md §5 "At most one writable transaction exists at a time").
func (db *Database) Begin(writable bool) (*txn.Tx, error) {
	if db.closed {
		return nil, fmt.Errorf("%w: database closed", types.ErrIo)
	}
	if writable {
		return db.beginWritable()
	}
	return db.beginReadOnly()
}

func (db *Database) beginReadOnly() (*txn.Tx, error) {
	db.mu.Lock()
	meta := db.meta
	db.mu.Unlock()

	db.readersMu.Lock()
	id := db.registerReaderLocked(meta.TxID)
	db.readersMu.Unlock()

	return txn.Begin(txn.Options{
		ID:          id,
		Writable:    false,
		Meta:        meta,
		FillPercent: db.opts.FillPercent,
		Mmap:        db.mmap,
		Cache:       db.cache,
		OnClose:     func(tx *txn.Tx) { db.unregisterReader(tx.ID()) },
	}), nil
}

func (db *Database) beginWritable() (*txn.Tx, error) {
	if db.opts.ReadOnly {
		return nil, types.ErrReadOnlyTx
	}
	db.mu.Lock()
	meta := db.meta
	id := db.nextTxID
	db.nextTxID++

	db.fl.Release(db.minReaderTxID())

	return txn.Begin(txn.Options{
		ID:            id,
		Writable:      true,
		Meta:          meta,
		FillPercent:   db.opts.FillPercent,
		Mmap:          db.mmap,
		Freelist:      db.fl,
		Cache:         db.cache,
		MinReaderTxID: db.minReaderTxID,
		OnClose:       db.onWriterClose,
	}), nil
}

// onWriterClose is the writable transaction's OnClose hook: on commit, the
// transaction's own meta (root bucket, freelist location, page count, and
// tx_id, all updated by Tx.Commit) becomes db's new authoritative snapshot;
// on rollback, db.meta is left exactly as it was. Either way the writer
// mutex (held since beginWritable) is released.
func (db *Database) onWriterClose(tx *txn.Tx) {
	defer db.mu.Unlock()
	if tx.Committed() {
		db.meta = tx.Meta()
	}
}

// minReaderTxID returns the lowest tx_id among currently active readers, or
// the next writer's own id if there are none (so a solitary writer's own
// pending releases remain excluded per spec.md §4.3 until it commits).
func (db *Database) minReaderTxID() uint64 {
	db.readersMu.Lock()
	defer db.readersMu.Unlock()
	min := db.nextTxID
	for id := range db.readers {
		if id < min {
			min = id
		}
	}
	return min
}

func (db *Database) registerReaderLocked(txID uint64) uint64 {
	db.readers[txID]++
	return txID
}

func (db *Database) unregisterReader(txID uint64) {
	db.readersMu.Lock()
	if db.readers[txID] <= 1 {
		delete(db.readers, txID)
	} else {
		db.readers[txID]--
	}
	db.readersMu.Unlock()
}

// Stats mirrors Tx.Stats but describes the database as a whole: current
// page count, free page count, and pending releases (SPEC_FULL.md §12,
// following original_source/src/db.rs's stats surface).
type Stats struct {
	PageCount    int
	FreePages    int
	PendingPages int
	PageSize     int
}

// Stats reports the database's current size and freelist occupancy.
func (db *Database) Stats() Stats {
	db.mu.Lock()
	defer db.mu.Unlock()
	return Stats{
		PageCount:    int(db.meta.NumPages),
		FreePages:    db.fl.Count(),
		PendingPages: db.fl.PendingCount(),
		PageSize:     int(db.meta.PageSize),
	}
}

// Sync flushes any data already written via positioned I/O to stable
// storage without starting a transaction of its own.
func (db *Database) Sync() error {
	return db.mmap.Fsync()
}

// Close releases the memory map, the node cache, and the advisory file
// lock. Close is not safe to call while any transaction is still open.
func (db *Database) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true
	db.cache.Close()
	if err := db.mmap.Close(); err != nil {
		return fmt.Errorf("close %s: %w", db.path, err)
	}
	return nil
}

// Path returns the filesystem path this Database was opened from.
func (db *Database) Path() string { return db.path }
