// Package txn implements spec.md §4.7: a read-only or writable snapshot of
// the database, its root bucket, and the eight-step shadow-paging commit
// protocol.
//
// Grounded on the teacher's storage_engine/transaction_manager (State enum,
// an active-transaction registry keyed by id under its own mutex,
// Begin/Commit/Abort naming) generalized from the teacher's row-level
// logical undo log to the spec's page-level shadow paging: daemonkv never
// needs to replay or undo individual writes because an uncommitted
// transaction's nodes simply never reach a page.
package txn

import (
	"fmt"

	"daemonkv/bucket"
	"daemonkv/dmap"
	"daemonkv/freelist"
	"daemonkv/page"
	"daemonkv/types"
)

// State mirrors the teacher's TxnState enum.
type State uint8

const (
	StateActive State = iota
	StateCommitted
	StateRolledBack
	// StateFailed marks a writable transaction whose commit failed after
	// the data fsync but while writing or fsyncing the new meta page
	// (spec.md §7: a database-fatal Sync/Io error, not a transaction-local
	// one). The old meta remains authoritative; the writer mutex is still
	// released so the database isn't left permanently wedged, but the
	// transaction itself cannot be retried.
	StateFailed
)

// Stats reports what a transaction did, surfaced via spec.md §4.7 "report
// statistics"; grounded on original_source/src/tx.rs's stats surface (see
// SPEC_FULL.md §12).
type Stats struct {
	PageCount      int
	PagesAllocated int
	PagesFreed     int
}

// Tx is one transaction: a meta snapshot, mutated in place until commit,
// plus the shared resources (mmap, freelist) it is allowed to touch.
type Tx struct {
	id          uint64
	writable    bool
	state       State
	meta        page.Meta
	fillPercent float64

	mmap  *dmap.Mmap
	fl    *freelist.Freelist
	cache *bucket.NodeCache

	root *bucket.Bucket

	minReaderTxID func() uint64 // read by a writable tx at commit to decide what the freelist may release
	onClose       func(tx *Tx)  // unregisters a reader, or releases the writer mutex

	stats     Stats
	allocated []allocRun
}

// allocRun records one run this transaction took out of the freelist's free
// set, as opposed to extending the file, so rollbackLocked can hand it back
// if the commit attempt that consumed it never reaches the meta page.
type allocRun struct {
	id        page.Pgid
	pageCount int
}

// Options configures Begin beyond what the meta snapshot already carries.
type Options struct {
	ID            uint64
	Writable      bool
	Meta          page.Meta
	FillPercent   float64
	Mmap          *dmap.Mmap
	Freelist      *freelist.Freelist // nil for a read-only transaction
	Cache         *bucket.NodeCache
	MinReaderTxID func() uint64
	OnClose       func(tx *Tx)
}

// Begin constructs a transaction over the given snapshot. Database.Begin is
// the only intended caller: it is responsible for picking the authoritative
// meta, registering the reader (or acquiring the writer mutex) before
// calling this, and supplying OnClose to undo that registration.
func Begin(opts Options) *Tx {
	tx := &Tx{
		id:            opts.ID,
		writable:      opts.Writable,
		meta:          opts.Meta,
		fillPercent:   opts.FillPercent,
		mmap:          opts.Mmap,
		fl:            opts.Freelist,
		cache:         opts.Cache,
		minReaderTxID: opts.MinReaderTxID,
		onClose:       opts.OnClose,
	}
	tx.root = bucket.New(tx, tx.meta.RootPgid, tx.meta.RootSequence, tx.cache)
	if !tx.writable {
		// Held for the transaction's entire lifetime: a concurrent
		// writer's growth must wait for this reader to close before it
		// unmaps the region this transaction's pages point into.
		tx.mmap.BeginRead()
	}
	return tx
}

// Root returns the transaction's root bucket.
func (tx *Tx) Root() *bucket.Bucket { return tx.root }

// ID returns the transaction's tx_id.
func (tx *Tx) ID() uint64 { return tx.id }

func (tx *Tx) Writable() bool { return tx.writable }
func (tx *Tx) TxID() uint64   { return tx.id }
func (tx *Tx) PageSize() int  { return int(tx.meta.PageSize) }
func (tx *Tx) Closed() bool   { return tx.state != StateActive }

// Committed reports whether this transaction reached Commit successfully,
// as opposed to being rolled back. Database.onWriterClose uses this to
// decide whether the writer's meta snapshot becomes the new authoritative
// one or is discarded.
func (tx *Tx) Committed() bool { return tx.state == StateCommitted }

// Meta returns the transaction's current meta snapshot: for a committed
// writable transaction this is the new authoritative meta (root bucket,
// freelist location, and page count all updated by Commit), which
// Database.onWriterClose adopts as its own cached copy.
func (tx *Tx) Meta() page.Meta { return tx.meta }

func (tx *Tx) DefaultFillPercent() float64 {
	if tx.fillPercent != 0 {
		return tx.fillPercent
	}
	return types.DefaultFillPercent
}

// Page implements bucket.Tx: a zero-copy read from the memory map, sized to
// span however many overflow pages the logical page at id occupies.
func (tx *Tx) Page(id page.Pgid) *page.Page { return tx.mmap.Page(id) }

// Allocate implements bucket.Tx: a contiguous run from the freelist, or a
// fresh extension of the file when no run of that size is free.
func (tx *Tx) Allocate(pageCount int) (page.Pgid, error) {
	if !tx.writable {
		return 0, types.ErrReadOnlyTx
	}
	id := tx.fl.Allocate(pageCount, page.Pgid(tx.meta.NumPages))
	if id == page.Pgid(tx.meta.NumPages) {
		newNumPages := tx.meta.NumPages + uint64(pageCount)
		if err := tx.mmap.Truncate(int64(newNumPages) * int64(tx.meta.PageSize)); err != nil {
			return 0, err
		}
		if err := tx.mmap.EnsureSize(int(newNumPages) * int(tx.meta.PageSize)); err != nil {
			return 0, err
		}
		tx.meta.NumPages = newNumPages
	} else {
		tx.allocated = append(tx.allocated, allocRun{id: id, pageCount: pageCount})
	}
	tx.stats.PagesAllocated += pageCount
	return id, nil
}

// Free implements bucket.Tx: the page is released to this transaction's
// pending set, not reused until every reader who might still see it is
// gone.
func (tx *Tx) Free(id page.Pgid, overflow int) {
	if id == 0 {
		return
	}
	tx.fl.Free(tx.id, id, overflow)
	tx.stats.PagesFreed += overflow + 1
}

// WritePage implements bucket.Tx: a positioned write, bypassing the
// mapping (spec.md §4.2).
func (tx *Tx) WritePage(id page.Pgid, buf []byte) error {
	return tx.mmap.WriteAt(id, buf)
}

// Stats returns a snapshot of what this transaction has done so far.
func (tx *Tx) Stats() Stats {
	s := tx.stats
	s.PageCount = int(tx.meta.NumPages)
	return s
}

// Commit runs the eight-step shadow-paging protocol of spec.md §4.7. A
// read-only transaction's Commit is just Rollback without discarding
// anything observable: there is nothing dirty to give up.
func (tx *Tx) Commit() error {
	if tx.state != StateActive {
		return types.ErrTxClosed
	}
	if !tx.writable {
		tx.state = StateCommitted
		tx.mmap.EndRead()
		if tx.onClose != nil {
			tx.onClose(tx)
		}
		return nil
	}

	tx.root.Rebalance()
	if err := tx.root.Spill(); err != nil {
		tx.rollbackLocked()
		return fmt.Errorf("spill: %w", err)
	}

	tx.meta.RootPgid = tx.root.RootPgid()
	tx.meta.RootSequence = tx.root.Sequence()
	tx.meta.TxID = tx.id

	minReader := tx.id
	if tx.minReaderTxID != nil {
		if r := tx.minReaderTxID(); r < minReader {
			minReader = r
		}
	}

	// The freelist page written by the transaction that produced tx.meta is
	// superseded by the one we're about to write below; free it the same as
	// any other reclaimed page, so it isn't orphaned (spec.md §8: every pgid
	// is reachable from root, in the freelist, or beyond num_pages — never
	// neither). Mirrors bbolt's tx.db.freelist.free(tx.meta.txid,
	// tx.page(tx.meta.freelist)) in Tx.commit.
	if tx.meta.Freelist != 0 {
		oldFreelist := tx.mmap.Page(page.Pgid(tx.meta.Freelist))
		tx.Free(page.Pgid(tx.meta.Freelist), oldFreelist.Overflow())
	}

	// Size the freelist page against the set as it stands now, then
	// allocate its backing pages — which, on a first-fit hit, removes that
	// very run from tx.fl's free set — and only then serialize for real.
	// Serializing before allocating (as a first pass did) would write out
	// a free set that still lists the freelist's own pages as free,
	// letting a later writer hand them out while this freelist page is
	// still live (mirrors bbolt writing f.ids only after f.write's own
	// page has been accounted for).
	sizingIDs := tx.fl.Serialize(minReader, tx.id)
	flPages := freelist.PagesNeeded(len(sizingIDs), int(tx.meta.PageSize))
	flID, err := tx.Allocate(flPages)
	if err != nil {
		tx.rollbackLocked()
		return fmt.Errorf("allocate freelist: %w", err)
	}
	ids := tx.fl.Serialize(minReader, tx.id)
	flBuf := make([]byte, flPages*int(tx.meta.PageSize))
	page.WriteFreelist(flBuf, flID, flPages-1, ids)
	if err := tx.mmap.WriteAt(flID, flBuf); err != nil {
		tx.rollbackLocked()
		return fmt.Errorf("write freelist: %w", err)
	}
	tx.meta.Freelist = flID

	if err := tx.mmap.Fsync(); err != nil {
		tx.rollbackLocked()
		return fmt.Errorf("%w: data fsync", types.ErrSync)
	}

	metaSlot := page.Pgid(tx.id % 2)
	buf := make([]byte, tx.meta.PageSize)
	page.WriteMeta(buf, metaSlot, tx.meta)
	if err := tx.mmap.WriteAt(metaSlot, buf); err != nil {
		return tx.failLocked(fmt.Errorf("write meta: %w", err))
	}
	if err := tx.mmap.Fsync(); err != nil {
		return tx.failLocked(fmt.Errorf("%w: meta fsync", types.ErrSync))
	}

	tx.fl.Release(minReader)
	tx.state = StateCommitted
	if tx.onClose != nil {
		tx.onClose(tx)
	}
	return nil
}

// Rollback discards every pending allocation/free this transaction made and
// releases the writer mutex (spec.md §4.7 "Rollback").
func (tx *Tx) Rollback() error {
	if tx.state != StateActive {
		return types.ErrTxClosed
	}
	tx.rollbackLocked()
	return nil
}

func (tx *Tx) rollbackLocked() {
	if tx.writable && tx.fl != nil {
		tx.fl.Rollback(tx.id)
		// Undo any Allocate that took a run out of the free set during
		// this attempt: the commit that would have made that run
		// unreachable-except-via-the-new-tree never reached the meta
		// page, so the old tree (and every reader still on it) still
		// needs these pages free (spec.md §4.7 "pending allocations are
		// returned to the freelist"). Mirrors bbolt re-adding ids a
		// failed commit's allocate removed from freelist.ids.
		for _, r := range tx.allocated {
			tx.fl.Restore(r.id, r.pageCount)
		}
	}
	if !tx.writable {
		tx.mmap.EndRead()
	}
	tx.state = StateRolledBack
	if tx.onClose != nil {
		tx.onClose(tx)
	}
}

// failLocked marks the transaction StateFailed (data already fsynced, but
// the new meta never safely landed) and releases the writer mutex so the
// Database isn't left permanently wedged. The pages this transaction freed
// still belong to the tree the old, still-authoritative meta names, so its
// pending frees are dropped rather than left for a later writer's Release
// to hand out; the runs it allocated stay out of the free set.
func (tx *Tx) failLocked(err error) error {
	if tx.fl != nil {
		tx.fl.Rollback(tx.id)
	}
	tx.state = StateFailed
	if tx.onClose != nil {
		tx.onClose(tx)
	}
	return err
}
