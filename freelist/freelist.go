// Package freelist tracks which page ids are free to reuse and which ids a
// writer has released but cannot yet hand out, because some reader still
// active might be looking at the page they used to hold.
//
// The accessor shape (Total/Get-style counting, "reuse pointers from the
// free list itself" before growing the file) is grounded on Govetachun's
// kv-store/free_list.go; the concrete sorted-ids-plus-pending-by-writer
// model, serialization shape, and first-fit allocation policy follow
// spec.md §4.3 directly (itself the bbolt-family freelist design, visible
// in the other_examples bbolt-derived sources).
package freelist

import (
	"sort"

	"daemonkv/page"
)

// Freelist is the in-memory image of the free-page set plus each writer's
// pending releases, rebuilt from the authoritative freelist page at the
// start of every writable transaction.
type Freelist struct {
	ids     []page.Pgid
	pending map[uint64][]page.Pgid
}

// New returns an empty freelist.
func New() *Freelist {
	return &Freelist{pending: make(map[uint64][]page.Pgid)}
}

// Load replaces the freelist's free set with ids read from the
// authoritative freelist page. Pending releases are never persisted, so
// Load always starts with an empty pending map — a reopened database has no
// in-flight writer.
func Load(ids []page.Pgid) *Freelist {
	fl := New()
	fl.ids = append([]page.Pgid(nil), ids...)
	sort.Slice(fl.ids, func(i, j int) bool { return fl.ids[i] < fl.ids[j] })
	return fl
}

// Count returns the number of ids currently free to reuse (excludes
// pending).
func (fl *Freelist) Count() int { return len(fl.ids) }

// PendingCount returns the number of ids awaiting release across all
// writers, generally just the current one.
func (fl *Freelist) PendingCount() int {
	n := 0
	for _, ids := range fl.pending {
		n += len(ids)
	}
	return n
}

// Allocate returns a contiguous run of n page ids, preferring the
// lowest-address run already free (first-fit over the sorted set). If no
// run of n contiguous free ids exists, it returns a freshly extended range
// starting at numPages, which the caller must bump accordingly.
func (fl *Freelist) Allocate(n int, numPages page.Pgid) page.Pgid {
	if n == 0 {
		return 0
	}
	if id, ok := fl.firstFit(n); ok {
		return id
	}
	return numPages
}

// firstFit scans the sorted free set for the first run of n consecutive
// ids and, if found, removes them and returns the run's starting id.
func (fl *Freelist) firstFit(n int) (page.Pgid, bool) {
	if len(fl.ids) < n {
		return 0, false
	}
	start := 0
	for start+n <= len(fl.ids) {
		runOK := true
		for i := 1; i < n; i++ {
			if fl.ids[start+i] != fl.ids[start]+page.Pgid(i) {
				runOK = false
				start += i
				break
			}
		}
		if runOK {
			id := fl.ids[start]
			fl.ids = append(fl.ids[:start], fl.ids[start+n:]...)
			return id, true
		}
	}
	return 0, false
}

// Free appends [pgid .. pgid+overflow] to the pending set for txID. The
// pages do not become reusable until Release is called with an upto value
// at least txID, and no reader with an older snapshot is still active.
func (fl *Freelist) Free(txID uint64, pgid page.Pgid, overflow int) {
	run := make([]page.Pgid, overflow+1)
	for i := range run {
		run[i] = pgid + page.Pgid(i)
	}
	fl.pending[txID] = append(fl.pending[txID], run...)
}

// Release moves every pending release at or before uptoTxID into the free
// set, in ascending order.
func (fl *Freelist) Release(uptoTxID uint64) {
	for txID, ids := range fl.pending {
		if txID <= uptoTxID {
			fl.ids = append(fl.ids, ids...)
			delete(fl.pending, txID)
		}
	}
	sort.Slice(fl.ids, func(i, j int) bool { return fl.ids[i] < fl.ids[j] })
}

// Rollback discards every id a writer released during a transaction that is
// being rolled back instead of committed.
func (fl *Freelist) Rollback(txID uint64) {
	delete(fl.pending, txID)
}

// Restore adds [id .. id+n) back into the free set, undoing an Allocate
// whose commit never reached the meta page. Unlike Free, these ids go
// straight into ids rather than pending: nothing durable ever pointed at
// them, so no reader's snapshot needs protecting from their reuse.
func (fl *Freelist) Restore(id page.Pgid, n int) {
	for i := 0; i < n; i++ {
		fl.ids = append(fl.ids, id+page.Pgid(i))
	}
	sort.Slice(fl.ids, func(i, j int) bool { return fl.ids[i] < fl.ids[j] })
}

// Serialize returns the full sorted set of ids that belong in the on-disk
// freelist page: the current free set plus any pending releases that are
// safe to publish because every active reader began after they were freed.
// Pending releases belonging to the currently in-flight writer (its own
// txID) are deliberately excluded per spec.md §4.3 ("NOT pending of
// currently-in-flight writers").
func (fl *Freelist) Serialize(minReaderTxID uint64, currentWriterTxID uint64) []page.Pgid {
	out := append([]page.Pgid(nil), fl.ids...)
	for txID, ids := range fl.pending {
		if txID == currentWriterTxID {
			continue
		}
		if txID < minReaderTxID {
			out = append(out, ids...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PagesNeeded returns how many contiguous logical pages are needed to
// encode n ids at the given page size, i.e. 1 + overflow.
func PagesNeeded(n, pageSize int) int {
	sz := page.HeaderSize + page.FreelistBodySize(n)
	pages := (sz + pageSize - 1) / pageSize
	if pages < 1 {
		pages = 1
	}
	return pages
}
