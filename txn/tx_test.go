package txn

import (
	"path/filepath"
	"testing"

	"daemonkv/dmap"
	"daemonkv/freelist"
	"daemonkv/page"
	"daemonkv/types"
)

// openFresh returns a freshly bootstrapped mmap and the freelist/meta a
// Database.Open would hand to the first transaction against it, without
// depending on the root daemonkv package (which itself depends on txn).
func openFresh(t *testing.T) (*dmap.Mmap, page.Meta, *freelist.Freelist) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "txn.db")
	m, err := dmap.Open(path, false, 4096)
	if err != nil {
		t.Fatalf("dmap.Open: %v", err)
	}
	meta := page.MetaFromPage(m.Page(page.Pgid(types.MetaPageID1)))
	fl := freelist.Load(page.ReadFreelist(m.Page(meta.Freelist)))
	return m, *meta, fl
}

func TestCommitAdvancesTxIDAndPersistsMeta(t *testing.T) {
	m, meta, fl := openFresh(t)
	defer m.Close()

	tx := Begin(Options{ID: meta.TxID + 1, Writable: true, Meta: meta, Mmap: m, Freelist: fl})
	if err := tx.Root().Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if tx.Closed() == false {
		t.Fatalf("Closed() = false after Commit")
	}

	slot := page.Pgid(tx.ID() % 2)
	committed := page.MetaFromPage(m.Page(slot))
	if err := committed.Validate(); err != nil {
		t.Fatalf("committed meta invalid: %v", err)
	}
	if committed.TxID != tx.ID() {
		t.Fatalf("committed meta TxID = %d, want %d", committed.TxID, tx.ID())
	}
}

func TestCommitTwiceReturnsErrTxClosed(t *testing.T) {
	m, meta, fl := openFresh(t)
	defer m.Close()

	tx := Begin(Options{ID: meta.TxID + 1, Writable: true, Meta: meta, Mmap: m, Freelist: fl})
	if err := tx.Commit(); err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	if err := tx.Commit(); err != types.ErrTxClosed {
		t.Fatalf("second Commit = %v, want ErrTxClosed", err)
	}
}

func TestRollbackDiscardsPendingFrees(t *testing.T) {
	m, meta, fl := openFresh(t)
	defer m.Close()

	txID := meta.TxID + 1
	tx := Begin(Options{ID: txID, Writable: true, Meta: meta, Mmap: m, Freelist: fl})
	tx.Free(types.RootPageID, 0)
	if fl.PendingCount() == 0 {
		t.Fatalf("PendingCount() = 0 right after Free, want > 0")
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if fl.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d after Rollback, want 0", fl.PendingCount())
	}
}

func TestReadOnlyTxRejectsWrites(t *testing.T) {
	m, meta, _ := openFresh(t)
	defer m.Close()

	tx := Begin(Options{ID: 1, Writable: false, Meta: meta, Mmap: m})
	if err := tx.Root().Put([]byte("k"), []byte("v")); err != types.ErrReadOnlyTx {
		t.Fatalf("Put on read-only tx = %v, want ErrReadOnlyTx", err)
	}
	if _, err := tx.Allocate(1); err != types.ErrReadOnlyTx {
		t.Fatalf("Allocate on read-only tx = %v, want ErrReadOnlyTx", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit (no-op for read-only): %v", err)
	}
}

func TestStatsTracksAllocationsAndFrees(t *testing.T) {
	m, meta, fl := openFresh(t)
	defer m.Close()

	tx := Begin(Options{ID: meta.TxID + 1, Writable: true, Meta: meta, Mmap: m, Freelist: fl})
	if _, err := tx.Allocate(3); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	tx.Free(types.RootPageID, 0)

	s := tx.Stats()
	if s.PagesAllocated != 3 {
		t.Errorf("PagesAllocated = %d, want 3", s.PagesAllocated)
	}
	if s.PagesFreed != 1 {
		t.Errorf("PagesFreed = %d, want 1", s.PagesFreed)
	}
	tx.Rollback()
}
