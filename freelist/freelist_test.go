package freelist

import (
	"testing"

	"daemonkv/page"
)

func TestAllocateFirstFit(t *testing.T) {
	fl := Load([]page.Pgid{10, 11, 12, 20, 21, 50})

	id := fl.Allocate(2, 100)
	if id != 10 {
		t.Fatalf("Allocate(2) = %d, want 10 (first contiguous run)", id)
	}
	if fl.Count() != 4 {
		t.Fatalf("Count() = %d, want 4 after removing the run", fl.Count())
	}

	id = fl.Allocate(1, 100)
	if id != 12 {
		t.Fatalf("Allocate(1) = %d, want 12", id)
	}

	id = fl.Allocate(3, 100)
	if id != 100 {
		t.Fatalf("Allocate(3) = %d, want 100 (no run that size, extend file)", id)
	}
}

func TestFreeReleaseRollback(t *testing.T) {
	fl := New()

	fl.Free(5, 40, 1) // frees pgids 40,41 pending on tx 5
	if fl.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 before release", fl.Count())
	}
	if fl.PendingCount() != 2 {
		t.Fatalf("PendingCount() = %d, want 2", fl.PendingCount())
	}

	fl.Release(4) // no reader as old as tx 5 yet freed
	if fl.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 (release upto 4 shouldn't touch tx 5's pending)", fl.Count())
	}

	fl.Release(5)
	if fl.Count() != 2 {
		t.Fatalf("Count() = %d, want 2 after release upto 5", fl.Count())
	}

	fl.Free(6, 80, 0)
	fl.Rollback(6)
	if fl.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d, want 0 after rollback", fl.PendingCount())
	}
	if fl.Count() != 2 {
		t.Fatalf("Count() = %d, want unchanged at 2", fl.Count())
	}
}

func TestSerializeExcludesCurrentWriter(t *testing.T) {
	fl := Load([]page.Pgid{1, 2})
	fl.Free(9, 30, 0)  // the in-flight writer's own pending release
	fl.Free(3, 31, 0)  // an older writer's release, safe to publish

	ids := fl.Serialize(8, 9)
	want := map[page.Pgid]bool{1: true, 2: true, 31: true}
	if len(ids) != len(want) {
		t.Fatalf("Serialize() = %v, want 3 ids matching %v", ids, want)
	}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("Serialize() included unexpected id %d (writer's own pending must be excluded)", id)
		}
	}
}

func TestPagesNeeded(t *testing.T) {
	if n := PagesNeeded(0, 4096); n != 1 {
		t.Errorf("PagesNeeded(0) = %d, want 1 (a freelist page always exists)", n)
	}
	if n := PagesNeeded(10000, 4096); n < 2 {
		t.Errorf("PagesNeeded(10000) = %d, want >= 2 pages (first page plus overflow)", n)
	}
}
