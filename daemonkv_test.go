package daemonkv

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daemonkv.db")
	db, err := Open(path, Options{PageSizeOverride: 4096, NodeCacheSize: 1 << 20})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWriteCommitThenReadBack(t *testing.T) {
	db := openTestDB(t)

	tx, err := db.Begin(true)
	if err != nil {
		t.Fatalf("Begin(writable): %v", err)
	}
	if err := tx.Root().Put([]byte("name"), []byte("daemonkv")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rtx, err := db.Begin(false)
	if err != nil {
		t.Fatalf("Begin(read-only): %v", err)
	}
	defer rtx.Rollback()
	got, err := rtx.Root().Get([]byte("name"))
	if err != nil || string(got) != "daemonkv" {
		t.Fatalf("Get(name) = %q, %v, want daemonkv, nil", got, err)
	}
}

func TestRollbackDoesNotPersist(t *testing.T) {
	db := openTestDB(t)

	tx, err := db.Begin(true)
	if err != nil {
		t.Fatalf("Begin(writable): %v", err)
	}
	if err := tx.Root().Put([]byte("ephemeral"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	rtx, err := db.Begin(false)
	if err != nil {
		t.Fatalf("Begin(read-only): %v", err)
	}
	defer rtx.Rollback()
	if _, err := rtx.Root().Get([]byte("ephemeral")); err == nil {
		t.Fatalf("Get(ephemeral) after rollback succeeded, want ErrKeyNotFound")
	}
}

func TestReopenPreservesCommittedData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemonkv.db")
	db, err := Open(path, Options{PageSizeOverride: 4096})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tx, err := db.Begin(true)
	if err != nil {
		t.Fatalf("Begin(writable): %v", err)
	}
	if err := tx.Root().Put([]byte("durable"), []byte("yes")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	rtx, err := db2.Begin(false)
	if err != nil {
		t.Fatalf("Begin(read-only) after reopen: %v", err)
	}
	defer rtx.Rollback()
	got, err := rtx.Root().Get([]byte("durable"))
	if err != nil || string(got) != "yes" {
		t.Fatalf("Get(durable) after reopen = %q, %v, want yes, nil", got, err)
	}
}

func TestReaderSeesSnapshotAcrossConcurrentWriterCommit(t *testing.T) {
	db := openTestDB(t)

	seed, err := db.Begin(true)
	if err != nil {
		t.Fatalf("Begin(writable) seed: %v", err)
	}
	if err := seed.Root().Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := seed.Commit(); err != nil {
		t.Fatalf("Commit seed: %v", err)
	}

	reader, err := db.Begin(false)
	if err != nil {
		t.Fatalf("Begin(read-only): %v", err)
	}
	defer reader.Rollback()

	writer, err := db.Begin(true)
	if err != nil {
		t.Fatalf("Begin(writable) second: %v", err)
	}
	if err := writer.Root().Put([]byte("k"), []byte("v2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := writer.Commit(); err != nil {
		t.Fatalf("Commit second: %v", err)
	}

	got, err := reader.Root().Get([]byte("k"))
	if err != nil || string(got) != "v1" {
		t.Fatalf("reader.Get(k) = %q, %v, want v1 (pre-commit snapshot)", got, err)
	}

	after, err := db.Begin(false)
	if err != nil {
		t.Fatalf("Begin(read-only) after: %v", err)
	}
	defer after.Rollback()
	got, err = after.Root().Get([]byte("k"))
	if err != nil || string(got) != "v2" {
		t.Fatalf("new reader.Get(k) = %q, %v, want v2", got, err)
	}
}

func TestNestedBucketCreateAndDeleteAcrossCommits(t *testing.T) {
	db := openTestDB(t)

	tx, err := db.Begin(true)
	if err != nil {
		t.Fatalf("Begin(writable): %v", err)
	}
	students, err := tx.Root().CreateBucket([]byte("students"))
	if err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	for i := 0; i < 50; i++ {
		k := []byte{byte('a' + i%26), byte(i)}
		if err := students.Put(k, []byte("row")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, err := db.Begin(true)
	if err != nil {
		t.Fatalf("Begin(writable) 2: %v", err)
	}
	if err := tx2.Root().DeleteBucket([]byte("students")); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("Commit 2: %v", err)
	}

	rtx, err := db.Begin(false)
	if err != nil {
		t.Fatalf("Begin(read-only): %v", err)
	}
	defer rtx.Rollback()
	if _, err := rtx.Root().Bucket([]byte("students")); err == nil {
		t.Fatalf("Bucket(students) after delete succeeded, want ErrBucketNotFound")
	}
}

func TestEmptyKeyRejectedAtTransactionBoundary(t *testing.T) {
	db := openTestDB(t)
	tx, err := db.Begin(true)
	if err != nil {
		t.Fatalf("Begin(writable): %v", err)
	}
	defer tx.Rollback()
	if err := tx.Root().Put(nil, []byte("v")); err == nil {
		t.Fatalf("Put(nil key) succeeded, want ErrEmptyKey")
	}
}

func TestLargeValueForcesOverflowPagesAndSurvivesCommit(t *testing.T) {
	db := openTestDB(t)
	big := make([]byte, 50*1024)
	for i := range big {
		big[i] = byte(i)
	}

	tx, err := db.Begin(true)
	if err != nil {
		t.Fatalf("Begin(writable): %v", err)
	}
	if err := tx.Root().Put([]byte("blob"), big); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rtx, err := db.Begin(false)
	if err != nil {
		t.Fatalf("Begin(read-only): %v", err)
	}
	defer rtx.Rollback()
	got, err := rtx.Root().Get([]byte("blob"))
	if err != nil {
		t.Fatalf("Get(blob): %v", err)
	}
	if len(got) != len(big) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(big))
	}
	for i := range big {
		if got[i] != big[i] {
			t.Fatalf("byte %d mismatch: got %d, want %d", i, got[i], big[i])
		}
	}
}

func TestManyInsertsTriggerSplitsAndStayOrdered(t *testing.T) {
	db := openTestDB(t)
	tx, err := db.Begin(true)
	if err != nil {
		t.Fatalf("Begin(writable): %v", err)
	}
	const n = 500
	for i := 0; i < n; i++ {
		k := []byte{byte(i >> 8), byte(i)}
		if err := tx.Root().Put(k, k); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rtx, err := db.Begin(false)
	if err != nil {
		t.Fatalf("Begin(read-only): %v", err)
	}
	defer rtx.Rollback()
	c := rtx.Root().Cursor()
	count := 0
	var prev []byte
	for k, _, _ := c.First(); k != nil; k, _, _ = c.Next() {
		if prev != nil && string(prev) >= string(k) {
			t.Fatalf("cursor not strictly ascending at entry %d: %q >= %q", count, prev, k)
		}
		prev = append([]byte(nil), k...)
		count++
	}
	if count != n {
		t.Fatalf("cursor visited %d entries, want %d", count, n)
	}
}

func TestDatabaseStatsReflectsPageSize(t *testing.T) {
	db := openTestDB(t)
	stats := db.Stats()
	if stats.PageSize != 4096 {
		t.Fatalf("Stats().PageSize = %d, want 4096", stats.PageSize)
	}
	if stats.PageCount < 4 {
		t.Fatalf("Stats().PageCount = %d, want >= 4 (bootstrap pages)", stats.PageCount)
	}
}
