// daemonkv-seed opens (creating if needed) a database and writes a fixed
// handful of keys into two buckets, so the other cmd/ tools have something
// to look at.
// Run: go run ./cmd/daemonkv-seed <path-to-db-file>
package main

import (
	"fmt"
	"log"
	"os"

	"daemonkv"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <path-to-db-file>\n", os.Args[0])
		os.Exit(1)
	}
	path := os.Args[1]

	db, err := daemonkv.Open(path, daemonkv.Options{NodeCacheSize: 4096})
	if err != nil {
		log.Fatalf("open %s: %v", path, err)
	}
	defer db.Close()

	tx, err := db.Begin(true)
	if err != nil {
		log.Fatalf("begin writable: %v", err)
	}

	students, err := tx.Root().CreateBucketIfNotExists([]byte("students"))
	if err != nil {
		log.Fatalf("create bucket students: %v", err)
	}
	seed := map[string]string{
		"S001": "Alice,20",
		"S002": "Bob,21",
		"S003": "Carol,19",
	}
	for k, v := range seed {
		if err := students.Put([]byte(k), []byte(v)); err != nil {
			log.Fatalf("put %s: %v", k, err)
		}
	}

	courses, err := tx.Root().CreateBucketIfNotExists([]byte("courses"))
	if err != nil {
		log.Fatalf("create bucket courses: %v", err)
	}
	if err := courses.Put([]byte("CS101"), []byte("Intro to CS")); err != nil {
		log.Fatalf("put CS101: %v", err)
	}
	if err := courses.Put([]byte("CS102"), []byte("Data Structures")); err != nil {
		log.Fatalf("put CS102: %v", err)
	}

	if err := tx.Commit(); err != nil {
		log.Fatalf("commit: %v", err)
	}

	stats := db.Stats()
	fmt.Printf("seeded %s: %d pages, %d free, %d pending\n", path, stats.PageCount, stats.FreePages, stats.PendingPages)
}
