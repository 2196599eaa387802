// daemonkv-inspect prints a database's page size, page count and file size,
// free and pending page counts, and root bucket names, human-readable.
// Run: go run ./cmd/daemonkv-inspect <path-to-db-file>
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"

	"daemonkv"
	"daemonkv/page"
	"daemonkv/txn"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <path-to-db-file>\n", os.Args[0])
		os.Exit(1)
	}
	path := os.Args[1]

	db, err := daemonkv.Open(path, daemonkv.Options{ReadOnly: true})
	if err != nil {
		log.Fatalf("open %s: %v", path, err)
	}
	defer db.Close()

	stats := db.Stats()
	size := int64(stats.PageCount) * int64(stats.PageSize)

	fmt.Printf("file:           %s\n", path)
	fmt.Printf("page size:      %s\n", humanize.Bytes(uint64(stats.PageSize)))
	fmt.Printf("pages:          %s (%s)\n", humanize.Comma(int64(stats.PageCount)), humanize.Bytes(uint64(size)))
	fmt.Printf("free pages:     %s (%s reclaimable)\n",
		humanize.Comma(int64(stats.FreePages)), humanize.Bytes(uint64(stats.FreePages*stats.PageSize)))
	fmt.Printf("pending pages:  %s\n", humanize.Comma(int64(stats.PendingPages)))

	tx, err := db.Begin(false)
	if err != nil {
		log.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	names := rootBucketNames(tx)
	fmt.Printf("root buckets:   %d\n", len(names))
	for _, name := range names {
		fmt.Printf("  - %s\n", name)
	}
}

func rootBucketNames(tx *txn.Tx) []string {
	var names []string
	c := tx.Root().Cursor()
	for k, _, flags := c.First(); k != nil; k, _, flags = c.Next() {
		if flags&page.BucketFlag != 0 {
			names = append(names, string(k))
		}
	}
	return names
}
