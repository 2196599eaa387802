// daemonkv-dump walks a bucket path (a sequence of nested bucket names) and
// prints every key/value pair it contains.
// Run: go run ./cmd/daemonkv-dump <path-to-db-file> [bucket ...]
package main

import (
	"fmt"
	"log"
	"os"

	"daemonkv"
	"daemonkv/bucket"
	"daemonkv/page"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <path-to-db-file> [bucket ...]\n", os.Args[0])
		os.Exit(1)
	}
	path := os.Args[1]
	bucketPath := os.Args[2:]

	db, err := daemonkv.Open(path, daemonkv.Options{ReadOnly: true})
	if err != nil {
		log.Fatalf("open %s: %v", path, err)
	}
	defer db.Close()

	tx, err := db.Begin(false)
	if err != nil {
		log.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	b := tx.Root()
	for _, name := range bucketPath {
		b, err = b.Bucket([]byte(name))
		if err != nil {
			log.Fatalf("bucket %q: %v", name, err)
		}
	}

	dumpBucket(b, 0)
}

func dumpBucket(b *bucket.Bucket, depth int) {
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	c := b.Cursor()
	for k, v, flags := c.First(); k != nil; k, v, flags = c.Next() {
		if flags&page.BucketFlag != 0 {
			fmt.Printf("%s%s/\n", indent, k)
			child, err := b.Bucket(k)
			if err != nil {
				fmt.Printf("%s  <error: %v>\n", indent, err)
				continue
			}
			dumpBucket(child, depth+1)
			continue
		}
		fmt.Printf("%s%s = %s\n", indent, k, v)
	}
}
