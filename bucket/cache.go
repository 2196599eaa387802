package bucket

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"

	"daemonkv/node"
	"daemonkv/page"
)

// NodeCache is a read-only-transaction decode cache, one per Database and
// shared by every bucket that Database's transactions open: it
// remembers the parsed element table of a leaf or branch page, keyed by
// (pgid, tx_id), so that repeated cursor seeks against hot pages across
// many read transactions skip re-parsing the page header and element
// array. Never consulted by a writable transaction, whose nodes are
// transaction-owned and mutable.
//
// Grounded on SPEC_FULL.md §11's wiring of the teacher's declared-but-unused
// github.com/dgraph-io/ristretto/v2 dependency into exactly this role.
type NodeCache struct {
	c *ristretto.Cache[uint64, *node.Node]
}

// NewNodeCache returns a cache admitting up to maxCost cost units of
// decoded nodes (cost 1 per node, so maxCost doubles as an item-count cap).
func NewNodeCache(maxCost int64) (*NodeCache, error) {
	if maxCost <= 0 {
		return nil, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config[uint64, *node.Node]{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("node cache: %w", err)
	}
	return &NodeCache{c: c}, nil
}

func cacheKey(id page.Pgid, txID uint64) uint64 {
	return uint64(id)<<32 ^ (txID & 0xFFFFFFFF)
}

// Get returns the cached node for (id, txID), if present.
func (nc *NodeCache) Get(id page.Pgid, txID uint64) (*node.Node, bool) {
	if nc == nil {
		return nil, false
	}
	return nc.c.Get(cacheKey(id, txID))
}

// Set records n as the decoded image of page id as of transaction txID.
func (nc *NodeCache) Set(id page.Pgid, txID uint64, n *node.Node) {
	if nc == nil {
		return
	}
	nc.c.Set(cacheKey(id, txID), n, 1)
}

// Close releases the cache's background goroutines.
func (nc *NodeCache) Close() {
	if nc != nil {
		nc.c.Close()
	}
}
