// Package node is the in-memory, mutable image of a tree page: branch or
// leaf, lazily materialized the first time a transaction needs to mutate or
// directly dereference the page, and torn back down into one or more pages
// at spill time.
//
// Grounded on the teacher's bplustree (struct.go's Node shape: id, keys,
// vals/children, parent, dirty flag; node_codec.go's encode/decode split
// across a fixed element table) generalized from the teacher's whole-node
// single-page model to the spec's variable-length, possibly-overflowing,
// zero-copy-on-read page overlay — that half is grounded on the bbolt-style
// node.go found in the example pack's other_examples/jmszg-bbolt__node.go.
package node

import (
	"bytes"
	"sort"

	"daemonkv/page"
)

// Inode is one entry of a node: for a branch node, a (key, child pgid) pair;
// for a leaf node, a (key, value) pair, optionally flagged as a sub-bucket
// entry.
type Inode struct {
	Flags uint32
	Pgid  page.Pgid
	Key   []byte
	Value []byte
}

// Store is the materialization/dirty-tracking/page-reclamation contract a
// Node needs from its owning Bucket. Keeping this as an interface (rather
// than importing the bucket package directly) avoids a node<->bucket import
// cycle: bucket imports node, not the reverse.
type Store interface {
	// Node returns the materialized node for pgid, creating it from the
	// backing page on first reference, with parent set as given.
	Node(id page.Pgid, parent *Node) *Node
	// Dirty records that n has been mutated and must be spilled at
	// commit.
	Dirty(n *Node)
	// Allocate reserves a contiguous run of pageCount new page ids,
	// growing the file first if the freelist has no run that large.
	Allocate(pageCount int) (page.Pgid, error)
	// Free releases pgid (plus overflow additional pages) to the current
	// transaction's pending set.
	Free(id page.Pgid, overflow int)
	// WritePage persists buf, a fully serialized node image, at pgid.
	WritePage(id page.Pgid, buf []byte) error
	// PageSize is the fixed page size of the database.
	PageSize() int
	// FillPercent is the configured target fill factor for splits.
	FillPercent() float64
}

// Node is the in-memory twin of a branch or leaf page.
type Node struct {
	Pgid       page.Pgid
	Overflow   int // overflow pages of the page this node was last read from or written to
	IsLeaf     bool
	Key        []byte // the node's first key as last recorded in its parent's inode; locates it via childIndex
	Parent     *Node
	Children   []*Node // transient: populated while materializing children, consumed by Spill
	Inodes     []Inode
	Unbalanced bool
	Spilled    bool
	Dirty      bool
}

// New returns an empty node of the given kind.
func New(isLeaf bool) *Node {
	return &Node{IsLeaf: isLeaf}
}

// Root walks Parent links up to the top-level node of the tree this node is
// attached to.
func (n *Node) Root() *Node {
	if n.Parent == nil {
		return n
	}
	return n.Parent.Root()
}

// MinKeys is the minimum number of inodes a node should carry before it is
// considered underfull and eligible for merging: leaves may drop to empty
// before becoming unreachable garbage, but a branch must always keep at
// least one key besides its implicit "everything less than the first
// child" slot, so 2 keeps fan-out meaningful.
func (n *Node) MinKeys() int {
	if n.IsLeaf {
		return 1
	}
	return 2
}

// elementSize returns the fixed per-element header size for this node's
// kind, read from the page package's element struct sizes so the two can
// never silently diverge.
func (n *Node) elementSize() int {
	if n.IsLeaf {
		return page.LeafElementSize()
	}
	return page.BranchElementSize()
}

// Size returns the number of bytes this node would occupy once serialized:
// header + element array + packed keys/values.
func (n *Node) Size() int {
	sz := page.HeaderSize + n.elementSize()*len(n.Inodes)
	for i := range n.Inodes {
		sz += len(n.Inodes[i].Key) + len(n.Inodes[i].Value)
	}
	return sz
}

// SizeLessThan reports whether the node's serialized size is less than v,
// short-circuiting the moment the running total reaches v so callers
// checking "does this still fit in one page" don't pay for a full sum on
// nodes that obviously don't fit.
func (n *Node) SizeLessThan(v int) bool {
	sz := page.HeaderSize
	elsz := n.elementSize()
	for i := range n.Inodes {
		sz += elsz + len(n.Inodes[i].Key) + len(n.Inodes[i].Value)
		if sz >= v {
			return false
		}
	}
	return true
}

// search returns the index of the inode with the given key, and whether an
// exact match was found. When no exact match exists, index is the
// would-be-insert position.
func (n *Node) search(key []byte) (int, bool) {
	i := sort.Search(len(n.Inodes), func(i int) bool {
		return bytes.Compare(n.Inodes[i].Key, key) >= 0
	})
	if i < len(n.Inodes) && bytes.Equal(n.Inodes[i].Key, key) {
		return i, true
	}
	return i, false
}

// Put inserts or overwrites the inode for key, preserving ascending order
// (spec.md §3 invariant 3).
func (n *Node) Put(oldKey, newKey, value []byte, pgid page.Pgid, flags uint32) {
	idx, exact := n.search(oldKey)
	if !exact {
		n.Inodes = append(n.Inodes, Inode{})
		copy(n.Inodes[idx+1:], n.Inodes[idx:])
		n.Inodes[idx] = Inode{}
	}
	in := &n.Inodes[idx]
	in.Flags = flags
	in.Key = append([]byte(nil), newKey...)
	in.Pgid = pgid
	if n.IsLeaf {
		in.Value = append([]byte(nil), value...)
	}
}

// Del removes the inode for key, if present, and marks the node
// unbalanced so the owning transaction rebalances it before commit.
func (n *Node) Del(key []byte) {
	idx, exact := n.search(key)
	if !exact {
		return
	}
	n.Inodes = append(n.Inodes[:idx], n.Inodes[idx+1:]...)
	n.Unbalanced = true
}

// Get returns the inode for key, if present.
func (n *Node) Get(key []byte) (Inode, bool) {
	idx, exact := n.search(key)
	if !exact {
		return Inode{}, false
	}
	return n.Inodes[idx], true
}

// childIndex returns the index of child among n's inodes, by key.
func (n *Node) childIndex(child *Node) int {
	i := sort.Search(len(n.Inodes), func(i int) bool {
		return bytes.Compare(n.Inodes[i].Key, child.Key) >= 0
	})
	return i
}

// ChildPgid returns the pgid of the child subtree that would contain key,
// for descending through a branch node: the greatest indexed child whose key
// is <= target.
func (n *Node) ChildPgid(key []byte) page.Pgid {
	idx, exact := n.search(key)
	if !exact {
		idx--
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= len(n.Inodes) {
		idx = len(n.Inodes) - 1
	}
	return n.Inodes[idx].Pgid
}

// NextSibling returns the sibling immediately to the right, fetched via
// store, or nil if n is the rightmost child (or has no parent).
func (n *Node) NextSibling(store Store) *Node {
	if n.Parent == nil {
		return nil
	}
	idx := n.Parent.childIndex(n)
	if idx >= len(n.Parent.Inodes)-1 {
		return nil
	}
	return store.Node(n.Parent.Inodes[idx+1].Pgid, n.Parent)
}

// PrevSibling returns the sibling immediately to the left, fetched via
// store, or nil if n is the leftmost child (or has no parent).
func (n *Node) PrevSibling(store Store) *Node {
	if n.Parent == nil {
		return nil
	}
	idx := n.Parent.childIndex(n)
	if idx == 0 {
		return nil
	}
	return store.Node(n.Parent.Inodes[idx-1].Pgid, n.Parent)
}
