// Package cursor implements the ordered stack-of-positions cursor described
// in spec.md §3 ("Cursor") and §4.5: seek/first/last/next/prev over a
// bucket's tree, reading directly from raw mmap'd pages when a subtree has
// never been materialized into a node, and falling through to the
// in-transaction node when it has (spec.md §4.6 "Cursors created on the
// bucket see that cache first, then fall through to the mmap page").
//
// Grounded on the teacher's bplustree/iterator.go and find_leaf.go (the
// first/seek descent shape, leaf linking for range scans) generalized from
// the teacher's single-representation node traversal to the spec's
// page-or-node duality, which follows the bbolt-family cursor.go designs
// visible in the example pack.
package cursor

import (
	"bytes"
	"sort"

	"daemonkv/node"
	"daemonkv/page"
	"daemonkv/types"
)

// Source is what a Cursor needs from its owning bucket: the root page id to
// start from, and a way to resolve any pgid to either a raw page (if never
// materialized) or a node (if already materialized, e.g. because it is
// dirty in the current write transaction).
type Source interface {
	RootPgid() page.Pgid
	PageNode(id page.Pgid) (*page.Page, *node.Node)
}

// ref is a uniform view over one frame's backing storage, whether a raw
// page or a materialized node.
type ref struct {
	p *page.Page
	n *node.Node
}

func (r ref) count() int {
	if r.n != nil {
		return len(r.n.Inodes)
	}
	return r.p.Count()
}

func (r ref) keyAt(i int) []byte {
	if r.n != nil {
		return r.n.Inodes[i].Key
	}
	if r.p.Kind() == types.KindLeaf {
		return r.p.LeafPageElements()[i].Key()
	}
	return r.p.BranchPageElements()[i].Key()
}

func (r ref) valueAt(i int) []byte {
	if r.n != nil {
		return r.n.Inodes[i].Value
	}
	return r.p.LeafPageElements()[i].Value()
}

func (r ref) flagsAt(i int) uint32 {
	if r.n != nil {
		return r.n.Inodes[i].Flags
	}
	return r.p.LeafPageElements()[i].Flags
}

func (r ref) pgidAt(i int) page.Pgid {
	if r.n != nil {
		return r.n.Inodes[i].Pgid
	}
	return r.p.BranchPageElements()[i].Pgid
}

func (r ref) isLeafKind() bool {
	if r.n != nil {
		return r.n.IsLeaf
	}
	return r.p.Kind() == types.KindLeaf
}

// frame is one level of the cursor stack: a backing ref plus which element
// within it the cursor currently points at.
type frame struct {
	ref   ref
	index int
}

// Cursor is a stack of frames from the bucket's root to the current leaf
// element.
type Cursor struct {
	src   Source
	stack []frame
}

// New returns a cursor positioned nowhere (call First, Last, or Seek before
// reading).
func New(src Source) *Cursor {
	return &Cursor{src: src}
}

func (c *Cursor) refAt(id page.Pgid) ref {
	p, n := c.src.PageNode(id)
	return ref{p: p, n: n}
}

// First descends to the leftmost leaf element.
func (c *Cursor) First() ([]byte, []byte, uint32) {
	c.stack = c.stack[:0]
	r := c.refAt(c.src.RootPgid())
	c.stack = append(c.stack, frame{ref: r, index: 0})
	for !c.top().ref.isLeafKind() {
		top := c.top()
		r := c.refAt(top.ref.pgidAt(top.index))
		c.stack = append(c.stack, frame{ref: r, index: 0})
	}
	return c.keyValueFlags()
}

// Last descends to the rightmost leaf element.
func (c *Cursor) Last() ([]byte, []byte, uint32) {
	c.stack = c.stack[:0]
	r := c.refAt(c.src.RootPgid())
	c.stack = append(c.stack, frame{ref: r, index: max(r.count()-1, 0)})
	for !c.top().ref.isLeafKind() {
		top := c.top()
		r := c.refAt(top.ref.pgidAt(top.index))
		c.stack = append(c.stack, frame{ref: r, index: max(r.count()-1, 0)})
	}
	return c.keyValueFlags()
}

// Seek positions the cursor at the first element whose key is >= key,
// descending at each branch into the child covering that range (greatest
// key <= target). Returns the found key/value/flags, or a nil key if key is
// past the end of the bucket.
func (c *Cursor) Seek(key []byte) ([]byte, []byte, uint32) {
	c.stack = c.stack[:0]
	id := c.src.RootPgid()
	for {
		r := c.refAt(id)
		idx := search(r, key)
		c.stack = append(c.stack, frame{ref: r, index: idx})
		if r.isLeafKind() {
			break
		}
		if idx >= r.count() {
			idx = r.count() - 1
		}
		if idx < 0 {
			return nil, nil, 0
		}
		c.stack[len(c.stack)-1].index = idx
		id = r.pgidAt(idx)
	}
	top := c.top()
	if top.index >= top.ref.count() {
		// key sorts after every element of this leaf: the first key >= key,
		// if there is one, starts the next leaf.
		return c.Next()
	}
	return c.keyValueFlags()
}

// search returns the index of the greatest key <= target for a branch
// (descent position), or the exact/insert position for a leaf.
func search(r ref, key []byte) int {
	n := r.count()
	i := sort.Search(n, func(i int) bool { return bytes.Compare(r.keyAt(i), key) >= 0 })
	if r.isLeafKind() {
		return i
	}
	if i < n && bytes.Equal(r.keyAt(i), key) {
		return i
	}
	if i > 0 {
		return i - 1
	}
	return 0
}

// Next advances to the next leaf element, popping frames until one can
// advance and then descending leftmost into the newly entered subtree.
func (c *Cursor) Next() ([]byte, []byte, uint32) {
	for i := len(c.stack) - 1; i >= 0; i-- {
		f := &c.stack[i]
		if f.index+1 < f.ref.count() {
			f.index++
			c.stack = c.stack[:i+1]
			for !c.top().ref.isLeafKind() {
				top := c.top()
				r := c.refAt(top.ref.pgidAt(top.index))
				c.stack = append(c.stack, frame{ref: r, index: 0})
			}
			return c.keyValueFlags()
		}
	}
	c.stack = c.stack[:0]
	return nil, nil, 0
}

// Prev retreats to the previous leaf element, symmetric to Next.
func (c *Cursor) Prev() ([]byte, []byte, uint32) {
	for i := len(c.stack) - 1; i >= 0; i-- {
		f := &c.stack[i]
		if f.index > 0 {
			f.index--
			c.stack = c.stack[:i+1]
			for !c.top().ref.isLeafKind() {
				top := c.top()
				r := c.refAt(top.ref.pgidAt(top.index))
				c.stack = append(c.stack, frame{ref: r, index: max(r.count()-1, 0)})
			}
			return c.keyValueFlags()
		}
	}
	c.stack = c.stack[:0]
	return nil, nil, 0
}

func (c *Cursor) top() frame { return c.stack[len(c.stack)-1] }

// keyValueFlags returns the key/value/flags at the cursor's current
// position, or a nil key if the leaf frame has no elements (empty bucket)
// or the cursor has advanced past the end.
func (c *Cursor) keyValueFlags() ([]byte, []byte, uint32) {
	top := c.top()
	if top.index < 0 || top.index >= top.ref.count() {
		return nil, nil, 0
	}
	return top.ref.keyAt(top.index), top.ref.valueAt(top.index), top.ref.flagsAt(top.index)
}

