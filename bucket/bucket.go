// Package bucket implements spec.md §4.6: a bucket is its own B+ tree,
// identified within its parent by a leaf entry carrying the bucket flag,
// whose value is a small descriptor (root pgid, sequence) optionally
// followed by an entire inline tree when the bucket is small enough to
// avoid a page of its own.
//
// Grounded on the teacher's storage_engine/transaction_manager (the active,
// per-transaction-scoped resource registry pattern: a map keyed by id,
// populated lazily, torn down at transaction end) generalized from the
// teacher's whole-table scope down to a single nested tree, and on the
// bbolt-family Bucket found in the example pack's
// other_examples/jmszg-bbolt__bucket.go for the node-materialization,
// inline-vs-pointer representation, and spill/rebalance cascade shape.
package bucket

import (
	"bytes"
	"fmt"
	"sort"

	"daemonkv/cursor"
	"daemonkv/node"
	"daemonkv/page"
	"daemonkv/types"
)

// Tx is the slice of a writable or read-only transaction a Bucket needs:
// page lookups, page allocation/release, and the transaction's own
// identity. Defined here (rather than importing package txn) so that txn
// can depend on bucket without a cycle.
type Tx interface {
	Writable() bool
	TxID() uint64
	PageSize() int
	DefaultFillPercent() float64
	Closed() bool
	Page(id page.Pgid) *page.Page
	Allocate(pageCount int) (page.Pgid, error)
	Free(id page.Pgid, overflow int)
	WritePage(id page.Pgid, buf []byte) error
}

// Bucket is one node of the nested-bucket tree: its own B+ tree of
// key/value entries, plus a cache of sub-buckets already opened this
// transaction and the nodes materialized while mutating its own tree.
type Bucket struct {
	tx     Tx
	parent *Bucket
	name   []byte // nil for the root bucket

	rootPgid    page.Pgid // 0 while the bucket's content is inline
	sequence    uint64
	fillPercent float64

	inlinePage *page.Page // cached raw body when rootPgid == 0 and unmaterialized
	rootNode   *node.Node
	nodes      map[page.Pgid]*node.Node
	buckets    map[string]*Bucket

	cache *NodeCache
}

// New constructs the root bucket of a transaction: the one with no name and
// no parent, whose root pgid and sequence come straight from the meta page.
func New(tx Tx, rootPgid page.Pgid, sequence uint64, cache *NodeCache) *Bucket {
	return &Bucket{tx: tx, rootPgid: rootPgid, sequence: sequence, cache: cache}
}

// RootPgid implements cursor.Source.
func (b *Bucket) RootPgid() page.Pgid { return b.rootPgid }

// PageNode implements cursor.Source: prefer an already-materialized node
// (this transaction's own edits, or a read-only cache hit), falling back to
// a fresh zero-copy read of the backing page.
func (b *Bucket) PageNode(id page.Pgid) (*page.Page, *node.Node) {
	if n, ok := b.nodes[id]; ok {
		return nil, n
	}
	if id == 0 && b.inlinePage != nil {
		return b.inlinePage, nil
	}
	if !b.tx.Writable() && b.cache != nil {
		if n, ok := b.cache.Get(id, b.tx.TxID()); ok {
			return nil, n
		}
		n := node.Read(b.tx.Page(id))
		b.cache.Set(id, b.tx.TxID(), n)
		return nil, n
	}
	return b.tx.Page(id), nil
}

// Node implements node.Store: materialize-on-demand with parent linkage so
// a later Spill can recurse post-order through exactly the subtree this
// transaction touched.
func (b *Bucket) Node(id page.Pgid, parent *node.Node) *node.Node {
	if n, ok := b.nodes[id]; ok {
		return n
	}
	var n *node.Node
	if id == 0 && b.inlinePage != nil {
		n = node.Read(b.inlinePage)
	} else {
		n = node.Read(b.tx.Page(id))
	}
	n.Parent = parent
	if parent == nil {
		b.rootNode = n
	} else {
		parent.Children = append(parent.Children, n)
	}
	if b.nodes == nil {
		b.nodes = make(map[page.Pgid]*node.Node)
	}
	b.nodes[id] = n
	return n
}

func (b *Bucket) Dirty(n *node.Node) { n.Dirty = true }

func (b *Bucket) Allocate(pageCount int) (page.Pgid, error) { return b.tx.Allocate(pageCount) }

func (b *Bucket) Free(id page.Pgid, overflow int) { b.tx.Free(id, overflow) }

func (b *Bucket) WritePage(id page.Pgid, buf []byte) error { return b.tx.WritePage(id, buf) }

func (b *Bucket) PageSize() int { return b.tx.PageSize() }

// FillPercent returns this bucket's override if one was set with
// SetFillPercent, otherwise the transaction's configured default
// (spec.md §4.4 "target fill factor ... overridable per-DB").
func (b *Bucket) FillPercent() float64 {
	if b.fillPercent != 0 {
		return b.fillPercent
	}
	return b.tx.DefaultFillPercent()
}

// SetFillPercent overrides the split target fill factor for this bucket.
func (b *Bucket) SetFillPercent(pct float64) {
	if pct < types.MinFillPercent {
		pct = types.MinFillPercent
	}
	if pct > types.MaxFillPercent {
		pct = types.MaxFillPercent
	}
	b.fillPercent = pct
}

// Cursor returns a cursor positioned nowhere over this bucket's tree.
func (b *Bucket) Cursor() *cursor.Cursor { return cursor.New(b) }

// checkOpen returns ErrBucketClosed once the owning transaction has
// committed or rolled back (spec.md §7 "Using a bucket after its
// transaction closes returns BucketClosed").
func (b *Bucket) checkOpen() error {
	if b.tx.Closed() {
		return types.ErrBucketClosed
	}
	return nil
}

// nodeForKey materializes the full root-to-leaf path for key, forcing every
// node along the way into b.nodes so a subsequent Put/Del on the returned
// leaf is visible to Rebalance/Spill.
func (b *Bucket) nodeForKey(key []byte) *node.Node {
	return b.descend(b.rootPgid, nil, key)
}

func (b *Bucket) descend(id page.Pgid, parent *node.Node, key []byte) *node.Node {
	n := b.Node(id, parent)
	if n.IsLeaf {
		return n
	}
	return b.descend(n.ChildPgid(key), n, key)
}

// Get returns the value stored at key, or ErrKeyNotFound. Returns
// ErrIncompatibleValue if key names a sub-bucket rather than a value.
func (b *Bucket) Get(key []byte) ([]byte, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, types.ErrEmptyKey
	}
	c := b.Cursor()
	k, v, flags := c.Seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return nil, types.ErrKeyNotFound
	}
	if flags&page.BucketFlag != 0 {
		return nil, types.ErrIncompatibleValue
	}
	return v, nil
}

// Put inserts or overwrites the value at key.
func (b *Bucket) Put(key, value []byte) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if !b.tx.Writable() {
		return types.ErrReadOnlyTx
	}
	if len(key) == 0 {
		return types.ErrEmptyKey
	}
	if maxKey := b.tx.PageSize() / types.MaxKeyFraction; len(key) > maxKey {
		return types.ErrKeyTooLarge
	}
	if len(value) > types.MaxValueSize {
		return types.ErrValueTooLarge
	}
	c := b.Cursor()
	if k, _, flags := c.Seek(key); k != nil && bytes.Equal(k, key) && flags&page.BucketFlag != 0 {
		return types.ErrIncompatibleValue
	}
	n := b.nodeForKey(key)
	n.Put(key, key, value, 0, 0)
	b.Dirty(n)
	return nil
}

// Delete removes key, if present. Deleting an absent key is a no-op.
func (b *Bucket) Delete(key []byte) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if !b.tx.Writable() {
		return types.ErrReadOnlyTx
	}
	if len(key) == 0 {
		return types.ErrEmptyKey
	}
	c := b.Cursor()
	k, _, flags := c.Seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return nil
	}
	if flags&page.BucketFlag != 0 {
		return types.ErrIncompatibleValue
	}
	n := b.nodeForKey(key)
	n.Del(key)
	b.Dirty(n)
	return nil
}

// NextSequence returns a monotonically increasing counter private to this
// bucket, persisted in its descriptor at the next commit.
func (b *Bucket) NextSequence() (uint64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	if !b.tx.Writable() {
		return 0, types.ErrReadOnlyTx
	}
	b.sequence++
	return b.sequence, nil
}

// Sequence returns the bucket's current sequence counter without advancing
// it.
func (b *Bucket) Sequence() uint64 { return b.sequence }

// CreateBucket creates and returns a new, empty nested bucket named name.
// Returns ErrBucketExists if the name is already a bucket, or
// ErrIncompatibleValue if it already names a plain value.
func (b *Bucket) CreateBucket(name []byte) (*Bucket, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if !b.tx.Writable() {
		return nil, types.ErrReadOnlyTx
	}
	if len(name) == 0 {
		return nil, types.ErrBucketNameRequired
	}
	c := b.Cursor()
	if k, _, flags := c.Seek(name); k != nil && bytes.Equal(k, name) {
		if flags&page.BucketFlag != 0 {
			return nil, types.ErrBucketExists
		}
		return nil, types.ErrIncompatibleValue
	}

	emptyBody := make([]byte, page.HeaderSize)
	p := page.Wrap(emptyBody)
	p.SetKind(types.KindLeaf)
	p.SetCount(0)

	child := &Bucket{tx: b.tx, parent: b, name: append([]byte(nil), name...), cache: b.cache}
	child.inlinePage = p

	value := append(encodeDescriptor(descriptor{RootPgid: 0, Sequence: 0}), emptyBody...)
	n := b.nodeForKey(name)
	n.Put(name, name, value, 0, page.BucketFlag)

	if b.buckets == nil {
		b.buckets = make(map[string]*Bucket)
	}
	b.buckets[string(name)] = child
	return child, nil
}

// CreateBucketIfNotExists is CreateBucket, except an existing bucket of the
// same name is returned instead of an error.
func (b *Bucket) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	child, err := b.CreateBucket(name)
	if err == types.ErrBucketExists {
		return b.Bucket(name)
	}
	return child, err
}

// Bucket returns the nested bucket named name, or ErrBucketNotFound.
func (b *Bucket) Bucket(name []byte) (*Bucket, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if b.buckets != nil {
		if child, ok := b.buckets[string(name)]; ok {
			return child, nil
		}
	}
	c := b.Cursor()
	k, v, flags := c.Seek(name)
	if k == nil || !bytes.Equal(k, name) || flags&page.BucketFlag == 0 {
		return nil, types.ErrBucketNotFound
	}
	d := decodeDescriptor(v)
	child := &Bucket{tx: b.tx, parent: b, name: append([]byte(nil), name...), cache: b.cache,
		rootPgid: d.RootPgid, sequence: d.Sequence}
	if d.RootPgid == 0 {
		child.inlinePage = page.Wrap(append([]byte(nil), v[descriptorSize:]...))
	}
	if b.buckets == nil {
		b.buckets = make(map[string]*Bucket)
	}
	b.buckets[string(name)] = child
	return child, nil
}

// DeleteBucket removes the nested bucket named name, freeing every page
// reachable from its tree (and, recursively, from any bucket nested inside
// it) to the current transaction's pending set.
func (b *Bucket) DeleteBucket(name []byte) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if !b.tx.Writable() {
		return types.ErrReadOnlyTx
	}
	child, err := b.Bucket(name)
	if err != nil {
		return err
	}
	if err := child.freeAll(); err != nil {
		return fmt.Errorf("delete bucket %q: %w", name, err)
	}
	n := b.nodeForKey(name)
	n.Del(name)
	delete(b.buckets, string(name))
	return nil
}

// freeAll walks every page reachable from this bucket's root (recursing
// into any nested buckets along the way) and returns each to the
// transaction's pending set.
func (b *Bucket) freeAll() error {
	for _, name := range b.bucketNames() {
		child, err := b.Bucket([]byte(name))
		if err != nil {
			return err
		}
		if err := child.freeAll(); err != nil {
			return err
		}
	}
	if b.rootPgid == 0 {
		return nil
	}
	return b.walkFree(b.rootPgid)
}

// bucketNames returns every nested-bucket leaf entry's key, used by freeAll
// to visit sub-buckets that were never opened this transaction.
func (b *Bucket) bucketNames() []string {
	var names []string
	c := b.Cursor()
	for k, _, flags := c.First(); k != nil; k, _, flags = c.Next() {
		if flags&page.BucketFlag != 0 {
			names = append(names, string(k))
		}
	}
	return names
}

func (b *Bucket) walkFree(id page.Pgid) error {
	p, n := b.PageNode(id)
	if n != nil {
		if n.IsLeaf {
			for i := range n.Inodes {
				if n.Inodes[i].Flags&page.BucketFlag != 0 {
					d := decodeDescriptor(n.Inodes[i].Value)
					if d.RootPgid != 0 {
						if err := b.walkFree(d.RootPgid); err != nil {
							return err
						}
					}
				}
			}
		} else {
			for i := range n.Inodes {
				if err := b.walkFree(n.Inodes[i].Pgid); err != nil {
					return err
				}
			}
		}
		b.tx.Free(id, n.Overflow)
		return nil
	}

	if p.Kind() == types.KindBranch {
		for _, e := range p.BranchPageElements() {
			if err := b.walkFree(e.Pgid); err != nil {
				return err
			}
		}
	} else {
		for _, e := range p.LeafPageElements() {
			if e.IsBucket() {
				d := decodeDescriptor(e.Value())
				if d.RootPgid != 0 {
					if err := b.walkFree(d.RootPgid); err != nil {
						return err
					}
				}
			}
		}
	}
	b.tx.Free(id, p.Overflow())
	return nil
}

// sortedBucketNames returns b.buckets' keys in ascending order, so spilling
// sub-buckets (and therefore allocating their pages) happens in a
// deterministic sequence.
func (b *Bucket) sortedBucketNames() []string {
	names := make([]string, 0, len(b.buckets))
	for name := range b.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
