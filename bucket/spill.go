package bucket

import (
	"daemonkv/node"
	"daemonkv/page"
	"daemonkv/types"
)

// Rebalance restores minimum occupancy across every node this transaction
// materialized, then recurses into every sub-bucket opened this
// transaction, so a merge that empties a node ripples up through the tree
// before Spill ever runs (spec.md §4.7 commit step 1).
//
// Grounded on the bbolt-family Bucket.rebalance() in the example pack's
// other_examples/jmszg-bbolt__bucket.go: iterate the node cache, then
// recurse into child buckets.
func (b *Bucket) Rebalance() {
	for _, n := range b.nodes {
		node.Rebalance(n, b)
	}
	for _, child := range b.buckets {
		child.Rebalance()
	}
}

// Spill tears down every dirty subtree into serialized pages, writes
// updated descriptors for every sub-bucket touched this transaction back
// into this bucket's own tree, and finally spills this bucket's own root,
// updating rootPgid to wherever it landed (spec.md §4.7 commit step 2).
//
// Grounded on the bbolt-family Bucket.spill() in the same file: children
// spill first (so their descriptor is known before the parent's own leaf
// entry for them is rewritten), then the bucket's own root.
func (b *Bucket) Spill() error {
	for _, name := range b.sortedBucketNames() {
		child := b.buckets[name]
		if err := child.Spill(); err != nil {
			return err
		}
		value := child.descriptorValue()
		n := b.nodeForKey([]byte(name))
		n.Put([]byte(name), []byte(name), value, 0, page.BucketFlag)
	}

	if b.rootNode == nil {
		return nil
	}

	// Only a nested bucket has a parent leaf entry to hold inline bytes;
	// the root bucket's pointer lives in the meta page itself, so it must
	// always spill to a real page (bbolt's Bucket.spill calls inlineable()
	// on child buckets only, never on the receiver's own root).
	if b.parent != nil && b.inlineable() {
		if b.rootPgid != 0 {
			b.tx.Free(b.rootPgid, b.rootNode.Overflow)
		}
		b.rootPgid = 0
		return nil
	}

	if err := node.Spill(b.rootNode, b); err != nil {
		return err
	}
	b.rootPgid = b.rootNode.Root().Pgid
	return nil
}

// inlineable reports whether this bucket's current content is small enough,
// and simple enough (a single leaf, no sub-buckets of its own), to live
// inline inside its parent's leaf value instead of on a page of its own
// (spec.md §4.6 "An inline bucket ...").
func (b *Bucket) inlineable() bool {
	if len(b.buckets) > 0 {
		return false
	}
	if b.rootNode == nil {
		return b.rootPgid == 0
	}
	if !b.rootNode.IsLeaf {
		return false
	}
	for i := range b.rootNode.Inodes {
		if b.rootNode.Inodes[i].Flags&page.BucketFlag != 0 {
			return false
		}
	}
	threshold := b.tx.PageSize() / types.InlineBucketFraction
	return b.rootNode.SizeLessThan(threshold)
}

// descriptorValue renders this bucket's current state as a leaf value:
// the fixed descriptor header, followed by the serialized inline body when
// rootPgid is 0.
func (b *Bucket) descriptorValue() []byte {
	head := encodeDescriptor(descriptor{RootPgid: b.rootPgid, Sequence: b.sequence})
	if b.rootPgid != 0 {
		return head
	}
	switch {
	case b.rootNode != nil:
		buf := make([]byte, b.rootNode.Size())
		node.Write(b.rootNode, buf)
		return append(head, buf...)
	case b.inlinePage != nil:
		return append(head, b.inlinePage.Bytes()...)
	default:
		buf := make([]byte, page.HeaderSize)
		p := page.Wrap(buf)
		p.SetKind(types.KindLeaf)
		return append(head, buf...)
	}
}
