package node

import "daemonkv/page"

// splitMinInodes is the minimum inode count a node must have before it is
// even considered for splitting, regardless of size (spec.md §4.4 "Split
// decision"). A node with fewer than this can't usefully be divided into
// two nodes that each still satisfy MinKeys.
const splitMinInodes = 4

// NeedsSplit reports whether n's serialized size exceeds one page body and
// it has enough inodes to be split at all.
func (n *Node) NeedsSplit(pageSize int) bool {
	return len(n.Inodes) >= splitMinInodes && !n.SizeLessThan(pageSize)
}

// Split divides n into one or more sibling nodes, cutting after the first
// inode at which a sibling's serialized size reaches fillPercent of
// pageSize (spec.md §4.4, default 50%, overridable per-database). A sibling
// can still exceed pageSize — at a high fill percent, or when entries are
// close to a page in size — and Spill then writes it across overflow
// pages. The returned slice
// is ordered left-to-right; the first element is n itself, mutated in place
// to hold only its share of the inodes. If n has no parent yet (it is the
// root), a new branch node is created to hold it and every sibling — the
// same wrapping-root-on-split bbolt does — so splits propagate upward and
// the tree gains a level when it needs one (spec.md §4.4 "Splits propagate
// upward; the root splits into a new root when necessary").
func (n *Node) Split(pageSize int, fillPercent float64) []*Node {
	if !n.NeedsSplit(pageSize) {
		return []*Node{n}
	}

	if n.Parent == nil {
		n.Parent = &Node{Children: []*Node{n}}
	}

	var siblings []*Node
	cur := n
	remaining := n.Inodes
	elsz := n.elementSize()
	threshold := int(float64(pageSize) * fillPercent)
	if threshold < page.HeaderSize+elsz*splitMinInodes {
		threshold = page.HeaderSize + elsz*splitMinInodes
	}

	for {
		cutAt := cur.findSplitPoint(remaining, elsz, pageSize, threshold)
		if cutAt >= len(remaining) {
			cur.Inodes = remaining
			siblings = append(siblings, cur)
			break
		}
		cur.Inodes = remaining[:cutAt]
		siblings = append(siblings, cur)

		next := New(n.IsLeaf)
		next.Parent = n.Parent
		n.Parent.Children = append(n.Parent.Children, next)
		remaining = remaining[cutAt:]
		next.Key = remaining[0].Key
		cur = next
	}
	return siblings
}

// findSplitPoint scans inodes for the index at which accumulated size first
// reaches threshold (targeting the configured fill percent), including the
// inode that reaches it. It does not cut where either side would keep
// fewer than splitMinInodes/2 inodes, except when the left side has already
// reached pageSize.
func (n *Node) findSplitPoint(inodes []Inode, elsz, pageSize, threshold int) int {
	sz := page.HeaderSize
	minLeft := splitMinInodes / 2
	for i, in := range inodes {
		sz += elsz + len(in.Key) + len(in.Value)
		if i+1 < minLeft {
			continue
		}
		if len(inodes)-(i+1) < minLeft && i+1 < len(inodes) {
			// Splitting here would leave too few on the right; keep
			// growing unless we're about to blow the hard page cap.
			if sz < pageSize {
				continue
			}
		}
		if sz >= threshold {
			return i + 1
		}
	}
	return len(inodes)
}
