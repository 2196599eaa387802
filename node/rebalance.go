package node

// removeChild drops target from n's transient Children list, used when a
// sibling has just been absorbed by merge or a child has become empty and
// been freed.
func (n *Node) removeChild(target *Node) {
	for i, c := range n.Children {
		if c == target {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			return
		}
	}
}

// Rebalance restores minimum occupancy for n after a delete left it
// Unbalanced, recursing up through ancestors as merges ripple toward the
// root (spec.md §4.4 "Rebalance"). Grounded on the bbolt-family
// node.rebalance() found in the example pack's
// other_examples/jmszg-bbolt__node.go: a size/MinKeys health check, a
// root-collapse special case when the root branch has been reduced to a
// single child, removal of emptied nodes with recursive parent rebalance,
// and otherwise a merge with whichever sibling the node's position favors.
func Rebalance(n *Node, store Store) {
	if !n.Unbalanced {
		return
	}
	n.Unbalanced = false

	threshold := store.PageSize() / 4
	if n.Size() > threshold && len(n.Inodes) > n.MinKeys() {
		return
	}

	if n.Parent == nil {
		// Root: a branch root reduced to one child collapses into that
		// child, shortening the tree by one level.
		if !n.IsLeaf && len(n.Inodes) == 1 {
			child := store.Node(n.Inodes[0].Pgid, nil)
			n.IsLeaf = child.IsLeaf
			n.Inodes = child.Inodes
			n.Children = child.Children
			for i := range n.Inodes {
				if c := store.Node(n.Inodes[i].Pgid, n); c != nil {
					c.Parent = n
				}
			}
			store.Free(child.Pgid, child.Overflow)
		}
		return
	}

	if len(n.Inodes) == 0 {
		parent := n.Parent
		idx := parent.childIndex(n)
		parent.Inodes = append(parent.Inodes[:idx], parent.Inodes[idx+1:]...)
		parent.removeChild(n)
		parent.Unbalanced = true
		store.Free(n.Pgid, n.Overflow)
		Rebalance(parent, store)
		return
	}

	parent := n.Parent
	mergeWithNext := parent.childIndex(n) == 0

	var target *Node
	if mergeWithNext {
		target = n.NextSibling(store)
	} else {
		target = n.PrevSibling(store)
	}
	if target == nil {
		return
	}

	if mergeWithNext {
		for _, c := range target.Children {
			c.Parent = n
			n.Children = append(n.Children, c)
		}
		n.Inodes = append(n.Inodes, target.Inodes...)
		idx := parent.childIndex(target)
		parent.Inodes = append(parent.Inodes[:idx], parent.Inodes[idx+1:]...)
		parent.removeChild(target)
		store.Free(target.Pgid, target.Overflow)
	} else {
		for _, c := range n.Children {
			c.Parent = target
			target.Children = append(target.Children, c)
		}
		target.Inodes = append(target.Inodes, n.Inodes...)
		idx := parent.childIndex(n)
		parent.Inodes = append(parent.Inodes[:idx], parent.Inodes[idx+1:]...)
		parent.removeChild(n)
		store.Free(n.Pgid, n.Overflow)
	}

	parent.Unbalanced = true
	Rebalance(parent, store)
}
