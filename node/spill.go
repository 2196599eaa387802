package node

import (
	"sort"

	"daemonkv/page"
)

// Spill tears n down into one or more serialized pages, recursing into any
// still-unspilled children first (so a parent always learns its children's
// final page ids before it is itself written), splitting n if it has grown
// past one page, and propagating new child keys/pgids into n's parent. If
// spilling created a brand-new, not-yet-paged parent (the result of a root
// split), Spill recurses into that parent as well.
//
// Grounded on the bbolt-family node.spill() in the example pack's
// other_examples/jmszg-bbolt__node.go: sort-then-recurse into children,
// split, free-the-old-page-and-allocate-fresh-ones for each resulting
// sibling, write, and re-key the parent.
func Spill(n *Node, store Store) error {
	if n.Spilled {
		return nil
	}

	sort.Slice(n.Children, func(i, j int) bool { return n.Children[i].Pgid < n.Children[j].Pgid })
	for _, c := range n.Children {
		if err := Spill(c, store); err != nil {
			return err
		}
	}
	n.Children = nil

	nodes := n.Split(store.PageSize(), store.FillPercent())
	for _, nd := range nodes {
		if nd.Pgid != 0 {
			store.Free(nd.Pgid, nd.Overflow)
			nd.Pgid = 0
		}

		pageCount := (nd.Size() + store.PageSize() - 1) / store.PageSize()
		if pageCount < 1 {
			pageCount = 1
		}
		id, err := store.Allocate(pageCount)
		if err != nil {
			return err
		}
		nd.Pgid = id
		nd.Overflow = pageCount - 1

		buf := make([]byte, pageCount*store.PageSize())
		Write(nd, buf)
		p := page.Wrap(buf)
		p.SetOverflow(pageCount - 1)
		if err := store.WritePage(id, buf); err != nil {
			return err
		}
		nd.Spilled = true
		nd.Dirty = false

		if nd.Parent != nil {
			key := nd.Key
			if key == nil {
				key = nd.Inodes[0].Key
			}
			nd.Parent.Put(key, nd.Inodes[0].Key, nil, nd.Pgid, 0)
			nd.Key = nd.Inodes[0].Key
		}
	}

	if n.Parent != nil && n.Parent.Pgid == 0 {
		n.Children = nil
		return Spill(n.Parent, store)
	}
	return nil
}
