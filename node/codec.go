package node

import (
	"daemonkv/page"
	"daemonkv/types"
)

// Read materializes a node from a page, referencing keys and values
// directly into the page's backing bytes (zero-copy) rather than copying
// them. Those references are only valid for the lifetime of the mapping the
// page was read from, which in practice means the lifetime of the
// transaction that called Read (spec.md §9 "Zero-copy vs ownership").
func Read(p *page.Page) *Node {
	n := &Node{
		Pgid:     p.ID(),
		Overflow: int(p.Overflow()),
		IsLeaf:   p.Kind() == types.KindLeaf,
	}
	if n.IsLeaf {
		elems := p.LeafPageElements()
		n.Inodes = make([]Inode, len(elems))
		for i := range elems {
			e := &elems[i]
			n.Inodes[i] = Inode{
				Flags: e.Flags,
				Key:   e.Key(),
				Value: e.Value(),
			}
		}
	} else {
		elems := p.BranchPageElements()
		n.Inodes = make([]Inode, len(elems))
		for i := range elems {
			e := &elems[i]
			n.Inodes[i] = Inode{
				Pgid: e.Pgid,
				Key:  e.Key(),
			}
		}
	}
	if len(n.Inodes) > 0 {
		n.Key = n.Inodes[0].Key
	}
	return n
}

// Write serializes n into buf, which must be at least n.Size() bytes (Spill
// passes a whole number of pages, spanning overflow pages when the node
// does not fit in one). KeyOffset is written relative to each element's own
// position, matching the overlay math in the page package's Key()/Value().
func Write(n *Node, buf []byte) {
	p := page.Wrap(buf)
	p.SetID(n.Pgid)
	if n.IsLeaf {
		p.SetKind(types.KindLeaf)
	} else {
		p.SetKind(types.KindBranch)
	}
	p.SetCount(len(n.Inodes))

	if n.IsLeaf {
		elems := p.LeafPageElements()
		dataOff := page.HeaderSize + len(elems)*16
		for i := range n.Inodes {
			in := &n.Inodes[i]
			e := &elems[i]
			e.Flags = in.Flags
			e.KeySize = uint32(len(in.Key))
			e.ValueSize = uint32(len(in.Value))
			e.KeyOffset = uint32(dataOff - (page.HeaderSize + i*16))
			written := copy(buf[dataOff:], in.Key)
			copy(buf[dataOff+written:], in.Value)
			dataOff += len(in.Key) + len(in.Value)
		}
	} else {
		elems := p.BranchPageElements()
		dataOff := page.HeaderSize + len(elems)*16
		for i := range n.Inodes {
			in := &n.Inodes[i]
			e := &elems[i]
			e.Pgid = in.Pgid
			e.KeySize = uint32(len(in.Key))
			e.KeyOffset = uint32(dataOff - (page.HeaderSize + i*16))
			copy(buf[dataOff:], in.Key)
			dataOff += len(in.Key)
		}
	}
}
