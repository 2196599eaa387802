package page

import (
	"unsafe"

	"daemonkv/types"
)

// overflowCountSentinel in header.Count signals that the true element count
// overflowed the 16-bit header field and is instead stored as a uint64 at
// the start of the body (spec.md §6.1).
const overflowCountSentinel = 0xFFFF

// FreelistBodySize returns the number of body bytes needed to encode n page
// ids, including the overflow count prefix when n requires one.
func FreelistBodySize(n int) int {
	sz := n * int(unsafe.Sizeof(Pgid(0)))
	if n >= overflowCountSentinel {
		sz += int(unsafe.Sizeof(uint64(0)))
	}
	return sz
}

// WriteFreelist serializes ids (already sorted ascending) into a freelist
// page body. buf must be at least HeaderSize+FreelistBodySize(len(ids)).
func WriteFreelist(buf []byte, pgid Pgid, overflow int, ids []Pgid) {
	p := Wrap(buf)
	p.SetID(pgid)
	p.SetKind(types.KindFreelist)
	p.SetOverflow(overflow)

	body := p.Body()
	if len(ids) >= overflowCountSentinel {
		p.SetCount(overflowCountSentinel)
		*(*uint64)(unsafe.Pointer(&body[0])) = uint64(len(ids))
		body = body[8:]
	} else {
		p.SetCount(len(ids))
	}
	if len(ids) > 0 {
		dst := unsafe.Slice((*Pgid)(unsafe.Pointer(&body[0])), len(ids))
		copy(dst, ids)
	}
}

// ReadFreelist parses the ids out of a freelist page.
func ReadFreelist(p *Page) []Pgid {
	count := p.Count()
	body := p.Body()
	if count == overflowCountSentinel {
		count = int(*(*uint64)(unsafe.Pointer(&body[0])))
		body = body[8:]
	}
	if count == 0 {
		return nil
	}
	src := unsafe.Slice((*Pgid)(unsafe.Pointer(&body[0])), count)
	ids := make([]Pgid, count)
	copy(ids, src)
	return ids
}
