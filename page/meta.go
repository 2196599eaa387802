package page

import (
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"daemonkv/types"
)

// Meta is the body of a meta page (spec.md §3, §6.1). Two meta pages exist
// at fixed ids 0 and 1; the authoritative one is whichever has the greater
// TxID and a valid Checksum.
type Meta struct {
	Magic        uint32
	Version      uint32
	PageSize     uint32
	Flags        uint32
	RootPgid     Pgid
	RootSequence uint64
	Freelist     Pgid
	NumPages     uint64
	TxID         uint64
	Checksum     uint64
}

const MetaSize = int(unsafe.Sizeof(Meta{}))

// sum computes the documented checksum: xxhash64 over every field of Meta
// except Checksum itself, in the struct's on-disk byte order. xxhash is
// deterministic and has no dependency on host endianness quirks beyond what
// the struct overlay already assumes (little-endian hosts), resolving
// spec.md §9 open question (a).
func (m *Meta) sum() uint64 {
	b := (*[MetaSize]byte)(unsafe.Pointer(m))[:]
	return xxhash.Sum64(b[:MetaSize-8])
}

// Validate reports whether the meta page is structurally sound: magic,
// version, page size, and checksum must all agree.
func (m *Meta) Validate() error {
	if m.Magic != types.Magic {
		return types.ErrInvalid
	}
	if m.Version != types.Version {
		return types.ErrInvalid
	}
	if m.PageSize < types.MinPageSize {
		return types.ErrInvalid
	}
	if m.Checksum != m.sum() {
		return types.ErrInvalid
	}
	return nil
}

// Sign stamps Checksum with the current, valid value. Call after mutating
// any other field and before writing the meta page out.
func (m *Meta) Sign() {
	m.Checksum = m.sum()
}

// MetaFromPage overlays the Meta struct on a meta page's body.
func MetaFromPage(p *Page) *Meta {
	return (*Meta)(unsafe.Pointer(&p.Body()[0]))
}

// WriteMeta serializes m into pageBuf (which must be at least HeaderSize +
// MetaSize bytes), stamping the page header as a meta page with id pgid.
func WriteMeta(pageBuf []byte, pgid Pgid, m Meta) {
	p := Wrap(pageBuf)
	p.SetID(pgid)
	p.SetKind(types.KindMeta)
	p.SetCount(0)
	p.SetOverflow(0)
	m.Sign()
	dst := MetaFromPage(p)
	*dst = m
}
