// Package page defines the on-disk page layout: the fixed-size page header,
// the two meta pages, the freelist page body, and the branch/leaf page
// element arrays. Everything here is a thin, unsafe.Pointer-based overlay on
// top of a byte slice backed by the memory map — parsing a page never
// copies, and writing one never allocates beyond what the caller already
// holds.
//
// Grounded on the teacher's storage_engine/page.Page (header fields,
// PageType dispatch) generalized from a single PageType byte into the
// branch/leaf/freelist/meta element layouts the spec requires, with the
// zero-copy overlay technique taken from the bbolt-family reference
// implementations in the example pack.
package page

import (
	"unsafe"

	"daemonkv/types"
)

// Pgid is a page id: an offset in page units from the start of the file.
type Pgid uint64

// HeaderSize is the size in bytes of the fixed page header every page kind
// shares.
const HeaderSize = int(unsafe.Sizeof(Header{}))

// Header is the fixed prefix of every page, regardless of kind.
type Header struct {
	ID       Pgid
	Kind     types.PageKind
	Count    uint16
	Overflow uint32
}

// Page is a byte slice known to begin with a Header, overlaying a region of
// the memory map (or a freshly allocated buffer for a node about to be
// spilled). It must not outlive the mapping or buffer it was built over.
type Page struct {
	buf []byte
}

// Wrap overlays buf (which must be at least HeaderSize bytes) as a Page.
func Wrap(buf []byte) *Page {
	return &Page{buf: buf}
}

func (p *Page) header() *Header {
	return (*Header)(unsafe.Pointer(&p.buf[0]))
}

func (p *Page) ID() Pgid                 { return p.header().ID }
func (p *Page) SetID(id Pgid)            { p.header().ID = id }
func (p *Page) Kind() types.PageKind     { return p.header().Kind }
func (p *Page) SetKind(k types.PageKind) { p.header().Kind = k }
func (p *Page) Count() int               { return int(p.header().Count) }
func (p *Page) SetCount(n int)           { p.header().Count = uint16(n) }
func (p *Page) Overflow() int            { return int(p.header().Overflow) }
func (p *Page) SetOverflow(n int)        { p.header().Overflow = uint32(n) }

// Bytes returns the full backing slice, including the header.
func (p *Page) Bytes() []byte { return p.buf }

// Body returns the slice following the header.
func (p *Page) Body() []byte { return p.buf[HeaderSize:] }

func (p *Page) String() string {
	switch p.Kind() {
	case types.KindMeta:
		return "meta"
	case types.KindFreelist:
		return "freelist"
	case types.KindBranch:
		return "branch"
	case types.KindLeaf:
		return "leaf"
	default:
		return "unknown"
	}
}

// BranchPageElement is one entry of a branch page's element array. Keys are
// stored after the element array; KeyOffset is relative to the start of the
// element itself (bbolt-style relative addressing), which keeps a spilled
// page's element array independent of where the whole page lands in the
// file.
type BranchPageElement struct {
	KeyOffset uint32
	KeySize   uint32
	Pgid      Pgid
}

const branchElementSize = int(unsafe.Sizeof(BranchPageElement{}))

// BranchPageElements returns the element array overlay for a branch page.
func (p *Page) BranchPageElements() []BranchPageElement {
	if p.Count() == 0 {
		return nil
	}
	return unsafe.Slice((*BranchPageElement)(unsafe.Pointer(&p.Body()[0])), p.Count())
}

// Key returns the element's key, addressed relative to the element's own
// position (the encoding used when writing KeyOffset) so it is unaffected by
// where the page itself lands in the file or mapping.
func (e *BranchPageElement) Key() []byte {
	ptr := unsafe.Add(unsafe.Pointer(e), e.KeyOffset)
	return unsafe.Slice((*byte)(ptr), e.KeySize)
}

// LeafPageElement is one entry of a leaf page's element array. Flags bit 0
// marks a sub-bucket entry (spec.md §3 "Sub-bucket entry").
type LeafPageElement struct {
	Flags     uint32
	KeyOffset uint32
	KeySize   uint32
	ValueSize uint32
}

const leafElementSize = int(unsafe.Sizeof(LeafPageElement{}))

const BucketFlag uint32 = 0x01

func (e *LeafPageElement) IsBucket() bool { return e.Flags&BucketFlag != 0 }

// LeafPageElements returns the element array overlay for a leaf page.
func (p *Page) LeafPageElements() []LeafPageElement {
	if p.Count() == 0 {
		return nil
	}
	return unsafe.Slice((*LeafPageElement)(unsafe.Pointer(&p.Body()[0])), p.Count())
}

func (e *LeafPageElement) Key() []byte {
	ptr := unsafe.Add(unsafe.Pointer(e), e.KeyOffset)
	return unsafe.Slice((*byte)(ptr), e.KeySize)
}

func (e *LeafPageElement) Value() []byte {
	ptr := unsafe.Add(unsafe.Pointer(e), e.KeyOffset+e.KeySize)
	return unsafe.Slice((*byte)(ptr), e.ValueSize)
}

// ElementSize returns the fixed size of one element for the page's kind.
func (p *Page) ElementSize() int {
	if p.Kind() == types.KindLeaf {
		return leafElementSize
	}
	return branchElementSize
}

// BranchElementSize returns the on-disk size of one BranchPageElement, for
// callers sizing a not-yet-serialized node that has no *Page to ask.
func BranchElementSize() int { return branchElementSize }

// LeafElementSize returns the on-disk size of one LeafPageElement, for
// callers sizing a not-yet-serialized node that has no *Page to ask.
func LeafElementSize() int { return leafElementSize }
