package page

import (
	"bytes"
	"testing"

	"daemonkv/types"
)

func TestLeafPageRoundTrip(t *testing.T) {
	entries := []struct {
		key, value []byte
		flags      uint32
	}{
		{[]byte("alpha"), []byte("1"), 0},
		{[]byte("bravo"), []byte("two"), 0},
		{[]byte("charlie"), []byte(""), BucketFlag},
	}

	size := HeaderSize + leafElementSize*len(entries)
	for _, e := range entries {
		size += len(e.key) + len(e.value)
	}
	buf := make([]byte, size)
	p := Wrap(buf)
	p.SetKind(types.KindLeaf)
	p.SetCount(len(entries))

	elems := p.LeafPageElements()
	dataOff := HeaderSize + leafElementSize*len(entries)
	for i, e := range entries {
		elems[i].Flags = e.flags
		elems[i].KeySize = uint32(len(e.key))
		elems[i].ValueSize = uint32(len(e.value))
		elems[i].KeyOffset = uint32(dataOff - (HeaderSize + i*leafElementSize))
		copy(buf[dataOff:], e.key)
		copy(buf[dataOff+len(e.key):], e.value)
		dataOff += len(e.key) + len(e.value)
	}

	reread := Wrap(p.Bytes())
	if reread.Kind() != types.KindLeaf {
		t.Fatalf("kind = %v, want leaf", reread.Kind())
	}
	if reread.Count() != len(entries) {
		t.Fatalf("count = %d, want %d", reread.Count(), len(entries))
	}
	got := reread.LeafPageElements()
	for i, e := range entries {
		if !bytes.Equal(got[i].Key(), e.key) {
			t.Errorf("element %d key = %q, want %q", i, got[i].Key(), e.key)
		}
		if !bytes.Equal(got[i].Value(), e.value) {
			t.Errorf("element %d value = %q, want %q", i, got[i].Value(), e.value)
		}
		if got[i].IsBucket() != (e.flags&BucketFlag != 0) {
			t.Errorf("element %d IsBucket = %v", i, got[i].IsBucket())
		}
	}
}

func TestBranchPageRoundTrip(t *testing.T) {
	type entry struct {
		key  []byte
		pgid Pgid
	}
	entries := []entry{
		{[]byte("a"), 10},
		{[]byte("m"), 20},
		{[]byte("z"), 30},
	}
	size := HeaderSize + branchElementSize*len(entries)
	for _, e := range entries {
		size += len(e.key)
	}
	buf := make([]byte, size)
	p := Wrap(buf)
	p.SetKind(types.KindBranch)
	p.SetCount(len(entries))

	elems := p.BranchPageElements()
	dataOff := HeaderSize + branchElementSize*len(entries)
	for i, e := range entries {
		elems[i].Pgid = e.pgid
		elems[i].KeySize = uint32(len(e.key))
		elems[i].KeyOffset = uint32(dataOff - (HeaderSize + i*branchElementSize))
		copy(buf[dataOff:], e.key)
		dataOff += len(e.key)
	}

	got := p.BranchPageElements()
	for i, e := range entries {
		if !bytes.Equal(got[i].Key(), e.key) {
			t.Errorf("element %d key = %q, want %q", i, got[i].Key(), e.key)
		}
		if got[i].Pgid != e.pgid {
			t.Errorf("element %d pgid = %d, want %d", i, got[i].Pgid, e.pgid)
		}
	}
}

func TestMetaValidate(t *testing.T) {
	buf := make([]byte, HeaderSize+MetaSize)
	m := Meta{
		Magic:    types.Magic,
		Version:  types.Version,
		PageSize: 4096,
		RootPgid: 3,
		Freelist: 2,
		NumPages: 4,
		TxID:     1,
	}
	WriteMeta(buf, 1, m)

	got := MetaFromPage(Wrap(buf))
	if err := got.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
	if got.TxID != 1 {
		t.Errorf("TxID = %d, want 1", got.TxID)
	}

	// Corrupting a single byte must invalidate the checksum.
	buf[HeaderSize] ^= 0xFF
	corrupt := MetaFromPage(Wrap(buf))
	if err := corrupt.Validate(); err == nil {
		t.Fatalf("Validate() on corrupted meta = nil, want error")
	}
}

func TestFreelistRoundTrip(t *testing.T) {
	ids := []Pgid{4, 5, 6, 100, 101}
	sz := HeaderSize + FreelistBodySize(len(ids))
	buf := make([]byte, sz)
	WriteFreelist(buf, 2, 0, ids)

	got := ReadFreelist(Wrap(buf))
	if len(got) != len(ids) {
		t.Fatalf("len = %d, want %d", len(got), len(ids))
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Errorf("ids[%d] = %d, want %d", i, got[i], ids[i])
		}
	}
}

func TestFreelistRoundTripOverflowCount(t *testing.T) {
	ids := make([]Pgid, overflowCountSentinel+10)
	for i := range ids {
		ids[i] = Pgid(i + 4)
	}
	sz := HeaderSize + FreelistBodySize(len(ids))
	buf := make([]byte, sz)
	WriteFreelist(buf, 2, 0, ids)

	p := Wrap(buf)
	if p.Count() != overflowCountSentinel {
		t.Fatalf("header count = %d, want sentinel", p.Count())
	}
	got := ReadFreelist(p)
	if len(got) != len(ids) {
		t.Fatalf("len = %d, want %d", len(got), len(ids))
	}
	if got[len(got)-1] != ids[len(ids)-1] {
		t.Errorf("last id = %d, want %d", got[len(got)-1], ids[len(ids)-1])
	}
}
