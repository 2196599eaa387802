package bucket

import "daemonkv/page"

// descriptor is the fixed-size header of a sub-bucket leaf value
// (spec.md §3 "Sub-bucket entry"): either the pgid of the sub-bucket's own
// root page, or 0 meaning the bucket's content follows inline in the same
// value, immediately after this header.
type descriptor struct {
	RootPgid page.Pgid
	Sequence uint64
}

const descriptorSize = 16 // RootPgid (8) + Sequence (8), little-endian via the struct overlay

func encodeDescriptor(d descriptor) []byte {
	buf := make([]byte, descriptorSize)
	putUint64(buf[0:8], uint64(d.RootPgid))
	putUint64(buf[8:16], d.Sequence)
	return buf
}

func decodeDescriptor(b []byte) descriptor {
	return descriptor{
		RootPgid: page.Pgid(getUint64(b[0:8])),
		Sequence: getUint64(b[8:16]),
	}
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
