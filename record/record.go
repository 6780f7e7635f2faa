// Package record defines the on-disk Disk Control record (DC): the
// fixed-width entry that makes up a base's index file.
//
// Field order and widths are fixed for on-disk compatibility (see the
// layout table in SPEC_FULL.md). All multi-byte fields are little-endian on
// disk; Decode always returns host-order values, the way Log.Encode/Decode
// in the teacher normalizes a variable-length WAL frame to host types.
package record

import (
	"encoding/binary"
	"fmt"
)

// Flags is the bitfield stored in a DC's flags word.
type Flags uint64

// Removed marks a DC as a tombstone: the record it describes has been
// deleted and must be skipped by lookups once a live copy is found.
const Removed Flags = 1 << 0

// DC is a Disk Control record: one entry of a base's index file.
type DC struct {
	Key      []byte
	Flags    Flags
	Position uint64 // offset of the payload in the base's data file
	DataSize uint64 // length of the payload
	DiskSize uint64 // on-disk footprint of the payload, header included
}

// Removed reports whether the DC's REMOVED bit is set.
func (dc *DC) Removed() bool {
	return dc.Flags&Removed != 0
}

// Size returns the fixed encoded size of a DC for the given key width.
func Size(keySize int) int {
	return keySize + 8 + 8 + 8 + 8
}

// Encode writes dc into buf using the fixed little-endian layout.
// buf must be at least Size(len(dc.Key)) bytes.
func Encode(buf []byte, dc *DC) error {
	n := len(dc.Key)
	if len(buf) < Size(n) {
		return fmt.Errorf("record: buffer too small: have %d, need %d", len(buf), Size(n))
	}

	copy(buf[0:n], dc.Key)
	binary.LittleEndian.PutUint64(buf[n:n+8], uint64(dc.Flags))
	binary.LittleEndian.PutUint64(buf[n+8:n+16], dc.Position)
	binary.LittleEndian.PutUint64(buf[n+16:n+24], dc.DataSize)
	binary.LittleEndian.PutUint64(buf[n+24:n+32], dc.DiskSize)

	return nil
}

// Decode reads a DC of the given key width out of buf, normalizing all
// multi-byte fields to host order. The returned DC's Key aliases buf; the
// caller must copy it out if buf may be reused or unmapped.
func Decode(buf []byte, keySize int) (DC, error) {
	n := keySize
	if len(buf) < Size(n) {
		return DC{}, fmt.Errorf("record: buffer too small: have %d, need %d", len(buf), Size(n))
	}

	return DC{
		Key:      buf[0:n],
		Flags:    Flags(binary.LittleEndian.Uint64(buf[n : n+8])),
		Position: binary.LittleEndian.Uint64(buf[n+8 : n+16]),
		DataSize: binary.LittleEndian.Uint64(buf[n+16 : n+24]),
		DiskSize: binary.LittleEndian.Uint64(buf[n+24 : n+32]),
	}, nil
}

// Clone returns a DC whose Key is an independent copy of dc.Key, safe to
// retain after the backing buffer (e.g. an mmap) is unmapped.
func (dc DC) Clone() DC {
	key := make([]byte, len(dc.Key))
	copy(key, dc.Key)
	dc.Key = key
	return dc
}

// Compare orders two DCs by key only (lexicographic on raw bytes), the
// "primary ordering" spec.md's two-level searcher uses for its binary
// searches.
func Compare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// CompareWithFlags orders two DCs by (key asc, REMOVED desc): for equal
// keys, a tombstone sorts before a live record. This is the sort order the
// Sorted-Index Generator produces on disk.
func CompareWithFlags(a, b *DC) int {
	if cmp := Compare(a.Key, b.Key); cmp != 0 {
		return cmp
	}

	aRemoved, bRemoved := a.Removed(), b.Removed()
	switch {
	case aRemoved && !bRemoved:
		return -1
	case !aRemoved && bRemoved:
		return 1
	default:
		return 0
	}
}
