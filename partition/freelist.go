package partition

import (
	"encoding/binary"
	"math/bits"

	"github.com/joshuapare/partkit/internal/sysmem"
)

// Free slots chain through their own memory. The first 16 bytes of a free
// slot hold the encoded address of the next free slot followed by an
// inverted shadow copy:
//
//	0x00  encoded next pointer (8 bytes, little-endian)
//	0x08  ^encoded (8 bytes)
//
// The encoding byte-swaps the address mixed with a per-root key, so a
// plausible heap address written by a stray store never decodes to a
// plausible heap address, and the high bits of a valid entry look like
// an unmapped address to anyone dereferencing the slot directly. A zero
// word is the list terminator. The root key keeps its low three bits set,
// so no 8-byte-aligned slot address can encode to the terminator.

// freelistEntrySize is the in-slot footprint of one freelist entry. It is
// also the minimum slot size.
const freelistEntrySize = 16

func encodeFreelistPtr(next uintptr, key uint64) uint64 {
	if next == 0 {
		return 0
	}
	return bits.ReverseBytes64(uint64(next) ^ key)
}

// writeFreelistEntry stores the link to next at slot.
func writeFreelistEntry(slot, next uintptr, key uint64) {
	b := sysmem.Bytes(slot, freelistEntrySize)
	enc := encodeFreelistPtr(next, key)
	binary.LittleEndian.PutUint64(b[0:8], enc)
	binary.LittleEndian.PutUint64(b[8:16], ^enc)
}

// readFreelistEntry decodes the link stored at slot. A shadow mismatch or a
// self-referential link (the signature of a double free) is fatal. Range
// validation against the owning span is the caller's job; only the caller
// knows the span bounds.
func readFreelistEntry(slot uintptr, key uint64) uintptr {
	b := sysmem.Bytes(slot, freelistEntrySize)
	enc := binary.LittleEndian.Uint64(b[0:8])
	shadow := binary.LittleEndian.Uint64(b[8:16])
	if shadow != ^enc {
		corrupt("freelist shadow mismatch", slot)
	}
	if enc == 0 {
		return 0
	}
	next := uintptr(bits.ReverseBytes64(enc) ^ key)
	if next == slot {
		corrupt("freelist self reference (double free)", slot)
	}
	return next
}

// clearFreelistEntry wipes the entry bytes so an allocated slot does not
// leak the encoded link.
func clearFreelistEntry(slot uintptr) {
	clear(sysmem.Bytes(slot, freelistEntrySize))
}
