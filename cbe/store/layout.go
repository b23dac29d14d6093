// Package store implements the on-disk byte layouts named in spec.md §6:
// the superblock slot, type-1 (inner/data-pointer) nodes and type-2
// (free-list leaf) nodes. Like the teacher's core/rawdb package, codecs
// here are hand-rolled binary.LittleEndian encode/decode, not a
// reflection-based or gob codec.
package store

import (
	"encoding/binary"
	"fmt"

	"github.com/componolit/cbe/cbe/types"
)

const (
	// Type1EntrySize is the packed size of one {pba, gen, hash} entry:
	// 8 + 8 + 32 = 48 bytes (spec.md §6).
	Type1EntrySize = 8 + 8 + types.HashSize

	// Type2EntrySize is the packed size of one type-2 entry:
	// {pba:8, last_vba:8, alloc_gen:8, free_gen:8, key_id:4, reserved:1, pad:3} = 40 bytes.
	Type2EntrySize = 8 + 8 + 8 + 8 + 4 + 1 + 3
)

// EncodeType1Node packs up to degree entries into one 4096-byte block,
// zero-padding the remainder (spec.md §6: "with degree 64 the block is
// exactly 3072 B plus 1024 B padding").
func EncodeType1Node(entries []types.Type1Entry, degree uint32) types.Block {
	if uint32(len(entries)) > degree {
		panic(fmt.Sprintf("store: %d entries exceeds degree %d", len(entries), degree))
	}
	var blk types.Block
	off := 0
	for _, e := range entries {
		binary.LittleEndian.PutUint64(blk[off:], uint64(e.PBA))
		binary.LittleEndian.PutUint64(blk[off+8:], uint64(e.Gen))
		copy(blk[off+16:off+16+types.HashSize], e.Hash[:])
		off += Type1EntrySize
	}
	return blk
}

// DecodeType1Node unpacks degree entries from a 4096-byte block.
func DecodeType1Node(blk types.Block, degree uint32) []types.Type1Entry {
	entries := make([]types.Type1Entry, degree)
	off := 0
	for i := range entries {
		entries[i].PBA = types.PBA(binary.LittleEndian.Uint64(blk[off:]))
		entries[i].Gen = types.Generation(binary.LittleEndian.Uint64(blk[off+8:]))
		copy(entries[i].Hash[:], blk[off+16:off+16+types.HashSize])
		off += Type1EntrySize
	}
	return entries
}

// Type1Capacity returns how many entries fit a block at the given degree.
func Type1Capacity(degree uint32) uint32 {
	max := uint32(types.BlockSize / Type1EntrySize)
	if degree > max {
		return max
	}
	return degree
}

// EncodeType2Node packs up to degree entries into one 4096-byte,
// header-less, zero-padded block (spec.md §6).
func EncodeType2Node(entries []types.Type2Entry, degree uint32) types.Block {
	if uint32(len(entries)) > degree {
		panic(fmt.Sprintf("store: %d entries exceeds degree %d", len(entries), degree))
	}
	var blk types.Block
	off := 0
	for _, e := range entries {
		binary.LittleEndian.PutUint64(blk[off:], uint64(e.PBA))
		binary.LittleEndian.PutUint64(blk[off+8:], uint64(e.LastVBA))
		binary.LittleEndian.PutUint64(blk[off+16:], uint64(e.AllocGen))
		binary.LittleEndian.PutUint64(blk[off+24:], uint64(e.FreeGen))
		binary.LittleEndian.PutUint32(blk[off+32:], e.KeyID)
		if e.Reserved {
			blk[off+36] = 1
		}
		off += Type2EntrySize
	}
	return blk
}

// DecodeType2Node unpacks degree entries from a 4096-byte block.
func DecodeType2Node(blk types.Block, degree uint32) []types.Type2Entry {
	entries := make([]types.Type2Entry, degree)
	off := 0
	for i := range entries {
		entries[i].PBA = types.PBA(binary.LittleEndian.Uint64(blk[off:]))
		entries[i].LastVBA = types.VBA(binary.LittleEndian.Uint64(blk[off+8:]))
		entries[i].AllocGen = types.Generation(binary.LittleEndian.Uint64(blk[off+16:]))
		entries[i].FreeGen = types.Generation(binary.LittleEndian.Uint64(blk[off+24:]))
		entries[i].KeyID = binary.LittleEndian.Uint32(blk[off+32:])
		entries[i].Reserved = blk[off+36] != 0
		off += Type2EntrySize
	}
	return entries
}

// Type2Capacity returns how many entries fit a block at the given degree.
func Type2Capacity(degree uint32) uint32 {
	max := uint32(types.BlockSize / Type2EntrySize)
	if degree > max {
		return max
	}
	return degree
}
