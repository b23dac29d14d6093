package store

import (
	"encoding/binary"

	"github.com/componolit/cbe/cbe/blockhash"
	"github.com/componolit/cbe/cbe/types"
)

// Superblock is the in-memory decoding of one superblock slot (spec.md
// §3, §6). Geometry (height/degree) for the free tree is carried
// alongside its root the same way a VBD snapshot carries its own.
type Superblock struct {
	LastSecuredGeneration types.Generation
	CurrentGeneration     types.Generation
	SnapshotIndex         uint16
	Snapshots             [types.NumSnapshots]types.Snapshot

	FreeTreeRoot   types.PBA
	FreeTreeGen    types.Generation
	FreeTreeHash   types.Hash
	FreeTreeHeight uint8
	FreeTreeDegree uint32
	FreeTreeLeaves uint64
}

// CurrentSnapshot returns the mutable snapshot this superblock points at.
func (sb *Superblock) CurrentSnapshot() types.Snapshot {
	return sb.Snapshots[sb.SnapshotIndex]
}

const (
	magic   uint64 = 0x4342455f5342212a // "CBE_SB!*"
	version uint32 = 1

	offMagic   = 0
	offVersion = 8
	offFlags   = 12
	offLastGen = 16
	offCurGen  = 24
	offSnapIdx = 32
	// reserved 6 B at 34..39
	offSnapshots = 40

	snapshotSize = 8 + 8 + types.HashSize + 1 + 4 + 8 + 1 + 2 // gen,root,hash,height,degree,leaves,valid,pad = 64

	offFreeTreeRoot   = offSnapshots + types.NumSnapshots*snapshotSize
	offFreeTreeGen    = offFreeTreeRoot + 8
	offFreeTreeHash   = offFreeTreeGen + 8
	offFreeTreeHeight = offFreeTreeHash + types.HashSize
	offFreeTreeDegree = offFreeTreeHeight + 1
	offFreeTreeLeaves = offFreeTreeDegree + 4

	// SelfHash sits at a fixed trailing offset so the block layout never
	// shifts as fields are added ahead of it (spec.md §6).
	offSelfHash = types.BlockSize - types.HashSize
)

func encodeSnapshot(b []byte, s types.Snapshot) {
	binary.LittleEndian.PutUint64(b[0:], uint64(s.Gen))
	binary.LittleEndian.PutUint64(b[8:], uint64(s.Root))
	copy(b[16:16+types.HashSize], s.Hash[:])
	b[16+types.HashSize] = s.Height
	binary.LittleEndian.PutUint32(b[17+types.HashSize:], s.Degree)
	binary.LittleEndian.PutUint64(b[21+types.HashSize:], s.Leaves)
	if s.Valid {
		b[29+types.HashSize] = 1
	}
}

func decodeSnapshot(b []byte) types.Snapshot {
	var s types.Snapshot
	s.Gen = types.Generation(binary.LittleEndian.Uint64(b[0:]))
	s.Root = types.PBA(binary.LittleEndian.Uint64(b[8:]))
	copy(s.Hash[:], b[16:16+types.HashSize])
	s.Height = b[16+types.HashSize]
	s.Degree = binary.LittleEndian.Uint32(b[17+types.HashSize:])
	s.Leaves = binary.LittleEndian.Uint64(b[21+types.HashSize:])
	s.Valid = b[29+types.HashSize] != 0
	return s
}

// EncodeSuperblock serializes sb into a 4096-byte slot image and stamps
// its self-hash (the hash of the image up to, not including, the
// self-hash field).
func EncodeSuperblock(sb Superblock, hasher blockhash.Hasher) types.Block {
	var blk types.Block
	binary.LittleEndian.PutUint64(blk[offMagic:], magic)
	binary.LittleEndian.PutUint32(blk[offVersion:], version)
	binary.LittleEndian.PutUint64(blk[offLastGen:], uint64(sb.LastSecuredGeneration))
	binary.LittleEndian.PutUint64(blk[offCurGen:], uint64(sb.CurrentGeneration))
	binary.LittleEndian.PutUint16(blk[offSnapIdx:], sb.SnapshotIndex)
	for i, s := range sb.Snapshots {
		encodeSnapshot(blk[offSnapshots+i*snapshotSize:], s)
	}
	binary.LittleEndian.PutUint64(blk[offFreeTreeRoot:], uint64(sb.FreeTreeRoot))
	binary.LittleEndian.PutUint64(blk[offFreeTreeGen:], uint64(sb.FreeTreeGen))
	copy(blk[offFreeTreeHash:offFreeTreeHash+types.HashSize], sb.FreeTreeHash[:])
	blk[offFreeTreeHeight] = sb.FreeTreeHeight
	binary.LittleEndian.PutUint32(blk[offFreeTreeDegree:], sb.FreeTreeDegree)
	binary.LittleEndian.PutUint64(blk[offFreeTreeLeaves:], sb.FreeTreeLeaves)

	h := hasher.Sum(blk[:offSelfHash])
	copy(blk[offSelfHash:], h[:])
	return blk
}

// DecodeSuperblock parses a slot image without verifying it; call
// VerifySuperblock separately (selection needs to distinguish "parses
// but tampered" from "well-formed").
func DecodeSuperblock(blk types.Block) Superblock {
	var sb Superblock
	sb.LastSecuredGeneration = types.Generation(binary.LittleEndian.Uint64(blk[offLastGen:]))
	sb.CurrentGeneration = types.Generation(binary.LittleEndian.Uint64(blk[offCurGen:]))
	sb.SnapshotIndex = binary.LittleEndian.Uint16(blk[offSnapIdx:])
	for i := range sb.Snapshots {
		sb.Snapshots[i] = decodeSnapshot(blk[offSnapshots+i*snapshotSize:])
	}
	sb.FreeTreeRoot = types.PBA(binary.LittleEndian.Uint64(blk[offFreeTreeRoot:]))
	sb.FreeTreeGen = types.Generation(binary.LittleEndian.Uint64(blk[offFreeTreeGen:]))
	copy(sb.FreeTreeHash[:], blk[offFreeTreeHash:offFreeTreeHash+types.HashSize])
	sb.FreeTreeHeight = blk[offFreeTreeHeight]
	sb.FreeTreeDegree = binary.LittleEndian.Uint32(blk[offFreeTreeDegree:])
	sb.FreeTreeLeaves = binary.LittleEndian.Uint64(blk[offFreeTreeLeaves:])
	return sb
}

// VerifySuperblock reports whether blk carries the magic and a self-hash
// that verifies over its own image (spec.md §3 invariant 5, §6 selection
// rule first clause).
func VerifySuperblock(blk types.Block, hasher blockhash.Hasher) bool {
	if binary.LittleEndian.Uint64(blk[offMagic:]) != magic {
		return false
	}
	want := hasher.Sum(blk[:offSelfHash])
	var got types.Hash
	copy(got[:], blk[offSelfHash:])
	return want == got
}

// SelectSuperblock scans all slot images and picks the durable slot with
// the highest last_secured_generation, breaking ties by the higher slot
// index (spec.md §6, §9 Open Questions — decision recorded in
// DESIGN.md). Returns ok=false if no slot verifies.
func SelectSuperblock(slots []types.Block, hasher blockhash.Hasher) (slot int, sb Superblock, ok bool) {
	best := -1
	var bestGen types.Generation
	for i, blk := range slots {
		if !VerifySuperblock(blk, hasher) {
			continue
		}
		gen := DecodeSuperblock(blk).LastSecuredGeneration
		if best == -1 || gen > bestGen || (gen == bestGen && i > best) {
			best, bestGen = i, gen
		}
	}
	if best == -1 {
		return 0, Superblock{}, false
	}
	return best, DecodeSuperblock(slots[best]), true
}
