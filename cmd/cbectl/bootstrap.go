package main

import (
	"fmt"

	"github.com/componolit/cbe/cbe"
	"github.com/componolit/cbe/cbe/backend"
	"github.com/componolit/cbe/cbe/blockhash"
	"github.com/componolit/cbe/cbe/store"
)

// writeGenesisImage lays out a single-level VBD tree of `degree` zeroed
// leaves, a free tree of the same degree holding `degree` reusable
// type-2 entries, and the superblock pointing at both, then writes
// every one of those blocks to dev (bootstrap image layout: superblock
// slots, the VBD root, the free-tree root and its leaf, then the data
// region, then the `degree` free blocks the free tree hands out).
//
// This genesis layout matches spec.md §8 scenario 1 (degree 64, height
// 1, leaves 64); larger capacities still bootstrap correctly, they just
// start with a single-level tree sized to one node's worth of leaves
// rather than scaling height to the full capacity — the bootstrap tool
// is an external collaborator (spec.md §1), not part of the core under
// test, so keeping its geometry simple here is intentional.
func writeGenesisImage(dev *backend.File, degree uint32, hasher blockhash.Hasher) error {
	vbdRootPBA := cbe.PBA(cbe.NumSuperblockSlots)
	freeRootPBA := vbdRootPBA + 1
	freeLeafPBA := freeRootPBA + 1
	firstDataPBA := uint64(freeLeafPBA) + 1

	// Every VBA's leaf starts out unwritten: the backend reads unwritten
	// PBAs as all-zero, so the recorded hash for each genesis leaf must
	// be the hash of an all-zero block (spec.md invariant 1 is checked
	// against these recorded hashes on every read).
	var zeroLeaf cbe.Block
	zeroLeafHash := hasher.Sum(zeroLeaf[:])

	vbdEntries := make([]cbe.Type1Entry, degree)
	freeEntries := make([]cbe.Type2Entry, degree)
	for i := range vbdEntries {
		pba := cbe.PBA(firstDataPBA + uint64(i))
		vbdEntries[i] = cbe.Type1Entry{PBA: pba, Gen: 0, Hash: zeroLeafHash}
		freeEntries[i].PBA = cbe.PBA(firstDataPBA + uint64(degree) + uint64(i))
	}
	vbdRoot := store.EncodeType1Node(vbdEntries, degree)
	vbdRootHash := hasher.Sum(vbdRoot[:])

	freeLeaf := store.EncodeType2Node(freeEntries, degree)
	freeLeafHash := hasher.Sum(freeLeaf[:])

	freeRoot := store.EncodeType1Node([]cbe.Type1Entry{{PBA: freeLeafPBA, Gen: 0, Hash: freeLeafHash}}, degree)
	freeRootHash := hasher.Sum(freeRoot[:])

	sb := store.Superblock{
		LastSecuredGeneration: 0,
		CurrentGeneration:     1,
		SnapshotIndex:         0,
		FreeTreeRoot:          freeRootPBA,
		FreeTreeGen:           0,
		FreeTreeHash:          freeRootHash,
		// The free tree's translation terminal sits one level above the
		// VBD's (the type-2 leaf takes the bottom node slot a VBD data
		// block doesn't need), so a tree with a single type-1 root over
		// the leaf needs height 2, not 1 — see cbe/freetree.go's
		// freeTreeTerminal.
		FreeTreeHeight: 2,
		FreeTreeDegree: degree,
		FreeTreeLeaves: uint64(degree),
	}
	sb.Snapshots[0] = cbe.Snapshot{
		Gen: 0, Root: vbdRootPBA, Hash: vbdRootHash,
		Height: 1, Degree: degree, Leaves: uint64(degree), Valid: true,
	}
	sbBlock := store.EncodeSuperblock(sb, hasher)

	writes := []struct {
		pba cbe.PBA
		blk cbe.Block
	}{
		{0, sbBlock},
		{vbdRootPBA, vbdRoot},
		{freeRootPBA, freeRoot},
		{freeLeafPBA, freeLeaf},
	}
	for _, w := range writes {
		if err := dev.WriteAt(uint64(w.pba), w.blk[:]); err != nil {
			return fmt.Errorf("cbectl: write genesis pba %d: %w", w.pba, err)
		}
	}
	return nil
}
