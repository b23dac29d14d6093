package cbe

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/componolit/cbe/cbe/backend"
	"github.com/componolit/cbe/cbe/blockhash"
	"github.com/componolit/cbe/cbe/store"
)

// freeTreeFixture lays out a height-2 free tree (one type-1 root over a
// single type-2 leaf, per cbe/freetree.go's freeTreeTerminal) with two
// never-reserved entries and two still-live reserved ones.
func freeTreeFixture(t *testing.T) (*FreeTree, backend.Device, Hasher) {
	t.Helper()
	const degree = 4
	hasher := hasherAdapter{blockhash.New()}

	const rootPBA, leafPBA = PBA(10), PBA(50)
	leafEntries := []Type2Entry{
		{PBA: 100},
		{PBA: 101},
		{PBA: 102, Reserved: true, AllocGen: 1, FreeGen: 900},
		{PBA: 103, Reserved: true, AllocGen: 1, FreeGen: 900},
	}
	leafBlk := store.EncodeType2Node(leafEntries, degree)
	leafHash := hasher.Sum(leafBlk[:])

	rootEntries := make([]Type1Entry, degree)
	rootEntries[0] = Type1Entry{PBA: leafPBA, Gen: 0, Hash: leafHash}
	rootBlk := store.EncodeType1Node(rootEntries, degree)
	rootHash := hasher.Sum(rootBlk[:])

	dev := backend.NewMemory(256)
	require.NoError(t, dev.WriteAt(uint64(rootPBA), rootBlk[:]))
	require.NoError(t, dev.WriteAt(uint64(leafPBA), leafBlk[:]))

	ft := NewFreeTree(degree, 2, uint64(degree), rootPBA, Generation(0), rootHash)
	return ft, dev, hasher
}

func TestFreeTreeAllocateReservesNeverReservedEntries(t *testing.T) {
	ft, dev, hasher := freeTreeFixture(t)
	cache := NewCache(8, 1<<16)
	io := NewIODispatcher(dev)
	retention := NewSnapshotRetention(100, nil)

	retiring := []Type1Entry{{PBA: 900, Gen: 7}, {PBA: 901, Gen: 8}}
	allocated, ok := ft.Allocate(2, retention, Generation(5), VBA(0), retiring, hasher, cache, io)
	require.True(t, ok)
	require.ElementsMatch(t, []PBA{100, 101}, allocated)

	root, rootGen, rootHash := ft.Root()
	require.Equal(t, PBA(10), root, "ancestor nodes are patched in place, not relocated")
	require.Equal(t, Generation(5), rootGen)

	var rootBlk Block
	require.NoError(t, dev.ReadAt(uint64(root), rootBlk[:]))
	require.Equal(t, hasher.Sum(rootBlk[:]), rootHash)

	entries := store.DecodeType1Node(rootBlk, 4)
	require.Equal(t, Generation(5), entries[0].Gen)

	var leafBlk Block
	require.NoError(t, dev.ReadAt(50, leafBlk[:]))
	leaf := store.DecodeType2Node(leafBlk, 4)
	// The consumed entries must swap to point at the vacated VBD pba at
	// the matching level, carrying that pba's own generation forward as
	// alloc_gen and newGen as free_gen, so a later allocation pass can
	// tell exactly when this slot became reusable again.
	require.Equal(t, PBA(900), leaf[0].PBA)
	require.Equal(t, Generation(7), leaf[0].AllocGen)
	require.Equal(t, Generation(5), leaf[0].FreeGen)
	require.True(t, leaf[0].Reserved)
	require.Equal(t, PBA(901), leaf[1].PBA)
	require.Equal(t, Generation(8), leaf[1].AllocGen)
	require.Equal(t, Generation(5), leaf[1].FreeGen)
	require.True(t, leaf[1].Reserved)
}

func TestFreeTreeAllocateInsufficientFreeBlocksFails(t *testing.T) {
	ft, dev, hasher := freeTreeFixture(t)
	cache := NewCache(8, 1<<16)
	io := NewIODispatcher(dev)
	retention := NewSnapshotRetention(100, nil)

	retiring := []Type1Entry{{PBA: 900, Gen: 7}, {PBA: 901, Gen: 8}, {PBA: 902, Gen: 9}}
	_, ok := ft.Allocate(3, retention, Generation(5), VBA(0), retiring, hasher, cache, io)
	require.False(t, ok, "only two of the four leaf entries are reusable")
}

func TestFreeTreeAllocateRejectsTamperedLeaf(t *testing.T) {
	ft, dev, hasher := freeTreeFixture(t)
	cache := NewCache(8, 1<<16)
	io := NewIODispatcher(dev)
	retention := NewSnapshotRetention(100, nil)

	var tampered Block
	tampered[0] = 0xFF
	require.NoError(t, dev.WriteAt(50, tampered[:]))

	retiring := []Type1Entry{{PBA: 900, Gen: 7}}
	_, ok := ft.Allocate(1, retention, Generation(5), VBA(0), retiring, hasher, cache, io)
	require.False(t, ok, "leaf content must be verified against the root-recorded hash")
}

func TestFreeTreeAllocateRetentionBlocksReservedEntries(t *testing.T) {
	ft, dev, hasher := freeTreeFixture(t)
	cache := NewCache(8, 1<<16)
	io := NewIODispatcher(dev)
	// last_secured_generation below free_gen of the reserved entries: still live.
	retention := NewSnapshotRetention(10, nil)

	retiring := []Type1Entry{{PBA: 900, Gen: 7}, {PBA: 901, Gen: 8}}
	allocated, ok := ft.Allocate(2, retention, Generation(5), VBA(0), retiring, hasher, cache, io)
	require.True(t, ok)
	require.ElementsMatch(t, []PBA{100, 101}, allocated, "reserved-and-still-live entries must never be chosen")
}
