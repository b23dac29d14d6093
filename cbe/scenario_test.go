package cbe_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/componolit/cbe/cbe"
	"github.com/componolit/cbe/cbe/backend"
	"github.com/componolit/cbe/cbe/blockhash"
	"github.com/componolit/cbe/cbe/cipher"
	"github.com/componolit/cbe/cbe/store"
	"github.com/componolit/cbe/xlog"
)

// genesis lays out the same single-level VBD/free-tree image
// cmd/cbectl's bootstrap writes: `degree` zeroed leaves, a free tree of
// the same degree holding `degree` reusable type-2 entries, and a
// superblock in slot 0 pointing at both.
func genesis(t *testing.T, dev backend.Device, degree uint32, hasher blockhash.Hasher) {
	t.Helper()

	vbdRootPBA := cbe.PBA(cbe.NumSuperblockSlots)
	freeRootPBA := vbdRootPBA + 1
	freeLeafPBA := freeRootPBA + 1
	firstDataPBA := uint64(freeLeafPBA) + 1

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
		CurrentGeneration: 1,
		FreeTreeRoot:      freeRootPBA,
		FreeTreeHash:      freeRootHash,
		FreeTreeHeight:    2, // see cbe/freetree.go's freeTreeTerminal
		FreeTreeDegree:    degree,
		FreeTreeLeaves:    uint64(degree),
	}
	sb.Snapshots[0] = cbe.Snapshot{
		Root: vbdRootPBA, Hash: vbdRootHash,
		Height: 1, Degree: degree, Leaves: uint64(degree), Valid: true,
	}
	sbBlock := store.EncodeSuperblock(sb, hasher)

	require.NoError(t, dev.WriteAt(0, sbBlock[:]))
	require.NoError(t, dev.WriteAt(uint64(vbdRootPBA), vbdRoot[:]))
	require.NoError(t, dev.WriteAt(uint64(freeRootPBA), freeRoot[:]))
	require.NoError(t, dev.WriteAt(uint64(freeLeafPBA), freeLeaf[:]))
}

func newTestLibrary(t *testing.T, degree uint32, capacity uint64) *cbe.Library {
	t.Helper()
	hasher := blockhash.New()
	dev := backend.NewMemory(capacity)
	genesis(t, dev, degree, hasher)

	slots, err := backend.ScanSuperblockSlots(context.Background(), dev, cbe.NumSuperblockSlots)
	require.NoError(t, err)
	var slotArray [cbe.NumSuperblockSlots]cbe.Block
	for i, s := range slots {
		slotArray[i] = cbe.Block(s)
	}

	var secret [32]byte
	lib, err := cbe.NewLibrary(dev, cipher.NewChaCha20(secret), hasher, slotArray, cbe.DefaultConfig(), xlog.New(slog.LevelError))
	require.NoError(t, err)
	return lib
}

// driveToCompletion submits a single-VBA req (payload is ignored for
// reads) and pumps Execute until it completes, mirroring cmd/cbectl's
// serveStdin loop.
func driveToCompletion(t *testing.T, lib *cbe.Library, req cbe.Request, payload cbe.Block) cbe.CompletedRequest {
	t.Helper()
	require.True(t, lib.ClientRequestAcceptable())
	require.NoError(t, lib.SubmitClientRequest(req))

	if req.Op == cbe.OpWrite {
		pending, more := lib.ClientDataRequired()
		require.True(t, more)
		lib.SupplyClientData(pending, payload)
	}

	for i := 0; i < 10_000; i++ {
		lib.Execute()
		if c, ok := lib.PeekCompletedClientRequest(); ok && c.Request.Tag == req.Tag {
			lib.DropCompletedClientRequest(c.Request)
			return c
		}
		require.False(t, lib.Poisoned(), "engine poisoned while draining request")
	}
	t.Fatal("request never completed")
	return cbe.CompletedRequest{}
}

func TestScenarioFreshInitReadsZero(t *testing.T) {
	lib := newTestLibrary(t, 64, 4096)
	c := driveToCompletion(t, lib, cbe.Request{Op: cbe.OpRead, VBA: 3, Count: 1, Tag: 1}, cbe.Block{})
	require.True(t, c.Success)
	require.Equal(t, cbe.Block{}, c.Data[0])
}

func TestScenarioWriteThenReadBackSameData(t *testing.T) {
	lib := newTestLibrary(t, 64, 4096)

	var payload cbe.Block
	payload[0] = 0x11
	payload[4095] = 0x22
	w := driveToCompletion(t, lib, cbe.Request{Op: cbe.OpWrite, VBA: 5, Count: 1, Tag: 2}, payload)
	require.True(t, w.Success)

	r := driveToCompletion(t, lib, cbe.Request{Op: cbe.OpRead, VBA: 5, Count: 1, Tag: 3}, cbe.Block{})
	require.True(t, r.Success)
	require.Equal(t, payload, r.Data[0])
}

func TestScenarioOverwriteThenReadReturnsLatestData(t *testing.T) {
	lib := newTestLibrary(t, 64, 4096)

	var first, second cbe.Block
	first[0] = 1
	second[0] = 2

	require.True(t, driveToCompletion(t, lib, cbe.Request{Op: cbe.OpWrite, VBA: 7, Count: 1, Tag: 1}, first).Success)
	require.True(t, driveToCompletion(t, lib, cbe.Request{Op: cbe.OpWrite, VBA: 7, Count: 1, Tag: 2}, second).Success)

	r := driveToCompletion(t, lib, cbe.Request{Op: cbe.OpRead, VBA: 7, Count: 1, Tag: 3}, cbe.Block{})
	require.True(t, r.Success)
	require.Equal(t, second, r.Data[0])
}

func TestScenarioMultiBlockRangeRoundTrips(t *testing.T) {
	lib := newTestLibrary(t, 64, 4096)

	req := cbe.Request{Op: cbe.OpWrite, VBA: 10, Count: 3, Tag: 1}
	require.True(t, lib.ClientRequestAcceptable())
	require.NoError(t, lib.SubmitClientRequest(req))
	for i := 0; i < 3; i++ {
		pending, more := lib.ClientDataRequired()
		require.True(t, more)
		var blk cbe.Block
		blk[0] = byte(pending.VBA)
		lib.SupplyClientData(pending, blk)
	}
	var w cbe.CompletedRequest
	for i := 0; i < 10_000; i++ {
		lib.Execute()
		if c, ok := lib.PeekCompletedClientRequest(); ok && c.Request.Tag == req.Tag {
			lib.DropCompletedClientRequest(c.Request)
			w = c
			break
		}
	}
	require.True(t, w.Success)

	r := driveToCompletion(t, lib, cbe.Request{Op: cbe.OpRead, VBA: 10, Count: 3, Tag: 2}, cbe.Block{})
	require.True(t, r.Success)
	require.Len(t, r.Data, 3)
	for i, blk := range r.Data {
		require.Equal(t, byte(10+i), blk[0])
	}
}

func TestScenarioOutOfRangeVBARejectedAtSubmit(t *testing.T) {
	lib := newTestLibrary(t, 64, 4096)
	err := lib.SubmitClientRequest(cbe.Request{Op: cbe.OpRead, VBA: lib.MaxVBA() + 1, Count: 1, Tag: 1})
	require.Error(t, err)
}

func TestScenarioSealCompletesAndWrittenDataStillReads(t *testing.T) {
	lib := newTestLibrary(t, 64, 4096)

	var payload cbe.Block
	payload[0] = 9
	require.True(t, driveToCompletion(t, lib, cbe.Request{Op: cbe.OpWrite, VBA: 1, Count: 1, Tag: 1}, payload).Success)

	lib.StartSecuringSuperblock()
	for i := 0; i < 100 && lib.IsSecuringSuperblock(); i++ {
		lib.Execute()
	}
	require.False(t, lib.IsSecuringSuperblock())

	r := driveToCompletion(t, lib, cbe.Request{Op: cbe.OpRead, VBA: 1, Count: 1, Tag: 2}, cbe.Block{})
	require.True(t, r.Success)
	require.Equal(t, payload, r.Data[0])
}

// TestScenarioFreeTreeExhaustionRejectsWriteThenSucceedsAfterResubmit covers
// spec.md §8 scenario 4: a write that finds no reusable free-tree entries
// fails softly (the engine is not poisoned) and the client can resubmit
// the same request once a seal releases the held-back reservations —
// Library.RetryAllocation is exactly this Execute-and-resubmit cycle, not
// an in-place retry of the already-failed pool entry (see its doc
// comment in library.go).
func TestScenarioFreeTreeExhaustionRejectsWriteThenSucceedsAfterResubmit(t *testing.T) {
	const degree = 2
	hasher := blockhash.New()
	dev := backend.NewMemory(4096)

	vbdRootPBA := cbe.PBA(cbe.NumSuperblockSlots)
	freeRootPBA := vbdRootPBA + 1
	freeLeafPBA := freeRootPBA + 1
	firstDataPBA := uint64(freeLeafPBA) + 1
	reservePBA0 := cbe.PBA(firstDataPBA + degree)
	reservePBA1 := reservePBA0 + 1

	var zeroLeaf cbe.Block
	zeroLeafHash := hasher.Sum(zeroLeaf[:])

	vbdEntries := make([]cbe.Type1Entry, degree)
	for i := range vbdEntries {
		pba := cbe.PBA(firstDataPBA + uint64(i))
		vbdEntries[i] = cbe.Type1Entry{PBA: pba, Gen: 0, Hash: zeroLeafHash}
	}
	vbdRoot := store.EncodeType1Node(vbdEntries, degree)
	vbdRootHash := hasher.Sum(vbdRoot[:])

	// Both free-tree entries start out reserved with free_gen 1, still
	// ahead of the as-yet-unsealed generation (invariant 2) — the first
	// write needs 2 replacement pbas (leaf + root) and finds none.
	freeEntries := []cbe.Type2Entry{
		{PBA: reservePBA0, Reserved: true, AllocGen: 1, FreeGen: 1},
		{PBA: reservePBA1, Reserved: true, AllocGen: 1, FreeGen: 1},
	}
	freeLeaf := store.EncodeType2Node(freeEntries, degree)
	freeLeafHash := hasher.Sum(freeLeaf[:])
	freeRoot := store.EncodeType1Node([]cbe.Type1Entry{{PBA: freeLeafPBA, Gen: 0, Hash: freeLeafHash}}, degree)
	freeRootHash := hasher.Sum(freeRoot[:])

	sb := store.Superblock{
		CurrentGeneration: 1,
		FreeTreeRoot:      freeRootPBA,
		FreeTreeHash:      freeRootHash,
		FreeTreeHeight:    2,
		FreeTreeDegree:    degree,
		FreeTreeLeaves:    uint64(degree),
	}
	sb.Snapshots[0] = cbe.Snapshot{
		Root: vbdRootPBA, Hash: vbdRootHash,
		Height: 1, Degree: degree, Leaves: uint64(degree), Valid: true,
	}
	sbBlock := store.EncodeSuperblock(sb, hasher)
	require.NoError(t, dev.WriteAt(0, sbBlock[:]))
	require.NoError(t, dev.WriteAt(uint64(vbdRootPBA), vbdRoot[:]))
	require.NoError(t, dev.WriteAt(uint64(freeRootPBA), freeRoot[:]))
	require.NoError(t, dev.WriteAt(uint64(freeLeafPBA), freeLeaf[:]))

	slots, err := backend.ScanSuperblockSlots(context.Background(), dev, cbe.NumSuperblockSlots)
	require.NoError(t, err)
	var slotArray [cbe.NumSuperblockSlots]cbe.Block
	for i, s := range slots {
		slotArray[i] = cbe.Block(s)
	}
	var secret [32]byte
	lib, err := cbe.NewLibrary(dev, cipher.NewChaCha20(secret), hasher, slotArray, cbe.DefaultConfig(), xlog.New(slog.LevelError))
	require.NoError(t, err)

	var payload cbe.Block
	payload[0] = 5
	w := driveToCompletion(t, lib, cbe.Request{Op: cbe.OpWrite, VBA: 0, Count: 1, Tag: 1}, payload)
	require.False(t, w.Success, "free tree has nothing reusable yet")
	require.False(t, lib.Poisoned(), "exhaustion is a soft failure, not a fatal one")

	// Seal advances last_secured_generation to 1, releasing the
	// reservation (free_gen 1 <= last_secured_generation 1).
	lib.StartSecuringSuperblock()
	for i := 0; i < 100 && lib.IsSecuringSuperblock(); i++ {
		lib.Execute()
	}
	require.False(t, lib.IsSecuringSuperblock())

	w2 := driveToCompletion(t, lib, cbe.Request{Op: cbe.OpWrite, VBA: 0, Count: 1, Tag: 2}, payload)
	require.True(t, w2.Success, "resubmitting after the seal finds the now-reusable free blocks")

	r := driveToCompletion(t, lib, cbe.Request{Op: cbe.OpRead, VBA: 0, Count: 1, Tag: 3}, cbe.Block{})
	require.True(t, r.Success)
	require.Equal(t, payload, r.Data[0])
}
