package cbe

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/componolit/cbe/cbe/blockhash"
	"github.com/componolit/cbe/cbe/store"
)

func TestTranslationWalksOneLevel(t *testing.T) {
	const degree = 4
	hasher := blockhash.New()

	leafPBA := PBA(100)
	entries := make([]Type1Entry, degree)
	entries[2] = Type1Entry{PBA: leafPBA, Gen: 7, Hash: Hash{0xaa}}
	rootBlk := store.EncodeType1Node(entries, degree)
	rootHash := hasher.Sum(rootBlk[:])

	tr := NewTranslation(degree, 0)
	require.True(t, tr.Acceptable())
	tr.Submit(VBA(2), PBA(1), Generation(5), rootHash, 1)
	require.False(t, tr.Acceptable())
	require.False(t, tr.Done())

	p := tr.PeekGenerated()
	require.True(t, p.Valid())
	require.Equal(t, PBA(1), p.Block)

	tr.DropGenerated()
	require.True(t, tr.CompleteLevel(hasher, rootBlk))
	require.True(t, tr.Done())
	require.True(t, tr.Success())
	require.Equal(t, leafPBA, tr.ResolvedPBA())

	walk := tr.Walk()
	require.Len(t, walk, 2)
	require.Equal(t, PBA(1), walk[1].Entry.PBA)
	require.Equal(t, leafPBA, walk[0].Entry.PBA)

	tr.Drop()
	require.True(t, tr.Acceptable())
}

func TestTranslationHashMismatchFails(t *testing.T) {
	const degree = 4
	hasher := blockhash.New()

	entries := make([]Type1Entry, degree)
	rootBlk := store.EncodeType1Node(entries, degree)

	tr := NewTranslation(degree, 0)
	tr.Submit(VBA(0), PBA(1), Generation(0), Hash{0xff}, 1) // wrong expected hash
	tr.DropGenerated()

	ok := tr.CompleteLevel(hasher, rootBlk)
	require.False(t, ok)
	require.True(t, tr.Done())
	require.False(t, tr.Success())
}

func TestTranslationFreeTreeTerminalLevel(t *testing.T) {
	const degree = 4
	hasher := blockhash.New()

	leafPBA := PBA(200)
	rootEntries := make([]Type1Entry, degree)
	rootEntries[1] = Type1Entry{PBA: leafPBA, Gen: 3} // vba=4, degree=4 -> childIndex(1) == 1
	rootBlk := store.EncodeType1Node(rootEntries, degree)
	rootHash := hasher.Sum(rootBlk[:])

	// terminal=1: Free Tree translations stop one level above the VBD's,
	// at the type-2 leaf itself, so a single type-1 root over that leaf
	// needs height 2 (== terminal+1) for the walk to fetch anything at
	// all — height == terminal leaves the walk at the terminal from the
	// start, with nothing to do and Done() never becoming true.
	tr := NewTranslation(degree, 1)
	tr.Submit(VBA(4), PBA(9), Generation(0), rootHash, 2)
	require.True(t, tr.PeekGenerated().Valid())
	tr.DropGenerated()
	require.True(t, tr.CompleteLevel(hasher, rootBlk))
	require.True(t, tr.Done())
	require.Equal(t, leafPBA, tr.ResolvedPBA())
}
