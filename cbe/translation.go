package cbe

import (
	"fmt"

	"github.com/componolit/cbe/cbe/store"
)

// WalkEntry is one level of a resolved tree path: the child pointer that
// was followed to reach the next level down, plus the level's own PBA
// once it is known (spec.md §4.2's walk[] array).
type WalkEntry struct {
	Entry Type1Entry // {pba, gen, hash} as recorded by the parent
}

// Translation walks a hash-chained B-tree from a root PBA+hash down to
// the leaf (VBD) or type-2 (Free Tree) PBA for one VBA, verifying each
// level's hash against what its parent recorded (spec.md §4.2). Exactly
// one request is in flight per Translation instance; the engine
// instantiates two (one for the VBD, one for the Free Tree, per
// terminal level).
type Translation struct {
	degree uint32
	log2D  uint32 // log2(degree), degree is always a power of two

	terminal int // 0 for VBD, 1 for Free Tree

	active  bool
	vba     VBA
	height  int
	level   int
	walk    []WalkEntry // index by level, walk[height] is the root
	nextPBA PBA
	pending PBA // PBA currently awaiting a cache fetch, InvalidPBA if none

	done    bool
	success bool
}

// NewTranslation builds a Translation for a tree of the given degree
// (must be a power of two) and terminal level (0 for VBD leaves, 1 for
// Free Tree type-2 leaves).
func NewTranslation(degree uint32, terminal int) *Translation {
	log2D := uint32(0)
	for d := degree; d > 1; d >>= 1 {
		log2D++
	}
	return &Translation{degree: degree, log2D: log2D, terminal: terminal}
}

func (t *Translation) Acceptable() bool { return !t.active }

// Submit starts a walk for vba from the given root, which sits at level
// height; the walk descends one level per fetch down to the terminal
// level.
func (t *Translation) Submit(vba VBA, rootPBA PBA, rootGen Generation, rootHash Hash, height int) {
	if t.active {
		panic("cbe: translation.Submit while a walk is active")
	}
	t.active = true
	t.done = false
	t.success = false
	t.vba = vba
	t.height = height
	t.level = height
	t.walk = make([]WalkEntry, height+1)
	t.walk[height] = WalkEntry{Entry: Type1Entry{PBA: rootPBA, Gen: rootGen, Hash: rootHash}}
	t.nextPBA = rootPBA
	t.pending = InvalidPBA
}

// PeekGenerated returns the READ primitive for the node this walk needs
// next, or the zero Primitive if the walk is complete or waiting on a
// fetch already in flight.
func (t *Translation) PeekGenerated() Primitive {
	if !t.active || t.done || t.pending.Valid() {
		return Primitive{}
	}
	if t.level == t.terminal {
		return Primitive{}
	}
	return Primitive{Tag: TagTranslation, Op: OpRead, Block: t.nextPBA}
}

// DropGenerated marks the just-peeked fetch as in flight.
func (t *Translation) DropGenerated() {
	if t.active && !t.done && !t.pending.Valid() && t.level != t.terminal {
		t.pending = t.nextPBA
	}
}

// childIndex computes which entry of the node at level `level` (the node
// just below the level we are descending from) holds the pointer toward
// vba (spec.md §4.2: "(vba >> (log2(degree) * level)) & (degree-1)").
func (t *Translation) childIndex(level int) uint64 {
	shift := t.log2D * uint32(level)
	return (uint64(t.vba) >> shift) & uint64(t.degree-1)
}

// CompleteLevel delivers the fetched block for the currently-pending
// PBA, verifies its hash against what the parent level recorded, and
// descends one level. Returns false (fatal, invariant 1) on mismatch.
func (t *Translation) CompleteLevel(hasher Hasher, blk Block) bool {
	if !t.pending.Valid() {
		panic("cbe: translation.CompleteLevel with no pending fetch")
	}
	got := hasher.Sum(blk[:])
	want := t.walk[t.level].Entry.Hash
	t.pending = InvalidPBA
	if got != want {
		t.done = true
		t.success = false
		t.active = false
		return false
	}
	entries := store.DecodeType1Node(blk, t.degree)
	idx := t.childIndex(t.level - 1)
	entry := entries[idx]
	t.level--
	t.walk[t.level] = WalkEntry{Entry: entry}
	t.nextPBA = entry.PBA
	if t.level == t.terminal {
		t.done = true
		t.success = true
		t.active = false
	}
	return true
}

// Hasher computes the spec's deterministic 32-byte digest over a 4 KiB
// block image (spec.md §1: the hash primitive is an external
// collaborator specified only at its interface).
type Hasher interface {
	Sum(block []byte) [HashSize]byte
}

// ResolvedPBA returns the terminal-level PBA once a walk has completed
// successfully.
func (t *Translation) ResolvedPBA() PBA {
	if !t.done || !t.success {
		panic("cbe: translation.ResolvedPBA before completion")
	}
	return t.walk[t.terminal].Entry.PBA
}

func (t *Translation) Done() bool    { return t.done }
func (t *Translation) Success() bool { return t.success }

// Walk returns the full resolved path (root-to-terminal), for callers
// that need it to drive relocation (write-back, free-tree update).
func (t *Translation) Walk() []WalkEntry {
	if !t.done {
		panic(fmt.Sprintf("cbe: translation.Walk before completion (vba=%d)", t.vba))
	}
	return t.walk
}

// Drop releases the completed walk so the instance can accept the next
// Submit.
func (t *Translation) Drop() {
	t.active = false
	t.done = false
	t.walk = nil
}
