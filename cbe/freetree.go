package cbe

import "github.com/componolit/cbe/cbe/store"

const (
	maxQueryBranches      = 8
	maxFreeBlocksPerBranch = 64

	// freeTreeTerminal is the Translation terminal level for free-tree
	// walks: the type-2 leaf sits one level above where a VBD walk's
	// terminal (data leaf) sits, since the free tree has its own node
	// type at the bottom rather than an opaque data block.
	freeTreeTerminal = 1
)

// Retention decides whether a type-2 entry is reusable (spec.md §3
// invariant 3): either it was never reserved, or its reservation was
// released at or before the last secured generation and no retained
// snapshot's lifetime [alloc_gen, free_gen) still overlaps it.
type Retention interface {
	Reusable(e Type2Entry) bool
}

type queryBranch struct {
	walk       []WalkEntry // free-tree root-to-leaf path for this branch's type-2 node
	leafPBA    PBA
	leafEntries []Type2Entry
	chosen     []int // indices within leafEntries picked as free
	vba        VBA
}

// FreeTree locates and reserves N free leaves across one or more type-2
// branches, producing the set of replacement PBAs for a VBD write path
// (spec.md §4.4).
type FreeTree struct {
	tr     *Translation
	degree uint32
	height int
	leaves uint64

	root     PBA
	rootGen  Generation
	rootHash Hash
}

// NewFreeTree builds a free tree view over the given geometry and
// current root.
func NewFreeTree(degree uint32, height int, leaves uint64, root PBA, rootGen Generation, rootHash Hash) *FreeTree {
	return &FreeTree{
		tr: NewTranslation(degree, freeTreeTerminal), degree: degree, height: height, leaves: leaves,
		root: root, rootGen: rootGen, rootHash: rootHash,
	}
}

func (f *FreeTree) Root() (PBA, Generation, Hash) { return f.root, f.rootGen, f.rootHash }

// Allocate runs Reset → Query → Update → Write-back to completion,
// producing n fresh PBAs. retiring carries the VBD path's pre-relocation
// {pba,gen} pair being vacated at each level (index 0 = leaf, index
// len-1 = root, same order Library.doWrite builds WriteBackRequest.OldPBA
// from) — update swaps each consumed type-2 entry to point at the
// matching retiring pba so it becomes the next generation's free block.
// cache and io are used exactly as VBD.Resolve uses them: a synchronous
// fetch-through loop, since the core processes one client request at a
// time (spec.md §1 Non-goals).
func (f *FreeTree) Allocate(n int, retention Retention, newGen Generation, vba VBA, retiring []Type1Entry, hasher Hasher, cache *Cache, io *IODispatcher) ([]PBA, bool) {
	branches := make([]queryBranch, 0, maxQueryBranches)
	found := 0
	queryVBA := VBA(0)

	for found < n && uint64(queryVBA) < f.leaves && len(branches) < maxQueryBranches {
		leafPBA, walk, ok := f.resolveSync(queryVBA, hasher, cache, io)
		if !ok {
			return nil, false // fatal: hash mismatch during query (spec.md §7)
		}
		blk, ok := f.fetchSync(leafPBA, cache, io)
		if !ok {
			return nil, false
		}
		// Translation's walk stops one level above the terminal (same gap
		// as the VBD path, see Library.doRead), so the type-2 leaf's own
		// content is verified here against the hash its parent recorded.
		if hasher.Sum(blk[:]) != walk[freeTreeTerminal].Entry.Hash {
			return nil, false // fatal: invariant 1
		}
		entries := store.DecodeType2Node(blk, f.degree)

		want := n - found
		if want > maxFreeBlocksPerBranch {
			want = maxFreeBlocksPerBranch
		}
		var chosen []int
		for i, e := range entries {
			if len(chosen) >= want {
				break
			}
			if retention.Reusable(e) {
				chosen = append(chosen, i)
			}
		}
		found += len(chosen)
		branches = append(branches, queryBranch{
			walk: walk, leafPBA: leafPBA, leafEntries: entries, chosen: chosen, vba: queryVBA,
		})
		queryVBA += VBA(f.degree)
	}

	if found < n {
		return nil, false // insufficient free blocks; caller may RetryAllocation later
	}

	return f.update(branches, n, newGen, vba, retiring, hasher, cache, io)
}

// resolveSync and fetchSync mirror VBD's synchronous cache-fetch-through
// loop (see vbd.go) for the free tree's own translation instance.
func (f *FreeTree) resolveSync(vba VBA, hasher Hasher, cache *Cache, io *IODispatcher) (PBA, []WalkEntry, bool) {
	f.tr.Submit(vba, f.root, f.rootGen, f.rootHash, f.height)
	for !f.tr.Done() {
		p := f.tr.PeekGenerated()
		if !p.Valid() {
			break
		}
		blk, ok := f.fetchSync(p.Block, cache, io)
		if !ok {
			return InvalidPBA, nil, false
		}
		f.tr.DropGenerated()
		if !f.tr.CompleteLevel(hasher, blk) {
			return InvalidPBA, nil, false
		}
	}
	if !f.tr.Success() {
		return InvalidPBA, nil, false
	}
	pba := f.tr.ResolvedPBA()
	walk := f.tr.Walk()
	f.tr.Drop()
	return pba, walk, true
}

func (f *FreeTree) fetchSync(pba PBA, cache *Cache, io *IODispatcher) (Block, bool) {
	if idx, ok := cache.Index(pba); ok {
		return *cache.Data(idx), true
	}
	if !cache.Available(pba) {
		if !cache.Acceptable() {
			return Block{}, false
		}
		cache.Submit(pba)
	}
	p := cache.PeekGenerated()
	io.SubmitRead(p)
	reads, _, err := io.Execute()
	if err != nil {
		return Block{}, false
	}
	for _, r := range reads {
		if r.prim.Block == pba {
			if !r.success {
				return Block{}, false
			}
			cache.DropGenerated()
			cache.MarkComplete(pba, r.data)
			return r.data, true
		}
	}
	return Block{}, false
}

// update hands out the chosen type-2 entries' PBAs in consumption order
// (allocated[i] serves VBD level i, 0 = leaf — spec.md §9 Open
// Questions: merged by tree level, not by scanning for an empty slot),
// swaps each consumed entry to the caller's retiring entry of the same
// level and marks it reserved, rehashes each branch bottom-up, writes
// every touched node, and returns the n allocated PBAs.
func (f *FreeTree) update(branches []queryBranch, n int, newGen Generation, callerVBA VBA, retiring []Type1Entry, hasher Hasher, cache *Cache, io *IODispatcher) ([]PBA, bool) {
	allocated := make([]PBA, 0, n)
	var writes []pendingWrite

	for bi := range branches {
		br := &branches[bi]
		for _, idx := range br.chosen {
			if len(allocated) >= n {
				break
			}
			level := len(allocated)
			e := &br.leafEntries[idx]
			allocated = append(allocated, e.PBA)
			// Swap: hand out this entry's (now in-use) pba, and in
			// exchange register the pba the VBD write just vacated at
			// the same level as the block that will become reusable
			// once this generation is secured (original_source/src/
			// server/cbe/free_tree.h's _do_update, ~line 500).
			old := retiring[level]
			e.PBA = old.PBA
			e.AllocGen = old.Gen
			e.FreeGen = newGen
			e.Reserved = true
			e.LastVBA = callerVBA
		}
		leafBlk := store.EncodeType2Node(br.leafEntries, f.degree)
		leafHash := hasher.Sum(leafBlk[:])
		writes = append(writes, pendingWrite{prim: Primitive{Tag: TagWriteBack, Op: OpWrite, Block: br.leafPBA}, data: leafBlk})

		// Rehash ancestors bottom-up (type-1 nodes above the type-2
		// leaf), same patch-and-rehash shape write-back.go uses for the
		// VBD path. walk[freeTreeTerminal] is the leaf's own (already
		// patched above) entry, not a type-1 node, so ancestor patching
		// starts one level above it rather than at 1.
		childHash := leafHash
		for lvl := freeTreeTerminal + 1; lvl <= f.height; lvl++ {
			parentPBA := br.walk[lvl].Entry.PBA
			parentBlk, ok := f.fetchSync(parentPBA, cache, io)
			if !ok {
				return nil, false
			}
			entries := store.DecodeType1Node(parentBlk, f.degree)
			childIdx := childIndexFor(br.vba, f.degree, lvl-1)
			entries[childIdx].Hash = childHash
			entries[childIdx].Gen = newGen
			newBlk := store.EncodeType1Node(entries, f.degree)
			childHash = hasher.Sum(newBlk[:])
			writes = append(writes, pendingWrite{prim: Primitive{Tag: TagWriteBack, Op: OpWrite, Block: parentPBA}, data: newBlk})
			if lvl == f.height {
				f.rootHash = childHash
				f.rootGen = newGen
			}
		}
	}

	for _, w := range writes {
		io.SubmitWrite(w.prim, w.data)
	}
	_, results, err := io.Execute()
	if err != nil {
		return nil, false
	}
	for _, r := range results {
		if !r.success {
			return nil, false
		}
		cache.Invalidate(r.prim.Block)
	}

	return allocated, true
}
