package cbe

import "github.com/componolit/cbe/cbe/store"

// WriteBackRequest carries everything write-back needs to re-hash and
// persist one mutated VBD path (spec.md §4.5).
type WriteBackRequest struct {
	NewGen  Generation
	VBA     VBA
	NewPBA  []PBA // one per level, index 0 = leaf, index Height = root
	OldPBA  []PBA // pre-relocation PBAs on the same path, for Cache.Invalidate
	Height  int
	LeafData Block // plaintext leaf payload
}

// WriteBackResult is the outcome of a completed write-back: the new
// root hash (to be folded into the snapshot under construction) and
// whether every level's write acked.
type WriteBackResult struct {
	RootHash Hash
	Success  bool
}

// WriteBack re-hashes a modified path bottom-up and drives its
// encryption and backend writes (spec.md §4.5). It runs synchronously
// against the engine's shared Cache/CryptoDispatcher/IODispatcher,
// mirroring the same fetch-through pattern VBD and FreeTree use, since
// only one client request is ever in flight (spec.md §1 Non-goals).
type WriteBack struct {
	degree uint32
}

func NewWriteBack(degree uint32) *WriteBack {
	return &WriteBack{degree: degree}
}

func (w *WriteBack) Run(req WriteBackRequest, hasher Hasher, cache *Cache, crypto *CryptoDispatcher, io *IODispatcher) WriteBackResult {
	leafPBA := req.NewPBA[0]

	crypto.SubmitEncryption(leafPBA, req.LeafData)
	for {
		progress, err := crypto.Execute()
		if err != nil {
			return WriteBackResult{Success: false}
		}
		if crypto.EncryptionComplete(leafPBA) {
			break
		}
		if !progress {
			return WriteBackResult{Success: false}
		}
	}
	cipherText := crypto.ObtainCipherData(leafPBA)
	var leafBlk Block
	copy(leafBlk[:], cipherText)
	leafHash := hasher.Sum(leafBlk[:])

	writes := []pendingWrite{{prim: Primitive{Tag: TagIO, Op: OpWrite, Block: leafPBA}, data: leafBlk}}

	childHash := leafHash
	for lvl := 1; lvl <= req.Height; lvl++ {
		oldPBA := req.OldPBA[lvl]
		newPBA := req.NewPBA[lvl]

		blk, ok := w.fetchOld(oldPBA, cache, io)
		if !ok {
			return WriteBackResult{Success: false}
		}
		entries := store.DecodeType1Node(blk, w.degree)
		childIdx := childIndexFor(req.VBA, w.degree, lvl-1)
		entries[childIdx] = Type1Entry{PBA: req.NewPBA[lvl-1], Gen: req.NewGen, Hash: childHash}

		newBlk := store.EncodeType1Node(entries, w.degree)
		childHash = hasher.Sum(newBlk[:])
		writes = append(writes, pendingWrite{prim: Primitive{Tag: TagIO, Op: OpWrite, Block: newPBA}, data: newBlk})
	}

	for _, wr := range writes {
		io.SubmitWrite(wr.prim, wr.data)
	}
	_, results, err := io.Execute()
	if err != nil {
		return WriteBackResult{Success: false}
	}
	for _, r := range results {
		if !r.success {
			return WriteBackResult{Success: false}
		}
	}
	for _, old := range req.OldPBA {
		cache.Invalidate(old)
	}

	return WriteBackResult{RootHash: childHash, Success: true}
}

func (w *WriteBack) fetchOld(pba PBA, cache *Cache, io *IODispatcher) (Block, bool) {
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

// childIndexFor recomputes the same index Translation.childIndex would,
// for a level whose Translation instance is no longer alive (the VBD's
// walk already completed by the time write-back runs).
func childIndexFor(vba VBA, degree uint32, level int) uint64 {
	log2D := uint32(0)
	for d := degree; d > 1; d >>= 1 {
		log2D++
	}
	shift := log2D * uint32(level)
	return (uint64(vba) >> shift) & uint64(degree-1)
}
