package cbe

// VBD wraps a Translation configured for data leaves (terminal level 0)
// and adds the cache-backed node fetch loop spec.md §4.3 describes:
// reads short-circuit via Cache when a level is already resident, and
// fall through to the I/O dispatcher otherwise.
type VBD struct {
	tr    *Translation
	cache *Cache
}

// NewVBD builds a VBD over a tree of the given degree.
func NewVBD(degree uint32, cache *Cache) *VBD {
	return &VBD{tr: NewTranslation(degree, 0), cache: cache}
}

func (v *VBD) Acceptable() bool { return v.tr.Acceptable() }

// Resolve starts and drives a translation of vba against the given
// snapshot root to completion, using hasher to verify each level and
// the cache/io dispatcher pair to fetch any node not already resident.
// Returns the leaf PBA and the full root-to-leaf walk.
//
// Non-goals exclude concurrent in-flight client requests (spec.md §1),
// so a VBD instance only ever serves one Resolve call at a time; this
// loop therefore drives the translation to completion rather than
// yielding control back to a scheduler mid-walk, the same synchronous
// fetch-through pattern FreeTree.Allocate and WriteBack.Run use.
func (v *VBD) Resolve(vba VBA, rootPBA PBA, rootGen Generation, rootHash Hash, height int, hasher Hasher, io *IODispatcher) (PBA, []WalkEntry, bool) {
	v.tr.Submit(vba, rootPBA, rootGen, rootHash, height)
	for !v.tr.Done() {
		p := v.tr.PeekGenerated()
		if !p.Valid() {
			break
		}
		blk, ok := v.fetch(p.Block, io)
		if !ok {
			return InvalidPBA, nil, false
		}
		v.tr.DropGenerated()
		if !v.tr.CompleteLevel(hasher, blk) {
			return InvalidPBA, nil, false
		}
	}
	if !v.tr.Success() {
		return InvalidPBA, nil, false
	}
	pba := v.tr.ResolvedPBA()
	walk := v.tr.Walk()
	v.tr.Drop()
	return pba, walk, true
}

func (v *VBD) fetch(pba PBA, io *IODispatcher) (Block, bool) {
	if idx, ok := v.cache.Index(pba); ok {
		return *v.cache.Data(idx), true
	}
	if !v.cache.Available(pba) {
		if !v.cache.Acceptable() {
			return Block{}, false
		}
		v.cache.Submit(pba)
	}
	p := v.cache.PeekGenerated()
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
			v.cache.DropGenerated()
			v.cache.MarkComplete(pba, r.data)
			return r.data, true
		}
	}
	return Block{}, false
}
