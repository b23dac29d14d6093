package cbe

import (
	"github.com/componolit/cbe/cbe/blockhash"
	"github.com/componolit/cbe/cbe/store"
)

// SyncSB drives superblock sealing (spec.md §4.9): quiesce, flush the
// dirty cache, compose a new superblock, write it to the next slot, and
// advance the in-memory current-slot pointer.
type SyncSB struct {
	numSlots int
	hasher   blockhash.Hasher
}

func NewSyncSB(numSlots int, hasher blockhash.Hasher) *SyncSB {
	return &SyncSB{numSlots: numSlots, hasher: hasher}
}

// Seal runs the full protocol synchronously: the caller is responsible
// for having already quiesced client submission (step 1 is a Library
// concern, not SyncSB's own state).
func (s *SyncSB) Seal(cache *Cache, io *IODispatcher, currentSlot int, sb store.Superblock) (newSlot int, sealed store.Superblock, ok bool) {
	for cache.Dirty() {
		dirty := cache.DirtyPBAs()
		for _, pba := range dirty {
			idx, ok := cache.Index(pba)
			if !ok {
				continue
			}
			io.SubmitWrite(Primitive{Tag: TagWriteBack, Op: OpWrite, Block: pba}, *cache.Data(idx))
		}
		_, results, err := io.Execute()
		if err != nil {
			return currentSlot, store.Superblock{}, false
		}
		for _, r := range results {
			if !r.success {
				return currentSlot, store.Superblock{}, false
			}
			cache.ClearDirty(r.prim.Block)
		}
	}

	sealed = sb
	sealed.LastSecuredGeneration = sb.CurrentGeneration
	sealed.CurrentGeneration = sb.CurrentGeneration + 1

	newSlot = (currentSlot + 1) % s.numSlots
	blk := store.EncodeSuperblock(sealed, s.hasher)
	io.SubmitWrite(Primitive{Tag: TagSyncSB, Op: OpWrite, Block: PBA(newSlot)}, blk)
	_, results, err := io.Execute()
	if err != nil {
		return currentSlot, store.Superblock{}, false
	}
	for _, r := range results {
		if !r.success {
			return currentSlot, store.Superblock{}, false
		}
	}
	return newSlot, sealed, true
}
