package cbe

import mapset "github.com/deckarep/golang-set/v2"

// SnapshotRetention implements the Free Tree's reusability predicate
// (spec.md §3 invariant 3) against a fixed set of retained snapshots
// plus an explicit pin list (spec.md §9 Open Questions — decision
// recorded in DESIGN.md: retain every valid snapshot of the current
// superblock, at most NumSnapshots, plus anything explicitly pinned via
// Pin/Unpin). The pin list is a
// mapset.Set the same way core/vote/vote_pool.go tracks its pending
// vote generations, since membership and overlap checks are all this
// needs.
type SnapshotRetention struct {
	lastSecuredGen Generation
	snapshots      []Snapshot // retained, valid snapshots
	pinned         mapset.Set[Generation]
}

func NewSnapshotRetention(lastSecuredGen Generation, snapshots []Snapshot) *SnapshotRetention {
	return &SnapshotRetention{
		lastSecuredGen: lastSecuredGen,
		snapshots:      snapshots,
		pinned:         mapset.NewSet[Generation](),
	}
}

func (r *SnapshotRetention) Pin(gen Generation)   { r.pinned.Add(gen) }
func (r *SnapshotRetention) Unpin(gen Generation) { r.pinned.Remove(gen) }

// Reusable implements invariant 3: an entry is reusable iff it was
// never reserved, or its reservation has been released at or before the
// last secured generation and no retained (or pinned) snapshot's
// lifetime overlaps [alloc_gen, free_gen).
func (r *SnapshotRetention) Reusable(e Type2Entry) bool {
	if !e.Reserved {
		return true
	}
	if e.FreeGen > r.lastSecuredGen {
		return false // invariant 2: still within the as-yet-unsealed generation
	}
	for _, s := range r.snapshots {
		if !s.Valid {
			continue
		}
		if e.AllocGen <= s.Gen && s.Gen < e.FreeGen {
			return false
		}
	}
	for _, gen := range r.pinned.ToSlice() {
		if e.AllocGen <= gen && gen < e.FreeGen {
			return false
		}
	}
	return true
}
