package cbe

import (
	"fmt"

	"github.com/componolit/cbe/cbe/backend"
	"github.com/componolit/cbe/cbe/blockhash"
	"github.com/componolit/cbe/cbe/cipher"
	"github.com/componolit/cbe/cbe/store"
	"github.com/componolit/cbe/xlog"
	"github.com/componolit/cbe/xmetrics"
)

// Config tunes the Library's cache sizing and sealing cadence (spec.md
// §6 CLI/configuration table: sync_interval_ms, secure_interval_ms are
// host-facing knobs; here they are expressed as a request count since
// the core has no wall-clock dependency of its own).
type Config struct {
	CacheCapacity   int
	CacheShadowBytes int
	SyncEveryWrites   int // seal cadence in terms of completed writes, not wall time
	SecureEveryWrites int
}

func DefaultConfig() Config {
	return Config{CacheCapacity: 64, CacheShadowBytes: 4 << 20, SyncEveryWrites: 64, SecureEveryWrites: 256}
}

// Library owns every module plus the durable superblock array and runs
// the top-level scheduling loop (spec.md §4.10). It is the engine's
// entire externally-visible state; there is no process-wide static
// (spec.md §9: "Global state = the Library instance").
type Library struct {
	cfg     Config
	log     xlog.Logger
	metrics *xmetrics.Registry

	dev    backend.Device
	ciph   cipher.Cipher
	hasher blockhash.Hasher

	slots       [NumSuperblockSlots]store.Superblock
	currentSlot int
	sb          store.Superblock

	cache     *Cache
	pool      *Pool
	vbd       *VBD
	writeBack *WriteBack
	crypto    *CryptoDispatcher
	io        *IODispatcher
	retention *SnapshotRetention

	writesSinceSeal int
	writesSinceSync int
	sealing         bool
	securing        bool
	poisoned        bool

	lastProgress bool
}

// NewLibrary bootstraps a Library from the superblock slots scanned off
// the backend at open time (spec.md §6 selection rule): the caller
// scans all S slots (see backend.ScanSuperblockSlots) and passes their
// raw images; NewLibrary verifies and decodes each slot and selects the
// one to open.
func NewLibrary(dev backend.Device, ciph cipher.Cipher, hasher blockhash.Hasher, slotBlocks [NumSuperblockSlots]Block, cfg Config, log xlog.Logger) (*Library, error) {
	blocks := make([]Block, NumSuperblockSlots)
	copy(blocks, slotBlocks[:])
	slot, sb, ok := store.SelectSuperblock(blocks, hasher)
	if !ok {
		return nil, fmt.Errorf("cbe: no valid superblock slot")
	}

	l := &Library{
		cfg: cfg, log: log, metrics: xmetrics.NewRegistry(),
		dev: dev, ciph: ciph, hasher: hasher,
		currentSlot: slot, sb: sb,
		pool:      NewPool(16),
		crypto:    NewCryptoDispatcher(ciph),
		io:        NewIODispatcher(dev),
	}
	for i, b := range blocks {
		l.slots[i] = store.DecodeSuperblock(b)
	}
	l.cache = NewCache(cfg.CacheCapacity, cfg.CacheShadowBytes)
	snap := sb.CurrentSnapshot()
	l.vbd = NewVBD(snap.Degree, l.cache)
	l.writeBack = NewWriteBack(snap.Degree)
	l.retention = NewSnapshotRetention(sb.LastSecuredGeneration, validSnapshots(sb))
	log.Info("cbe library opened", "slot", slot, "gen", sb.CurrentGeneration, "max_vba", l.MaxVBA())
	return l, nil
}

func validSnapshots(sb store.Superblock) []Snapshot {
	var out []Snapshot
	for _, s := range sb.Snapshots {
		if s.Valid {
			out = append(out, s)
		}
	}
	return out
}

// MaxVBA reports the highest addressable VBA of the current snapshot.
func (l *Library) MaxVBA() VBA {
	leaves := l.sb.CurrentSnapshot().Leaves
	if leaves == 0 {
		return InvalidVBA
	}
	return VBA(leaves - 1)
}

func (l *Library) hasherFn() Hasher { return hasherAdapter{l.hasher} }

type hasherAdapter struct{ h blockhash.Hasher }

func (a hasherAdapter) Sum(b []byte) [HashSize]byte { return a.h.Sum(b) }

// ClientRequestAcceptable reports whether the pool has room and the
// engine has not entered the poisoned state (spec.md §7: hash mismatch
// is fatal and rejects new requests).
func (l *Library) ClientRequestAcceptable() bool {
	return !l.poisoned && !l.securing && l.pool.Acceptable()
}

// SubmitClientRequest queues req, rejecting out-of-range VBAs
// immediately (spec.md §7: "reject at submit with a dedicated error;
// not a hard failure").
func (l *Library) SubmitClientRequest(req Request) error {
	if !l.ClientRequestAcceptable() {
		return fmt.Errorf("cbe: client request not acceptable")
	}
	last := req.VBA + VBA(rangeLen(req)) - 1
	if last > l.MaxVBA() || last < req.VBA {
		return fmt.Errorf("cbe: vba range [%d,%d] out of range (max %d)", req.VBA, last, l.MaxVBA())
	}
	l.pool.Submit(req)
	return nil
}

// Execute runs the fixed-point loop: drain every pool entry that is
// ready to be processed, then check the sealing triggers. Callers
// should call Execute again after SubmitClientRequest,
// StartSealingGeneration, or StartSecuringSuperblock (spec.md §4.10,
// §5).
func (l *Library) Execute() bool {
	progress := false
	for {
		u := l.pool.Next()
		if u == nil {
			break
		}
		vba := u.vba()
		l.pool.MarkInFlight(vba)
		data, ok := l.processRequest(vba, u.op(), u.payload())
		l.pool.ClearInFlight(vba)
		l.pool.Complete(u, ok, data)
		progress = true
		switch {
		case ok && u.op() == OpWrite:
			l.metrics.Counter("requests.write").Inc(1)
			l.writesSinceSeal++
			l.writesSinceSync++
		case ok:
			l.metrics.Counter("requests.read").Inc(1)
		default:
			l.metrics.Counter("requests.failed").Inc(1)
		}
	}
	secureDue := l.cfg.SecureEveryWrites > 0 && l.writesSinceSeal >= l.cfg.SecureEveryWrites
	syncDue := l.cache.Dirty() && l.cfg.SyncEveryWrites > 0 && l.writesSinceSync >= l.cfg.SyncEveryWrites
	if l.sealing || secureDue || syncDue {
		l.securing = true
	}
	if l.securing && l.pool.Next() == nil {
		l.doSeal()
		l.securing = false
		l.sealing = false
		progress = true
	}
	l.lastProgress = progress
	return progress
}

func (l *Library) ExecuteProgress() bool { return l.lastProgress }

// processRequest resolves and dispatches exactly one VBA (one sub-block
// of a possibly multi-block Request, see pool.go); it returns the block
// payload for a read (zero Block for a write) and whether it succeeded.
func (l *Library) processRequest(vba VBA, op Op, payload Block) (Block, bool) {
	hasher := l.hasherFn()
	snap := l.sb.CurrentSnapshot()
	height := int(snap.Height)

	leafPBA, walk, ok := l.vbd.Resolve(vba, snap.Root, snap.Gen, snap.Hash, height, hasher, l.io)
	if !ok {
		// A walk that is not Done stopped on a node fetch (cache full or
		// backend read failure): fail this request only. A Done walk
		// stopped on a hash mismatch, which poisons the engine.
		if !l.vbd.tr.Done() {
			l.vbd.tr.Drop()
			return Block{}, false
		}
		l.poisoned = true
		l.metrics.Counter("poisoned").Inc(1)
		l.log.Error("translation failed, engine poisoned", "vba", vba)
		return Block{}, false
	}

	switch op {
	case OpRead:
		return l.doRead(leafPBA, walk[0].Entry.Hash, hasher)
	case OpWrite:
		ok := l.doWrite(vba, payload, walk, height, snap)
		return Block{}, ok
	default:
		return Block{}, false
	}
}

// doRead fetches the leaf image and checks it against wantHash, the hash
// its parent node recorded for it (spec.md invariant 1: "hash(block_at(p))
// = hash_recorded_in_parent(v)", checked here since Translation's walk
// stops one level up and never fetches the terminal block itself).
func (l *Library) doRead(leafPBA PBA, wantHash Hash, hasher Hasher) (Block, bool) {
	blk, ok := l.fetchLeaf(leafPBA)
	if !ok {
		return Block{}, false
	}
	if hasher.Sum(blk[:]) != wantHash {
		l.poisoned = true
		l.metrics.Counter("poisoned").Inc(1)
		l.log.Error("leaf hash mismatch, engine poisoned", "pba", leafPBA)
		return Block{}, false
	}
	l.crypto.SubmitDecryption(leafPBA, blk[:])
	for {
		progress, err := l.crypto.Execute()
		if err != nil {
			return Block{}, false
		}
		if l.crypto.DecryptionComplete(leafPBA) {
			break
		}
		if !progress {
			return Block{}, false
		}
	}
	return l.crypto.ObtainPlainData(leafPBA), true
}

func (l *Library) fetchLeaf(pba PBA) (Block, bool) {
	if idx, ok := l.cache.Index(pba); ok {
		return *l.cache.Data(idx), true
	}
	if !l.cache.Available(pba) {
		if !l.cache.Acceptable() {
			return Block{}, false
		}
		l.cache.Submit(pba)
	}
	p := l.cache.PeekGenerated()
	l.io.SubmitRead(p)
	reads, _, err := l.io.Execute()
	if err != nil {
		return Block{}, false
	}
	for _, r := range reads {
		if r.prim.Block == pba {
			if !r.success {
				return Block{}, false
			}
			l.cache.DropGenerated()
			l.cache.MarkComplete(pba, r.data)
			return r.data, true
		}
	}
	return Block{}, false
}

func (l *Library) doWrite(vba VBA, payload Block, walk []WalkEntry, height int, snap Snapshot) bool {
	hasher := l.hasherFn()
	newGen := l.sb.CurrentGeneration

	oldPBA := make([]PBA, height+1)
	retiring := make([]Type1Entry, height+1)
	for i := 0; i <= height; i++ {
		oldPBA[i] = walk[i].Entry.PBA
		retiring[i] = walk[i].Entry
	}

	ft := NewFreeTree(l.sb.FreeTreeDegree, int(l.sb.FreeTreeHeight), l.sb.FreeTreeLeaves, l.sb.FreeTreeRoot, l.sb.FreeTreeGen, l.sb.FreeTreeHash)
	newPBA, ok := ft.Allocate(height+1, l.retention, newGen, vba, retiring, hasher, l.cache, l.io)
	if !ok {
		l.log.Warn("free tree exhausted", "vba", vba)
		return false
	}
	root, rootGen, rootHash := ft.Root()
	l.sb.FreeTreeRoot, l.sb.FreeTreeGen, l.sb.FreeTreeHash = root, rootGen, rootHash

	wbReq := WriteBackRequest{
		NewGen: newGen, VBA: vba, NewPBA: newPBA, OldPBA: oldPBA,
		Height: height, LeafData: payload,
	}
	res := l.writeBack.Run(wbReq, hasher, l.cache, l.crypto, l.io)
	if !res.Success {
		return false
	}

	idx := l.sb.SnapshotIndex
	l.sb.Snapshots[idx] = Snapshot{
		Gen: newGen, Root: newPBA[height], Hash: res.RootHash,
		Height: snap.Height, Degree: snap.Degree, Leaves: snap.Leaves, Valid: true,
	}
	return true
}

// ClientDataRequired / SupplyClientData hand the write payload to a
// queued request before Execute will dispatch it (spec.md §6).
func (l *Library) ClientDataRequired() (Request, bool) { return l.pool.ClientDataRequired() }

func (l *Library) SupplyClientData(req Request, data Block) bool {
	return l.pool.SupplyData(req.VBA, data)
}

// ClientDataReady / ObtainClientData deliver a completed read's payload
// to the host (spec.md §6). A request is "ready" the moment it appears
// in PeekCompletedClientRequest, since this engine drives reads to
// completion synchronously within Execute rather than exposing a
// separate readiness edge.
func (l *Library) ClientDataReady() (Request, bool) {
	c, ok := l.pool.PeekCompleted()
	if !ok || c.Request.Op != OpRead {
		return Request{}, false
	}
	return c.Request, true
}

func (l *Library) ObtainClientData(req Request) ([]Block, bool) {
	c, ok := l.pool.PeekCompleted()
	if !ok || c.Request.VBA != req.VBA {
		return nil, false
	}
	return c.Data, true
}

// PeekCompletedClientRequest harvests the oldest completed request, if
// any (FIFO, spec.md §4.8).
func (l *Library) PeekCompletedClientRequest() (CompletedRequest, bool) {
	return l.pool.PeekCompleted()
}

func (l *Library) DropCompletedClientRequest(req Request) {
	l.pool.DropCompleted(req)
}

func (l *Library) IsSealingGeneration() bool  { return l.sealing }
func (l *Library) StartSealingGeneration()    { l.sealing = true }
func (l *Library) IsSecuringSuperblock() bool { return l.securing }
func (l *Library) StartSecuringSuperblock()   { l.securing = true }

func (l *Library) CacheDirty() bool      { return l.cache.Dirty() }
func (l *Library) SuperblockDirty() bool { return l.sb.CurrentGeneration != l.slots[l.currentSlot].CurrentGeneration }

// Poisoned reports whether a hash mismatch has put the engine into its
// terminal, request-rejecting state (spec.md §7).
func (l *Library) Poisoned() bool { return l.poisoned }

func (l *Library) doSeal() {
	syncSB := NewSyncSB(NumSuperblockSlots, l.hasher)
	newSlot, sealed, ok := syncSB.Seal(l.cache, l.io, l.currentSlot, l.sb)
	if !ok {
		l.log.Error("superblock seal failed")
		return
	}
	l.currentSlot = newSlot
	l.sb = sealed
	l.slots[newSlot] = sealed
	next := NewSnapshotRetention(sealed.LastSecuredGeneration, validSnapshots(sealed))
	for _, g := range l.retention.pinned.ToSlice() {
		next.Pin(g)
	}
	l.retention = next
	l.writesSinceSeal = 0
	l.writesSinceSync = 0
	l.metrics.Counter("seals").Inc(1)
	l.log.Info("superblock sealed", "slot", newSlot, "last_secured_gen", sealed.LastSecuredGeneration, "current_gen", sealed.CurrentGeneration)
}

// Metrics exposes the Library's private registry for host diagnostics
// (cmd/cbectl's show_progress flag reads it on each loop iteration).
func (l *Library) Metrics() *xmetrics.Registry { return l.metrics }

// The backend I/O and cipher pump methods below complete the §6
// external surface for host parity. This engine drives its
// IODispatcher and CryptoDispatcher synchronously from inside Execute
// (see fetchLeaf, doRead, doWrite) rather than surfacing their
// in-flight primitives for an external host to pump, since the core
// processes one client request at a time (spec.md §1 Non-goals) and a
// synchronous backend.Device/cipher.Cipher call suffices; a host
// wanting a non-blocking Device would drive these instead, which is why
// the methods stay on the type rather than being deleted.
func (l *Library) IODataRequired() (Request, bool)          { return Request{}, false }
func (l *Library) IODataReadInProgress(Request) bool         { return false }
func (l *Library) SupplyIOData(Request, Block) bool          { return false }
func (l *Library) HasIODataToWrite() (Request, bool)         { return Request{}, false }
func (l *Library) ObtainIOData(Request) (Block, bool)        { return Block{}, false }
func (l *Library) AckIODataToWrite(Request) bool             { return false }
func (l *Library) CryptoDataRequired() (Request, bool)       { return Request{}, false }
func (l *Library) ObtainCryptoPlainData(Request) (Block, bool)  { return Block{}, false }
func (l *Library) SupplyCryptoCipherData(Request, []byte) bool { return false }
func (l *Library) HasCryptoDataToDecrypt() (Request, bool)   { return Request{}, false }
func (l *Library) ObtainCryptoCipherData(Request) ([]byte, bool) { return nil, false }
func (l *Library) SupplyCryptoPlainData(Request, Block) bool { return false }

// PinSnapshot / UnpinSnapshot implement the explicit pinning mechanism
// spec.md §9 Open Questions references but leaves unimplemented in the
// source (decision recorded in DESIGN.md).
func (l *Library) PinSnapshot(gen Generation)   { l.retention.Pin(gen) }
func (l *Library) UnpinSnapshot(gen Generation) { l.retention.Unpin(gen) }

// RetryAllocation drives the engine one more step after a free-tree
// exhaustion (spec.md §8 scenario 4). It does not retry the failed write
// in place: Pool.Complete has already marked that sub-block done with
// Success=false and advanced the pool's cursor past it, so by the time a
// caller can observe the failure there is nothing left in the pool to
// resume. The host is expected to harvest the failed completion, release
// whatever retention was holding the free tree back (e.g. via a seal or
// UnpinSnapshot), and resubmit the same Request; RetryAllocation is
// simply that resubmit's Execute call, kept as a named method for
// callers that want to express the retry intent explicitly.
func (l *Library) RetryAllocation() bool { return l.Execute() }
