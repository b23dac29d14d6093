package cbe

import "fmt"

// poolEntry tracks one accepted client Request — a VBA range of
// req.Count consecutive blocks (Count == 0 is treated as 1) — through
// to completion, one sub-block primitive at a time (spec.md §4.8:
// "splits a client range into per-block primitives").
type poolEntry struct {
	req  Request
	vbas []VBA

	subDone     []bool
	subSuccess  []bool
	data        []Block // read results, or (for writes) payloads once supplied
	dataReady   []bool  // writes wait for SupplyData before becoming dispatchable
	cursor      int     // index of the next sub-block not yet dispatched

	done    bool
	success bool
}

func rangeLen(req Request) int {
	if req.Count == 0 {
		return 1
	}
	return int(req.Count)
}

// Pool accepts client requests, splits multi-block ranges into
// per-block primitives, and reassembles completion (spec.md §4.8). It
// enforces at most one primitive per VBA in flight and FIFO completion
// order of client requests.
type Pool struct {
	capacity int
	queue    []*poolEntry
	inFlight map[VBA]bool
}

func NewPool(capacity int) *Pool {
	return &Pool{capacity: capacity, inFlight: make(map[VBA]bool)}
}

func (p *Pool) Acceptable() bool { return len(p.queue) < p.capacity }

// Submit queues req, splitting it into one sub-block slot per VBA in
// [req.VBA, req.VBA+count). Panics if called while not Acceptable
// (protocol misuse is a programmer bug per spec.md §7).
func (p *Pool) Submit(req Request) {
	if !p.Acceptable() {
		panic("cbe: pool.Submit while not acceptable")
	}
	n := rangeLen(req)
	e := &poolEntry{
		req:       req,
		vbas:      make([]VBA, n),
		subDone:   make([]bool, n),
		subSuccess: make([]bool, n),
		data:      make([]Block, n),
		dataReady: make([]bool, n),
	}
	for i := 0; i < n; i++ {
		e.vbas[i] = req.VBA + VBA(i)
		e.dataReady[i] = req.Op != OpWrite
	}
	p.queue = append(p.queue, e)
}

// SupplyData delivers the write payload for one VBA within an in-flight
// request's range (spec.md §6 client_data_required/supply_client_data);
// reads need no such hand-off.
func (p *Pool) SupplyData(vba VBA, data Block) bool {
	for _, e := range p.queue {
		if e.done || e.req.Op != OpWrite {
			continue
		}
		for i, v := range e.vbas {
			if v == vba && !e.dataReady[i] {
				e.data[i] = data
				e.dataReady[i] = true
				return true
			}
		}
	}
	return false
}

// ClientDataRequired returns the oldest write sub-block still waiting
// for its payload, expressed as a single-block Request (Count=1) over
// its own VBA, or the zero Request if none is waiting.
func (p *Pool) ClientDataRequired() (Request, bool) {
	for _, e := range p.queue {
		if e.done || e.req.Op != OpWrite {
			continue
		}
		for i, ready := range e.dataReady {
			if !ready {
				return Request{Op: OpWrite, VBA: e.vbas[i], Count: 1, Tag: e.req.Tag}, true
			}
		}
	}
	return Request{}, false
}

// dispatchUnit names one sub-block of a pool entry ready to be driven
// through the engine by Library.Execute.
type dispatchUnit struct {
	entry *poolEntry
	idx   int
}

func (u *dispatchUnit) vba() VBA    { return u.entry.vbas[u.idx] }
func (u *dispatchUnit) op() Op      { return u.entry.req.Op }
func (u *dispatchUnit) payload() Block { return u.entry.data[u.idx] }

// Next returns the oldest sub-block across all queued requests that is
// not yet dispatched, has its payload ready (writes only), and whose
// VBA is not currently in flight, or nil if none is ready. Requests are
// scanned in FIFO order, and within a request its sub-blocks are
// dispatched left to right, so a range's VBAs are resolved in order
// even though distinct requests' sub-blocks may interleave.
func (p *Pool) Next() *dispatchUnit {
	for _, e := range p.queue {
		if e.done || e.cursor >= len(e.vbas) {
			continue
		}
		if !e.dataReady[e.cursor] {
			continue
		}
		if p.inFlight[e.vbas[e.cursor]] {
			continue
		}
		return &dispatchUnit{entry: e, idx: e.cursor}
	}
	return nil
}

func (p *Pool) MarkInFlight(vba VBA)  { p.inFlight[vba] = true }
func (p *Pool) ClearInFlight(vba VBA) { delete(p.inFlight, vba) }

// Complete records the outcome of one sub-block and, once every
// sub-block of its request has finished, marks the whole request done
// (aggregate success = every sub-block succeeded, matching invariant 6's
// per-VBA serialization: a range is durable only if all of it is).
func (p *Pool) Complete(u *dispatchUnit, success bool, data Block) {
	e := u.entry
	e.subDone[u.idx] = true
	e.subSuccess[u.idx] = success
	e.data[u.idx] = data
	if u.idx == e.cursor {
		e.cursor++
	}
	for _, d := range e.subDone {
		if !d {
			return
		}
	}
	e.done = true
	e.success = true
	for _, ok := range e.subSuccess {
		if !ok {
			e.success = false
			break
		}
	}
}

// CompletedRequest is what the host harvests via PeekCompleted: the
// original request, its read payload (if any, one Block per VBA in the
// range) and whether every sub-block succeeded.
type CompletedRequest struct {
	Request Request
	Data    []Block
	Success bool
}

// PeekCompleted returns the oldest entry whose completion has not yet
// been harvested, preserving FIFO client-request completion order.
func (p *Pool) PeekCompleted() (CompletedRequest, bool) {
	if len(p.queue) == 0 || !p.queue[0].done {
		return CompletedRequest{}, false
	}
	head := p.queue[0]
	return CompletedRequest{Request: head.req, Data: head.data, Success: head.success}, true
}

// DropCompleted removes the head entry once the host has harvested it.
func (p *Pool) DropCompleted(req Request) {
	if len(p.queue) == 0 {
		panic("cbe: pool.DropCompleted on empty queue")
	}
	if p.queue[0].req.VBA != req.VBA || p.queue[0].req.Tag != req.Tag {
		panic(fmt.Sprintf("cbe: pool.DropCompleted mismatched request %v", req))
	}
	p.queue = p.queue[1:]
}
