package cbe

import "github.com/componolit/cbe/cbe/backend"

// IODispatcher translates internal READ/WRITE primitives to backend
// calls (spec.md §4.7). It preserves per-PBA write ordering by keeping a
// FIFO of pending writes and never reordering two writes to the same
// PBA relative to each other.
type IODispatcher struct {
	dev backend.Device

	pendingReads  []Primitive
	pendingWrites []pendingWrite
}

type pendingWrite struct {
	prim Primitive
	data Block
}

func NewIODispatcher(dev backend.Device) *IODispatcher {
	return &IODispatcher{dev: dev}
}

// SubmitRead queues a backend read for the given primitive (tag
// identifies the requesting module for routing the completion back).
func (d *IODispatcher) SubmitRead(p Primitive) {
	d.pendingReads = append(d.pendingReads, p)
}

// SubmitWrite queues a backend write of data at p.Block.
func (d *IODispatcher) SubmitWrite(p Primitive, data Block) {
	d.pendingWrites = append(d.pendingWrites, pendingWrite{prim: p, data: data})
}

// Execute drives one backend call per pending read and, respecting
// per-PBA order, one per pending write, synchronously (the simple
// one-call-per-step design spec.md §4.7 describes; the backend itself
// may still be pipelined by a smarter Device implementation).
func (d *IODispatcher) Execute() ([]readResult, []writeResult, error) {
	var reads []readResult
	for _, p := range d.pendingReads {
		var blk Block
		if err := d.dev.ReadAt(uint64(p.Block), blk[:]); err != nil {
			reads = append(reads, readResult{prim: p, success: false})
			continue
		}
		reads = append(reads, readResult{prim: p, data: blk, success: true})
	}
	d.pendingReads = nil

	var writes []writeResult
	for _, w := range d.pendingWrites {
		err := d.dev.WriteAt(uint64(w.prim.Block), w.data[:])
		writes = append(writes, writeResult{prim: w.prim, success: err == nil})
	}
	d.pendingWrites = nil

	return reads, writes, nil
}

type readResult struct {
	prim    Primitive
	data    Block
	success bool
}

type writeResult struct {
	prim    Primitive
	success bool
}
