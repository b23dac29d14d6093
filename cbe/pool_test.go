package cbe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolSingleReadRoundTrip(t *testing.T) {
	p := NewPool(4)
	req := Request{Op: OpRead, VBA: 10, Count: 1, Tag: 1}
	p.Submit(req)

	u := p.Next()
	require.NotNil(t, u)
	require.Equal(t, VBA(10), u.vba())
	require.Equal(t, OpRead, u.op())

	p.MarkInFlight(u.vba())
	p.Complete(u, true, Block{1})
	p.ClearInFlight(u.vba())

	c, ok := p.PeekCompleted()
	require.True(t, ok)
	require.True(t, c.Success)
	require.Equal(t, []Block{{1}}, c.Data)

	p.DropCompleted(c.Request)
	_, ok = p.PeekCompleted()
	require.False(t, ok)
}

func TestPoolMultiBlockRangeSplitsAndReassembles(t *testing.T) {
	p := NewPool(4)
	req := Request{Op: OpRead, VBA: 100, Count: 3, Tag: 7}
	p.Submit(req)

	var vbas []VBA
	for i := 0; i < 3; i++ {
		u := p.Next()
		require.NotNil(t, u)
		vbas = append(vbas, u.vba())
		p.MarkInFlight(u.vba())
		p.Complete(u, true, Block{byte(i)})
		p.ClearInFlight(u.vba())
	}
	require.Equal(t, []VBA{100, 101, 102}, vbas)
	require.Nil(t, p.Next())

	c, ok := p.PeekCompleted()
	require.True(t, ok)
	require.True(t, c.Success)
	require.Equal(t, []Block{{0}, {1}, {2}}, c.Data)
}

func TestPoolWriteWaitsForPayload(t *testing.T) {
	p := NewPool(4)
	req := Request{Op: OpWrite, VBA: 5, Count: 1, Tag: 2}
	p.Submit(req)

	require.Nil(t, p.Next(), "write sub-block must wait for SupplyData")

	pending, ok := p.ClientDataRequired()
	require.True(t, ok)
	require.Equal(t, VBA(5), pending.VBA)

	require.True(t, p.SupplyData(VBA(5), Block{9}))
	u := p.Next()
	require.NotNil(t, u)
	require.Equal(t, Block{9}, u.payload())
}

func TestPoolOneSubBlockFailurePoisonsWholeRequest(t *testing.T) {
	p := NewPool(4)
	req := Request{Op: OpRead, VBA: 0, Count: 2, Tag: 3}
	p.Submit(req)

	u1 := p.Next()
	p.MarkInFlight(u1.vba())
	p.Complete(u1, true, Block{})
	p.ClearInFlight(u1.vba())

	u2 := p.Next()
	p.MarkInFlight(u2.vba())
	p.Complete(u2, false, Block{})
	p.ClearInFlight(u2.vba())

	c, ok := p.PeekCompleted()
	require.True(t, ok)
	require.False(t, c.Success)
}

func TestPoolInFlightVBANotRedispatched(t *testing.T) {
	p := NewPool(4)
	p.Submit(Request{Op: OpRead, VBA: 0, Count: 1, Tag: 1})

	u := p.Next()
	require.NotNil(t, u)
	p.MarkInFlight(u.vba())

	require.Nil(t, p.Next(), "in-flight VBA must not be dispatched twice")
}

func TestPoolFIFOCompletionOrder(t *testing.T) {
	p := NewPool(4)
	p.Submit(Request{Op: OpRead, VBA: 1, Count: 1, Tag: 1})
	p.Submit(Request{Op: OpRead, VBA: 2, Count: 1, Tag: 2})

	for i := 0; i < 2; i++ {
		u := p.Next()
		require.NotNil(t, u)
		p.MarkInFlight(u.vba())
		p.Complete(u, true, Block{})
		p.ClearInFlight(u.vba())
	}

	c, ok := p.PeekCompleted()
	require.True(t, ok)
	require.Equal(t, VBA(1), c.Request.VBA, "oldest request completes first in FIFO order")

	p.DropCompleted(c.Request)
	c, ok = p.PeekCompleted()
	require.True(t, ok)
	require.Equal(t, VBA(2), c.Request.VBA)
}
