package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConns(n int) []*Conn {
	out := make([]*Conn, n)
	for i := range out {
		out[i] = &Conn{fd: i, kind: KindTCPConn, tcp: &tcpState{id: uint64(i + 1)}}
	}
	return out
}

func TestFIFO_PushPopOrder(t *testing.T) {
	f := connFIFO{kind: fifoPipeline}
	conns := newTestConns(3)
	for _, c := range conns {
		f.push(c)
	}
	for i := 0; i < 3; i++ {
		assert.Same(t, conns[i], f.pop())
	}
	assert.Nil(t, f.pop())
	assert.True(t, f.empty())
}

func TestFIFO_PushIsIdempotent(t *testing.T) {
	f := connFIFO{kind: fifoPipeline}
	c := newTestConns(1)[0]
	f.push(c)
	f.push(c)
	assert.Same(t, c, f.pop())
	assert.Nil(t, f.pop(), "double push must not duplicate")
}

func TestFIFO_IndependentKinds(t *testing.T) {
	// One read-kind, one write-kind, one release-kind queue can all hold the
	// same connection at once; a second queue of the same kind cannot.
	read := connFIFO{kind: fifoPipeline}
	write := connFIFO{kind: fifoWrite}
	release := connFIFO{kind: fifoRelease}
	other := connFIFO{kind: fifoPipeline}

	c := newTestConns(1)[0]
	read.push(c)
	write.push(c)
	release.push(c)
	other.push(c)

	assert.Same(t, c, read.pop())
	assert.Same(t, c, write.pop())
	assert.Same(t, c, release.pop())
	assert.Nil(t, other.pop(), "same-kind queue must reject the duplicate")
}

func TestFIFO_Remove(t *testing.T) {
	f := connFIFO{kind: fifoWrite}
	conns := newTestConns(4)
	for _, c := range conns {
		f.push(c)
	}

	f.remove(conns[1]) // middle
	f.remove(conns[0]) // head
	f.remove(conns[3]) // tail

	assert.Same(t, conns[2], f.pop())
	assert.Nil(t, f.pop())

	// Removing a non-member is a no-op.
	f.remove(conns[0])
}

func TestFIFO_DetachClearsMembership(t *testing.T) {
	f := connFIFO{kind: fifoPipeline}
	conns := newTestConns(2)
	f.push(conns[0])
	f.push(conns[1])

	head := f.detach()
	require.Same(t, conns[0], head)
	assert.True(t, f.empty())

	// Detached connections may be re-queued immediately.
	f.push(conns[0])
	assert.Same(t, conns[0], f.pop())
}

func TestDrain_AllowsReenqueue(t *testing.T) {
	f := connFIFO{kind: fifoPipeline}
	conns := newTestConns(3)
	for _, c := range conns {
		f.push(c)
	}

	var visited []*Conn
	drain(&f, func(c *Conn) {
		visited = append(visited, c)
		// Re-enqueue everything; the drain must still terminate.
		f.push(c)
	})

	assert.Len(t, visited, 3)
	// All three are queued again for the next pass.
	assert.Same(t, conns[0], f.pop())
	assert.Same(t, conns[1], f.pop())
	assert.Same(t, conns[2], f.pop())
}

func TestLRU_InsertTouchRemove(t *testing.T) {
	l := newConnLRU()
	conns := newTestConns(3)
	for _, c := range conns {
		l.insert(c)
	}
	assert.Equal(t, 3, l.len())
	assert.True(t, l.contains(1))
	assert.Same(t, conns[0], l.oldest)
	assert.Same(t, conns[2], l.newest)

	l.touch(conns[0])
	assert.Same(t, conns[1], l.oldest)
	assert.Same(t, conns[0], l.newest)

	l.remove(conns[1])
	assert.Equal(t, 2, l.len())
	assert.False(t, l.contains(2))
	assert.Same(t, conns[2], l.oldest)

	l.remove(conns[0])
	l.remove(conns[2])
	assert.Equal(t, 0, l.len())
	assert.Nil(t, l.oldest)
	assert.Nil(t, l.newest)
}

func TestLRU_OldestFirstIteration(t *testing.T) {
	l := newConnLRU()
	conns := newTestConns(4)
	for _, c := range conns {
		l.insert(c)
	}
	l.touch(conns[1])

	var order []uint64
	for c := l.oldest; c != nil; c = c.tcp.lruNext {
		order = append(order, c.tcp.id)
	}
	assert.Equal(t, []uint64{1, 3, 4, 2}, order)
}
