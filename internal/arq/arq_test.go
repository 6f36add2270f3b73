package arq

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/gamevidea/binary/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// link collects the datagrams one engine emits until the test delivers them to the other one.
type link struct {
	queue [][]byte
	sent  int
	drop  func(n int) bool
}

func (l *link) output(data []byte) {
	l.sent++
	if l.drop != nil && l.drop(l.sent) {
		return
	}
	l.queue = append(l.queue, bytes.Clone(data))
}

func (l *link) deliver(t *testing.T, to *ARQ) {
	t.Helper()
	queue := l.queue
	l.queue = nil
	for _, data := range queue {
		require.NoError(t, to.Input(data))
	}
}

type pair struct {
	a, b   *ARQ
	ab, ba *link
	now    uint32
}

func newPair(t *testing.T, mtu int) *pair {
	t.Helper()
	p := &pair{ab: &link{}, ba: &link{}}

	var err error
	p.a, err = New(mtu, p.ab.output)
	require.NoError(t, err)
	p.b, err = New(mtu, p.ba.output)
	require.NoError(t, err)

	for _, e := range []*ARQ{p.a, p.b} {
		e.SetNoDelay(true, 10, 2, true)
	}
	return p
}

func (p *pair) step(t *testing.T) {
	t.Helper()
	p.now += 10
	p.a.Update(p.now)
	p.b.Update(p.now)
	p.ab.deliver(t, p.b)
	p.ba.deliver(t, p.a)
}

func receiveAll(t *testing.T, e *ARQ) [][]byte {
	t.Helper()
	var out [][]byte
	b := make([]byte, 64*1024)
	for e.PeekSize() >= 0 {
		n, err := e.Receive(b)
		require.NoError(t, err)
		out = append(out, bytes.Clone(b[:n]))
	}
	return out
}

func TestNewRejectsSmallMTU(t *testing.T) {
	_, err := New(Overhead, func([]byte) {})
	assert.ErrorIs(t, err, ErrInvalidMTU)
}

func TestSendAndReceive(t *testing.T) {
	p := newPair(t, 1200)

	require.NoError(t, p.a.Send([]byte("hello")))
	assert.Equal(t, -1, p.b.PeekSize())

	p.step(t)

	assert.Equal(t, 5, p.b.PeekSize())
	assert.Equal(t, [][]byte{[]byte("hello")}, receiveAll(t, p.b))

	// The acknowledgement travels back on the next flush.
	p.step(t)
	assert.Equal(t, 0, p.a.WaitSend())
}

func TestFragmentedMessageIsReassembled(t *testing.T) {
	p := newPair(t, 100)
	message := bytes.Repeat([]byte("0123456789"), 50)

	require.NoError(t, p.a.Send(message))
	assert.Equal(t, (len(message)+p.a.MSS()-1)/p.a.MSS(), p.a.QueueDepths().SendQueue)

	for i := 0; i < 20 && p.b.PeekSize() < 0; i++ {
		p.step(t)
	}

	assert.Equal(t, [][]byte{message}, receiveAll(t, p.b))
}

func TestLossyLinkDeliversInOrder(t *testing.T) {
	p := newPair(t, 200)
	p.ab.drop = func(n int) bool { return n%3 == 0 }
	p.ba.drop = func(n int) bool { return n%4 == 0 }

	var want [][]byte
	for i := 0; i < 50; i++ {
		msg := []byte(fmt.Sprintf("message-%02d", i))
		want = append(want, msg)
		require.NoError(t, p.a.Send(msg))
	}

	var got [][]byte
	for i := 0; i < 5000 && len(got) < len(want); i++ {
		p.step(t)
		got = append(got, receiveAll(t, p.b)...)
	}

	assert.Equal(t, want, got)
	assert.False(t, p.a.DeadLink())
}

func TestDuplicateSegmentsAreDeliveredOnce(t *testing.T) {
	p := newPair(t, 1200)

	require.NoError(t, p.a.Send([]byte("once")))
	p.a.Update(10)
	require.Len(t, p.ab.queue, 1)

	datagram := p.ab.queue[0]
	require.NoError(t, p.b.Input(datagram))
	require.NoError(t, p.b.Input(datagram))

	assert.Equal(t, [][]byte{[]byte("once")}, receiveAll(t, p.b))

	require.NoError(t, p.b.Input(datagram))
	assert.Empty(t, receiveAll(t, p.b))
}

func TestDeadLink(t *testing.T) {
	a, err := New(1200, func([]byte) {})
	require.NoError(t, err)
	a.SetNoDelay(true, 10, 0, true)
	a.SetDeadLink(4)

	require.NoError(t, a.Send([]byte("lost")))

	var now uint32
	for i := 0; i < 10000 && !a.DeadLink(); i++ {
		now += 10
		a.Update(now)
	}

	assert.True(t, a.DeadLink())
}

func TestSendRejectsInvalidMessages(t *testing.T) {
	a, err := New(100, func([]byte) {})
	require.NoError(t, err)
	a.SetWindowSize(32, 8)

	assert.ErrorIs(t, a.Send(nil), ErrEmptyMessage)

	// 7 fragments fit a receive window of 8, 8 do not.
	assert.NoError(t, a.Send(make([]byte, 7*a.MSS())))
	assert.ErrorIs(t, a.Send(make([]byte, 7*a.MSS()+1)), ErrMessageTooLarge)
}

func TestReceiveErrors(t *testing.T) {
	p := newPair(t, 1200)

	_, err := p.b.Receive(make([]byte, 16))
	assert.ErrorIs(t, err, ErrNoMessage)

	require.NoError(t, p.a.Send([]byte("too long for the buffer")))
	p.step(t)

	_, err = p.b.Receive(make([]byte, 4))
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestInputRejectsMalformedSegments(t *testing.T) {
	a, err := New(1200, func([]byte) {})
	require.NoError(t, err)

	assert.ErrorIs(t, a.Input(make([]byte, Overhead-1)), ErrShortSegment)

	b := buffer.New(64)
	require.NoError(t, (&segment{cmd: 99}).write(b))
	assert.ErrorIs(t, a.Input(b.Bytes()), ErrInvalidCommand)

	b.Reset()
	require.NoError(t, (&segment{cmd: cmdPush, data: []byte("abc")}).write(b))
	encoded := b.Bytes()
	truncated := encoded[:len(encoded)-1]
	assert.ErrorIs(t, a.Input(truncated), ErrInvalidLength)
}

func TestClearSendQueue(t *testing.T) {
	a, err := New(1200, func([]byte) {})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Send([]byte{byte(i)}))
	}

	depths := a.QueueDepths()
	assert.Equal(t, 10, depths.SendQueue)
	assert.Equal(t, 10, depths.Total())

	a.ClearSendQueue()
	assert.Equal(t, 0, a.QueueDepths().SendQueue)
}

func TestReceiveWindowOrdersSegments(t *testing.T) {
	w := CreateReceiveWindow(4)

	assert.True(t, w.Receive(&segment{sn: 2}))
	assert.True(t, w.Receive(&segment{sn: 1}))
	assert.Empty(t, w.Queue)
	assert.Len(t, w.Buffer, 2)

	assert.False(t, w.Receive(&segment{sn: 1}))
	assert.False(t, w.Receive(&segment{sn: 4}))

	assert.True(t, w.Receive(&segment{sn: 0}))
	assert.Len(t, w.Queue, 3)
	assert.Empty(t, w.Buffer)
	assert.Equal(t, uint32(3), w.Next)
	assert.Equal(t, uint16(1), w.Unused())
}
