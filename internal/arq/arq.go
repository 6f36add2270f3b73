// Package arq implements the sliding window ARQ engine underneath the reliable channel. It
// splits messages into segments, retransmits them until they are acknowledged and reassembles
// them in order on the other end. It does not own a socket: segments leave through the output
// function and arrive through Input, and time only advances when Update is called.
package arq

import (
	"github.com/gamevidea/binary/buffer"
)

// OutputFunc is called with every datagram worth of segments that need to be sent. The slice is
// reused after the call returns.
type OutputFunc func(data []byte)

// Depths contains the number of segments held by each of the internal queues.
type Depths struct {
	SendQueue     int
	ReceiveQueue  int
	SendBuffer    int
	ReceiveBuffer int
}

// Returns the sum of all queue depths.
func (d Depths) Total() int {
	return d.SendQueue + d.ReceiveQueue + d.SendBuffer + d.ReceiveBuffer
}

type ack struct {
	sn uint32
	ts uint32
}

// ARQ is a single reliable stream. It is not safe for concurrent use.
type ARQ struct {
	mtu int
	mss int

	sndUna uint32
	sndNxt uint32

	ssthresh uint32
	rxRttval int32
	rxSrtt   int32
	rxRto    uint32
	rxMinRto uint32

	sndWnd uint32
	rmtWnd uint32
	cwnd   uint32
	incr   uint32
	probe  uint32

	current  uint32
	interval uint32
	tsFlush  uint32
	updated  bool

	tsProbe   uint32
	probeWait uint32

	deadLink uint32
	dead     bool
	xmit     uint32

	nodelay    bool
	fastResend uint32
	noCwnd     bool

	sndQueue []*segment
	sndBuf   []*segment
	rcv      *ReceiveWindow
	acks     []ack

	batch  *buffer.Buffer
	output OutputFunc
}

// Creates and returns a new ARQ engine that emits datagrams of at most mtu bytes through the
// output function passed.
func New(mtu int, output OutputFunc) (*ARQ, error) {
	if mtu < Overhead+1 {
		return nil, ErrInvalidMTU
	}

	a := &ARQ{
		mtu:      mtu,
		mss:      mtu - Overhead,
		ssthresh: thresholdInit,
		rxRto:    rtoDefault,
		rxMinRto: rtoMin,
		sndWnd:   defaultSendWindow,
		rmtWnd:   defaultReceiveWindow,
		cwnd:     1,
		interval: defaultInterval,
		deadLink: defaultDeadLink,
		rcv:      CreateReceiveWindow(defaultReceiveWindow),
		batch:    buffer.New(mtu),
		output:   output,
	}
	a.incr = uint32(a.mss)

	return a, nil
}

// Sets the send and receive window sizes in segments. Non positive values are ignored.
func (a *ARQ) SetWindowSize(send, receive int) {
	if send > 0 {
		a.sndWnd = uint32(send)
	}

	if receive > 0 {
		a.rcv.Size = uint32(receive)
	}
}

// Configures the retransmission behaviour. With nodelay the minimum RTO is lowered and timed out
// segments back off by half instead of doubling. interval is the flush interval in milliseconds,
// resend the number of skipping acknowledgements that trigger a fast retransmission (0 disables
// it) and nocwnd disables the congestion window.
func (a *ARQ) SetNoDelay(nodelay bool, interval int, resend int, nocwnd bool) {
	a.nodelay = nodelay
	if nodelay {
		a.rxMinRto = rtoNoDelay
	} else {
		a.rxMinRto = rtoMin
	}

	if interval > 0 {
		a.interval = uint32(min(max(interval, 10), 5000))
	}

	if resend >= 0 {
		a.fastResend = uint32(resend)
	}

	a.noCwnd = nocwnd
}

// Sets the number of transmissions of a single segment after which the link is considered dead.
func (a *ARQ) SetDeadLink(transmissions int) {
	if transmissions > 0 {
		a.deadLink = uint32(transmissions)
	}
}

// Returns the maximum content carried by a single segment.
func (a *ARQ) MSS() int {
	return a.mss
}

// Returns the receive window size in segments.
func (a *ARQ) ReceiveWindow() int {
	return int(a.rcv.Size)
}

// Returns whether a segment was transmitted as often as the dead link limit allows without
// being acknowledged.
func (a *ARQ) DeadLink() bool {
	return a.dead
}

// Returns the smoothed round trip time in milliseconds.
func (a *ARQ) RTT() int32 {
	return a.rxSrtt
}

// Returns the number of segments waiting to be sent or acknowledged.
func (a *ARQ) WaitSend() int {
	return len(a.sndQueue) + len(a.sndBuf)
}

// Returns the depths of the internal queues.
func (a *ARQ) QueueDepths() Depths {
	return Depths{
		SendQueue:     len(a.sndQueue),
		ReceiveQueue:  len(a.rcv.Queue),
		SendBuffer:    len(a.sndBuf),
		ReceiveBuffer: len(a.rcv.Buffer),
	}
}

// Drops every message that was submitted but not yet moved into the send window.
func (a *ARQ) ClearSendQueue() {
	clear(a.sndQueue)
	a.sndQueue = a.sndQueue[:0]
}

// Submits a message to be sent reliably. The message is copied and split into segments which
// are transmitted on the following updates.
func (a *ARQ) Send(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyMessage
	}

	count := (len(data) + a.mss - 1) / a.mss
	if count > MaxFragments || count >= int(a.rcv.Size) {
		return ErrMessageTooLarge
	}

	for i := 0; i < count; i++ {
		size := min(len(data), a.mss)

		seg := &segment{
			frg:  uint8(count - i - 1),
			data: make([]byte, size),
		}
		copy(seg.data, data[:size])

		a.sndQueue = append(a.sndQueue, seg)
		data = data[size:]
	}

	return nil
}

// Returns the size of the next complete message or -1 if there is none.
func (a *ARQ) PeekSize() int {
	queue := a.rcv.Queue
	if len(queue) == 0 {
		return -1
	}

	first := queue[0]
	if first.frg == 0 {
		return len(first.data)
	}

	if len(queue) < int(first.frg)+1 {
		return -1
	}

	length := 0
	for _, seg := range queue {
		length += len(seg.data)
		if seg.frg == 0 {
			break
		}
	}

	return length
}

// Receives the next complete message into the buffer and returns its size.
func (a *ARQ) Receive(b []byte) (int, error) {
	size := a.PeekSize()
	if size < 0 {
		return 0, ErrNoMessage
	}

	if size > len(b) {
		return 0, ErrShortBuffer
	}

	full := uint32(len(a.rcv.Queue)) >= a.rcv.Size

	n, count := 0, 0
	for _, seg := range a.rcv.Queue {
		n += copy(b[n:], seg.data)
		count += 1
		if seg.frg == 0 {
			break
		}
	}

	a.rcv.Queue = Remove(a.rcv.Queue, count)
	a.rcv.Shift()

	// The window was full and the other end stopped sending, tell it there is room again.
	if full && uint32(len(a.rcv.Queue)) < a.rcv.Size {
		a.probe |= askTell
	}

	return n, nil
}

// Feeds a datagram received from the other end into the engine. Acknowledgements free the send
// window and pushed segments are queued for reassembly.
func (a *ARQ) Input(data []byte) error {
	if len(data) < Overhead {
		return ErrShortSegment
	}

	prevUna := a.sndUna
	var maxAck, latestTs uint32
	acked := false

	b := buffer.From(data)

	for b.Remaining() >= Overhead {
		seg := &segment{}
		if err := seg.read(b); err != nil {
			return err
		}

		a.rmtWnd = uint32(seg.wnd)
		a.parseUna(seg.una)
		a.shrinkBuf()

		switch seg.cmd {
		case cmdAck:
			if rtt := timediff(a.current, seg.ts); rtt >= 0 {
				a.updateAck(rtt)
			}

			a.parseAck(seg.sn)
			a.shrinkBuf()

			if !acked || timediff(seg.sn, maxAck) > 0 {
				acked = true
				maxAck = seg.sn
				latestTs = seg.ts
			}
		case cmdPush:
			if timediff(seg.sn, a.rcv.Next+a.rcv.Size) < 0 {
				a.acks = append(a.acks, ack{sn: seg.sn, ts: seg.ts})
				if timediff(seg.sn, a.rcv.Next) >= 0 {
					a.rcv.Receive(seg)
				}
			}
		case cmdWask:
			a.probe |= askTell
		case cmdWins:
		}
	}

	if acked {
		a.parseFastAck(maxAck, latestTs)
	}

	if timediff(a.sndUna, prevUna) > 0 && a.cwnd < a.rmtWnd {
		a.growCongestionWindow()
	}

	return nil
}

// Advances the clock of the engine to now (milliseconds) and flushes pending acknowledgements,
// new segments and retransmissions once per interval.
func (a *ARQ) Update(now uint32) {
	a.current = now

	if !a.updated {
		a.updated = true
		a.tsFlush = now
	}

	slap := timediff(a.current, a.tsFlush)
	if slap >= 10000 || slap < -10000 {
		a.tsFlush = a.current
		slap = 0
	}

	if slap >= 0 {
		a.tsFlush += a.interval
		if timediff(a.current, a.tsFlush) >= 0 {
			a.tsFlush = a.current + a.interval
		}
		a.flush()
	}
}

func (a *ARQ) updateAck(rtt int32) {
	if a.rxSrtt == 0 {
		a.rxSrtt = rtt
		a.rxRttval = rtt / 2
	} else {
		delta := rtt - a.rxSrtt
		if delta < 0 {
			delta = -delta
		}
		a.rxRttval = (3*a.rxRttval + delta) / 4
		a.rxSrtt = (7*a.rxSrtt + rtt) / 8
		if a.rxSrtt < 1 {
			a.rxSrtt = 1
		}
	}

	rto := uint32(a.rxSrtt) + max(a.interval, uint32(4*a.rxRttval))
	a.rxRto = min(max(a.rxMinRto, rto), rtoMax)
}

func (a *ARQ) shrinkBuf() {
	if len(a.sndBuf) > 0 {
		a.sndUna = a.sndBuf[0].sn
	} else {
		a.sndUna = a.sndNxt
	}
}

func (a *ARQ) parseAck(sn uint32) {
	if timediff(sn, a.sndUna) < 0 || timediff(sn, a.sndNxt) >= 0 {
		return
	}

	for i, seg := range a.sndBuf {
		if sn == seg.sn {
			copy(a.sndBuf[i:], a.sndBuf[i+1:])
			a.sndBuf[len(a.sndBuf)-1] = nil
			a.sndBuf = a.sndBuf[:len(a.sndBuf)-1]
			break
		}
		if timediff(sn, seg.sn) < 0 {
			break
		}
	}
}

func (a *ARQ) parseUna(una uint32) {
	count := 0
	for _, seg := range a.sndBuf {
		if timediff(una, seg.sn) <= 0 {
			break
		}
		count += 1
	}

	if count > 0 {
		a.sndBuf = Remove(a.sndBuf, count)
	}
}

func (a *ARQ) parseFastAck(sn, ts uint32) {
	if timediff(sn, a.sndUna) < 0 || timediff(sn, a.sndNxt) >= 0 {
		return
	}

	for _, seg := range a.sndBuf {
		if timediff(sn, seg.sn) < 0 {
			break
		}
		if sn != seg.sn && timediff(ts, seg.ts) >= 0 {
			seg.fastack += 1
		}
	}
}

func (a *ARQ) growCongestionWindow() {
	mss := uint32(a.mss)

	if a.cwnd < a.ssthresh {
		a.cwnd += 1
		a.incr += mss
	} else {
		if a.incr < mss {
			a.incr = mss
		}
		a.incr += (mss*mss)/a.incr + mss/16
		if (a.cwnd+1)*mss <= a.incr {
			a.cwnd += 1
		}
	}

	if a.cwnd > a.rmtWnd {
		a.cwnd = a.rmtWnd
		a.incr = a.rmtWnd * mss
	}
}

// Writes a segment to the current batch, flushing the batch first if the segment does not fit.
func (a *ARQ) write(seg *segment) {
	if a.batch.Offset()+Overhead+len(seg.data) > a.mtu {
		a.flushBatch()
	}

	// The batch always has room for a segment of at most mss bytes once it is empty.
	_ = seg.write(a.batch)
}

func (a *ARQ) flushBatch() {
	if a.batch.Offset() > 0 {
		a.output(a.batch.Bytes())
	}
	a.batch.Reset()
}

func (a *ARQ) flush() {
	if !a.updated {
		return
	}

	current := a.current
	wnd := a.rcv.Unused()

	for _, ack := range a.acks {
		a.write(&segment{cmd: cmdAck, wnd: wnd, ts: ack.ts, sn: ack.sn, una: a.rcv.Next})
	}
	a.acks = a.acks[:0]

	// Probe the window size of the other end while it reports a full window.
	if a.rmtWnd == 0 {
		if a.probeWait == 0 {
			a.probeWait = probeInit
			a.tsProbe = current + a.probeWait
		} else if timediff(current, a.tsProbe) >= 0 {
			if a.probeWait < probeInit {
				a.probeWait = probeInit
			}
			a.probeWait += a.probeWait / 2
			if a.probeWait > probeLimit {
				a.probeWait = probeLimit
			}
			a.tsProbe = current + a.probeWait
			a.probe |= askSend
		}
	} else {
		a.tsProbe = 0
		a.probeWait = 0
	}

	if a.probe&askSend != 0 {
		a.write(&segment{cmd: cmdWask, wnd: wnd, una: a.rcv.Next})
	}

	if a.probe&askTell != 0 {
		a.write(&segment{cmd: cmdWins, wnd: wnd, una: a.rcv.Next})
	}
	a.probe = 0

	cwnd := min(a.sndWnd, a.rmtWnd)
	if !a.noCwnd {
		cwnd = min(a.cwnd, cwnd)
	}

	// Move as many queued segments into the send window as the window allows.
	moved := 0
	for _, seg := range a.sndQueue {
		if timediff(a.sndNxt, a.sndUna+cwnd) >= 0 {
			break
		}

		seg.cmd = cmdPush
		seg.sn = a.sndNxt
		seg.resendts = current
		seg.rto = a.rxRto
		a.sndNxt += 1

		a.sndBuf = append(a.sndBuf, seg)
		moved += 1
	}

	if moved > 0 {
		a.sndQueue = Remove(a.sndQueue, moved)
	}

	resent := a.fastResend
	if resent == 0 {
		resent = 0xffffffff
	}

	var rtomin uint32
	if !a.nodelay {
		rtomin = a.rxRto >> 3
	}

	change, lost := false, false

	for _, seg := range a.sndBuf {
		send := false

		switch {
		case seg.xmit == 0:
			send = true
			seg.rto = a.rxRto
			seg.resendts = current + seg.rto + rtomin
		case timediff(current, seg.resendts) >= 0:
			send = true
			a.xmit += 1
			if a.nodelay {
				seg.rto += seg.rto / 2
			} else {
				seg.rto += max(seg.rto, a.rxRto)
			}
			seg.rto = min(seg.rto, rtoMax)
			seg.resendts = current + seg.rto
			lost = true
		case seg.fastack >= resent:
			send = true
			seg.fastack = 0
			seg.resendts = current + seg.rto
			change = true
		}

		if send {
			seg.xmit += 1
			seg.ts = current
			seg.wnd = wnd
			seg.una = a.rcv.Next

			a.write(seg)

			if seg.xmit >= a.deadLink {
				a.dead = true
			}
		}
	}

	a.flushBatch()

	if change {
		inflight := a.sndNxt - a.sndUna
		a.ssthresh = max(inflight/2, thresholdMin)
		a.cwnd = a.ssthresh + resent
		a.incr = a.cwnd * uint32(a.mss)
	}

	if lost {
		a.ssthresh = max(cwnd/2, thresholdMin)
		a.cwnd = 1
		a.incr = uint32(a.mss)
	}

	if a.cwnd < 1 {
		a.cwnd = 1
		a.incr = uint32(a.mss)
	}
}
