package rudp

import (
	"fmt"
	"time"

	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/rudp/internal/arq"
	"github.com/gamevidea/rudp/internal/protocol"
	"github.com/sirupsen/logrus"
)

// This is the interval in milliseconds at which a ping is sent over the reliable channel.
const PingInterval uint32 = 1000

// This is the number of segments held by the reliable channel at which a session is dropped
// because the other end cannot keep up.
const QueueDisconnectThreshold int = 10000

// This is the number of times the disconnect notification is sent. It is not acknowledged, so
// it is repeated to survive some packet loss.
const DisconnectRepeat int = 5

// State represents the session state of a peer.
type State uint8

const (
	// The socket is ready and the handshake is in progress.
	Connected State = iota
	// The handshake completed and application data flows.
	Authenticated
	// The session is over. No state is left once a peer is disconnected.
	Disconnected
)

// Returns the name of the state.
func (s State) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Authenticated:
		return "Authenticated"
	case Disconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Channel is the delivery mode of a message.
type Channel = protocol.Channel

const (
	// Messages are retransmitted until they are acknowledged and delivered in order.
	Reliable = protocol.Reliable
	// Messages are sent once and may be lost or reordered.
	Unreliable = protocol.Unreliable
)

// Stats contains the queue depths of the reliable channel and the measured round trip time.
type Stats struct {
	SendQueue     int
	ReceiveQueue  int
	SendBuffer    int
	ReceiveBuffer int
	RTT           time.Duration
}

// peerHooks connects a peer to the role that owns it.
type peerHooks interface {
	onAuthenticated()
	onData(data []byte, channel Channel)
	onDisconnected()
	onError(code ErrorCode, message string)
	rawSend(data []byte)
}

// Peer is one end of a session. It is shared by clients and servers, which feed it the
// datagrams they receive and tick it from their own tick functions. A peer is not safe for
// concurrent use.
type Peer struct {
	hooks peerHooks
	log   *logrus.Entry

	state  State
	cookie uint32
	arq    *arq.ARQ

	timeout         uint32
	now             uint32
	lastReceiveTime uint32
	lastPingTime    uint32

	reliableMax   int
	unreliableMax int

	message []byte
	send    []byte
	header  [protocol.MESSAGE_HEADER_SIZE]byte
	raw     *buffer.Buffer
}

// Creates and returns a new peer in the Connected state. now is the current time in
// milliseconds of the clock the peer is ticked with.
func newPeer(cfg Config, cookie uint32, hooks peerHooks, log *logrus.Entry, now uint32) (*Peer, error) {
	p := &Peer{
		hooks:           hooks,
		log:             log,
		state:           Connected,
		cookie:          cookie,
		timeout:         uint32(cfg.Timeout.Milliseconds()),
		now:             now,
		lastReceiveTime: now,
		lastPingTime:    now,
		reliableMax:     ReliableMaxMessageSize(cfg.MTU, cfg.ReceiveWindowSize),
		unreliableMax:   UnreliableMaxMessageSize(cfg.MTU),
		raw:             buffer.New(cfg.MTU),
	}

	a, err := arq.New(cfg.MTU-protocol.DATAGRAM_HEADER_SIZE, p.outputReliable)
	if err != nil {
		return nil, fmt.Errorf("create reliable channel: %w", err)
	}

	a.SetNoDelay(cfg.NoDelay, int(cfg.Interval.Milliseconds()), cfg.FastResend, !cfg.CongestionWindow)
	a.SetWindowSize(cfg.SendWindowSize, cfg.ReceiveWindowSize)
	a.SetDeadLink(cfg.MaxRetransmits)
	p.arq = a

	return p, nil
}

// Returns the session state of the peer.
func (p *Peer) State() State {
	return p.state
}

// Returns the cookie carried by every datagram of the session.
func (p *Peer) Cookie() uint32 {
	return p.cookie
}

// Returns the largest message that can be sent over the reliable channel.
func (p *Peer) ReliableMax() int {
	return p.reliableMax
}

// Returns the largest message that can be sent over the unreliable channel.
func (p *Peer) UnreliableMax() int {
	return p.unreliableMax
}

// Returns the queue depths of the reliable channel and the round trip time.
func (p *Peer) Stats() Stats {
	depths := p.arq.QueueDepths()

	return Stats{
		SendQueue:     depths.SendQueue,
		ReceiveQueue:  depths.ReceiveQueue,
		SendBuffer:    depths.SendBuffer,
		ReceiveBuffer: depths.ReceiveBuffer,
		RTT:           time.Duration(p.arq.RTT()) * time.Millisecond,
	}
}

// Sets the cookie the client learned from the server.
func (p *Peer) setCookie(cookie uint32) {
	p.cookie = cookie
	p.log = p.log.WithField("cookie", cookie)
}

// Sends a message to the other end. Empty messages are not allowed by the protocol and end the
// session. Messages larger than the limit of the channel are rejected without changing the state
// of the session.
func (p *Peer) SendData(data []byte, channel Channel) error {
	if p.state == Disconnected {
		return ErrDisconnected
	}

	if len(data) == 0 {
		err := p.fail(InvalidSend, "cannot send an empty message")
		p.Disconnect()
		return err
	}

	switch channel {
	case Reliable:
		if len(data) > p.reliableMax {
			return p.fail(InvalidSend, fmt.Sprintf("reliable message of %d bytes exceeds the limit of %d bytes", len(data), p.reliableMax))
		}

		return p.sendReliable(protocol.ReliableData, data)
	case Unreliable:
		if len(data) > p.unreliableMax {
			return p.fail(InvalidSend, fmt.Sprintf("unreliable message of %d bytes exceeds the limit of %d bytes", len(data), p.unreliableMax))
		}

		p.sendUnreliable(protocol.UnreliableData, data)
		return nil
	default:
		return p.fail(InvalidSend, fmt.Sprintf("cannot send on channel %d", uint8(channel)))
	}
}

// Queues the handshake message on the reliable channel.
func (p *Peer) sendHello() {
	_ = p.sendReliable(protocol.ReliableHello, nil)
}

// Queues a keepalive on the reliable channel.
func (p *Peer) sendPing() {
	_ = p.sendReliable(protocol.ReliablePing, nil)
}

// Sends the disconnect notification. It is sent several times since it is never acknowledged.
func (p *Peer) sendDisconnect() {
	for i := 0; i < DisconnectRepeat; i++ {
		p.sendUnreliable(protocol.UnreliableDisconnect, nil)
	}
}

func (p *Peer) sendReliable(header protocol.ReliableHeader, data []byte) error {
	p.send = append(append(p.send[:0], header), data...)

	if err := p.arq.Send(p.send); err != nil {
		return p.fail(InvalidSend, fmt.Sprintf("reliable channel rejected the message: %v", err))
	}

	return nil
}

func (p *Peer) sendUnreliable(header protocol.UnreliableHeader, data []byte) {
	p.header[0] = header

	if err := protocol.WriteDatagram(p.raw, protocol.Unreliable, p.cookie, p.header[:], data); err != nil {
		p.log.WithError(err).Error("Failed to write unreliable datagram")
		return
	}

	p.hooks.rawSend(p.raw.Bytes())
}

// Frames the segments emitted by the reliable channel.
func (p *Peer) outputReliable(data []byte) {
	if err := protocol.WriteDatagram(p.raw, protocol.Reliable, p.cookie, data); err != nil {
		p.log.WithError(err).Error("Failed to write reliable datagram")
		return
	}

	p.hooks.rawSend(p.raw.Bytes())
}

// Runs the housekeeping checks and processes the reliable messages that arrived since the last
// tick. A peer in the handshake processes at most one message per tick.
func (p *Peer) TickIncoming(now uint32) {
	if p.state == Disconnected {
		return
	}

	p.now = now
	if !p.housekeeping() {
		return
	}

	switch p.state {
	case Connected:
		header, _, ok := p.receiveReliable()
		if !ok {
			return
		}

		switch header {
		case protocol.ReliableHello:
			p.state = Authenticated
			p.log.Debug("Session authenticated")
			p.hooks.onAuthenticated()
		case protocol.ReliablePing:
		case protocol.ReliableData:
			p.fail(InvalidReceive, "received data before the handshake completed")
			p.Disconnect()
		}
	case Authenticated:
		for p.state == Authenticated {
			header, payload, ok := p.receiveReliable()
			if !ok {
				return
			}

			switch header {
			case protocol.ReliableHello:
				p.fail(InvalidReceive, "received a hello on an authenticated session")
				p.Disconnect()
			case protocol.ReliablePing:
			case protocol.ReliableData:
				if len(payload) == 0 {
					p.fail(InvalidReceive, "received an empty data message")
					p.Disconnect()
					continue
				}

				p.hooks.onData(payload, Reliable)
			}
		}
	}
}

// Returns false if the session was torn down.
func (p *Peer) housekeeping() bool {
	if elapsed := p.now - p.lastReceiveTime; elapsed >= p.timeout {
		p.fail(Timeout, fmt.Sprintf("nothing received for %dms", elapsed))
		p.Disconnect()
		return false
	}

	if p.arq.DeadLink() {
		p.fail(Timeout, "a reliable message exceeded the retransmission limit")
		p.Disconnect()
		return false
	}

	if p.now-p.lastPingTime >= PingInterval {
		p.lastPingTime = p.now
		p.sendPing()
	}

	if depths := p.arq.QueueDepths(); depths.Total() >= QueueDisconnectThreshold {
		p.fail(Congestion, fmt.Sprintf("reliable channel holds %d segments", depths.Total()))
		p.arq.ClearSendQueue()
		p.Disconnect()
		return false
	}

	return true
}

// Takes the next complete message off the reliable channel. A message that does not fit the
// limit or carries an undefined header ends the session.
func (p *Peer) receiveReliable() (protocol.ReliableHeader, []byte, bool) {
	size := p.arq.PeekSize()
	if size < 0 {
		return 0, nil, false
	}

	if size > protocol.MESSAGE_HEADER_SIZE+p.reliableMax {
		p.fail(InvalidReceive, fmt.Sprintf("received a reliable message of %d bytes", size))
		p.Disconnect()
		return 0, nil, false
	}

	if cap(p.message) < size {
		p.message = make([]byte, size)
	}

	n, err := p.arq.Receive(p.message[:cap(p.message)])
	if err != nil {
		p.fail(InvalidReceive, fmt.Sprintf("failed to receive a reliable message: %v", err))
		p.Disconnect()
		return 0, nil, false
	}

	if n == 0 {
		p.fail(InvalidReceive, "received a reliable message without a header")
		p.Disconnect()
		return 0, nil, false
	}

	header, ok := protocol.ParseReliableHeader(p.message[0])
	if !ok {
		p.fail(InvalidReceive, fmt.Sprintf("received an undefined reliable header %d", p.message[0]))
		p.Disconnect()
		return 0, nil, false
	}

	p.lastReceiveTime = p.now
	return header, p.message[protocol.MESSAGE_HEADER_SIZE:n], true
}

// Drives retransmissions and flushes the reliable channel.
func (p *Peer) TickOutgoing(now uint32) {
	if p.state == Disconnected {
		return
	}

	p.now = now
	p.arq.Update(now)
}

// Feeds the payload of a reliable datagram into the reliable channel. Malformed segments are
// logged and dropped, the channel recovers through retransmission.
func (p *Peer) rawInputReliable(payload []byte) {
	if p.state == Disconnected {
		return
	}

	if err := p.arq.Input(payload); err != nil {
		p.log.WithError(err).Debug("Dropped malformed reliable datagram")
	}
}

// Handles the payload of an unreliable datagram. Data is only delivered once the session is
// authenticated, earlier data is ignored.
func (p *Peer) rawInputUnreliable(payload []byte, now uint32) {
	if p.state == Disconnected || len(payload) == 0 {
		return
	}

	header, ok := protocol.ParseUnreliableHeader(payload[0])
	if !ok {
		p.log.WithField("header", payload[0]).Debug("Dropped unreliable datagram with undefined header")
		return
	}

	switch header {
	case protocol.UnreliableData:
		data := payload[protocol.MESSAGE_HEADER_SIZE:]
		if p.state != Authenticated || len(data) == 0 {
			return
		}

		p.lastReceiveTime = now
		p.hooks.onData(data, Unreliable)
	case protocol.UnreliableDisconnect:
		p.log.Debug("Received disconnect notification")
		p.Disconnect()
	}
}

// Ends the session. The other end is notified on a best effort basis and the session is
// considered over immediately. Calling it on a disconnected peer does nothing.
func (p *Peer) Disconnect() {
	if p.state == Disconnected {
		return
	}

	p.sendDisconnect()
	p.state = Disconnected
	p.log.Debug("Session disconnected")
	p.hooks.onDisconnected()
}

// Reports the error to the role and returns it.
func (p *Peer) fail(code ErrorCode, message string) *Error {
	p.hooks.onError(code, message)

	return &Error{Code: code, Message: message}
}
