package rudp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gamevidea/rudp/internal/protocol"
	"github.com/sirupsen/logrus"
)

// ClientHandler receives the events of a client. All methods are called from the goroutine that
// ticks the client. The data passed to OnData is only valid until OnData returns.
type ClientHandler interface {
	OnConnected()
	OnData(data []byte, channel Channel)
	OnDisconnected()
	OnError(code ErrorCode, message string)
}

// Client is a session with a single server. Nothing happens in the background: the owner calls
// Tick (or TickIncoming and TickOutgoing) at a regular interval, which processes the received
// datagrams and runs the callbacks of the handler.
type Client struct {
	config  Config
	handler ClientHandler
	log     *logrus.Entry
	epoch   time.Time

	socket *net.UDPConn
	reader *socketReader
	remote *net.UDPAddr
	peer   *Peer
}

// Creates and returns a new client with the configuration passed.
func NewClient(cfg Config, handler ClientHandler) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Client{
		config:  cfg,
		handler: handler,
		log:     logrus.WithField("role", "client"),
		epoch:   time.Now(),
	}, nil
}

// Returns the milliseconds passed since the client was created.
func (c *Client) now() uint32 {
	return uint32(time.Since(c.epoch).Milliseconds())
}

// Returns whether a session exists that is not disconnected.
func (c *Client) active() bool {
	return c.peer != nil && c.peer.State() != Disconnected
}

// Resolves the hostname and starts the handshake with the server listening on the port. The
// connection is established once OnConnected is called. A failed resolution is reported through
// OnError and OnDisconnected as well as the returned error. Calling Connect while a session is
// active does nothing.
func (c *Client) Connect(ctx context.Context, hostname string, port int) error {
	if c.active() {
		c.log.Warn("Connect called while a session is active")
		return nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, hostname)
	if err == nil && len(addrs) == 0 {
		err = errors.New("no addresses found")
	}
	if err != nil {
		return c.abort(DNSResolve, fmt.Sprintf("failed to resolve %s: %v", hostname, err))
	}

	remote := &net.UDPAddr{IP: addrs[0].IP, Port: port, Zone: addrs[0].Zone}

	socket, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return c.abort(Unexpected, fmt.Sprintf("failed to open socket to %s: %v", remote, err))
	}
	configureSocket(socket, c.config, c.log)

	log := c.log.WithField("remote", remote.String())

	peer, err := newPeer(c.config, 0, c, log, c.now())
	if err != nil {
		_ = socket.Close()
		return err
	}

	c.socket = socket
	c.remote = remote
	c.peer = peer
	c.reader = newSocketReader(socket, log)

	log.Debug("Connecting")
	peer.sendHello()

	return nil
}

// Reports an error that happened before a session existed.
func (c *Client) abort(code ErrorCode, message string) error {
	c.log.WithField("code", code).Error(message)
	c.handler.OnError(code, message)
	c.handler.OnDisconnected()

	return &Error{Code: code, Message: message}
}

// Processes every datagram received since the last tick and then ticks the session.
func (c *Client) TickIncoming() {
	if !c.active() {
		return
	}

	now := c.now()

	for c.peer.State() != Disconnected {
		d, ok := c.reader.poll()
		if !ok {
			break
		}

		c.handleDatagram(d, now)
		d.release()
	}

	c.peer.TickIncoming(now)
}

func (c *Client) handleDatagram(d incomingDatagram, now uint32) {
	if d.err != nil {
		code := Unexpected
		if isConnectionClosed(d.err) {
			code = ConnectionClosed
		}

		c.peer.fail(code, fmt.Sprintf("failed to receive: %v", d.err))
		c.peer.Disconnect()
		return
	}

	datagram, err := protocol.ReadDatagram(d.data)
	if err != nil {
		c.log.WithError(err).Debug("Dropped datagram")
		return
	}

	switch cookie := c.peer.Cookie(); {
	case cookie == 0:
		// The cookie is learned from the first reliable datagram of the server.
		if datagram.Channel != protocol.Reliable || datagram.Cookie == 0 {
			c.log.Debug("Dropped datagram received before the cookie was known")
			return
		}
		c.peer.setCookie(datagram.Cookie)
	case cookie != datagram.Cookie:
		c.log.WithField("cookie", datagram.Cookie).Debug("Dropped datagram with mismatching cookie")
		return
	}

	switch datagram.Channel {
	case protocol.Reliable:
		c.peer.rawInputReliable(datagram.Payload)
	case protocol.Unreliable:
		c.peer.rawInputUnreliable(datagram.Payload, now)
	}
}

// Flushes the messages that are queued on the reliable channel.
func (c *Client) TickOutgoing() {
	if !c.active() {
		return
	}

	c.peer.TickOutgoing(c.now())
}

// Runs TickIncoming followed by TickOutgoing.
func (c *Client) Tick() {
	c.TickIncoming()
	c.TickOutgoing()
}

// Sends a message to the server. It returns ErrNotConnected if the handshake has not completed.
func (c *Client) Send(data []byte, channel Channel) error {
	if c.peer == nil || c.peer.State() != Authenticated {
		return ErrNotConnected
	}

	return c.peer.SendData(data, channel)
}

// Ends the session. OnDisconnected is called before Disconnect returns.
func (c *Client) Disconnect() {
	if c.peer != nil {
		c.peer.Disconnect()
	}
}

// Returns whether the handshake with the server has completed.
func (c *Client) Connected() bool {
	return c.peer != nil && c.peer.State() == Authenticated
}

// Returns the address of the server, or nil if Connect was never called.
func (c *Client) RemoteAddr() *net.UDPAddr {
	return c.remote
}

// Returns the queue depths and round trip time of the session.
func (c *Client) Stats() Stats {
	if c.peer == nil {
		return Stats{}
	}
	return c.peer.Stats()
}

// Returns the largest message that can be sent over the reliable channel.
func (c *Client) ReliableMax() int {
	return ReliableMaxMessageSize(c.config.MTU, c.config.ReceiveWindowSize)
}

// Returns the largest message that can be sent over the unreliable channel.
func (c *Client) UnreliableMax() int {
	return UnreliableMaxMessageSize(c.config.MTU)
}

func (c *Client) onAuthenticated() {
	c.log.WithField("remote", c.remote.String()).Info("Connected")
	c.handler.OnConnected()
}

func (c *Client) onData(data []byte, channel Channel) {
	c.handler.OnData(data, channel)
}

func (c *Client) onDisconnected() {
	if err := c.socket.Close(); err != nil {
		c.log.WithError(err).Debug("Failed to close socket")
	}
	c.reader.drain()

	c.log.WithField("remote", c.remote.String()).Info("Disconnected")
	c.handler.OnDisconnected()
}

func (c *Client) onError(code ErrorCode, message string) {
	c.peer.log.WithField("code", code).Warn(message)
	c.handler.OnError(code, message)
}

func (c *Client) rawSend(data []byte) {
	if _, err := c.socket.Write(data); err != nil {
		c.log.WithError(err).Error("Failed to send datagram")
	}
}
