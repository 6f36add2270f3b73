package rudp

import (
	"fmt"
	"maps"
	"net"
	"slices"
	"time"

	"github.com/gamevidea/rudp/internal/protocol"
	"github.com/sirupsen/logrus"
)

// ServerHandler receives the events of a server. All methods are called from the goroutine that
// ticks the server. The data passed to OnData is only valid until OnData returns.
type ServerHandler interface {
	OnConnected(id ConnectionID, addr *net.UDPAddr)
	OnData(id ConnectionID, data []byte, channel Channel)
	OnDisconnected(id ConnectionID)
	OnError(id ConnectionID, code ErrorCode, message string)
}

// Server accepts sessions from many clients on a single UDP socket. Like the client it does
// nothing in the background and is driven by its Tick functions.
type Server struct {
	config   Config
	handler  ServerHandler
	log      *logrus.Entry
	epoch    time.Time
	identity *identityHasher

	socket *net.UDPConn
	reader *socketReader

	connections map[ConnectionID]*serverConn
	removals    map[ConnectionID]struct{}
}

// serverConn is a session of the server with one remote endpoint. A session only becomes part of
// the connection table once its handshake completed. Until then it is provisional and lives for
// the duration of a single datagram without sending or reporting anything.
type serverConn struct {
	id       ConnectionID
	addr     *net.UDPAddr
	server   *Server
	peer     *Peer
	admitted bool
}

// Creates and returns a new server with the configuration passed. The server does not listen
// until Start is called.
func NewServer(cfg Config, handler ServerHandler) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	identity, err := newIdentityHasher()
	if err != nil {
		return nil, err
	}

	return &Server{
		config:      cfg,
		handler:     handler,
		log:         logrus.WithField("role", "server"),
		epoch:       time.Now(),
		identity:    identity,
		connections: map[ConnectionID]*serverConn{},
		removals:    map[ConnectionID]struct{}{},
	}, nil
}

// Returns the milliseconds passed since the server was created.
func (s *Server) now() uint32 {
	return uint32(time.Since(s.epoch).Milliseconds())
}

// Starts listening on the port passed. Port 0 picks a free port, see LocalAddr. Calling Start on
// a server that is already listening does nothing.
func (s *Server) Start(port int) error {
	if s.socket != nil {
		s.log.Warn("Start called on a server that is already listening")
		return nil
	}

	socket, err := listen(port, s.config.DualMode, s.log)
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	configureSocket(socket, s.config, s.log)

	s.socket = socket
	s.reader = newSocketReader(socket, s.log)

	s.log.WithField("addr", socket.LocalAddr().String()).Info("Listening")
	return nil
}

// Disconnects every connection and closes the socket.
func (s *Server) Stop() {
	if s.socket == nil {
		return
	}

	for _, conn := range s.connections {
		conn.peer.Disconnect()
	}
	clear(s.connections)
	clear(s.removals)

	if err := s.socket.Close(); err != nil {
		s.log.WithError(err).Debug("Failed to close socket")
	}
	s.reader.drain()

	s.socket = nil
	s.reader = nil
	s.log.Info("Stopped")
}

// Returns the address the server listens on, or nil if it is not listening.
func (s *Server) LocalAddr() net.Addr {
	if s.socket == nil {
		return nil
	}
	return s.socket.LocalAddr()
}

// Processes every datagram received since the last tick and then ticks every connection.
// Connections that disconnected are removed from the table once all of them were ticked.
func (s *Server) TickIncoming() {
	if s.socket == nil {
		return
	}

	now := s.now()
	s.removeDisconnected()

	for {
		d, ok := s.reader.poll()
		if !ok {
			break
		}

		s.handleDatagram(d, now)
		d.release()
	}

	for _, conn := range s.connections {
		conn.peer.TickIncoming(now)
	}

	s.removeDisconnected()
}

func (s *Server) handleDatagram(d incomingDatagram, now uint32) {
	if d.err != nil {
		s.log.WithError(d.err).Warn("Failed to receive datagram")
		return
	}

	datagram, err := protocol.ReadDatagram(d.data)
	if err != nil {
		s.log.WithError(err).WithField("addr", d.addr.String()).Debug("Dropped datagram")
		return
	}

	id := s.identity.Sum(d.addr)

	if conn, ok := s.connections[id]; ok {
		if datagram.Cookie != conn.peer.Cookie() {
			conn.peer.log.WithField("cookie", datagram.Cookie).Debug("Dropped datagram with mismatching cookie")
			return
		}

		conn.input(datagram, now)
		return
	}

	// Only the reliable channel can carry a hello, nothing else needs a session.
	if datagram.Channel != protocol.Reliable {
		s.log.WithField("addr", d.addr.String()).Debug("Dropped datagram from unknown endpoint")
		return
	}

	s.accept(id, d.addr, datagram, now)
}

// Runs a datagram from an unknown endpoint through a provisional session. The session joins the
// connection table if the datagram completed the handshake and is dropped otherwise.
func (s *Server) accept(id ConnectionID, addr *net.UDPAddr, datagram protocol.Datagram, now uint32) {
	cookie, err := newCookie()
	if err != nil {
		s.log.WithError(err).Error("Failed to create session")
		return
	}

	conn := &serverConn{id: id, addr: addr, server: s}

	log := s.log.WithFields(logrus.Fields{
		"connection": uint64(id),
		"addr":       addr.String(),
		"cookie":     cookie,
	})

	conn.peer, err = newPeer(s.config, cookie, conn, log, now)
	if err != nil {
		log.WithError(err).Error("Failed to create session")
		return
	}

	conn.input(datagram, now)
	conn.peer.TickIncoming(now)
}

// Removes the connections that disconnected since the last call from the table.
func (s *Server) removeDisconnected() {
	for id := range s.removals {
		delete(s.connections, id)
	}
	clear(s.removals)
}

// Flushes the messages that are queued on the reliable channel of every connection.
func (s *Server) TickOutgoing() {
	if s.socket == nil {
		return
	}

	now := s.now()
	for _, conn := range s.connections {
		conn.peer.TickOutgoing(now)
	}
}

// Runs TickIncoming followed by TickOutgoing.
func (s *Server) Tick() {
	s.TickIncoming()
	s.TickOutgoing()
}

// Sends a message to the connection with the id passed.
func (s *Server) Send(id ConnectionID, data []byte, channel Channel) error {
	conn, ok := s.connections[id]
	if !ok {
		s.log.WithField("connection", uint64(id)).Warn("Send called for unknown connection")
		return ErrUnknownConnection
	}

	return conn.peer.SendData(data, channel)
}

// Disconnects the connection with the id passed. OnDisconnected is called before Disconnect
// returns and the connection leaves the table on the next tick.
func (s *Server) Disconnect(id ConnectionID) {
	conn, ok := s.connections[id]
	if !ok {
		s.log.WithField("connection", uint64(id)).Warn("Disconnect called for unknown connection")
		return
	}

	conn.peer.Disconnect()
}

// Returns the remote address of the connection with the id passed.
func (s *Server) ClientAddr(id ConnectionID) (*net.UDPAddr, bool) {
	conn, ok := s.connections[id]
	if !ok {
		return nil, false
	}
	return conn.addr, true
}

// Returns the queue depths and round trip time of the connection with the id passed.
func (s *Server) Stats(id ConnectionID) (Stats, bool) {
	conn, ok := s.connections[id]
	if !ok {
		return Stats{}, false
	}
	return conn.peer.Stats(), true
}

// Returns the ids of the connections that are not disconnected, in ascending order.
func (s *Server) Connections() []ConnectionID {
	ids := make([]ConnectionID, 0, len(s.connections))
	for _, id := range slices.Sorted(maps.Keys(s.connections)) {
		if s.connections[id].peer.State() != Disconnected {
			ids = append(ids, id)
		}
	}
	return ids
}

// Returns the largest message that can be sent over the reliable channel.
func (s *Server) ReliableMax() int {
	return ReliableMaxMessageSize(s.config.MTU, s.config.ReceiveWindowSize)
}

// Returns the largest message that can be sent over the unreliable channel.
func (s *Server) UnreliableMax() int {
	return UnreliableMaxMessageSize(s.config.MTU)
}

func (c *serverConn) input(datagram protocol.Datagram, now uint32) {
	switch datagram.Channel {
	case protocol.Reliable:
		c.peer.rawInputReliable(datagram.Payload)
	case protocol.Unreliable:
		c.peer.rawInputUnreliable(datagram.Payload, now)
	}
}

func (c *serverConn) onAuthenticated() {
	c.peer.sendHello()
	c.admitted = true
	c.server.connections[c.id] = c

	c.peer.log.Info("Connection established")
	c.server.handler.OnConnected(c.id, c.addr)
}

func (c *serverConn) onData(data []byte, channel Channel) {
	if c.admitted {
		c.server.handler.OnData(c.id, data, channel)
	}
}

func (c *serverConn) onDisconnected() {
	if !c.admitted {
		return
	}

	c.server.removals[c.id] = struct{}{}
	c.peer.log.Info("Connection closed")
	c.server.handler.OnDisconnected(c.id)
}

func (c *serverConn) onError(code ErrorCode, message string) {
	if !c.admitted {
		c.peer.log.WithField("code", code).Debug(message)
		return
	}

	c.peer.log.WithField("code", code).Warn(message)
	c.server.handler.OnError(c.id, code, message)
}

func (c *serverConn) rawSend(data []byte) {
	if !c.admitted {
		return
	}

	if _, err := c.server.socket.WriteToUDP(data, c.addr); err != nil {
		c.peer.log.WithError(err).Error("Failed to send datagram")
	}
}
