package rudp

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gamevidea/rudp/internal/protocol"
	"github.com/sirupsen/logrus"
)

// The number of datagrams the reader goroutine can hand over before it starts dropping them,
// the same way a full kernel buffer would.
const incomingQueueSize = 4096

// Bounds of the pause after a failed read. Errors that keep repeating, like a socket reset on
// some platforms, would otherwise keep the reader busy.
const (
	minReadBackoff = 5 * time.Millisecond
	maxReadBackoff = time.Second
)

// bufferPool minimises allocations for incoming datagrams. Buffers are taken by the reader
// goroutine and given back once the tick that processed the datagram is done with it.
var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, protocol.RECEIVE_BUFFER_SIZE)
		return &b
	},
}

// incomingDatagram is a datagram, or a receive error, read from the socket.
type incomingDatagram struct {
	data []byte
	addr *net.UDPAddr
	err  error
	buf  *[]byte
}

// Gives the buffer of the datagram back to the pool. The data must not be used afterwards.
func (d incomingDatagram) release() {
	if d.buf != nil {
		bufferPool.Put(d.buf)
	}
}

// socketReader blocks on the socket in its own goroutine and hands every datagram over to the
// goroutine that ticks the session, which polls for them without blocking.
type socketReader struct {
	socket   *net.UDPConn
	incoming chan incomingDatagram
	log      *logrus.Entry
}

func newSocketReader(socket *net.UDPConn, log *logrus.Entry) *socketReader {
	r := &socketReader{
		socket:   socket,
		incoming: make(chan incomingDatagram, incomingQueueSize),
		log:      log,
	}

	go r.run()
	return r
}

func (r *socketReader) run() {
	var backoff time.Duration

	for {
		buf := bufferPool.Get().(*[]byte)

		n, addr, err := r.socket.ReadFromUDP(*buf)
		if err != nil {
			bufferPool.Put(buf)

			if errors.Is(err, net.ErrClosed) {
				return
			}

			r.push(incomingDatagram{err: err})

			backoff = nextReadBackoff(backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		r.push(incomingDatagram{data: (*buf)[:n], addr: addr, buf: buf})
	}
}

// Returns the pause after another failed read, doubling the previous one up to the limit.
func nextReadBackoff(previous time.Duration) time.Duration {
	return min(max(previous*2, minReadBackoff), maxReadBackoff)
}

func (r *socketReader) push(d incomingDatagram) {
	select {
	case r.incoming <- d:
	default:
		r.log.Debug("Incoming queue is full, dropping datagram")
		d.release()
	}
}

// Returns the next datagram read from the socket, or false if there is none right now.
func (r *socketReader) poll() (incomingDatagram, bool) {
	select {
	case d := <-r.incoming:
		return d, true
	default:
		return incomingDatagram{}, false
	}
}

// Gives back the buffers of every datagram that was not processed.
func (r *socketReader) drain() {
	for {
		d, ok := r.poll()
		if !ok {
			return
		}
		d.release()
	}
}

// Applies the configured OS buffer sizes to the socket. Failures are logged, the OS default
// stays in place.
func configureSocket(socket *net.UDPConn, cfg Config, log *logrus.Entry) {
	if cfg.RecvBufferSize > 0 {
		if err := socket.SetReadBuffer(cfg.RecvBufferSize); err != nil {
			log.WithError(err).WithField("size", cfg.RecvBufferSize).Warn("Failed to set the socket receive buffer size")
		}
	}

	if cfg.SendBufferSize > 0 {
		if err := socket.SetWriteBuffer(cfg.SendBufferSize); err != nil {
			log.WithError(err).WithField("size", cfg.SendBufferSize).Warn("Failed to set the socket send buffer size")
		}
	}
}

// Creates the listening socket of a server. In dual mode an IPv6 socket accepting IPv4 mapped
// addresses is tried first, falling back to IPv4 if the host has no IPv6 support.
func listen(port int, dualMode bool, log *logrus.Entry) (*net.UDPConn, error) {
	if dualMode {
		lc := net.ListenConfig{Control: dualStackControl}

		conn, err := lc.ListenPacket(context.Background(), "udp6", net.JoinHostPort("::", strconv.Itoa(port)))
		if err == nil {
			return conn.(*net.UDPConn), nil
		}

		log.WithError(err).Warn("Failed to listen in dual mode, falling back to IPv4")
	}

	return net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
}

// Returns whether the receive error means that nothing is listening on the other end anymore.
func isConnectionClosed(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
