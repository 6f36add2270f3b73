package rudp

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/rudp/internal/arq"
	"github.com/gamevidea/rudp/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverRecorder struct {
	connected    []ConnectionID
	addrs        []*net.UDPAddr
	messages     []delivery
	disconnected []ConnectionID
	errors       []ErrorCode

	reply func(id ConnectionID, data []byte, channel Channel)
}

func (r *serverRecorder) OnConnected(id ConnectionID, addr *net.UDPAddr) {
	r.connected = append(r.connected, id)
	r.addrs = append(r.addrs, addr)
}

func (r *serverRecorder) OnData(id ConnectionID, data []byte, channel Channel) {
	r.messages = append(r.messages, delivery{data: bytes.Clone(data), channel: channel})
	if r.reply != nil {
		r.reply(id, data, channel)
	}
}

func (r *serverRecorder) OnDisconnected(id ConnectionID) {
	r.disconnected = append(r.disconnected, id)
}

func (r *serverRecorder) OnError(id ConnectionID, code ErrorCode, message string) {
	r.errors = append(r.errors, code)
}

type clientRecorder struct {
	connected    int
	messages     []delivery
	disconnected int
	errors       []ErrorCode
}

func (r *clientRecorder) OnConnected() {
	r.connected++
}

func (r *clientRecorder) OnData(data []byte, channel Channel) {
	r.messages = append(r.messages, delivery{data: bytes.Clone(data), channel: channel})
}

func (r *clientRecorder) OnDisconnected() {
	r.disconnected++
}

func (r *clientRecorder) OnError(code ErrorCode, message string) {
	r.errors = append(r.errors, code)
}

type tickable interface {
	Tick()
}

// Ticks until the condition holds or the deadline passes.
func tickUntil(t *testing.T, condition func() bool, nodes ...tickable) bool {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			n.Tick()
		}
		if condition() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}

	return false
}

// Ticks for the duration passed.
func tickFor(d time.Duration, nodes ...tickable) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			n.Tick()
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func startServer(t *testing.T) (*Server, *serverRecorder, int) {
	t.Helper()

	handler := &serverRecorder{}
	server, err := NewServer(testConfig(), handler)
	require.NoError(t, err)
	require.NoError(t, server.Start(0))
	t.Cleanup(server.Stop)

	return server, handler, server.LocalAddr().(*net.UDPAddr).Port
}

func connect(t *testing.T, server *Server, port int) (*Client, *clientRecorder) {
	t.Helper()

	handler := &clientRecorder{}
	client, err := NewClient(testConfig(), handler)
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background(), "127.0.0.1", port))
	t.Cleanup(client.Disconnect)

	require.True(t, tickUntil(t, client.Connected, server, client))
	return client, handler
}

func TestPingPong(t *testing.T) {
	server, serverHandler, port := startServer(t)
	serverHandler.reply = func(id ConnectionID, data []byte, channel Channel) {
		require.NoError(t, server.Send(id, []byte("pong"), Unreliable))
	}

	client, clientHandler := connect(t, server, port)

	require.True(t, tickUntil(t, func() bool { return len(serverHandler.connected) == 1 }, server, client))
	assert.Equal(t, 1, clientHandler.connected)

	addr, ok := server.ClientAddr(serverHandler.connected[0])
	require.True(t, ok)
	assert.Equal(t, addr, serverHandler.addrs[0])
	assert.True(t, addr.IP.IsLoopback())
	assert.Equal(t, []ConnectionID{serverHandler.connected[0]}, server.Connections())

	require.NoError(t, client.Send([]byte("ping"), Reliable))
	require.True(t, tickUntil(t, func() bool { return len(clientHandler.messages) > 0 }, server, client))

	assert.Equal(t, []delivery{{data: []byte("ping"), channel: Reliable}}, serverHandler.messages)
	assert.Equal(t, []delivery{{data: []byte("pong"), channel: Unreliable}}, clientHandler.messages)
	assert.Empty(t, serverHandler.errors)
	assert.Empty(t, clientHandler.errors)
}

func TestClientDisconnect(t *testing.T) {
	server, serverHandler, port := startServer(t)
	client, clientHandler := connect(t, server, port)
	require.True(t, tickUntil(t, func() bool { return len(serverHandler.connected) == 1 }, server, client))
	id := serverHandler.connected[0]

	client.Disconnect()
	assert.Equal(t, 1, clientHandler.disconnected)
	assert.False(t, client.Connected())

	require.True(t, tickUntil(t, func() bool { return len(server.Connections()) == 0 }, server))
	tickFor(50*time.Millisecond, server)

	assert.Equal(t, []ConnectionID{id}, serverHandler.disconnected)
	_, ok := server.ClientAddr(id)
	assert.False(t, ok)
	assert.ErrorIs(t, server.Send(id, []byte("late"), Reliable), ErrUnknownConnection)
}

func TestServerDisconnect(t *testing.T) {
	server, serverHandler, port := startServer(t)
	client, clientHandler := connect(t, server, port)
	require.True(t, tickUntil(t, func() bool { return len(serverHandler.connected) == 1 }, server, client))

	server.Disconnect(serverHandler.connected[0])
	assert.Len(t, serverHandler.disconnected, 1)

	require.True(t, tickUntil(t, func() bool { return clientHandler.disconnected == 1 }, server, client))
	assert.Empty(t, server.Connections())
	assert.ErrorIs(t, client.Send([]byte("late"), Reliable), ErrNotConnected)
}

func TestNoiseDoesNotCreateConnections(t *testing.T) {
	server, serverHandler, port := startServer(t)

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer conn.Close()

	noise := [][]byte{
		{},
		{1},
		{1, 0, 0, 0, 0},
		{0, 0, 0, 0, 0, 1, 2, 3},
		{3, 0, 0, 0, 0, 1, 2, 3},
		{255, 1, 2, 3, 4, 5, 6, 7},
		{byte(protocol.Unreliable), 0, 0, 0, 0, protocol.UnreliableData, 'x'},
		{byte(protocol.Unreliable), 0, 0, 0, 0, protocol.UnreliableDisconnect},
		{byte(protocol.Reliable), 0, 0, 0, 0, 1, 2, 3},
		append([]byte{byte(protocol.Reliable), 0, 0, 0, 0}, bytes.Repeat([]byte{0xff}, 64)...),
	}

	for _, data := range noise {
		_, err := conn.Write(data)
		require.NoError(t, err)
	}

	tickFor(100*time.Millisecond, server)

	assert.Empty(t, server.Connections())
	assert.Empty(t, serverHandler.connected)
	assert.Empty(t, serverHandler.errors)
}

func TestMismatchingCookieIsDropped(t *testing.T) {
	server, serverHandler, port := startServer(t)
	client, clientHandler := connect(t, server, port)
	require.True(t, tickUntil(t, func() bool { return len(serverHandler.connected) == 1 }, server, client))
	id := serverHandler.connected[0]
	addr, _ := server.ClientAddr(id)

	cookie := client.peer.Cookie()
	require.Equal(t, server.connections[id].peer.Cookie(), cookie)

	for _, forged := range [][]byte{
		{byte(protocol.Unreliable), 0, 0, 0, 0, protocol.UnreliableData, 'x'},
		{byte(protocol.Unreliable), 0, 0, 0, 0, protocol.UnreliableDisconnect},
	} {
		// Any cookie but the real one.
		forged[1] = byte(cookie>>24) ^ 0xff
		server.handleDatagram(incomingDatagram{data: forged, addr: addr}, server.now())
	}

	tickFor(50*time.Millisecond, server, client)

	assert.Empty(t, serverHandler.messages)
	assert.Empty(t, serverHandler.disconnected)
	assert.Equal(t, Authenticated, server.connections[id].peer.State())
	assert.True(t, client.Connected())
	assert.Zero(t, clientHandler.disconnected)
}

// Returns a reliable datagram carrying the message in a first push segment, as a new session
// would send it.
func reliableDatagram(t *testing.T, cookie uint32, message []byte) []byte {
	t.Helper()
	mtu := testConfig().MTU

	var segments []byte
	engine, err := arq.New(mtu-protocol.DATAGRAM_HEADER_SIZE, func(data []byte) {
		segments = bytes.Clone(data)
	})
	require.NoError(t, err)
	require.NoError(t, engine.Send(message))
	engine.Update(0)
	require.NotEmpty(t, segments)

	b := buffer.New(mtu)
	require.NoError(t, protocol.WriteDatagram(b, protocol.Reliable, cookie, segments))
	return bytes.Clone(b.Bytes())
}

func TestMismatchingReliableCookieIsDropped(t *testing.T) {
	server, serverHandler, port := startServer(t)
	client, clientHandler := connect(t, server, port)
	require.True(t, tickUntil(t, func() bool { return len(serverHandler.connected) == 1 }, server, client))
	id := serverHandler.connected[0]
	addr, _ := server.ClientAddr(id)

	wrong := ^client.peer.Cookie()
	hello := reliableDatagram(t, wrong, []byte{protocol.ReliableHello})
	data := reliableDatagram(t, wrong, []byte{protocol.ReliableData, 'x'})

	server.handleDatagram(incomingDatagram{data: hello, addr: addr}, server.now())
	server.handleDatagram(incomingDatagram{data: data, addr: addr}, server.now())

	tickFor(50*time.Millisecond, server, client)

	assert.Equal(t, Authenticated, server.connections[id].peer.State())
	assert.Empty(t, serverHandler.messages)
	assert.Empty(t, serverHandler.errors)
	assert.Empty(t, serverHandler.disconnected)
	assert.True(t, client.Connected())
	assert.Zero(t, clientHandler.disconnected)
}

func TestClientDropsMismatchingCookie(t *testing.T) {
	server, serverHandler, port := startServer(t)
	client, clientHandler := connect(t, server, port)

	wrong := ^client.peer.Cookie()
	forged := [][]byte{
		reliableDatagram(t, wrong, []byte{protocol.ReliableHello}),
		reliableDatagram(t, wrong, []byte{protocol.ReliableData, 'x'}),
		{byte(protocol.Unreliable), byte(wrong >> 24), byte(wrong >> 16), byte(wrong >> 8), byte(wrong), protocol.UnreliableData, 'x'},
		{byte(protocol.Unreliable), byte(wrong >> 24), byte(wrong >> 16), byte(wrong >> 8), byte(wrong), protocol.UnreliableDisconnect},
	}
	for _, data := range forged {
		client.handleDatagram(incomingDatagram{data: data}, client.now())
	}

	tickFor(50*time.Millisecond, server, client)

	assert.True(t, client.Connected())
	assert.Empty(t, clientHandler.messages)
	assert.Empty(t, clientHandler.errors)
	assert.Zero(t, clientHandler.disconnected)
	assert.Empty(t, serverHandler.disconnected)
}

func TestReceiveErrorDisconnects(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
	}{
		{"refused", &net.OpError{Op: "read", Net: "udp", Err: os.NewSyscallError("recvfrom", syscall.ECONNREFUSED)}, ConnectionClosed},
		{"reset", &net.OpError{Op: "read", Net: "udp", Err: os.NewSyscallError("recvfrom", syscall.ECONNRESET)}, ConnectionClosed},
		{"other", errors.New("read failed"), Unexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _, port := startServer(t)
			client, clientHandler := connect(t, server, port)

			client.handleDatagram(incomingDatagram{err: tt.err}, client.now())

			assert.Equal(t, []ErrorCode{tt.code}, clientHandler.errors)
			assert.Equal(t, 1, clientHandler.disconnected)
			assert.False(t, client.Connected())
		})
	}
}

func TestConnectToClosedPort(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())

	handler := &clientRecorder{}
	client, err := NewClient(testConfig(), handler)
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background(), "127.0.0.1", port))

	require.True(t, tickUntil(t, func() bool { return handler.disconnected == 1 }, client))
	assert.Equal(t, []ErrorCode{ConnectionClosed}, handler.errors)
	assert.Zero(t, handler.connected)
}

func TestConnectResolveFailure(t *testing.T) {
	handler := &clientRecorder{}
	client, err := NewClient(testConfig(), handler)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = client.Connect(ctx, "host.invalid", 7777)

	var connectErr *Error
	require.ErrorAs(t, err, &connectErr)
	assert.Equal(t, DNSResolve, connectErr.Code)
	assert.Equal(t, []ErrorCode{DNSResolve}, handler.errors)
	assert.Equal(t, 1, handler.disconnected)
	assert.False(t, client.Connected())
}

func TestConnectWhileActiveIsIgnored(t *testing.T) {
	server, _, port := startServer(t)
	client, clientHandler := connect(t, server, port)
	remote := client.RemoteAddr()

	require.NoError(t, client.Connect(context.Background(), "127.0.0.1", port+1))
	assert.Same(t, remote, client.RemoteAddr())
	assert.True(t, client.Connected())
	assert.Zero(t, clientHandler.disconnected)
}

func TestSendBeforeConnect(t *testing.T) {
	client, err := NewClient(testConfig(), &clientRecorder{})
	require.NoError(t, err)

	assert.ErrorIs(t, client.Send([]byte("early"), Reliable), ErrNotConnected)
	assert.False(t, client.Connected())
	assert.Nil(t, client.RemoteAddr())
}

func TestServerUnknownConnection(t *testing.T) {
	server, _, _ := startServer(t)

	assert.ErrorIs(t, server.Send(42, []byte("x"), Reliable), ErrUnknownConnection)
	server.Disconnect(42)
	_, ok := server.ClientAddr(42)
	assert.False(t, ok)
	_, ok = server.Stats(42)
	assert.False(t, ok)
}

func TestServerStartTwice(t *testing.T) {
	server, _, port := startServer(t)

	require.NoError(t, server.Start(0))
	assert.Equal(t, port, server.LocalAddr().(*net.UDPAddr).Port)
}

func TestInvalidConfigIsRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MTU = 10

	_, err := NewClient(cfg, &clientRecorder{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewServer(cfg, &serverRecorder{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
