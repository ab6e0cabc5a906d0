package transport

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/rudp1/internal/config"
	"github.com/1ureka/rudp1/internal/protocol"
)

func e2eConfig() config.Config {
	cfg := config.Default()
	cfg.ConnectInterval = 50 * time.Millisecond
	cfg.ConnectTimeout = 2 * time.Second
	cfg.ConnectionTimeout = 5 * time.Second
	cfg.KeepAlivePingTime = time.Second
	cfg.RetryInterval = 30 * time.Millisecond
	return cfg
}

// startPair spins up a server and a connected client on the loopback
// interface and waits for the handshake to finish on both sides.
func startPair(t *testing.T, cfg config.Config) (*Server, *Transport, int32) {
	t.Helper()

	srv, err := NewServer(0, cfg)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	cl, err := New(0, cfg)
	require.NoError(t, err)
	t.Cleanup(cl.Close)

	id, err := cl.Connect("127.0.0.1", srv.Port())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c := cl.Connection(id)
		return c != nil && c.Connected()
	}, 3*time.Second, 10*time.Millisecond, "client never connected")

	require.Eventually(t, func() bool {
		for _, c := range serverConns(srv) {
			if c.Connected() {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "server never connected")

	return srv, cl, id
}

func serverConns(s *Server) []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// TestHandshakeEndToEnd is the three-way handshake over real sockets.
func TestHandshakeEndToEnd(t *testing.T) {
	startPair(t, e2eConfig())
}

// TestReliableRoundTrip delivers a reliable payload exactly once,
// byte-identical.
func TestReliableRoundTrip(t *testing.T) {
	srv, cl, id := startPair(t, e2eConfig())

	var mu sync.Mutex
	var got [][]byte
	srv.SetDefaultOnReceive(func(_ int32, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, append([]byte(nil), payload...))
	})

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}
	cl.SendReliable(id, payload)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The ack has landed by now; make sure no duplicate follows.
	time.Sleep(5 * cl.cfg.RetryInterval)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.Equal(t, payload, got[0])
}

// TestNonReliableSend delivers a best-effort payload over loopback.
func TestNonReliableSend(t *testing.T) {
	srv, cl, id := startPair(t, e2eConfig())

	received := make(chan []byte, 1)
	srv.SetDefaultOnReceive(func(_ int32, payload []byte) {
		received <- append([]byte(nil), payload...)
	})

	cl.SendText(id, "hello")

	select {
	case p := <-received:
		require.Equal(t, []byte("hello"), p)
	case <-time.After(2 * time.Second):
		t.Fatal("payload never arrived")
	}
}

// TestFragmentedRoundTrip pushes a 10000-byte payload through the
// multi-part path and expects it back intact.
func TestFragmentedRoundTrip(t *testing.T) {
	srv, cl, id := startPair(t, e2eConfig())

	received := make(chan []byte, 1)
	srv.SetDefaultOnReceive(func(_ int32, payload []byte) {
		received <- append([]byte(nil), payload...)
	})

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	cl.SendReliable(id, payload)

	select {
	case p := <-received:
		require.True(t, bytes.Equal(payload, p), "reassembled payload differs")
	case <-time.After(3 * time.Second):
		t.Fatal("payload never arrived")
	}
}

// TestServerReply sends reliably in the other direction.
func TestServerReply(t *testing.T) {
	srv, cl, id := startPair(t, e2eConfig())

	received := make(chan []byte, 1)
	cl.SetDefaultOnReceive(func(_ int32, payload []byte) {
		received <- append([]byte(nil), payload...)
	})
	srv.SetDefaultOnReceive(func(connID int32, payload []byte) {
		srv.SendReliable(connID, append([]byte("echo: "), payload...))
	})

	cl.SendReliable(id, []byte("ping"))

	select {
	case p := <-received:
		require.Equal(t, []byte("echo: ping"), p)
	case <-time.After(2 * time.Second):
		t.Fatal("reply never arrived")
	}
}

// TestRetransmissionBudget counts transmissions against a peer that never
// acks: exactly MaxRetries sends of the reliable packet (the initial one
// included), then silence.
func TestRetransmissionBudget(t *testing.T) {
	raw, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer raw.Close()

	cfg := e2eConfig()
	cfg.MaxRetries = 5
	cfg.RetryInterval = 30 * time.Millisecond

	cl, err := New(0, cfg)
	require.NoError(t, err)
	t.Cleanup(cl.Close)

	id, err := cl.Connect("127.0.0.1", raw.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, err)
	cl.SendReliable(id, []byte("unacked"))

	// 5 transmissions take ~120ms; keep reading well past the last one.
	deadline := time.Now().Add(time.Second)
	raw.SetReadDeadline(deadline)

	var reliable int
	buf := make([]byte, protocol.MaxDatagram)
	for {
		n, _, err := raw.ReadFromUDP(buf)
		if err != nil {
			break // deadline
		}
		if n >= 2 && buf[0] == protocol.TypeReliable && buf[1] == 1 {
			reliable++
		}
	}
	require.Equal(t, 5, reliable)
}

// TestKeepAliveAndTimeout drives the B side of the handshake by hand,
// then goes silent: the client must emit pings and eventually drop the
// connection with a timeout reason.
func TestKeepAliveAndTimeout(t *testing.T) {
	raw, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer raw.Close()

	cfg := e2eConfig()
	cfg.KeepAlivePingTime = 150 * time.Millisecond
	cfg.ConnectionTimeout = 600 * time.Millisecond

	cl, err := New(0, cfg)
	require.NoError(t, err)
	t.Cleanup(cl.Close)

	id, err := cl.Connect("127.0.0.1", raw.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, err)

	reason := make(chan uint8, 1)
	cl.AddDisconnectEvent(id, func(_ int32, r uint8) { reason <- r })

	var pings atomic.Int32
	go func() {
		buf := make([]byte, protocol.MaxDatagram)
		for {
			n, addr, err := raw.ReadFromUDP(buf)
			if err != nil {
				return
			}
			switch {
			case n >= 5 && buf[0] == protocol.TypeInit:
				// Answer with InitAck [A+1, B] and then stay silent
				// apart from reading.
				a := binary.LittleEndian.Uint32(buf[1:5])
				reply := make([]byte, 9)
				reply[0] = protocol.TypeInitAck
				binary.LittleEndian.PutUint32(reply[1:5], a+1)
				binary.LittleEndian.PutUint32(reply[5:9], 424242)
				raw.WriteToUDP(reply, addr)
			case n >= 1 && buf[0] == protocol.TypePing:
				pings.Add(1)
			}
		}
	}()

	require.Eventually(t, func() bool {
		c := cl.Connection(id)
		return c != nil && c.Connected()
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case r := <-reason:
		require.Equal(t, protocol.ReasonTimeout, r)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout disconnect never fired")
	}
	require.GreaterOrEqual(t, pings.Load(), int32(1), "no keep-alive ping observed")
	require.Nil(t, cl.Connection(id), "connection not removed after timeout")
}

// TestGracefulDisconnect checks scenario: the peer receiving
// TypeDisconnect removes the connection and fires its callback exactly
// once, and repeated local disconnects stay idempotent.
func TestGracefulDisconnect(t *testing.T) {
	srv, cl, id := startPair(t, e2eConfig())

	var srvCount, clCount atomic.Int32
	var srvReason atomic.Int32
	srv.SetDefaultOnDisconnect(func(_ int32, r uint8) {
		srvCount.Add(1)
		srvReason.Store(int32(r))
	})
	cl.SetDefaultOnDisconnect(func(int32, uint8) { clCount.Add(1) })

	cl.Disconnect(id)
	cl.Disconnect(id)

	require.Eventually(t, func() bool { return srvCount.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(protocol.ReasonDisconnect), srvReason.Load())

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, int32(1), srvCount.Load(), "server disconnect fired more than once")
	require.Equal(t, int32(1), clCount.Load(), "client disconnect fired more than once")
	require.Empty(t, serverConns(srv), "server kept a dead connection")
}

// TestServerSurvivesDisconnectAll keeps the server listening after
// DisconnectAll while the client variant releases its socket.
func TestServerSurvivesDisconnectAll(t *testing.T) {
	cfg := e2eConfig()
	srv, cl, _ := startPair(t, cfg)

	srv.DisconnectAll()
	cl.DisconnectAll()

	require.Eventually(t, func() bool { return len(serverConns(srv)) == 0 },
		2*time.Second, 10*time.Millisecond)

	// The server socket must still accept a fresh peer.
	cl2, err := New(0, cfg)
	require.NoError(t, err)
	t.Cleanup(cl2.Close)

	id2, err := cl2.Connect("127.0.0.1", srv.Port())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c := cl2.Connection(id2)
		return c != nil && c.Connected()
	}, 3*time.Second, 10*time.Millisecond)

	// The first client rebinds lazily and can connect again too.
	id3, err := cl.Connect("127.0.0.1", srv.Port())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c := cl.Connection(id3)
		return c != nil && c.Connected()
	}, 3*time.Second, 10*time.Millisecond)
}

// TestConnectValidation surfaces caller errors from Connect.
func TestConnectValidation(t *testing.T) {
	cl, err := New(0, e2eConfig())
	require.NoError(t, err)
	t.Cleanup(cl.Close)

	id, err := cl.Connect("127.0.0.1", -1)
	require.ErrorIs(t, err, ErrInvalidPort)
	require.Equal(t, int32(-1), id)

	id, err = cl.Connect("127.0.0.1", 70000)
	require.ErrorIs(t, err, ErrInvalidPort)
	require.Equal(t, int32(-1), id)

	id, err = cl.Connect("definitely-not-a-host.invalid", 4000)
	require.ErrorIs(t, err, ErrInvalidAddress)
	require.Equal(t, int32(-1), id)
}

// TestUnknownIDNoOps exercises the silent no-op paths.
func TestUnknownIDNoOps(t *testing.T) {
	cl, err := New(0, e2eConfig())
	require.NoError(t, err)
	t.Cleanup(cl.Close)

	cl.Send(99, []byte("x"))
	cl.SendReliable(99, []byte("x"))
	cl.SendText(99, "x")
	cl.Disconnect(99)
	require.Zero(t, cl.AddReceiveEvent(99, func(int32, []byte) {}))
	cl.RemoveReceiveEvent(99, 1)
	cl.ClearReceiveEvents(99)
}

// TestClientDropsUnknownPeer: traffic from a peer the client never
// connected to must not materialize a connection.
func TestClientDropsUnknownPeer(t *testing.T) {
	cfg := e2eConfig()
	cl, err := New(0, cfg)
	require.NoError(t, err)
	t.Cleanup(cl.Close)

	// Start the receive loop by connecting somewhere dead.
	_, err = cl.Connect("127.0.0.1", 9)
	require.NoError(t, err)

	raw, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer raw.Close()

	clientAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: cl.Port()}
	_, err = raw.WriteToUDP([]byte{protocol.TypeInit, 1, 2, 3, 4}, clientAddr)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	require.Len(t, cl.conns, 1, "unknown peer must not create a connection")
}
