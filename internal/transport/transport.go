// Package transport implements a reliable-datagram transport on top of
// UDP: a per-peer connection state machine with a three-way handshake,
// keep-alive pings and inactivity timeout, at-least-once reliable delivery
// with retransmission, in-order delivery per peer, and fragmentation of
// payloads that exceed the datagram limit.
package transport

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"sync"

	"github.com/1ureka/rudp1/internal/config"
	"github.com/1ureka/rudp1/internal/protocol"
	"github.com/1ureka/rudp1/internal/util"
)

// Connect-time validation errors. Apart from failures to bind the UDP
// socket, these are the only errors the transport surfaces to callers —
// transient network failures are logged and retried or dropped.
var (
	ErrInvalidAddress = errors.New("host could not be resolved")
	ErrInvalidPort    = errors.New("port outside 0..65535")
)

// reapRequest asks the reaper to remove a closed connection from the maps
// and fire its disconnect callbacks. Timer callbacks enqueue these instead
// of touching the transport maps themselves.
type reapRequest struct {
	conn   *Connection
	reason uint8
}

// Transport owns the UDP socket, the id→connection and peer→connection
// maps, the receive loop, and the fan-out of user calls to the right
// connection. The client variant starts its receive loop lazily on the
// first Connect; the Server variant runs it from construction and accepts
// first-contact peers.
type Transport struct {
	cfg    config.Config
	port   int
	server bool

	mu      sync.Mutex
	sock    *net.UDPConn
	conns   map[int32]*Connection
	peers   map[string]*Connection
	nextID  int32
	running bool

	cbMu         sync.Mutex
	onReceive    ReceiveFunc
	onDisconnect DisconnectFunc

	reap chan reapRequest
}

// New creates a client-variant transport bound to the given local port
// (0 picks an ephemeral port).
func New(port int, cfg config.Config) (*Transport, error) {
	return newTransport(port, cfg, false)
}

func newTransport(port int, cfg config.Config, server bool) (*Transport, error) {
	if cfg.Debug {
		util.EnableDebug()
	}

	t := &Transport{
		cfg:    cfg,
		port:   port,
		server: server,
		conns:  make(map[int32]*Connection),
		peers:  make(map[string]*Connection),
		nextID: 1,
		reap:   make(chan reapRequest, 64),
	}
	if err := t.bind(); err != nil {
		util.LogError("failed to bind UDP port %d: %v", port, err)
		if cfg.ExitOnReceiveException {
			os.Exit(1)
		}
		return nil, err
	}
	go t.reaper()
	return t, nil
}

// bind opens the UDP socket. Called at construction and when Connect needs
// to reopen a socket closed by DisconnectAll.
func (t *Transport) bind() error {
	sock, err := net.ListenUDP("udp", &net.UDPAddr{Port: t.port})
	if err != nil {
		return fmt.Errorf("bind :%d: %w", t.port, err)
	}
	t.sock = sock
	return nil
}

// Port returns the local UDP port the socket is bound to.
func (t *Transport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sock == nil {
		return t.port
	}
	return t.sock.LocalAddr().(*net.UDPAddr).Port
}

// ---------------------------------------------------------------------------
// Connecting
// ---------------------------------------------------------------------------

// Connect resolves host (numeric form first, then the first A record),
// creates a connection and starts the three-way handshake. It returns the
// new connection id, or -1 with ErrInvalidAddress / ErrInvalidPort, or -1
// with the bind error when a socket closed by DisconnectAll cannot be
// reopened.
func (t *Transport) Connect(host string, port int) (int32, error) {
	if port < 0 || port > 65535 {
		return -1, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return -1, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, host, err)
		}
		for _, cand := range ips {
			if v4 := cand.To4(); v4 != nil {
				ip = v4
				break
			}
		}
		if ip == nil {
			return -1, fmt.Errorf("%w: %q has no A record", ErrInvalidAddress, host)
		}
	}

	addr := &net.UDPAddr{IP: ip, Port: port}

	t.mu.Lock()
	if t.sock == nil {
		if err := t.bind(); err != nil {
			t.mu.Unlock()
			util.LogError("failed to rebind UDP port %d: %v", t.port, err)
			return -1, err
		}
	}
	if !t.running {
		t.running = true
		go t.recvLoop(t.sock)
	}
	c := t.newConnLocked(addr)
	t.mu.Unlock()

	c.initiateHandshake()
	return c.id, nil
}

// newConnLocked creates and registers a connection. Caller holds t.mu.
func (t *Transport) newConnLocked(addr *net.UDPAddr) *Connection {
	id := t.nextID
	t.nextID = t.nextID%math.MaxInt32 + 1

	c := newConnection(t, addr, id, t.cfg)
	t.conns[id] = c
	t.peers[addr.String()] = c
	return c
}

func (t *Transport) lookup(id int32) *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[id]
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send transmits payload best-effort to the addressed connection. An
// unknown id is a logged no-op.
func (t *Transport) Send(id int32, payload []byte) {
	c := t.lookup(id)
	if c == nil {
		util.LogDebug("send to unknown connection %d, ignoring", id)
		return
	}
	t.transmit(c.peer, []byte{protocol.TypeNonReliable}, payload)
}

// SendText transmits a UTF-8 string best-effort.
func (t *Transport) SendText(id int32, text string) {
	t.Send(id, []byte(text))
}

// SendReliable transmits payload with retransmission until acked or the
// retry budget is exhausted. An unknown id is a logged no-op.
func (t *Transport) SendReliable(id int32, payload []byte) {
	c := t.lookup(id)
	if c == nil {
		util.LogDebug("reliable send to unknown connection %d, ignoring", id)
		return
	}
	c.sendReliable(payload)
}

// transmit writes header++body as one datagram, fragmenting first when the
// total exceeds the datagram limit. Socket errors are logged, never
// surfaced — reliable packets get another chance from their retry timer.
func (t *Transport) transmit(addr *net.UDPAddr, header, body []byte) {
	if len(header)+len(body) <= protocol.MaxDatagram {
		buf := make([]byte, 0, len(header)+len(body))
		buf = append(buf, header...)
		buf = append(buf, body...)
		t.write(addr, buf)
		return
	}
	for _, frag := range protocol.Fragment(header, body) {
		t.write(addr, frag)
	}
}

func (t *Transport) write(addr *net.UDPAddr, buf []byte) {
	t.mu.Lock()
	sock := t.sock
	t.mu.Unlock()
	if sock == nil {
		return
	}

	n, err := sock.WriteToUDP(buf, addr)
	if err != nil {
		util.LogDebug("send to %s failed: %v", addr, err)
		return
	}
	util.Stats.AddSent(n)
}

// ---------------------------------------------------------------------------
// Disconnecting
// ---------------------------------------------------------------------------

// Disconnect notifies the peer, clears the connection's pending reliable
// state and removes it. Calling it twice produces at most one disconnect
// callback.
func (t *Transport) Disconnect(id int32) {
	c := t.lookup(id)
	if c == nil {
		util.LogDebug("disconnect of unknown connection %d, ignoring", id)
		return
	}
	c.close(protocol.ReasonDisconnect, true)
}

// DisconnectAll tears down every connection. The client variant then stops
// its receive loop and closes the socket; a Server keeps listening.
func (t *Transport) DisconnectAll() {
	t.mu.Lock()
	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.close(protocol.ReasonDisconnect, true)
	}

	if !t.server {
		t.closeSocket()
	}
}

// Close shuts the transport down entirely: every connection, the receive
// loop and the socket, regardless of variant.
func (t *Transport) Close() {
	t.mu.Lock()
	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.close(protocol.ReasonDisconnect, true)
	}
	t.closeSocket()
}

// closeSocket interrupts the blocking receive and releases the port.
func (t *Transport) closeSocket() {
	t.mu.Lock()
	sock := t.sock
	t.sock = nil
	t.running = false
	t.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
}

// ---------------------------------------------------------------------------
// Removal
// ---------------------------------------------------------------------------

// scheduleRemoval hands a closed connection to the reaper. Safe to call
// from timer callbacks — the transport maps are never locked here.
func (t *Transport) scheduleRemoval(c *Connection, reason uint8) {
	req := reapRequest{conn: c, reason: reason}
	select {
	case t.reap <- req:
	default:
		go func() { t.reap <- req }()
	}
}

// reaper consumes removal requests: it drops the connection from both maps
// and fires the disconnect callbacks exactly once per connection.
func (t *Transport) reaper() {
	for req := range t.reap {
		t.removeConn(req.conn)
		req.conn.fireDisconnect(req.reason)
		util.Stats.RemoveConn()
	}
}

func (t *Transport) removeConn(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[c.id] == c {
		delete(t.conns, c.id)
	}
	if t.peers[c.peer.String()] == c {
		delete(t.peers, c.peer.String())
	}
}

// ---------------------------------------------------------------------------
// Callback management
// ---------------------------------------------------------------------------

// SetDefaultOnReceive installs the callback used by connections that have
// no per-connection receive callbacks registered.
func (t *Transport) SetDefaultOnReceive(fn ReceiveFunc) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onReceive = fn
}

// SetDefaultOnDisconnect installs the callback used by connections that
// have no per-connection disconnect callbacks registered.
func (t *Transport) SetDefaultOnDisconnect(fn DisconnectFunc) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onDisconnect = fn
}

func (t *Transport) defaultReceive() ReceiveFunc {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	return t.onReceive
}

func (t *Transport) defaultDisconnect() DisconnectFunc {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	return t.onDisconnect
}

// AddReceiveEvent registers a per-connection receive callback and returns
// a token for RemoveReceiveEvent. Unknown ids return 0.
func (t *Transport) AddReceiveEvent(id int32, fn ReceiveFunc) int {
	c := t.lookup(id)
	if c == nil {
		return 0
	}
	return c.addReceive(fn)
}

// RemoveReceiveEvent unregisters the callback identified by token.
func (t *Transport) RemoveReceiveEvent(id int32, token int) {
	if c := t.lookup(id); c != nil {
		c.removeReceive(token)
	}
}

// ClearReceiveEvents unregisters every receive callback of a connection.
func (t *Transport) ClearReceiveEvents(id int32) {
	if c := t.lookup(id); c != nil {
		c.clearReceive()
	}
}

// AddDisconnectEvent registers a per-connection disconnect callback and
// returns a token for RemoveDisconnectEvent. Unknown ids return 0.
func (t *Transport) AddDisconnectEvent(id int32, fn DisconnectFunc) int {
	c := t.lookup(id)
	if c == nil {
		return 0
	}
	return c.addDisconnect(fn)
}

// RemoveDisconnectEvent unregisters the callback identified by token.
func (t *Transport) RemoveDisconnectEvent(id int32, token int) {
	if c := t.lookup(id); c != nil {
		c.removeDisconnect(token)
	}
}

// ClearDisconnectEvents unregisters every disconnect callback of a
// connection.
func (t *Transport) ClearDisconnectEvents(id int32) {
	if c := t.lookup(id); c != nil {
		c.clearDisconnect()
	}
}

// Connection returns the live connection for id, or nil.
func (t *Transport) Connection(id int32) *Connection {
	return t.lookup(id)
}
