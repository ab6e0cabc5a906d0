package transport

import (
	"net"
	"sync"
	"time"

	"github.com/1ureka/rudp1/internal/config"
	"github.com/1ureka/rudp1/internal/protocol"
	"github.com/1ureka/rudp1/internal/util"
)

// ReceiveFunc is invoked with the connection id and the payload of every
// delivered packet.
type ReceiveFunc func(id int32, payload []byte)

// DisconnectFunc is invoked once when a connection is destroyed, with
// protocol.ReasonDisconnect or protocol.ReasonTimeout.
type DisconnectFunc func(id int32, reason uint8)

// connState tracks the handshake lifecycle.
type connState uint8

const (
	stateIdle         connState = iota
	stateInitSent               // sent TypeInit, waiting for TypeInitAck
	stateInitReceived           // got TypeInit, replied TypeInitAck, waiting for TypeInitFin
	stateConnected
	stateClosed
)

// receiveSlot and disconnectSlot pair a registered callback with its
// removal token.
type receiveSlot struct {
	token int
	fn    ReceiveFunc
}

type disconnectSlot struct {
	token int
	fn    DisconnectFunc
}

// Connection holds the complete per-peer protocol state: handshake
// progress, the in-flight reliable table, the reorder buffer, the
// multi-part assembly slot and the keep-alive/inactivity timers.
//
// mu guards all mutable state. cbMu serializes user callback invocation so
// that no receive callback can start after the disconnect callback fired.
// Timer goroutines never change the transport maps — removal from them is
// requested through the transport's reap queue, never done in place. They
// are not limited to mu, though: every send they make reads the socket
// under the transport mutex (see Transport.write).
type Connection struct {
	id   int32
	peer *net.UDPAddr
	tr   *Transport
	cfg  config.Config

	mu    sync.Mutex
	state connState

	// Handshake
	genNonce  int32
	recvNonce int32

	// Outgoing reliable stream
	outbound   map[uint8]*outboundReliable
	nextSendID uint8

	// Incoming reliable stream
	reorder        map[uint8][]byte
	nextExpectedID uint8
	firstPacket    bool

	// Multi-part reassembly slot
	assembly protocol.Assembly

	// Timers
	inactivity    *time.Timer
	keepAliveStop chan struct{}
	handshakeStop chan struct{}

	// Callback slots
	cbMu          sync.Mutex
	receiveCbs    []receiveSlot
	disconnectCbs []disconnectSlot
	nextCbToken   int
}

// newConnection creates the state for one peer. Timers other than the
// inactivity deadline are not started; the inactivity timer runs from
// creation so a handshake that never completes is eventually reaped.
func newConnection(tr *Transport, peer *net.UDPAddr, id int32, cfg config.Config) *Connection {
	c := &Connection{
		id:          id,
		peer:        peer,
		tr:          tr,
		cfg:         cfg,
		outbound:    make(map[uint8]*outboundReliable),
		nextSendID:  1,
		reorder:     make(map[uint8][]byte),
		firstPacket: true,
	}
	c.inactivity = time.AfterFunc(cfg.ConnectionTimeout, c.inactivityExpired)
	util.Stats.AddConn()
	return c
}

// ID returns the transport-assigned connection id.
func (c *Connection) ID() int32 { return c.id }

// Peer returns the remote address.
func (c *Connection) Peer() *net.UDPAddr { return c.peer }

// Connected reports whether the handshake has completed.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

func (c *Connection) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateClosed
}

// touch restarts the inactivity deadline. Called for every valid inbound
// packet.
func (c *Connection) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return
	}
	c.inactivity.Stop()
	c.inactivity.Reset(c.cfg.ConnectionTimeout)
}

// inactivityExpired fires when no valid packet arrived for the configured
// deadline.
func (c *Connection) inactivityExpired() {
	util.LogWarning("[conn %d] no packets from %s for %s, dropping connection",
		c.id, c.peer, c.cfg.ConnectionTimeout)
	c.close(protocol.ReasonTimeout, false)
}

// keepAliveLoop emits a ping every KeepAlivePingTime until stopped.
func (c *Connection) keepAliveLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepAlivePingTime)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tr.transmit(c.peer, []byte{protocol.TypePing}, nil)
		case <-stop:
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Callback slots
// ---------------------------------------------------------------------------

// addReceive registers a receive callback and returns its removal token.
func (c *Connection) addReceive(fn ReceiveFunc) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextCbToken++
	c.receiveCbs = append(c.receiveCbs, receiveSlot{token: c.nextCbToken, fn: fn})
	return c.nextCbToken
}

func (c *Connection) removeReceive(token int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.receiveCbs {
		if s.token == token {
			c.receiveCbs = append(c.receiveCbs[:i], c.receiveCbs[i+1:]...)
			return
		}
	}
}

func (c *Connection) clearReceive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiveCbs = nil
}

// addDisconnect registers a disconnect callback and returns its removal token.
func (c *Connection) addDisconnect(fn DisconnectFunc) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextCbToken++
	c.disconnectCbs = append(c.disconnectCbs, disconnectSlot{token: c.nextCbToken, fn: fn})
	return c.nextCbToken
}

func (c *Connection) removeDisconnect(token int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.disconnectCbs {
		if s.token == token {
			c.disconnectCbs = append(c.disconnectCbs[:i], c.disconnectCbs[i+1:]...)
			return
		}
	}
}

func (c *Connection) clearDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCbs = nil
}

// deliver hands a payload to the registered receive callbacks, falling
// back to the transport default when none are registered. cbMu guarantees
// no delivery starts after the disconnect callback has fired.
func (c *Connection) deliver(payload []byte) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	cbs := make([]ReceiveFunc, 0, len(c.receiveCbs))
	for _, s := range c.receiveCbs {
		cbs = append(cbs, s.fn)
	}
	c.mu.Unlock()

	if len(cbs) == 0 {
		if def := c.tr.defaultReceive(); def != nil {
			cbs = append(cbs, def)
		}
	}
	for _, fn := range cbs {
		fn(c.id, payload)
	}
}

// fireDisconnect invokes the disconnect callbacks. Called exactly once per
// connection, by the transport's reaper.
func (c *Connection) fireDisconnect(reason uint8) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	c.mu.Lock()
	cbs := make([]DisconnectFunc, 0, len(c.disconnectCbs))
	for _, s := range c.disconnectCbs {
		cbs = append(cbs, s.fn)
	}
	c.mu.Unlock()

	if len(cbs) == 0 {
		if def := c.tr.defaultDisconnect(); def != nil {
			cbs = append(cbs, def)
		}
	}
	for _, fn := range cbs {
		fn(c.id, reason)
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// close transitions the connection to its terminal state: stops every
// timer, drops the in-flight reliable table, optionally notifies the peer,
// and schedules removal from the transport maps. Idempotent — only the
// first call has any effect.
func (c *Connection) close(reason uint8, notifyPeer bool) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed

	c.inactivity.Stop()
	if c.keepAliveStop != nil {
		close(c.keepAliveStop)
		c.keepAliveStop = nil
	}
	if c.handshakeStop != nil {
		close(c.handshakeStop)
		c.handshakeStop = nil
	}
	for seq, o := range c.outbound {
		close(o.stop)
		delete(c.outbound, seq)
	}
	c.reorder = nil
	c.assembly.Reset()
	c.mu.Unlock()

	if notifyPeer {
		c.tr.transmit(c.peer, []byte{protocol.TypeDisconnect}, nil)
	}

	util.LogDebug("[conn %d] closed (reason %d)", c.id, reason)
	c.tr.scheduleRemoval(c, reason)
}
