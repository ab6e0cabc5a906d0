package transport

import (
	"encoding/binary"
	"math/rand/v2"
	"time"

	"github.com/1ureka/rudp1/internal/protocol"
	"github.com/1ureka/rudp1/internal/util"
)

// The three-way handshake:
//
//	A → B  TypeInit    [nonce A]
//	B → A  TypeInitAck [A+1, nonce B]
//	A → B  TypeInitFin [A+1, B+1]
//
// Each side verifies the incremented echo of its own nonce; a mismatch
// closes the connection. All nonces travel as little-endian 4-byte values.

func putNonce(buf []byte, v int32) {
	binary.LittleEndian.PutUint32(buf, uint32(v))
}

func nonceAt(payload []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(payload[off : off+4]))
}

// initiateHandshake sends the first TypeInit and keeps resending it every
// ConnectInterval until a TypeInitAck arrives or ConnectTimeout passes.
func (c *Connection) initiateHandshake() {
	c.mu.Lock()
	if c.state != stateIdle {
		c.mu.Unlock()
		return
	}
	c.state = stateInitSent
	c.genNonce = rand.Int32()

	hello := make([]byte, 5)
	hello[0] = protocol.TypeInit
	putNonce(hello[1:], c.genNonce)

	stop := make(chan struct{})
	c.handshakeStop = stop
	c.mu.Unlock()

	c.tr.transmit(c.peer, hello, nil)
	go c.handshakeLoop(hello, stop)
}

// handshakeLoop retransmits the handshake packet until stopped or the
// handshake deadline expires. On deadline the connection stays in its
// current state; the inactivity timer removes it later.
func (c *Connection) handshakeLoop(hello []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.ConnectInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.cfg.ConnectTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			c.tr.transmit(c.peer, hello, nil)
		case <-deadline.C:
			util.LogWarning("[conn %d] handshake with %s timed out", c.id, c.peer)
			c.stopHandshakeTimers()
			return
		case <-stop:
			return
		}
	}
}

func (c *Connection) stopHandshakeTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handshakeStop != nil {
		close(c.handshakeStop)
		c.handshakeStop = nil
	}
}

// handleInit is handshake phase B: record the peer's nonce, answer with
// TypeInitAck. A retransmitted TypeInit gets the same answer again.
func (c *Connection) handleInit(payload []byte) {
	if len(payload) < 4 {
		util.LogDebug("[conn %d] short TypeInit from %s", c.id, c.peer)
		return
	}

	c.mu.Lock()
	switch c.state {
	case stateIdle:
		c.recvNonce = nonceAt(payload, 0) + 1
		c.genNonce = rand.Int32()
		c.state = stateInitReceived
	case stateInitReceived:
		// Initiator resent TypeInit — answer again with the same nonces.
	default:
		c.mu.Unlock()
		return
	}

	reply := make([]byte, 9)
	reply[0] = protocol.TypeInitAck
	putNonce(reply[1:], c.recvNonce)
	putNonce(reply[5:], c.genNonce)
	c.mu.Unlock()

	c.touch()
	c.tr.transmit(c.peer, reply, nil)
}

// handleInitAck finalizes the handshake on the initiating side.
func (c *Connection) handleInitAck(payload []byte) {
	if len(payload) < 8 {
		util.LogDebug("[conn %d] short TypeInitAck from %s", c.id, c.peer)
		return
	}

	c.mu.Lock()
	if c.state != stateInitSent {
		c.mu.Unlock()
		return
	}

	echo := nonceAt(payload, 0)
	if echo != c.genNonce+1 {
		c.mu.Unlock()
		util.LogWarning("[conn %d] handshake nonce mismatch from %s", c.id, c.peer)
		c.close(protocol.ReasonDisconnect, false)
		return
	}
	c.recvNonce = nonceAt(payload, 4)

	fin := make([]byte, 9)
	fin[0] = protocol.TypeInitFin
	putNonce(fin[1:], echo)
	putNonce(fin[5:], c.recvNonce+1)
	c.mu.Unlock()

	c.touch()
	c.tr.transmit(c.peer, fin, nil)
	c.enterConnected()
}

// handleInitFin verifies both nonce echoes and marks the responding side
// connected.
func (c *Connection) handleInitFin(payload []byte) {
	if len(payload) < 8 {
		util.LogDebug("[conn %d] short TypeInitFin from %s", c.id, c.peer)
		return
	}

	c.mu.Lock()
	if c.state != stateInitReceived {
		c.mu.Unlock()
		return
	}
	ok := nonceAt(payload, 0) == c.recvNonce && nonceAt(payload, 4) == c.genNonce+1
	c.mu.Unlock()

	if !ok {
		util.LogWarning("[conn %d] handshake nonce mismatch from %s", c.id, c.peer)
		c.close(protocol.ReasonDisconnect, false)
		return
	}

	c.touch()
	c.enterConnected()
}

// enterConnected stops the handshake timers and starts keep-alive pings
// and the inactivity deadline.
func (c *Connection) enterConnected() {
	c.mu.Lock()
	if c.state == stateClosed || c.state == stateConnected {
		c.mu.Unlock()
		return
	}
	c.state = stateConnected
	if c.handshakeStop != nil {
		close(c.handshakeStop)
		c.handshakeStop = nil
	}
	stop := make(chan struct{})
	c.keepAliveStop = stop
	c.inactivity.Stop()
	c.inactivity.Reset(c.cfg.ConnectionTimeout)
	c.mu.Unlock()

	go c.keepAliveLoop(stop)
	util.LogInfo("[conn %d] connected to %s", c.id, c.peer)
}
