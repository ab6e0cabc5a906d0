package transport

import (
	"github.com/1ureka/rudp1/internal/protocol"
	"github.com/1ureka/rudp1/internal/util"
)

// processInbound dispatches one raw datagram (or a reassembled inner
// packet) by its type byte. Malformed buffers are logged and dropped;
// every valid packet restarts the inactivity deadline.
func (c *Connection) processInbound(data []byte) {
	header, payload, err := protocol.SplitHeader(data)
	if err != nil {
		util.LogDebug("[conn %d] dropping packet from %s: %v", c.id, c.peer, err)
		return
	}

	switch header[0] {
	case protocol.TypeMulti:
		c.touch()
		c.mu.Lock()
		inner, err := c.assembly.Feed(data)
		c.mu.Unlock()
		if err != nil {
			util.LogDebug("[conn %d] dropping fragment from %s: %v", c.id, c.peer, err)
			return
		}
		if inner == nil {
			return // parts still missing
		}
		c.processInbound(inner)

	case protocol.TypeInit:
		c.handleInit(payload)

	case protocol.TypeInitAck:
		c.handleInitAck(payload)

	case protocol.TypeInitFin:
		c.handleInitFin(payload)

	case protocol.TypeNonReliable:
		c.touch()
		c.deliver(payload)

	case protocol.TypeReliable:
		c.handleReliable(header[1], payload)

	case protocol.TypeAck:
		c.handleAck(header[1])

	case protocol.TypePing:
		c.touch()
		c.tr.transmit(c.peer, []byte{protocol.TypePingAck}, nil)

	case protocol.TypePingAck:
		c.touch()

	case protocol.TypeDisconnect:
		c.close(protocol.ReasonDisconnect, false)
	}
}
