package transport

import (
	"time"

	"github.com/1ureka/rudp1/internal/protocol"
	"github.com/1ureka/rudp1/internal/util"
)

// outboundReliable is one in-flight reliable packet. Its retry goroutine
// retransmits the stored header+body at RetryInterval until the stop
// channel closes (ack or teardown) or the retry budget runs out.
type outboundReliable struct {
	seq    uint8
	header []byte
	body   []byte
	tries  uint32
	stop   chan struct{} // close-only
}

// nextSeq advances a sequence id. The sequence space wraps at 255, never
// emitting the value 255 itself.
func nextSeq(s uint8) uint8 {
	return (s + 1) % 255
}

// sendReliable assigns the next sequence id, transmits the packet once and
// starts its retry timer. The initial transmission counts against the
// retry budget.
func (c *Connection) sendReliable(payload []byte) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	seq := c.nextSendID
	if _, exists := c.outbound[seq]; exists {
		// The 255-id sequence space has wrapped around onto a send that
		// is still unacked — reusing its id would overwrite that entry.
		c.mu.Unlock()
		util.LogWarning("[conn %d] reliable window full, dropping send", c.id)
		return
	}
	c.nextSendID = nextSeq(seq)

	o := &outboundReliable{
		seq:    seq,
		header: []byte{protocol.TypeReliable, seq},
		body:   append([]byte(nil), payload...),
		tries:  1,
		stop:   make(chan struct{}),
	}
	c.outbound[seq] = o
	c.mu.Unlock()

	c.tr.transmit(c.peer, o.header, o.body)
	go c.retryLoop(o)
}

// retryLoop drives one outboundReliable until it is acked, exhausted, or
// the connection closes.
func (c *Connection) retryLoop(o *outboundReliable) {
	ticker := time.NewTicker(c.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !c.retransmit(o) {
				return
			}
		case <-o.stop:
			return
		}
	}
}

// retransmit sends one retry and reports whether the entry is still live.
// On reaching the retry budget the entry is removed silently — the only
// user-visible signal is the absence of any delivery on the peer.
func (c *Connection) retransmit(o *outboundReliable) bool {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return false
	}
	if _, ok := c.outbound[o.seq]; !ok {
		c.mu.Unlock()
		return false
	}
	o.tries++
	exhausted := o.tries >= c.cfg.MaxRetries
	if exhausted {
		delete(c.outbound, o.seq)
	}
	c.mu.Unlock()

	c.tr.transmit(c.peer, o.header, o.body)
	util.Stats.AddRetransmit()

	if exhausted {
		util.LogDebug("[conn %d] reliable seq %d unacked after %d tries, giving up",
			c.id, o.seq, o.tries)
		return false
	}
	return true
}

// handleAck removes the matching in-flight entry. An ack for an unknown
// sequence id is logged and ignored.
func (c *Connection) handleAck(seq uint8) {
	c.touch()

	c.mu.Lock()
	o, ok := c.outbound[seq]
	if ok {
		delete(c.outbound, seq)
	}
	c.mu.Unlock()

	if !ok {
		util.LogWarning("[conn %d] ack for unknown seq %d from %s", c.id, seq, c.peer)
		return
	}
	close(o.stop)
}

// handleReliable acks the packet and applies the ordering rule: in-order
// packets are delivered immediately (draining any consecutive buffered
// successors), early packets are parked in the reorder buffer, and late
// ones are dropped as duplicates.
func (c *Connection) handleReliable(seq uint8, payload []byte) {
	c.touch()
	c.tr.transmit(c.peer, []byte{protocol.TypeAck, seq}, nil)

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}

	if !c.cfg.UseOrdering {
		c.mu.Unlock()
		c.deliver(payload)
		return
	}

	if c.firstPacket {
		c.firstPacket = false
		c.nextExpectedID = seq
	}

	var ready [][]byte
	switch {
	case seq < c.nextExpectedID:
		util.LogDebug("[conn %d] duplicate reliable seq %d (expecting %d)",
			c.id, seq, c.nextExpectedID)

	case seq == c.nextExpectedID:
		ready = append(ready, payload)
		c.nextExpectedID = nextSeq(c.nextExpectedID)
		for {
			p, ok := c.reorder[c.nextExpectedID]
			if !ok {
				break
			}
			delete(c.reorder, c.nextExpectedID)
			ready = append(ready, p)
			c.nextExpectedID = nextSeq(c.nextExpectedID)
		}

	default: // seq ahead of the cursor — hold it back
		c.reorder[seq] = append([]byte(nil), payload...)
	}
	c.mu.Unlock()

	for _, p := range ready {
		c.deliver(p)
	}
}
