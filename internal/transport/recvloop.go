package transport

import (
	"errors"
	"net"
	"os"

	"github.com/1ureka/rudp1/internal/protocol"
	"github.com/1ureka/rudp1/internal/util"
)

// recvLoop blocks in ReadFromUDP until the socket is closed. Recoverable
// errors (timeouts) resume the loop; anything unexpected is logged and,
// when ExitOnReceiveException is set, terminates the process.
func (t *Transport) recvLoop(sock *net.UDPConn) {
	buf := make([]byte, protocol.MaxDatagram)

	for {
		n, addr, err := sock.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			util.LogError("receive loop: %v", err)
			if t.cfg.ExitOnReceiveException {
				os.Exit(1)
			}
			continue
		}
		if n == 0 {
			continue
		}
		util.Stats.AddRecv(n)

		data := make([]byte, n)
		copy(data, buf[:n])
		t.dispatch(addr, data)
	}
}

// dispatch routes one datagram to its connection. A Server materializes a
// connection for an unknown peer (the packet is expected to be TypeInit);
// the client variant drops traffic from peers it never connected to.
func (t *Transport) dispatch(addr *net.UDPAddr, data []byte) {
	key := addr.String()

	t.mu.Lock()
	c, known := t.peers[key]
	if !known {
		if !t.server || data[0] == protocol.TypeDisconnect {
			t.mu.Unlock()
			util.LogDebug("dropping datagram from unknown peer %s", key)
			return
		}
		c = t.newConnLocked(addr)
		util.LogDebug("[conn %d] new peer %s", c.id, key)
	}
	t.mu.Unlock()

	if data[0] == protocol.TypeDisconnect {
		util.LogInfo("[conn %d] peer %s disconnected", c.id, key)
		c.close(protocol.ReasonDisconnect, false)
		return
	}
	c.processInbound(data)
}
