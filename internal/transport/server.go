package transport

import (
	"github.com/1ureka/rudp1/internal/config"
	"github.com/1ureka/rudp1/internal/util"
)

// Server is the listening variant of Transport: its receive loop runs from
// construction, an unknown peer materializes a new connection (without
// initiating a handshake — the incoming packet carries it), and
// DisconnectAll leaves the socket open so the server keeps listening.
type Server struct {
	*Transport
}

// NewServer binds port and starts accepting first-contact peers
// immediately.
func NewServer(port int, cfg config.Config) (*Server, error) {
	t, err := newTransport(port, cfg, true)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.running = true
	go t.recvLoop(t.sock)
	t.mu.Unlock()

	util.LogInfo("listening on UDP port %d", t.Port())
	return &Server{Transport: t}, nil
}
