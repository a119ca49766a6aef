package tcpserver

import (
	"time"

	"github.com/cyberinferno/netroad/endpoint"
	"github.com/cyberinferno/netroad/transport"
)

// PeerID identifies one accepted connection for the lifetime of a Server.
type PeerID uint32

// Peer is one accepted connection. A Peer is present in the server registry
// exactly while its receive goroutine is running.
type Peer struct {
	id          PeerID
	remote      endpoint.Endpoint
	connectedAt time.Time
	conn        *transport.Conn
}

func newPeer(id PeerID, conn *transport.Conn) *Peer {
	return &Peer{
		id:          id,
		remote:      conn.RemoteEndpoint(),
		connectedAt: time.Now(),
		conn:        conn,
	}
}

// ID returns the peer's identity.
func (p *Peer) ID() PeerID {
	return p.id
}

// Remote returns the peer's address.
func (p *Peer) Remote() endpoint.Endpoint {
	return p.remote
}

// ConnectedAt returns when the connection was accepted.
func (p *Peer) ConnectedAt() time.Time {
	return p.connectedAt
}

// Send writes content as one line to this peer. Content is not validated
// here; use the Server send methods for validated sends.
func (p *Peer) Send(content string, timeout time.Duration) error {
	return p.conn.SendLine(content, timeout)
}

// Close closes the peer connection. Its receive goroutine then removes it
// from the registry and delivers the disconnected event.
func (p *Peer) Close() error {
	return p.conn.Close()
}
