//go:build !linux

package tcpserver

import (
	"net"

	"github.com/cyberinferno/netroad/endpoint"
)

// listen binds an IPv4 listener. The runtime picks the backlog on this platform.
func listen(ep endpoint.Endpoint, _ int) (net.Listener, error) {
	return net.Listen("tcp4", ep.String())
}
