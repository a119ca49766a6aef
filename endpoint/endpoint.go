// Package endpoint provides validated IPv4 address/port pairs used by every
// client and server constructor in the module.
package endpoint

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/netip"
)

var (
	// ErrInvalidAddress is returned when an address is not a valid IPv4 literal.
	ErrInvalidAddress = errors.New("address must be a valid IPv4 address")
	// ErrPortOutOfRange is returned when a port is outside 0-65535.
	ErrPortOutOfRange = errors.New("port must be in range 0-65535")
)

// Endpoint is an immutable IPv4 address and port pair.
type Endpoint struct {
	addr netip.Addr
	port uint16
}

// Parse validates address and port and returns the matching Endpoint.
//
// Parameters:
//   - address: An IPv4 literal such as "127.0.0.1"
//   - port: A port number in the range 0-65535
//
// Returns:
//   - The Endpoint, or an error wrapping ErrInvalidAddress or ErrPortOutOfRange
func Parse(address string, port int) (Endpoint, error) {
	addr, err := netip.ParseAddr(address)
	if err != nil || !addr.Unmap().Is4() {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	return New(addr, port)
}

// New builds an Endpoint from an already parsed address.
//
// Parameters:
//   - addr: An IPv4 (or IPv4-mapped IPv6) address
//   - port: A port number in the range 0-65535
//
// Returns:
//   - The Endpoint, or an error wrapping ErrInvalidAddress or ErrPortOutOfRange
func New(addr netip.Addr, port int) (Endpoint, error) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}

	if port < 0 || port > math.MaxUint16 {
		return Endpoint{}, fmt.Errorf("%w: %d", ErrPortOutOfRange, port)
	}

	return Endpoint{addr: addr, port: uint16(port)}, nil
}

// Any returns the wildcard endpoint 0.0.0.0:port.
func Any(port int) (Endpoint, error) {
	return New(netip.IPv4Unspecified(), port)
}

// FromAddrPort converts an address observed on a socket into an Endpoint.
// IPv4-mapped IPv6 addresses are unmapped; other IPv6 addresses keep their
// address but report IsValid false.
func FromAddrPort(ap netip.AddrPort) Endpoint {
	return Endpoint{addr: ap.Addr().Unmap(), port: ap.Port()}
}

// FromNetAddr converts a net.Addr returned by a TCP or UDP socket.
func FromNetAddr(a net.Addr) Endpoint {
	switch v := a.(type) {
	case *net.TCPAddr:
		return FromAddrPort(v.AddrPort())
	case *net.UDPAddr:
		return FromAddrPort(v.AddrPort())
	}

	if a == nil {
		return Endpoint{}
	}

	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return Endpoint{}
	}

	return FromAddrPort(ap)
}

// Addr returns the IPv4 address.
func (e Endpoint) Addr() netip.Addr {
	return e.addr
}

// Port returns the port number.
func (e Endpoint) Port() int {
	return int(e.port)
}

// IsValid reports whether e holds an IPv4 address.
func (e Endpoint) IsValid() bool {
	return e.addr.Is4()
}

// AddrPort returns e as a netip.AddrPort.
func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(e.addr, e.port)
}

// TCPAddr returns e as a *net.TCPAddr.
func (e Endpoint) TCPAddr() *net.TCPAddr {
	return net.TCPAddrFromAddrPort(e.AddrPort())
}

// UDPAddr returns e as a *net.UDPAddr.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(e.AddrPort())
}

// String returns "address:port".
func (e Endpoint) String() string {
	if !e.addr.IsValid() {
		return "invalid endpoint"
	}

	return e.AddrPort().String()
}
