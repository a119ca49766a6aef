// Package udp provides connectionless text endpoints. A Client sends to one
// fixed default peer; a Server receives from any sender. Every datagram is
// delivered with the sender address captured at the moment it was read.
package udp

import (
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/cyberinferno/netroad/codec"
	"github.com/cyberinferno/netroad/endpoint"
	"github.com/cyberinferno/netroad/logger"
)

// DefaultReadBufferSize fits the largest possible UDP payload.
const DefaultReadBufferSize = 65535

var (
	// ErrAlreadyConnected is returned by Client.Connect on a connected Client.
	ErrAlreadyConnected = errors.New("udp client is already connected")
	// ErrNotConnected is returned when a Client is used before Connect.
	ErrNotConnected = errors.New("udp client is not connected")
	// ErrClosed is returned when a closed Client is reused.
	ErrClosed = errors.New("udp client is closed")
	// ErrAlreadyStarted is returned by Server.Start on a started Server.
	ErrAlreadyStarted = errors.New("udp server already started")
	// ErrNotRunning is returned by Server.Stop on a Server that is not running.
	ErrNotRunning = errors.New("udp server not running")
)

// DatagramEvent is delivered for every non-empty datagram.
type DatagramEvent struct {
	From      endpoint.Endpoint // Sender of this datagram
	Message   string
	Timestamp time.Time
}

// ErrorEvent is delivered when a receive loop stops on an unexpected error.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

// StartedEvent is delivered once when a Server is bound.
type StartedEvent struct {
	Endpoint  endpoint.Endpoint
	Timestamp time.Time
}

type (
	// DatagramHandler is called from the receive goroutine, one datagram at a time.
	DatagramHandler func(event DatagramEvent)
	// ErrorHandler is called from the receive goroutine before it exits.
	ErrorHandler func(event ErrorEvent)
	// StartedHandler is called once from Server.Start.
	StartedHandler func(event StartedEvent)
)

// receiver reads datagrams until the socket is closed.
type receiver struct {
	conn  *net.UDPConn
	codec *codec.Codec
	size  int
	log   logger.Logger

	onDatagram func(from endpoint.Endpoint, message string)
	onFailure  func(err error)
}

func (r *receiver) run() {
	buf := make([]byte, r.size)
	for {
		n, from, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			// ICMP port unreachable from an earlier send on a connected socket.
			if errors.Is(err, syscall.ECONNREFUSED) {
				r.log.Debug("peer port unreachable")
				continue
			}

			r.log.Error("receive failed", logger.Field{Key: "error", Value: err})
			r.onFailure(err)
			return
		}

		// capture the sender now; buf and from are reused by the next read
		sender := endpoint.FromAddrPort(from)

		message, err := r.codec.Decode(buf[:n])
		if err != nil {
			r.log.Warn("dropping undecodable datagram",
				logger.Field{Key: "from", Value: sender.String()},
				logger.Field{Key: "error", Value: err},
			)
			continue
		}

		if message == "" {
			continue
		}

		r.onDatagram(sender, message)
	}
}
