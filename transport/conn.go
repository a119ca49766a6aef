// Package transport wraps a single TCP socket with line framing, per-write
// send deadlines and a strict Idle -> Connected -> Closed lifecycle.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/netroad/codec"
	"github.com/cyberinferno/netroad/endpoint"
	"github.com/cyberinferno/netroad/framing"
)

// State is the lifecycle state of a Conn.
type State int

const (
	Idle       State = iota // Created but not connected
	Connecting              // Dial in progress
	Connected               // Socket established
	Closed                 // Socket released; the Conn cannot be reused
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

var (
	// ErrClosed is returned when operating on, or closing, a closed Conn.
	ErrClosed = errors.New("connection is closed")
	// ErrNotConnected is returned when sending or reading on an Idle Conn.
	ErrNotConnected = errors.New("connection is not connected")
	// ErrAlreadyConnected is returned by Connect on a Conn that is not Idle.
	ErrAlreadyConnected = errors.New("connection is already connected")
)

// Conn is one TCP endpoint. Sends may be issued from any goroutine; ReadLine
// must only be called by the goroutine that owns the receive loop.
type Conn struct {
	remote endpoint.Endpoint
	codec  *codec.Codec

	// dial opens the socket; replaceable in tests.
	dial func(ctx context.Context, network, address string) (net.Conn, error)

	mu    sync.RWMutex
	nc    net.Conn
	state State

	// wmu keeps concurrent frames from interleaving.
	wmu    sync.Mutex
	reader *framing.Reader
}

// New creates an Idle Conn for remote. Call Connect to open the socket.
func New(remote endpoint.Endpoint, c *codec.Codec) *Conn {
	var d net.Dialer
	return &Conn{remote: remote, codec: c, state: Idle, dial: d.DialContext}
}

// Wrap adopts an already established socket, such as one returned by a
// listener's Accept. The returned Conn is Connected.
func Wrap(nc net.Conn, c *codec.Codec) *Conn {
	return &Conn{
		remote: endpoint.FromNetAddr(nc.RemoteAddr()),
		codec:  c,
		nc:     nc,
		state:  Connected,
		reader: framing.NewReader(nc, c),
	}
}

// Connect opens the socket. Refused, unreachable and timed out attempts are
// reported as (false, nil) and leave the Conn Idle so it may be retried; any
// other failure is returned as an error. The Conn is Connecting while the
// dial is in flight; a Close during that window makes Connect return ErrClosed.
//
// Parameters:
//   - ctx: Context bounding the dial
//   - timeout: Maximum duration of the dial; 0 means no timeout
//
// Returns:
//   - true if the socket is connected
//   - An error for precondition violations or unexpected failures
func (c *Conn) Connect(ctx context.Context, timeout time.Duration) (bool, error) {
	c.mu.Lock()
	switch c.state {
	case Connecting, Connected:
		c.mu.Unlock()
		return false, ErrAlreadyConnected
	case Closed:
		c.mu.Unlock()
		return false, ErrClosed
	}
	c.state = Connecting
	c.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	nc, err := c.dial(ctx, "tcp4", c.remote.String())

	c.mu.Lock()
	defer c.mu.Unlock()

	// Close ran while the dial was in flight.
	if c.state == Closed {
		if nc != nil {
			_ = nc.Close()
		}

		return false, ErrClosed
	}

	if err != nil {
		c.state = Idle
		if IsUnreachable(err) {
			return false, nil
		}

		return false, fmt.Errorf("connect %s: %w", c.remote, err)
	}

	c.nc = nc
	c.reader = framing.NewReader(nc, c.codec)
	c.state = Connected
	return true, nil
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// RemoteEndpoint returns the peer address.
func (c *Conn) RemoteEndpoint() endpoint.Endpoint {
	return c.remote
}

// LocalEndpoint returns the local socket address, or an invalid Endpoint
// when the Conn has never connected.
func (c *Conn) LocalEndpoint() endpoint.Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.nc == nil {
		return endpoint.Endpoint{}
	}

	return endpoint.FromNetAddr(c.nc.LocalAddr())
}

// SendLine encodes text, appends the line terminator and writes the frame.
// A positive timeout bounds the write; exceeding it returns the timeout error.
func (c *Conn) SendLine(text string, timeout time.Duration) error {
	frame, err := framing.AppendText(c.codec, text)
	if err != nil {
		return err
	}

	return c.write(frame, timeout)
}

// SendRaw writes payload followed by the line terminator without re-encoding it.
func (c *Conn) SendRaw(payload []byte, timeout time.Duration) error {
	if err := framing.ValidateRaw(payload); err != nil {
		return err
	}

	return c.write(framing.AppendRaw(payload), timeout)
}

func (c *Conn) write(frame []byte, timeout time.Duration) error {
	nc, err := c.active()
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if timeout > 0 {
		if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("send to %s: %w", c.remote, err)
		}

		defer func() {
			_ = nc.SetWriteDeadline(time.Time{})
		}()
	}

	if _, err := nc.Write(frame); err != nil {
		return fmt.Errorf("send to %s: %w", c.remote, err)
	}

	return nil
}

// ReadLine blocks until the next complete line arrives. It returns an error
// once the peer closes the stream or the Conn is closed locally.
func (c *Conn) ReadLine() (string, error) {
	c.mu.RLock()
	reader, state := c.reader, c.state
	c.mu.RUnlock()

	if reader == nil {
		if state == Closed {
			return "", ErrClosed
		}

		return "", ErrNotConnected
	}

	return reader.ReadLine()
}

// Close releases the socket. Closing an already closed Conn returns ErrClosed;
// callers that race on teardown must tolerate it.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Closed {
		return ErrClosed
	}

	c.state = Closed
	if c.nc == nil {
		return nil
	}

	return c.nc.Close()
}

func (c *Conn) active() (net.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.state {
	case Idle, Connecting:
		return nil, ErrNotConnected
	case Closed:
		return nil, ErrClosed
	}

	return c.nc, nil
}
