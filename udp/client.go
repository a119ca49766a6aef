package udp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"

	"github.com/cyberinferno/netroad/codec"
	"github.com/cyberinferno/netroad/endpoint"
	"github.com/cyberinferno/netroad/framing"
	"github.com/cyberinferno/netroad/logger"
)

// ClientConfig holds configuration for a UDP Client.
type ClientConfig struct {
	// Address is the default peer's IPv4 literal.
	Address string
	// Port is the default peer's port (0-65535).
	Port int
	// Encoding is the character encoding of the datagram text; must not be nil.
	Encoding encoding.Encoding
	// Receive starts a background receive loop after Connect.
	Receive bool
	// ReadBufferSize is the largest datagram accepted; <= 0 means DefaultReadBufferSize.
	ReadBufferSize int
	// Logger receives lifecycle and fault logs; nil disables logging.
	Logger logger.Logger
}

// DefaultClientConfig returns a UTF-8 receiving ClientConfig for address and port.
func DefaultClientConfig(address string, port int) ClientConfig {
	return ClientConfig{
		Address:        address,
		Port:           port,
		Encoding:       unicode.UTF8,
		Receive:        true,
		ReadBufferSize: DefaultReadBufferSize,
	}
}

// Client is a UDP endpoint associated with one default peer.
type Client struct {
	config ClientConfig
	remote endpoint.Endpoint
	codec  *codec.Codec
	log    logger.Logger

	mu         sync.RWMutex
	conn       *net.UDPConn
	closed     bool
	onDatagram DatagramHandler
	onError    ErrorHandler

	wg sync.WaitGroup
}

// NewClient validates config and creates an unconnected Client.
//
// Returns:
//   - The Client, or a validation error wrapping endpoint.ErrInvalidAddress,
//     endpoint.ErrPortOutOfRange or codec.ErrNilEncoding
func NewClient(config ClientConfig) (*Client, error) {
	remote, err := endpoint.Parse(config.Address, config.Port)
	if err != nil {
		return nil, err
	}

	c, err := codec.New(config.Encoding)
	if err != nil {
		return nil, err
	}

	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = DefaultReadBufferSize
	}

	return &Client{
		config: config,
		remote: remote,
		codec:  c,
		log:    logger.OrNop(config.Logger).With(logger.Field{Key: "udp_peer", Value: remote.String()}),
	}, nil
}

// OnDataReceived registers the datagram handler, replacing any previous one.
func (c *Client) OnDataReceived(handler DatagramHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDatagram = handler
}

// OnError registers the error handler, replacing any previous one.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Remote returns the default peer.
func (c *Client) Remote() endpoint.Endpoint {
	return c.remote
}

// Local returns the local socket address once connected.
func (c *Client) Local() endpoint.Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return endpoint.Endpoint{}
	}

	return endpoint.FromNetAddr(c.conn.LocalAddr())
}

// Connect associates the socket with the default peer and, when receiving
// is enabled, starts the receive goroutine.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.conn != nil {
		return ErrAlreadyConnected
	}

	conn, err := net.DialUDP("udp4", nil, c.remote.UDPAddr())
	if err != nil {
		return fmt.Errorf("associate %s: %w", c.remote, err)
	}
	c.conn = conn

	if c.config.Receive {
		r := &receiver{
			conn:       conn,
			codec:      c.codec,
			size:       c.config.ReadBufferSize,
			log:        c.log,
			onDatagram: c.emitDatagram,
			onFailure:  c.emitError,
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			r.run()
		}()
	}

	c.log.Info("udp client associated", logger.Field{Key: "local", Value: endpoint.FromNetAddr(conn.LocalAddr()).String()})
	return nil
}

// Send encodes content and sends it as one datagram to the default peer.
//
// Returns:
//   - framing.ErrEmptyContent for blank content, ErrNotConnected before
//     Connect, ErrClosed after Close, or the write error
func (c *Client) Send(content string) error {
	if err := framing.Validate(content); err != nil {
		return err
	}

	c.mu.RLock()
	conn, closed := c.conn, c.closed
	c.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	payload, err := c.codec.Encode(content)
	if err != nil {
		return err
	}

	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("send to %s: %w", c.remote, err)
	}

	return nil
}

// Close releases the socket and waits for the receive goroutine to exit. A
// second Close returns ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.conn = nil
	c.closed = true
	c.mu.Unlock()

	err := conn.Close()
	c.wg.Wait()

	c.log.Info("udp client closed")
	return err
}

func (c *Client) emitDatagram(from endpoint.Endpoint, message string) {
	c.mu.RLock()
	handler := c.onDatagram
	c.mu.RUnlock()

	if handler != nil {
		handler(DatagramEvent{From: from, Message: message, Timestamp: time.Now()})
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		handler(ErrorEvent{Error: err, Timestamp: time.Now()})
	}
}
