package udp

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"

	"github.com/cyberinferno/netroad/codec"
	"github.com/cyberinferno/netroad/endpoint"
	"github.com/cyberinferno/netroad/framing"
	"github.com/cyberinferno/netroad/logger"
)

// DefaultSenderTTL is how long a sender stays in the recent-senders table.
const DefaultSenderTTL = 5 * time.Minute

// ServerConfig holds configuration for a UDP Server.
type ServerConfig struct {
	// Address is the IPv4 literal to bind; empty binds every interface.
	Address string
	// Port is the port to bind (0-65535); 0 picks a free port.
	Port int
	// Encoding is the character encoding of the datagram text; must not be nil.
	Encoding encoding.Encoding
	// ReadBufferSize is the largest datagram accepted; <= 0 means DefaultReadBufferSize.
	ReadBufferSize int
	// SenderTTL is how long a sender is remembered after its last datagram;
	// <= 0 means DefaultSenderTTL.
	SenderTTL time.Duration
	// Logger receives lifecycle and fault logs; nil disables logging.
	Logger logger.Logger
}

// DefaultServerConfig returns a UTF-8 ServerConfig for address and port.
func DefaultServerConfig(address string, port int) ServerConfig {
	return ServerConfig{
		Address:        address,
		Port:           port,
		Encoding:       unicode.UTF8,
		ReadBufferSize: DefaultReadBufferSize,
		SenderTTL:      DefaultSenderTTL,
	}
}

// Server receives datagrams from any sender. It keeps no per-sender session;
// each DatagramEvent names its own sender.
type Server struct {
	config ServerConfig
	bind   endpoint.Endpoint
	codec  *codec.Codec
	log    logger.Logger

	// senders maps "addr:port" to endpoint.Endpoint with a sliding TTL.
	senders *cache.Cache

	started atomic.Bool
	running atomic.Bool

	mu         sync.RWMutex
	conn       *net.UDPConn
	bound      endpoint.Endpoint
	onStarted  StartedHandler
	onDatagram DatagramHandler
	onError    ErrorHandler

	wg   sync.WaitGroup
	done chan struct{}
}

// NewServer validates config and creates a Server that is not yet bound.
func NewServer(config ServerConfig) (*Server, error) {
	var (
		bind endpoint.Endpoint
		err  error
	)
	if config.Address == "" {
		bind, err = endpoint.Any(config.Port)
	} else {
		bind, err = endpoint.Parse(config.Address, config.Port)
	}
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
	if config.SenderTTL <= 0 {
		config.SenderTTL = DefaultSenderTTL
	}

	return &Server{
		config:  config,
		bind:    bind,
		codec:   c,
		log:     logger.OrNop(config.Logger).With(logger.Field{Key: "udp_server", Value: bind.String()}),
		senders: cache.New(config.SenderTTL, config.SenderTTL),
		bound:   bind,
		done:    make(chan struct{}),
	}, nil
}

// OnStarted registers the started handler, replacing any previous one.
func (s *Server) OnStarted(handler StartedHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStarted = handler
}

// OnDataReceived registers the datagram handler, replacing any previous one.
func (s *Server) OnDataReceived(handler DatagramHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDatagram = handler
}

// OnError registers the error handler, replacing any previous one.
func (s *Server) OnError(handler ErrorHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = handler
}

// Start binds the socket and launches the receive goroutine. It returns immediately.
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	conn, err := net.ListenUDP("udp4", s.bind.UDPAddr())
	if err != nil {
		s.started.Store(false)
		s.log.Error("udp server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("udp server failed to start: %w", err)
	}

	bound := endpoint.FromNetAddr(conn.LocalAddr())
	s.mu.Lock()
	s.conn = conn
	s.bound = bound
	handler := s.onStarted
	s.mu.Unlock()
	s.running.Store(true)

	s.log.Info("udp server started", logger.Field{Key: "addr", Value: bound.String()})
	if handler != nil {
		handler(StartedEvent{Endpoint: bound, Timestamp: time.Now()})
	}

	r := &receiver{
		conn:       conn,
		codec:      s.codec,
		size:       s.config.ReadBufferSize,
		log:        s.log,
		onDatagram: s.handleDatagram,
		onFailure:  s.emitError,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r.run()
	}()

	return nil
}

// Run starts the server and blocks until ctx is done or Stop is called.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		if err := s.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
			return err
		}
	case <-s.done:
	}

	return nil
}

// Stop closes the socket and waits for the receive goroutine to exit.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	err := conn.Close()
	s.wg.Wait()
	close(s.done)

	s.log.Info("udp server stopped")
	return err
}

// Wait blocks until the server has been stopped.
func (s *Server) Wait() {
	<-s.done
}

// IsRunning reports whether the server is receiving.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the bound endpoint once started, or the configured one before.
func (s *Server) Addr() endpoint.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bound
}

// Senders returns the senders seen within the configured TTL, ordered by address.
func (s *Server) Senders() []endpoint.Endpoint {
	items := s.senders.Items()
	senders := make([]endpoint.Endpoint, 0, len(items))
	for _, item := range items {
		if ep, ok := item.Object.(endpoint.Endpoint); ok {
			senders = append(senders, ep)
		}
	}

	slices.SortFunc(senders, func(a, b endpoint.Endpoint) int {
		return cmp.Or(a.Addr().Compare(b.Addr()), cmp.Compare(a.Port(), b.Port()))
	})

	return senders
}

// SendTo encodes content and sends it as one datagram to the given peer,
// typically the From of a received DatagramEvent.
func (s *Server) SendTo(to endpoint.Endpoint, content string) error {
	if err := framing.Validate(content); err != nil {
		return err
	}

	if !to.IsValid() {
		return endpoint.ErrInvalidAddress
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil || !s.running.Load() {
		return ErrNotRunning
	}

	payload, err := s.codec.Encode(content)
	if err != nil {
		return err
	}

	if _, err := conn.WriteToUDPAddrPort(payload, to.AddrPort()); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}

	return nil
}

func (s *Server) handleDatagram(from endpoint.Endpoint, message string) {
	s.senders.SetDefault(from.String(), from)

	s.mu.RLock()
	handler := s.onDatagram
	s.mu.RUnlock()

	if handler != nil {
		handler(DatagramEvent{From: from, Message: message, Timestamp: time.Now()})
	}
}

func (s *Server) emitError(err error) {
	s.mu.RLock()
	handler := s.onError
	s.mu.RUnlock()

	if handler != nil {
		handler(ErrorEvent{Error: err, Timestamp: time.Now()})
	}
}
