// Package tcpserver provides a line-oriented TCP server that tracks every
// connected peer in a concurrent registry, notifies callers of peer
// lifecycle and received lines, and sends to one, many or all peers.
package tcpserver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"

	"github.com/cyberinferno/netroad/codec"
	"github.com/cyberinferno/netroad/endpoint"
	"github.com/cyberinferno/netroad/framing"
	"github.com/cyberinferno/netroad/idgenerator"
	"github.com/cyberinferno/netroad/logger"
	"github.com/cyberinferno/netroad/registry"
	"github.com/cyberinferno/netroad/transport"
)

const (
	// DefaultBacklog requests the largest pending-connection queue the OS allows.
	DefaultBacklog = math.MaxInt32
	// DefaultSendTimeout bounds each per-peer write.
	DefaultSendTimeout = 3 * time.Second

	maxAcceptDelay = time.Second
)

var (
	// ErrAlreadyStarted is returned by Start on a started Server.
	ErrAlreadyStarted = errors.New("server already started")
	// ErrNotRunning is returned by Stop on a Server that is not running.
	ErrNotRunning = errors.New("server not running")
	// ErrPeerNotFound is returned when a send targets an unknown peer.
	ErrPeerNotFound = errors.New("peer not found")
)

// Config holds configuration for a Server.
type Config struct {
	// Name labels the server in logs.
	Name string
	// Address is the IPv4 literal to bind; empty binds every interface.
	Address string
	// Port is the port to bind (0-65535); 0 picks a free port.
	Port int
	// Encoding is the character encoding of the wire text; must not be nil.
	Encoding encoding.Encoding
	// Backlog is the pending-connection queue length; <= 0 means DefaultBacklog.
	Backlog int
	// SendTimeout bounds each per-peer write; <= 0 means DefaultSendTimeout.
	SendTimeout time.Duration
	// Logger receives lifecycle and fault logs; nil disables logging.
	Logger logger.Logger
}

// DefaultConfig returns a UTF-8 Config for address and port.
func DefaultConfig(address string, port int) Config {
	return Config{
		Name:        "netroad",
		Address:     address,
		Port:        port,
		Encoding:    unicode.UTF8,
		Backlog:     DefaultBacklog,
		SendTimeout: DefaultSendTimeout,
	}
}

// Server is a TCP server that accepts connections, runs one receive goroutine
// per peer and keeps the set of live peers in a registry. Start is
// non-blocking; Run blocks until the context ends or Stop is called.
type Server struct {
	config Config
	bind   endpoint.Endpoint
	codec  *codec.Codec
	log    logger.Logger

	peers *registry.Registry[PeerID, *Peer]
	ids   *idgenerator.IdGenerator[PeerID]

	started atomic.Bool
	running atomic.Bool

	mu             sync.RWMutex
	listener       net.Listener
	bound          endpoint.Endpoint
	onStarted      StartedHandler
	onConnected    PeerHandler
	onDisconnected PeerHandler
	onDataReceived DataReceivedHandler
	onError        ErrorHandler

	wg   sync.WaitGroup
	done chan struct{}
}

// New validates config and creates a Server that is not yet listening.
//
// Parameters:
//   - config: Server settings (e.g. from DefaultConfig)
//
// Returns:
//   - The Server, or a validation error wrapping endpoint.ErrInvalidAddress,
//     endpoint.ErrPortOutOfRange or codec.ErrNilEncoding
func New(config Config) (*Server, error) {
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

	if config.Backlog <= 0 {
		config.Backlog = DefaultBacklog
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultSendTimeout
	}
	if config.Name == "" {
		config.Name = "netroad"
	}

	return &Server{
		config: config,
		bind:   bind,
		codec:  c,
		log:    logger.OrNop(config.Logger).With(logger.Field{Key: "server", Value: config.Name}),
		peers:  registry.New[PeerID, *Peer](),
		ids:    idgenerator.NewIdGenerator[PeerID](0),
		bound:  bind,
		done:   make(chan struct{}),
	}, nil
}

// OnStarted registers the started handler, replacing any previous one.
func (s *Server) OnStarted(handler StartedHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStarted = handler
}

// OnConnected registers the peer connected handler, replacing any previous one.
func (s *Server) OnConnected(handler PeerHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnected = handler
}

// OnDisconnected registers the peer disconnected handler, replacing any previous one.
func (s *Server) OnDisconnected(handler PeerHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnected = handler
}

// OnDataReceived registers the data handler, replacing any previous one.
func (s *Server) OnDataReceived(handler DataReceivedHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDataReceived = handler
}

// OnError registers the error handler, replacing any previous one.
func (s *Server) OnError(handler ErrorHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = handler
}

// Start binds the listener with the configured backlog, delivers the started
// event and launches the accept loop in a goroutine. It returns immediately.
//
// Returns:
//   - ErrAlreadyStarted if Start was called before, or the listen error
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		s.log.Error("server already started")
		return ErrAlreadyStarted
	}

	ln, err := listen(s.bind, s.config.Backlog)
	if err != nil {
		s.started.Store(false)
		s.log.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s failed to start: %w", s.config.Name, err)
	}

	bound := endpoint.FromNetAddr(ln.Addr())
	s.mu.Lock()
	s.listener = ln
	s.bound = bound
	s.mu.Unlock()
	s.running.Store(true)

	s.log.Info("server started", logger.Field{Key: "addr", Value: bound.String()})
	s.emitStarted(bound)

	s.wg.Add(1)
	go s.acceptLoop(ln)

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

// Wait blocks until the server has been stopped.
func (s *Server) Wait() {
	<-s.done
}

// Stop closes the listener and every peer connection, then waits for the
// accept loop and all receive goroutines to exit. Each peer still receives
// its disconnected event. Stop must not be called from a handler.
//
// Returns:
//   - ErrNotRunning if the server is not running
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}

	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()

	err := ln.Close()

	s.peers.Range(func(_ PeerID, p *Peer) bool {
		_ = p.Close()
		return true
	})

	s.wg.Wait()
	close(s.done)

	s.log.Info("server stopped")
	return err
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the bound endpoint once started, or the configured one before.
func (s *Server) Addr() endpoint.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bound
}

// Peer returns the live peer with the given id.
func (s *Server) Peer(id PeerID) (*Peer, bool) {
	return s.peers.Get(id)
}

// Peers returns a snapshot of the live peers ordered by id.
func (s *Server) Peers() []*Peer {
	peers := s.peers.Values()
	slices.SortFunc(peers, func(a, b *Peer) int {
		return cmp.Compare(a.id, b.id)
	})

	return peers
}

// PeerCount returns the number of live peers.
func (s *Server) PeerCount() int {
	return s.peers.Len()
}

// SendToOne writes content as one line to a single peer.
//
// Parameters:
//   - id: The target peer
//   - content: The message text; blank content is rejected
//
// Returns:
//   - framing.ErrEmptyContent, an error wrapping ErrPeerNotFound, or the write error
func (s *Server) SendToOne(id PeerID, content string) error {
	if err := framing.Validate(content); err != nil {
		return err
	}

	peer, ok := s.peers.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrPeerNotFound, id)
	}

	return s.sendTo(peer, content).Err
}

// SendToMany writes content to each listed peer. Unknown peers are reported
// as failed results.
//
// Returns:
//   - One SendResult per id, in order
//   - framing.ErrEmptyContent when content is blank, in which case nothing is sent
func (s *Server) SendToMany(ids []PeerID, content string) (SendResults, error) {
	if err := framing.Validate(content); err != nil {
		return nil, err
	}

	results := make(SendResults, 0, len(ids))
	for _, id := range ids {
		peer, ok := s.peers.Get(id)
		if !ok {
			results = append(results, SendResult{Peer: id, Err: fmt.Errorf("%w: %d", ErrPeerNotFound, id)})
			continue
		}

		results = append(results, s.sendTo(peer, content))
	}

	return results, nil
}

// SendToAll writes content to every peer registered when the call starts.
//
// Returns:
//   - One SendResult per peer, ordered by peer id
//   - framing.ErrEmptyContent when content is blank, in which case nothing is sent
func (s *Server) SendToAll(content string) (SendResults, error) {
	if err := framing.Validate(content); err != nil {
		return nil, err
	}

	peers := s.Peers()
	results := make(SendResults, 0, len(peers))
	for _, peer := range peers {
		results = append(results, s.sendTo(peer, content))
	}

	return results, nil
}

func (s *Server) sendTo(peer *Peer, content string) SendResult {
	err := peer.Send(content, s.config.SendTimeout)
	if err != nil {
		s.log.Warn("send to peer failed",
			logger.Field{Key: "peer", Value: peer.id},
			logger.Field{Key: "error", Value: err},
		)
	}

	return SendResult{Peer: peer.id, Remote: peer.remote, Err: err}
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}

			s.log.Error("accept error", logger.Field{Key: "error", Value: err}, logger.Field{Key: "retry_in", Value: delay.String()})
			s.emitError(0, err)
			time.Sleep(delay)
			continue
		}

		delay = 0
		s.accept(nc)
	}
}

// accept registers the connection, starts its receive goroutine and then
// delivers the connected event. The receive goroutine waits for that
// delivery so connected always precedes the peer's first data event.
func (s *Server) accept(nc net.Conn) {
	peer := newPeer(s.ids.Next(), transport.Wrap(nc, s.codec))
	s.peers.Insert(peer.id, peer)

	// Stop may have scanned the registry before the insert.
	if !s.running.Load() {
		_ = peer.Close()
	}

	ready := make(chan struct{})
	s.wg.Add(1)
	go s.receive(peer, ready)

	s.log.Info("peer connected", logger.Field{Key: "peer", Value: peer.id}, logger.Field{Key: "remote", Value: peer.remote.String()})
	s.emitPeer(s.connectedHandler(), peer, nil)
	close(ready)
}

func (s *Server) receive(peer *Peer, ready <-chan struct{}) {
	defer s.wg.Done()
	<-ready

	var err error
	for {
		var line string
		line, err = peer.conn.ReadLine()
		if err != nil {
			break
		}

		if line != "" {
			s.emitDataReceived(peer, line)
		}
	}

	if _, removed := s.peers.Remove(peer.id); !removed {
		return
	}

	_ = peer.Close()

	var cause error
	if transport.IsBenign(err) {
		s.log.Info("peer disconnected", logger.Field{Key: "peer", Value: peer.id}, logger.Field{Key: "reason", Value: err.Error()})
	} else {
		cause = err
		s.log.Error("peer receive failed", logger.Field{Key: "peer", Value: peer.id}, logger.Field{Key: "error", Value: err})
		s.emitError(peer.id, err)
	}

	s.emitPeer(s.disconnectedHandler(), peer, cause)
}

func (s *Server) connectedHandler() PeerHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onConnected
}

func (s *Server) disconnectedHandler() PeerHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onDisconnected
}

func (s *Server) emitStarted(bound endpoint.Endpoint) {
	s.mu.RLock()
	handler := s.onStarted
	s.mu.RUnlock()

	if handler != nil {
		handler(StartedEvent{Endpoint: bound, Timestamp: time.Now()})
	}
}

func (s *Server) emitPeer(handler PeerHandler, peer *Peer, err error) {
	if handler != nil {
		handler(PeerEvent{Peer: peer.id, Remote: peer.remote, Timestamp: time.Now(), Error: err})
	}
}

func (s *Server) emitDataReceived(peer *Peer, message string) {
	s.mu.RLock()
	handler := s.onDataReceived
	s.mu.RUnlock()

	if handler != nil {
		handler(DataReceivedEvent{Peer: peer.id, Remote: peer.remote, Message: message, Timestamp: time.Now()})
	}
}

func (s *Server) emitError(peer PeerID, err error) {
	s.mu.RLock()
	handler := s.onError
	s.mu.RUnlock()

	if handler != nil {
		handler(ErrorEvent{Peer: peer, Error: err, Timestamp: time.Now()})
	}
}
