// Package tcpclient provides a line-oriented TCP client session that notifies
// callers of connection lifecycle changes and received messages via
// registered handlers. A Session connects at most once; use a Factory to
// obtain a fresh Session for every connection attempt.
package tcpclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"

	"github.com/cyberinferno/netroad/codec"
	"github.com/cyberinferno/netroad/endpoint"
	"github.com/cyberinferno/netroad/framing"
	"github.com/cyberinferno/netroad/logger"
	"github.com/cyberinferno/netroad/transport"
)

// DefaultSendTimeout bounds each send when no timeout is configured.
const DefaultSendTimeout = 3 * time.Second

var (
	// ErrAlreadyConnected is returned by Connect on a connected Session.
	ErrAlreadyConnected = errors.New("client is already connected")
	// ErrNotConnected is returned by Disconnect, and by sends in strict mode,
	// when the Session is not connected.
	ErrNotConnected = errors.New("client is not connected")
	// ErrSessionUsed is returned by Connect on a Session that has already
	// been connected and torn down.
	ErrSessionUsed = errors.New("client session already used; create a new session to reconnect")
)

// ConnectionState represents the lifecycle state of a Session.
type ConnectionState int

const (
	Created      ConnectionState = iota // Constructed, never connected
	Connecting                          // Connect in progress
	Connected                           // Socket established
	Disconnected                        // Torn down; the Session cannot reconnect
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Created:
		return "Created"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// ConnectedEvent is delivered once when the Session connects.
type ConnectedEvent struct {
	SessionID uuid.UUID         // The Session identity
	Remote    endpoint.Endpoint // The server address
	Local     endpoint.Endpoint // The local socket address
	Timestamp time.Time
}

// DisconnectedEvent is delivered once when a connected Session is torn down.
type DisconnectedEvent struct {
	SessionID uuid.UUID
	Remote    endpoint.Endpoint
	Timestamp time.Time
	Error     error // Non-nil when teardown was caused by an I/O failure
}

// DataReceivedEvent is delivered for every non-empty line read from the server.
type DataReceivedEvent struct {
	SessionID uuid.UUID
	Remote    endpoint.Endpoint
	Message   string
	Timestamp time.Time
}

// ErrorEvent is delivered when the receive loop stops on a non-benign error.
type ErrorEvent struct {
	SessionID uuid.UUID
	Error     error
	Timestamp time.Time
}

// ConnectedHandler is called after the connection is established and, when
// receiving is enabled, before any DataReceivedHandler call.
type ConnectedHandler func(event ConnectedEvent)

// DisconnectedHandler is called exactly once per established connection.
type DisconnectedHandler func(event DisconnectedEvent)

// DataReceivedHandler is called from the receive goroutine, one line at a time.
type DataReceivedHandler func(event DataReceivedEvent)

// ErrorHandler is called when the receive loop fails with a non-benign error.
type ErrorHandler func(event ErrorEvent)

// Config holds configuration for a client Session.
type Config struct {
	// Address is the server IPv4 literal (e.g. "127.0.0.1").
	Address string
	// Port is the server port (0-65535).
	Port int
	// Encoding is the character encoding of the wire text; must not be nil.
	Encoding encoding.Encoding
	// Receive starts a background receive loop after connecting. When false the
	// Session is send-only and sending while disconnected is an error.
	Receive bool
	// ConnectionTimeout is the max duration for establishing the connection; 0 means no timeout.
	ConnectionTimeout time.Duration
	// SendTimeout is the default per-send write deadline used by Send.
	SendTimeout time.Duration
	// Logger receives lifecycle and fault logs; nil disables logging.
	Logger logger.Logger
}

// DefaultConfig returns a Config with UTF-8 text, background receiving
// enabled, a 10s connection timeout and a 3s send timeout.
//
// Parameters:
//   - address: The server IPv4 literal
//   - port: The server port
//
// Returns:
//   - A Config ready to pass to New
func DefaultConfig(address string, port int) Config {
	return Config{
		Address:           address,
		Port:              port,
		Encoding:          unicode.UTF8,
		Receive:           true,
		ConnectionTimeout: 10 * time.Second,
		SendTimeout:       DefaultSendTimeout,
	}
}

// Session is one client connection to a line-oriented TCP server. Register
// handlers before calling Connect. It is safe for concurrent use.
type Session struct {
	id     uuid.UUID
	config Config
	remote endpoint.Endpoint
	log    logger.Logger
	conn   *transport.Conn

	mu    sync.RWMutex
	state ConnectionState

	onConnected    ConnectedHandler
	onDisconnected DisconnectedHandler
	onDataReceived DataReceivedHandler
	onError        ErrorHandler

	wg sync.WaitGroup
}

// New validates config and creates a Session in the Created state.
//
// Parameters:
//   - config: Connection settings (e.g. from DefaultConfig)
//
// Returns:
//   - The Session, or a validation error wrapping endpoint.ErrInvalidAddress,
//     endpoint.ErrPortOutOfRange or codec.ErrNilEncoding
func New(config Config) (*Session, error) {
	remote, err := endpoint.Parse(config.Address, config.Port)
	if err != nil {
		return nil, err
	}

	c, err := codec.New(config.Encoding)
	if err != nil {
		return nil, err
	}

	return newSession(config, remote, c), nil
}

func newSession(config Config, remote endpoint.Endpoint, c *codec.Codec) *Session {
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultSendTimeout
	}

	id := uuid.New()
	return &Session{
		id:     id,
		config: config,
		remote: remote,
		log: logger.OrNop(config.Logger).With(
			logger.Field{Key: "session", Value: id.String()},
			logger.Field{Key: "remote", Value: remote.String()},
		),
		conn:  transport.New(remote, c),
		state: Created,
	}
}

// ID returns the Session's unique identity.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Remote returns the server endpoint.
func (s *Session) Remote() endpoint.Endpoint {
	return s.remote
}

// Local returns the local socket address once connected.
func (s *Session) Local() endpoint.Endpoint {
	return s.conn.LocalEndpoint()
}

// OnConnected registers the connected handler, replacing any previous one.
func (s *Session) OnConnected(handler ConnectedHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnected = handler
}

// OnDisconnected registers the disconnected handler, replacing any previous one.
func (s *Session) OnDisconnected(handler DisconnectedHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnected = handler
}

// OnDataReceived registers the data handler, replacing any previous one.
func (s *Session) OnDataReceived(handler DataReceivedHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDataReceived = handler
}

// OnError registers the error handler, replacing any previous one.
func (s *Session) OnError(handler ErrorHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = handler
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsConnected reports whether the Session is in the Connected state.
func (s *Session) IsConnected() bool {
	return s.State() == Connected
}

// Connect establishes the connection. See ConnectContext.
func (s *Session) Connect() (bool, error) {
	return s.ConnectContext(context.Background())
}

// ConnectContext establishes the connection. When receiving is enabled the
// receive goroutine is started before the connected event is delivered, and
// it holds back data events until that delivery has completed.
//
// Parameters:
//   - ctx: Context bounding the dial
//
// Returns:
//   - true on success; false with a nil error when the server refused the
//     connection, was unreachable or the dial timed out
//   - ErrAlreadyConnected or ErrSessionUsed on precondition violations, or
//     any unexpected dial failure
func (s *Session) ConnectContext(ctx context.Context) (bool, error) {
	s.mu.Lock()
	switch s.state {
	case Connecting, Connected:
		s.mu.Unlock()
		return false, ErrAlreadyConnected
	case Disconnected:
		s.mu.Unlock()
		return false, ErrSessionUsed
	}
	s.state = Connecting
	s.mu.Unlock()

	ok, err := s.conn.Connect(ctx, s.config.ConnectionTimeout)
	if err != nil || !ok {
		s.mu.Lock()
		s.state = Created
		s.mu.Unlock()

		if err != nil {
			s.log.Error("connect failed", logger.Field{Key: "error", Value: err})
		} else {
			s.log.Debug("server unreachable")
		}

		return false, err
	}

	s.mu.Lock()
	s.state = Connected
	s.mu.Unlock()

	var ready chan struct{}
	if s.config.Receive {
		ready = make(chan struct{})
		s.wg.Add(1)
		go s.readLoop(ready)
	}

	s.log.Info("connected", logger.Field{Key: "local", Value: s.Local().String()})
	s.emitConnected()

	if ready != nil {
		close(ready)
	}

	return true, nil
}

// Disconnect closes the connection and delivers the disconnected event. It
// does not wait for the receive goroutine; use Wait for that.
//
// Returns:
//   - ErrNotConnected if the Session is not connected, otherwise the error
//     from closing the socket
func (s *Session) Disconnect() error {
	if !s.markDisconnected() {
		return ErrNotConnected
	}

	err := s.conn.Close()
	s.log.Info("disconnected")
	s.emitDisconnected(nil)

	return err
}

// Wait blocks until the receive goroutine, if any, has exited.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Send writes content as one line using the configured SendTimeout.
// See SendTimeout.
func (s *Session) Send(content string) (bool, error) {
	return s.SendTimeout(content, s.config.SendTimeout)
}

// SendTimeout writes content as one line, bounded by timeout.
//
// Blank content is rejected with framing.ErrEmptyContent before any I/O.
// Sending before Connect has succeeded returns ErrNotConnected. After the
// connection is lost, strict (send-only) sessions return ErrNotConnected
// while receiving sessions, whose disconnected event has already been
// delivered, return (false, nil). A failed
// write tears the connection down, delivers the disconnected event and
// returns false together with the write error.
//
// Parameters:
//   - content: The message text; must not contain a line terminator
//   - timeout: The write deadline; 0 disables it
//
// Returns:
//   - true if the line was written
//   - An error for invalid content, strict-mode precondition failures or write failures
func (s *Session) SendTimeout(content string, timeout time.Duration) (bool, error) {
	if err := framing.Validate(content); err != nil {
		return false, err
	}

	return s.send(func() error {
		return s.conn.SendLine(content, timeout)
	})
}

// SendBytes writes payload as one line without re-encoding it. The payload
// must not contain the line terminator byte.
func (s *Session) SendBytes(payload []byte) (bool, error) {
	if err := framing.ValidateRaw(payload); err != nil {
		return false, err
	}

	timeout := s.config.SendTimeout
	return s.send(func() error {
		return s.conn.SendRaw(payload, timeout)
	})
}

// SendJSON marshals v into a single JSON line and sends it.
func (s *Session) SendJSON(v any) (bool, error) {
	line, err := codec.MarshalLine(v)
	if err != nil {
		return false, err
	}

	return s.Send(line)
}

func (s *Session) send(write func() error) (bool, error) {
	switch state := s.State(); {
	case state == Connected:
	case !s.config.Receive, state != Disconnected:
		// no receiver has run that could have reported the loss
		return false, ErrNotConnected
	default:
		return false, nil
	}

	if err := write(); err != nil {
		if s.markDisconnected() {
			_ = s.conn.Close()
			s.log.Warn("send failed, disconnected", logger.Field{Key: "error", Value: err})
			s.emitDisconnected(err)
		}

		return false, fmt.Errorf("send: %w", err)
	}

	return true, nil
}

func (s *Session) readLoop(ready <-chan struct{}) {
	defer s.wg.Done()
	<-ready

	var err error
	for {
		var line string
		line, err = s.conn.ReadLine()
		if err != nil {
			break
		}

		if line != "" {
			s.emitDataReceived(line)
		}
	}

	if !s.markDisconnected() {
		// Disconnect or a failed send already tore the connection down.
		return
	}

	_ = s.conn.Close()

	if transport.IsBenign(err) {
		s.log.Info("server closed the connection", logger.Field{Key: "reason", Value: err.Error()})
		s.emitDisconnected(nil)
		return
	}

	s.log.Error("receive loop failed", logger.Field{Key: "error", Value: err})
	s.emitError(err)
	s.emitDisconnected(err)
}

// markDisconnected moves a Connected Session to Disconnected and reports
// whether this call performed the transition.
func (s *Session) markDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Connected {
		return false
	}

	s.state = Disconnected
	return true
}

func (s *Session) emitConnected() {
	s.mu.RLock()
	handler := s.onConnected
	s.mu.RUnlock()

	if handler != nil {
		handler(ConnectedEvent{
			SessionID: s.id,
			Remote:    s.remote,
			Local:     s.Local(),
			Timestamp: time.Now(),
		})
	}
}

func (s *Session) emitDisconnected(err error) {
	s.mu.RLock()
	handler := s.onDisconnected
	s.mu.RUnlock()

	if handler != nil {
		handler(DisconnectedEvent{
			SessionID: s.id,
			Remote:    s.remote,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}

func (s *Session) emitDataReceived(message string) {
	s.mu.RLock()
	handler := s.onDataReceived
	s.mu.RUnlock()

	if handler != nil {
		handler(DataReceivedEvent{
			SessionID: s.id,
			Remote:    s.remote,
			Message:   message,
			Timestamp: time.Now(),
		})
	}
}

func (s *Session) emitError(err error) {
	s.mu.RLock()
	handler := s.onError
	s.mu.RUnlock()

	if handler != nil {
		handler(ErrorEvent{
			SessionID: s.id,
			Error:     err,
			Timestamp: time.Now(),
		})
	}
}
