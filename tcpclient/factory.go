package tcpclient

import (
	"context"

	"github.com/cyberinferno/netroad/codec"
	"github.com/cyberinferno/netroad/endpoint"
)

// SetupFunc configures a freshly created Session, typically by registering
// handlers, before it connects.
type SetupFunc func(s *Session)

// Factory validates a Config once and produces a new Session for every
// connection attempt, so reconnecting never reuses a torn-down Session.
type Factory struct {
	config Config
	remote endpoint.Endpoint
	codec  *codec.Codec
	setup  SetupFunc
}

// NewFactory validates config and returns a Factory.
//
// Parameters:
//   - config: Connection settings shared by every Session
//   - setup: Optional hook run on each new Session; may be nil
//
// Returns:
//   - The Factory, or the same validation errors as New
func NewFactory(config Config, setup SetupFunc) (*Factory, error) {
	remote, err := endpoint.Parse(config.Address, config.Port)
	if err != nil {
		return nil, err
	}

	c, err := codec.New(config.Encoding)
	if err != nil {
		return nil, err
	}

	return &Factory{config: config, remote: remote, codec: c, setup: setup}, nil
}

// New returns a Session in the Created state with the setup hook applied.
func (f *Factory) New() *Session {
	s := newSession(f.config, f.remote, f.codec)
	if f.setup != nil {
		f.setup(s)
	}

	return s
}

// Connect creates a Session and connects it.
//
// Returns:
//   - The Session, which is returned even when the connection was refused
//   - true if the Session connected
//   - Any unexpected dial error
func (f *Factory) Connect(ctx context.Context) (*Session, bool, error) {
	s := f.New()
	ok, err := s.ConnectContext(ctx)
	return s, ok, err
}
