package tcpclient

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/netroad/codec"
	"github.com/cyberinferno/netroad/endpoint"
	"github.com/cyberinferno/netroad/framing"
	"github.com/cyberinferno/netroad/transport"
)

// lineServer is a minimal server that records received lines and exposes the
// accepted connections so tests can write to or close them.
type lineServer struct {
	ln       net.Listener
	ep       endpoint.Endpoint
	lines    chan string
	accepted chan net.Conn
}

func newLineServer(t *testing.T) *lineServer {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	s := &lineServer{
		ln:       ln,
		ep:       endpoint.FromNetAddr(ln.Addr()),
		lines:    make(chan string, 100),
		accepted: make(chan net.Conn, 10),
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.accepted <- c
			go func() {
				r := bufio.NewScanner(c)
				for r.Scan() {
					s.lines <- r.Text()
				}
			}()
		}
	}()

	return s
}

func (s *lineServer) config() Config {
	return DefaultConfig("127.0.0.1", s.ep.Port())
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := endpoint.FromNetAddr(ln.Addr()).Port()
	require.NoError(t, ln.Close())
	return port
}

// recorder captures events in arrival order.
type recorder struct {
	mu     sync.Mutex
	events []string
	data   []string
	discon []DisconnectedEvent
	errs   []error
}

func (r *recorder) attach(s *Session) {
	s.OnConnected(func(ConnectedEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, "connected")
	})
	s.OnDisconnected(func(e DisconnectedEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, "disconnected")
		r.discon = append(r.discon, e)
	})
	s.OnDataReceived(func(e DataReceivedEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, "data")
		r.data = append(r.data, e.Message)
	})
	s.OnError(func(e ErrorEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errs = append(r.errs, e.Error)
	})
}

func (r *recorder) snapshot() ([]string, []string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]string(nil), r.data...), len(r.discon)
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Created", Created.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Unknown", ConnectionState(99).String())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("127.0.0.1", 9991)
	assert.Equal(t, "127.0.0.1", cfg.Address)
	assert.Equal(t, 9991, cfg.Port)
	assert.True(t, cfg.Receive)
	assert.Equal(t, DefaultSendTimeout, cfg.SendTimeout)
	assert.NotNil(t, cfg.Encoding)
}

func TestNew_Validation(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		s, err := New(DefaultConfig("127.0.0.1", 0))
		require.NoError(t, err)
		assert.Equal(t, Created, s.State())
		assert.NotEqual(t, s.ID().String(), "")
	})

	t.Run("malformed address", func(t *testing.T) {
		_, err := New(DefaultConfig("not-an-ip", 80))
		assert.ErrorIs(t, err, endpoint.ErrInvalidAddress)
	})

	t.Run("port out of range", func(t *testing.T) {
		_, err := New(DefaultConfig("127.0.0.1", 65536))
		assert.ErrorIs(t, err, endpoint.ErrPortOutOfRange)
	})

	t.Run("nil encoding", func(t *testing.T) {
		cfg := DefaultConfig("127.0.0.1", 80)
		cfg.Encoding = nil
		_, err := New(cfg)
		assert.ErrorIs(t, err, codec.ErrNilEncoding)
	})

	t.Run("each session has its own identity", func(t *testing.T) {
		a, err := New(DefaultConfig("127.0.0.1", 80))
		require.NoError(t, err)
		b, err := New(DefaultConfig("127.0.0.1", 80))
		require.NoError(t, err)
		assert.NotEqual(t, a.ID(), b.ID())
	})
}

func TestSession_Connect(t *testing.T) {
	t.Run("connects and fires one connected event", func(t *testing.T) {
		srv := newLineServer(t)
		s, err := New(srv.config())
		require.NoError(t, err)
		rec := &recorder{}
		rec.attach(s)

		ok, err := s.Connect()
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, s.IsConnected())
		assert.True(t, s.Local().IsValid())

		events, _, _ := rec.snapshot()
		assert.Equal(t, []string{"connected"}, events)

		_, err = s.Connect()
		assert.ErrorIs(t, err, ErrAlreadyConnected)

		require.NoError(t, s.Disconnect())
		s.Wait()
	})

	t.Run("refused connection returns false", func(t *testing.T) {
		s, err := New(DefaultConfig("127.0.0.1", closedPort(t)))
		require.NoError(t, err)
		rec := &recorder{}
		rec.attach(s)

		ok, err := s.Connect()
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, Created, s.State())

		events, _, _ := rec.snapshot()
		assert.Empty(t, events)
	})

	t.Run("used session cannot reconnect", func(t *testing.T) {
		srv := newLineServer(t)
		s, err := New(srv.config())
		require.NoError(t, err)

		ok, err := s.Connect()
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.Disconnect())

		_, err = s.Connect()
		assert.ErrorIs(t, err, ErrSessionUsed)
	})
}

func TestSession_Disconnect(t *testing.T) {
	t.Run("not connected is a precondition error", func(t *testing.T) {
		s, err := New(DefaultConfig("127.0.0.1", 80))
		require.NoError(t, err)
		assert.ErrorIs(t, s.Disconnect(), ErrNotConnected)
	})

	t.Run("fires exactly one disconnected event", func(t *testing.T) {
		srv := newLineServer(t)
		s, err := New(srv.config())
		require.NoError(t, err)
		rec := &recorder{}
		rec.attach(s)

		ok, err := s.Connect()
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, s.Disconnect())
		s.Wait()
		assert.ErrorIs(t, s.Disconnect(), ErrNotConnected)

		events, _, discon := rec.snapshot()
		assert.Equal(t, []string{"connected", "disconnected"}, events)
		assert.Equal(t, 1, discon)
		assert.Equal(t, Disconnected, s.State())
	})
}

func TestSession_Receive(t *testing.T) {
	t.Run("lines arrive after the connected event", func(t *testing.T) {
		srv := newLineServer(t)
		s, err := New(srv.config())
		require.NoError(t, err)
		rec := &recorder{}
		rec.attach(s)

		ok, err := s.Connect()
		require.NoError(t, err)
		require.True(t, ok)

		server := <-srv.accepted
		_, err = server.Write([]byte("ack\n\nsecond\r\n"))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			_, data, _ := rec.snapshot()
			return len(data) == 2
		}, 2*time.Second, 10*time.Millisecond)

		events, data, _ := rec.snapshot()
		assert.Equal(t, "connected", events[0])
		assert.Equal(t, []string{"ack", "second"}, data)

		require.NoError(t, s.Disconnect())
		s.Wait()
	})

	t.Run("server close is reported as one disconnect", func(t *testing.T) {
		srv := newLineServer(t)
		s, err := New(srv.config())
		require.NoError(t, err)
		rec := &recorder{}
		rec.attach(s)

		ok, err := s.Connect()
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, (<-srv.accepted).Close())
		s.Wait()

		events, _, discon := rec.snapshot()
		assert.Equal(t, []string{"connected", "disconnected"}, events)
		assert.Equal(t, 1, discon)
		assert.Empty(t, rec.errs)
		assert.Equal(t, Disconnected, s.State())
		assert.ErrorIs(t, s.Disconnect(), ErrNotConnected)
	})
}

func TestSession_Send(t *testing.T) {
	t.Run("sequential messages round trip", func(t *testing.T) {
		srv := newLineServer(t)
		s, err := New(srv.config())
		require.NoError(t, err)

		ok, err := s.Connect()
		require.NoError(t, err)
		require.True(t, ok)
		defer func() { _ = s.Disconnect() }()

		msgs := []string{"Hello World!", "  padded  ", "ünïcödé"}
		for _, m := range msgs {
			sent, err := s.Send(m)
			require.NoError(t, err)
			assert.True(t, sent)
		}

		for _, want := range msgs {
			select {
			case got := <-srv.lines:
				assert.Equal(t, want, got)
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	})

	t.Run("blank content is rejected before io", func(t *testing.T) {
		srv := newLineServer(t)
		s, err := New(srv.config())
		require.NoError(t, err)

		ok, err := s.Connect()
		require.NoError(t, err)
		require.True(t, ok)

		for _, m := range []string{"", "   ", "\t"} {
			sent, err := s.Send(m)
			assert.ErrorIs(t, err, framing.ErrEmptyContent)
			assert.False(t, sent)
		}

		sent, err := s.Send("marker")
		require.NoError(t, err)
		require.True(t, sent)

		assert.Equal(t, "marker", <-srv.lines)
		require.NoError(t, s.Disconnect())
	})

	t.Run("bytes and json payloads", func(t *testing.T) {
		srv := newLineServer(t)
		s, err := New(srv.config())
		require.NoError(t, err)

		ok, err := s.Connect()
		require.NoError(t, err)
		require.True(t, ok)
		defer func() { _ = s.Disconnect() }()

		sent, err := s.SendBytes([]byte("raw bytes"))
		require.NoError(t, err)
		assert.True(t, sent)

		sent, err = s.SendJSON(struct {
			Name string `json:"name"`
		}{Name: "netroad"})
		require.NoError(t, err)
		assert.True(t, sent)

		_, err = s.SendBytes([]byte("two\nlines"))
		assert.ErrorIs(t, err, framing.ErrEmbeddedTerminator)

		assert.Equal(t, "raw bytes", <-srv.lines)
		assert.Equal(t, `{"name":"netroad"}`, <-srv.lines)
	})

	t.Run("strict session rejects send when not connected", func(t *testing.T) {
		cfg := DefaultConfig("127.0.0.1", 80)
		cfg.Receive = false
		s, err := New(cfg)
		require.NoError(t, err)

		sent, err := s.Send("hello")
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.False(t, sent)
	})

	t.Run("receiving session rejects send before connect", func(t *testing.T) {
		s, err := New(DefaultConfig("127.0.0.1", 80))
		require.NoError(t, err)

		sent, err := s.Send("hello")
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.False(t, sent)
	})

	t.Run("receiving session reports false after the server left", func(t *testing.T) {
		srv := newLineServer(t)
		s, err := New(srv.config())
		require.NoError(t, err)
		rec := &recorder{}
		rec.attach(s)

		ok, err := s.Connect()
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, (<-srv.accepted).Close())
		s.Wait()
		_, _, disconnects := rec.snapshot()
		require.Equal(t, 1, disconnects)

		sent, err := s.Send("hello")
		assert.NoError(t, err)
		assert.False(t, sent)
	})

	t.Run("strict session sends without a receive loop", func(t *testing.T) {
		srv := newLineServer(t)
		cfg := srv.config()
		cfg.Receive = false
		s, err := New(cfg)
		require.NoError(t, err)
		rec := &recorder{}
		rec.attach(s)

		ok, err := s.Connect()
		require.NoError(t, err)
		require.True(t, ok)

		server := <-srv.accepted
		_, err = server.Write([]byte("ignored\n"))
		require.NoError(t, err)

		sent, err := s.Send("Hello World!")
		require.NoError(t, err)
		assert.True(t, sent)
		assert.Equal(t, "Hello World!", <-srv.lines)

		require.NoError(t, s.Disconnect())
		s.Wait()

		_, data, _ := rec.snapshot()
		assert.Empty(t, data)
	})
}

func TestFactory(t *testing.T) {
	t.Run("validates once", func(t *testing.T) {
		_, err := NewFactory(DefaultConfig("bad", 1), nil)
		assert.ErrorIs(t, err, endpoint.ErrInvalidAddress)
	})

	t.Run("reconnect uses a fresh session", func(t *testing.T) {
		srv := newLineServer(t)
		var setups int
		f, err := NewFactory(srv.config(), func(s *Session) { setups++ })
		require.NoError(t, err)

		first, ok, err := f.Connect(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, first.Disconnect())
		first.Wait()

		second, ok, err := f.Connect(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		assert.NotEqual(t, first.ID(), second.ID())
		assert.Equal(t, 2, setups)

		sent, err := second.Send("again")
		require.NoError(t, err)
		assert.True(t, sent)
		assert.Equal(t, "again", <-srv.lines)
		require.NoError(t, second.Disconnect())
	})
}

var errReadFault = errors.New("read fault")

// faultConn fails every read with errReadFault.
type faultConn struct {
	net.Conn
}

func (faultConn) Read([]byte) (int, error) {
	return 0, errReadFault
}

func TestSession_ReceiveFailure(t *testing.T) {
	s, err := New(DefaultConfig("127.0.0.1", 9))
	require.NoError(t, err)
	rec := &recorder{}
	rec.attach(s)

	a, b := net.Pipe()
	defer b.Close()

	s.conn = transport.Wrap(faultConn{Conn: a}, codec.UTF8())
	s.state = Connected

	ready := make(chan struct{})
	s.wg.Add(1)
	go s.readLoop(ready)
	close(ready)
	s.Wait()

	assert.Equal(t, Disconnected, s.State())
	assert.ErrorIs(t, s.Disconnect(), ErrNotConnected)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], errReadFault)
	require.Len(t, rec.discon, 1)
	assert.ErrorIs(t, rec.discon[0].Error, errReadFault)
	assert.Equal(t, []string{"disconnected"}, rec.events)
}
