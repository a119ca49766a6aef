package main

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/netroad/config"
	"github.com/cyberinferno/netroad/endpoint"
)

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var listeningRe = regexp.MustCompile(`listening on (\S+)`)

// startMode runs Execute in the background and returns the bound endpoint
// printed by the server.
func startMode(t *testing.T, args ...string) (endpoint.Endpoint, *safeBuffer) {
	t.Helper()
	t.Setenv("NETROAD_REDIS_ADDR", "")

	ctx, cancel := context.WithCancel(context.Background())
	out := &safeBuffer{}
	done := make(chan error, 1)
	go func() { done <- Execute(ctx, args, strings.NewReader(""), out) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})

	var addr string
	require.Eventually(t, func() bool {
		m := listeningRe.FindStringSubmatch(out.String())
		if m == nil {
			return false
		}
		addr = m[1]
		return true
	}, 2*time.Second, 10*time.Millisecond)

	ap, err := netip.ParseAddrPort(addr)
	require.NoError(t, err)

	return endpoint.FromAddrPort(ap), out
}

func TestExecute_HelpAndVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Execute(context.Background(), nil, strings.NewReader(""), &out))
	assert.Contains(t, out.String(), "Usage:")

	out.Reset()
	require.NoError(t, Execute(context.Background(), []string{"--version"}, strings.NewReader(""), &out))
	assert.Equal(t, "netroad "+version+"\n", out.String())
}

func TestExecute_InvalidArguments(t *testing.T) {
	t.Setenv("NETROAD_REDIS_ADDR", "")
	ctx := context.Background()
	var out bytes.Buffer

	err := Execute(ctx, []string{"proxy"}, strings.NewReader(""), &out)
	assert.ErrorIs(t, err, config.ErrInvalidMode)

	err = Execute(ctx, []string{"client", "-p", "9991"}, strings.NewReader(""), &out)
	assert.ErrorIs(t, err, endpoint.ErrInvalidAddress)

	err = Execute(ctx, []string{"server", "extra"}, strings.NewReader(""), &out)
	assert.Error(t, err)

	err = Execute(ctx, []string{"--no-such-flag"}, strings.NewReader(""), &out)
	assert.Error(t, err)
}

func TestExecute_ClientServerEcho(t *testing.T) {
	ep, serverOut := startMode(t, "server", "-a", "127.0.0.1", "-p", "0", "--echo", "--log-level", "error")

	var clientOut safeBuffer
	err := Execute(context.Background(),
		[]string{"client", "-a", "127.0.0.1", "-p", strconv.Itoa(ep.Port()), "--log-level", "error"},
		strings.NewReader("Hello World!\n\nsecond\n"),
		&clientOut,
	)
	require.NoError(t, err)

	assert.Equal(t, "Hello World!\nsecond\n", clientOut.String())
	assert.Contains(t, serverOut.String(), "read:\tHello World!\n")
	assert.Contains(t, serverOut.String(), "read:\tsecond\n")
}

func TestExecute_ClientUnreachable(t *testing.T) {
	t.Setenv("NETROAD_REDIS_ADDR", "")

	// bind and release a port so nothing listens there
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	ep := endpoint.FromNetAddr(ln.Addr())
	require.NoError(t, ln.Close())

	var out bytes.Buffer
	err = Execute(context.Background(),
		[]string{"client", "-a", "127.0.0.1", "-p", strconv.Itoa(ep.Port()), "-w", "1s", "--log-level", "error"},
		strings.NewReader("hi\n"),
		&out,
	)
	assert.ErrorContains(t, err, "unreachable")
}

func TestExecute_UDPEcho(t *testing.T) {
	ep, serverOut := startMode(t, "udp-server", "-a", "127.0.0.1", "-p", "0", "--echo", "--log-level", "error")

	var clientOut safeBuffer
	err := Execute(context.Background(),
		[]string{"udp-client", "-a", "127.0.0.1", "-p", strconv.Itoa(ep.Port()), "--log-level", "error"},
		strings.NewReader("ping\n"),
		&clientOut,
	)
	require.NoError(t, err)

	assert.Equal(t, "ping\n", clientOut.String())
	assert.Contains(t, serverOut.String(), "\tping\n")
}

func TestNewLogger_Dir(t *testing.T) {
	dir := t.TempDir()
	log, closeLog, err := newLogger(config.LoggingConfig{Level: "info", Format: "json", Dir: dir})
	require.NoError(t, err)

	log.Info("hello from the cli")
	closeLog()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "netroad_"))

	_, _, err = newLogger(config.LoggingConfig{Level: "shout"})
	assert.Error(t, err)
}
