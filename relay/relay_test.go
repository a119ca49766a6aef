package relay

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/netroad/framing"
	"github.com/cyberinferno/netroad/tcpclient"
	"github.com/cyberinferno/netroad/tcpserver"
)

type fakeBroadcaster struct {
	mu    sync.Mutex
	lines  chan string
	reject string
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{lines: make(chan string, 100)}
}

func (f *fakeBroadcaster) SendToAll(content string) (tcpserver.SendResults, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if content == f.reject {
		return nil, errors.New("server not running")
	}

	f.lines <- content
	return tcpserver.SendResults{{Peer: 1}}, nil
}

func (f *fakeBroadcaster) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-f.lines:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func (f *fakeBroadcaster) expectNone(t *testing.T) {
	t.Helper()
	select {
	case got := <-f.lines:
		t.Fatalf("unexpected broadcast %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func startRelay(t *testing.T, broker Broker, deliverOwn bool) (*Relay, *fakeBroadcaster) {
	t.Helper()
	r, err := New(Config{Channel: "netroad", Broker: broker, DeliverOwn: deliverOwn})
	require.NoError(t, err)

	target := newFakeBroadcaster()
	require.NoError(t, r.Start(context.Background(), target))
	t.Cleanup(func() { _ = r.Stop() })

	return r, target
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Channel: "c"})
	assert.ErrorIs(t, err, ErrNilBroker)

	_, err = New(Config{Broker: NewMemoryBroker()})
	assert.ErrorIs(t, err, ErrEmptyChannel)

	a, err := New(Config{Channel: "c", Broker: NewMemoryBroker()})
	require.NoError(t, err)
	b, err := New(Config{Channel: "c", Broker: NewMemoryBroker()})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestRelay_CrossInstance(t *testing.T) {
	broker := NewMemoryBroker()
	a, targetA := startRelay(t, broker, false)
	_, targetB := startRelay(t, broker, false)

	require.NoError(t, a.Publish(context.Background(), "hello from a"))

	targetB.expect(t, "hello from a")
	targetA.expectNone(t)
}

func TestRelay_DeliverOwn(t *testing.T) {
	broker := NewMemoryBroker()
	a, targetA := startRelay(t, broker, true)

	require.NoError(t, a.Publish(context.Background(), "echo"))
	targetA.expect(t, "echo")
}

func TestRelay_PublishRejectsBlank(t *testing.T) {
	r, err := New(Config{Channel: "c", Broker: NewMemoryBroker()})
	require.NoError(t, err)

	assert.ErrorIs(t, r.Publish(context.Background(), " "), framing.ErrEmptyContent)
}

func TestRelay_SkipsMalformedAndRejected(t *testing.T) {
	broker := NewMemoryBroker()
	a, _ := startRelay(t, broker, false)
	_, targetB := startRelay(t, broker, false)

	targetB.mu.Lock()
	targetB.reject = "dropped"
	targetB.mu.Unlock()

	require.NoError(t, broker.Publish(context.Background(), "netroad", []byte("not json")))
	require.NoError(t, a.Publish(context.Background(), "dropped"))
	require.NoError(t, a.Publish(context.Background(), "kept"))

	// the loop survived both bad envelopes
	targetB.expect(t, "kept")
}

func TestRelay_StartStop(t *testing.T) {
	broker := NewMemoryBroker()
	r, err := New(Config{Channel: "c", Broker: broker})
	require.NoError(t, err)

	require.NoError(t, r.Stop())

	target := newFakeBroadcaster()
	require.NoError(t, r.Start(context.Background(), target))
	assert.ErrorIs(t, r.Start(context.Background(), target), ErrAlreadyStarted)

	require.NoError(t, r.Stop())
	assert.NoError(t, r.Wait())
	assert.Zero(t, broker.subscribers("c").Len())
}

// gatedBroker holds Subscribe until release is closed.
type gatedBroker struct {
	*MemoryBroker
	entered chan struct{}
	release chan struct{}
}

func (b *gatedBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	close(b.entered)
	<-b.release
	return b.MemoryBroker.Subscribe(ctx, channel)
}

func TestRelay_StopDuringStart(t *testing.T) {
	broker := &gatedBroker{MemoryBroker: NewMemoryBroker(), entered: make(chan struct{}), release: make(chan struct{})}
	r, err := New(Config{Channel: "c", Broker: broker})
	require.NoError(t, err)

	target := newFakeBroadcaster()
	started := make(chan error, 1)
	go func() { started <- r.Start(context.Background(), target) }()

	<-broker.entered
	require.NoError(t, r.Stop())
	close(broker.release)

	require.NoError(t, <-started)
	assert.NoError(t, r.Wait())
	assert.Zero(t, broker.subscribers("c").Len())

	require.NoError(t, r.Publish(context.Background(), "late"))
	target.expectNone(t)
}

func TestRelay_ConcurrentStartStop(t *testing.T) {
	broker := NewMemoryBroker()

	for range 50 {
		r, err := New(Config{Channel: "c", Broker: broker})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Start(context.Background(), newFakeBroadcaster())
		}()
		go func() {
			defer wg.Done()
			_ = r.Stop()
		}()
		wg.Wait()

		require.NoError(t, r.Stop())
		assert.NoError(t, r.Wait())
	}

	assert.Zero(t, broker.subscribers("c").Len())
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	r, err := New(Config{Channel: "c", Broker: NewMemoryBroker()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, newFakeBroadcaster()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMemoryBroker_ClosedSubscription(t *testing.T) {
	broker := NewMemoryBroker()
	sub, err := broker.Subscribe(context.Background(), "c")
	require.NoError(t, err)

	require.NoError(t, broker.Publish(context.Background(), "c", []byte("one")))
	got, err := sub.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	_, err = sub.Receive(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
	assert.NoError(t, broker.Publish(context.Background(), "c", []byte("two")))
}

func TestMemoryBroker_ReceiveHonorsContext(t *testing.T) {
	sub, err := NewMemoryBroker().Subscribe(context.Background(), "c")
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = sub.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// Two servers joined by relays: a line sent to one server reaches the peers
// of the other.
func TestRelay_BetweenServers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker()
	servers := make([]*tcpserver.Server, 2)
	for i := range servers {
		s, err := tcpserver.New(tcpserver.DefaultConfig("127.0.0.1", 0))
		require.NoError(t, err)

		r, err := New(Config{Channel: "chat", Broker: broker})
		require.NoError(t, err)

		s.OnDataReceived(r.Forwarder(ctx))
		require.NoError(t, r.Start(ctx, s))
		require.NoError(t, s.Start())
		t.Cleanup(func() {
			_ = s.Stop()
			_ = r.Stop()
		})

		servers[i] = s
	}

	lines := make(chan string, 10)
	listener, err := tcpclient.New(tcpclient.DefaultConfig("127.0.0.1", servers[1].Addr().Port()))
	require.NoError(t, err)
	listener.OnDataReceived(func(e tcpclient.DataReceivedEvent) { lines <- e.Message })

	ok, err := listener.Connect()
	require.NoError(t, err)
	require.True(t, ok)
	defer listener.Disconnect()

	sender, err := tcpclient.New(tcpclient.DefaultConfig("127.0.0.1", servers[0].Addr().Port()))
	require.NoError(t, err)
	ok, err = sender.Connect()
	require.NoError(t, err)
	require.True(t, ok)
	defer sender.Disconnect()

	require.Eventually(t, func() bool { return servers[1].PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	ok, err = sender.Send("across servers")
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case got := <-lines:
		assert.Equal(t, "across servers", got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed line")
	}
}

func TestRedisBroker(t *testing.T) {
	addr := os.Getenv("NETROAD_REDIS_ADDR")
	if addr == "" {
		t.Skip("NETROAD_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	broker := NewRedisBroker(client)
	require.NoError(t, broker.Ping(context.Background()))

	a, _ := startRelay(t, broker, false)
	_, targetB := startRelay(t, broker, false)

	require.NoError(t, a.Publish(context.Background(), "via redis"))
	targetB.expect(t, "via redis")
}
