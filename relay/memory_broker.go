package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/cyberinferno/netroad/registry"
)

// memorySubscriptionBuffer is the number of payloads queued per subscriber
// before Publish blocks.
const memorySubscriptionBuffer = 256

// MemoryBroker is an in-process Broker. It connects relays that share one
// process, such as several servers bound to different ports.
type MemoryBroker struct {
	mu       sync.Mutex
	channels map[string]*registry.Registry[uuid.UUID, *memorySubscription]
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		channels: make(map[string]*registry.Registry[uuid.UUID, *memorySubscription]),
	}
}

func (b *MemoryBroker) subscribers(channel string) *registry.Registry[uuid.UUID, *memorySubscription] {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.channels[channel]
	if !ok {
		subs = registry.New[uuid.UUID, *memorySubscription]()
		b.channels[channel] = subs
	}

	return subs
}

// Publish delivers payload to every subscriber of channel. It blocks while a
// subscriber's queue is full, until ctx is done.
func (b *MemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	for _, sub := range b.subscribers(channel).Values() {
		if err := sub.deliver(ctx, payload); err != nil {
			return err
		}
	}

	return nil
}

// Subscribe registers a new subscriber of channel.
func (b *MemoryBroker) Subscribe(_ context.Context, channel string) (Subscription, error) {
	subs := b.subscribers(channel)
	sub := &memorySubscription{
		id:       uuid.New(),
		payloads: make(chan []byte, memorySubscriptionBuffer),
		done:     make(chan struct{}),
	}
	sub.remove = func() { subs.Remove(sub.id) }
	subs.Insert(sub.id, sub)

	return sub, nil
}

type memorySubscription struct {
	id       uuid.UUID
	payloads chan []byte
	done     chan struct{}
	once     sync.Once
	remove   func()
}

func (s *memorySubscription) deliver(ctx context.Context, payload []byte) error {
	// copy so later mutation by the publisher is not observed
	p := append([]byte(nil), payload...)

	select {
	case s.payloads <- p:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memorySubscription) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-s.done:
		return nil, ErrSubscriptionClosed
	default:
	}

	select {
	case p := <-s.payloads:
		return p, nil
	case <-s.done:
		return nil, ErrSubscriptionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.remove()
		close(s.done)
	})

	return nil
}
