package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cyberinferno/netroad/framing"
	"github.com/cyberinferno/netroad/logger"
	"github.com/cyberinferno/netroad/tcpserver"
)

// DefaultPublishTimeout bounds each publish made by a Forwarder handler.
const DefaultPublishTimeout = 3 * time.Second

var (
	// ErrNilBroker is returned by New when Config.Broker is nil.
	ErrNilBroker = errors.New("relay broker is required")
	// ErrEmptyChannel is returned by New when Config.Channel is empty.
	ErrEmptyChannel = errors.New("relay channel is required")
	// ErrAlreadyStarted is returned by Start on a started Relay.
	ErrAlreadyStarted = errors.New("relay already started")
)

// Envelope is the JSON document published for each relayed line.
type Envelope struct {
	Origin  uuid.UUID `json:"origin"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
}

// Broadcaster delivers a line to every connected peer. *tcpserver.Server
// implements it.
type Broadcaster interface {
	SendToAll(content string) (tcpserver.SendResults, error)
}

// Config holds configuration for a Relay.
type Config struct {
	// Channel is the broker channel shared by every instance.
	Channel string
	// Broker carries envelopes between instances.
	Broker Broker
	// DeliverOwn also broadcasts envelopes published by this instance.
	DeliverOwn bool
	// PublishTimeout bounds Forwarder publishes; <= 0 means DefaultPublishTimeout.
	PublishTimeout time.Duration
	// Logger receives relay logs; nil disables logging.
	Logger logger.Logger
}

// Relay bridges one TCP server to a broker channel.
type Relay struct {
	id     uuid.UUID
	config Config
	log    logger.Logger

	started atomic.Bool
	err     error
	wg      sync.WaitGroup

	// mu guards sub and stopped and orders wg.Add before Stop's wg.Wait.
	mu      sync.Mutex
	sub     Subscription
	stopped bool
}

// New validates config and creates a Relay with a fresh origin id.
func New(config Config) (*Relay, error) {
	if config.Broker == nil {
		return nil, ErrNilBroker
	}

	if config.Channel == "" {
		return nil, ErrEmptyChannel
	}

	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultPublishTimeout
	}

	id := uuid.New()
	return &Relay{
		id:     id,
		config: config,
		log: logger.OrNop(config.Logger).With(
			logger.Field{Key: "relay", Value: id.String()},
			logger.Field{Key: "channel", Value: config.Channel},
		),
	}, nil
}

// ID returns the origin id stamped on every envelope this Relay publishes.
func (r *Relay) ID() uuid.UUID {
	return r.id
}

// Publish wraps content in an Envelope and publishes it.
//
// Parameters:
//   - ctx: Context for cancellation of the broker call
//   - content: A non-blank line
//
// Returns:
//   - framing.ErrEmptyContent for blank content, or the broker error
func (r *Relay) Publish(ctx context.Context, content string) error {
	if err := framing.Validate(content); err != nil {
		return err
	}

	payload, err := json.Marshal(Envelope{Origin: r.id, Content: content, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	return r.config.Broker.Publish(ctx, r.config.Channel, payload)
}

// Forwarder returns a server data handler that publishes every received line.
// Failures are logged; the handler never blocks longer than PublishTimeout.
//
// Example:
//
//	server.OnDataReceived(relay.Forwarder(ctx))
func (r *Relay) Forwarder(ctx context.Context) tcpserver.DataReceivedHandler {
	return func(event tcpserver.DataReceivedEvent) {
		pubCtx, cancel := context.WithTimeout(ctx, r.config.PublishTimeout)
		defer cancel()

		if err := r.Publish(pubCtx, event.Message); err != nil {
			r.log.Warn("relay publish failed",
				logger.Field{Key: "peer", Value: uint32(event.Peer)},
				logger.Field{Key: "error", Value: err},
			)
		}
	}
}

// Start subscribes to the channel and broadcasts every incoming envelope to
// target until ctx is done or Stop is called. The subscription is active
// when Start returns.
func (r *Relay) Start(ctx context.Context, target Broadcaster) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	sub, err := r.config.Broker.Subscribe(ctx, r.config.Channel)
	if err != nil {
		r.started.Store(false)
		return fmt.Errorf("subscribe %s: %w", r.config.Channel, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Stop ran while the subscribe was in flight.
	if r.stopped {
		return sub.Close()
	}
	r.sub = sub

	r.log.Info("relay subscribed")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.err = r.deliver(ctx, sub, target)
	}()

	return nil
}

// Run starts the relay and blocks until it stops.
func (r *Relay) Run(ctx context.Context, target Broadcaster) error {
	if err := r.Start(ctx, target); err != nil {
		return err
	}

	return r.Wait()
}

// Wait blocks until the delivery loop exits and returns its error, which is
// nil when it stopped through ctx or Stop.
func (r *Relay) Wait() error {
	r.wg.Wait()
	return r.err
}

// Stop closes the subscription and waits for the delivery loop to exit. A
// Start still subscribing when Stop runs closes its subscription and returns
// without delivering. Stop is safe to call more than once.
func (r *Relay) Stop() error {
	if !r.started.Load() {
		return nil
	}

	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.stopped = true
	r.mu.Unlock()

	if sub == nil {
		return nil
	}

	err := sub.Close()
	r.wg.Wait()
	return err
}

func (r *Relay) deliver(ctx context.Context, sub Subscription, target Broadcaster) error {
	defer sub.Close()

	for {
		payload, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSubscriptionClosed) {
				r.log.Info("relay stopped")
				return nil
			}

			r.log.Error("relay receive failed", logger.Field{Key: "error", Value: err})
			return err
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			r.log.Warn("dropping malformed envelope", logger.Field{Key: "error", Value: err})
			continue
		}

		if env.Origin == r.id && !r.config.DeliverOwn {
			continue
		}

		results, err := target.SendToAll(env.Content)
		if err != nil {
			r.log.Warn("relay broadcast rejected", logger.Field{Key: "error", Value: err})
			continue
		}

		if failed := results.Failed(); len(failed) > 0 {
			r.log.Warn("relay broadcast partially failed",
				logger.Field{Key: "delivered", Value: results.Delivered()},
				logger.Field{Key: "failed", Value: len(failed)},
				logger.Field{Key: "error", Value: failed.Err()},
			)
		}
	}
}
