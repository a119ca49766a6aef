// Package relay fans TCP server traffic out across processes. Each Relay
// publishes the lines its server receives to a shared broker channel and
// broadcasts every line published by other instances to its own peers.
package relay

import (
	"context"
	"errors"
)

// ErrSubscriptionClosed is returned by Subscription.Receive after Close.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Broker is a publish/subscribe transport shared by every relay instance.
type Broker interface {
	// Publish sends payload to every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a Subscription that is active when Subscribe returns.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription receives the payloads published to one channel.
type Subscription interface {
	// Receive blocks until a payload arrives, ctx is done or the
	// subscription is closed.
	Receive(ctx context.Context) ([]byte, error)

	// Close ends the subscription. It is safe to call more than once.
	Close() error
}
