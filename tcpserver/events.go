package tcpserver

import (
	"errors"
	"time"

	"github.com/cyberinferno/netroad/endpoint"
)

// StartedEvent is delivered once when the listener is bound.
type StartedEvent struct {
	Endpoint  endpoint.Endpoint // The bound address, with the actual port when 0 was requested
	Timestamp time.Time
}

// PeerEvent is delivered when a peer connects or disconnects.
type PeerEvent struct {
	Peer      PeerID
	Remote    endpoint.Endpoint
	Timestamp time.Time
	Error     error // Set on disconnect when the receive loop failed
}

// DataReceivedEvent is delivered for every non-empty line read from a peer.
type DataReceivedEvent struct {
	Peer      PeerID
	Remote    endpoint.Endpoint
	Message   string
	Timestamp time.Time
}

// ErrorEvent is delivered for accept failures and non-benign receive failures.
type ErrorEvent struct {
	Peer      PeerID // Zero for listener errors
	Error     error
	Timestamp time.Time
}

type (
	// StartedHandler is called once from Start.
	StartedHandler func(event StartedEvent)
	// PeerHandler is called from the accept goroutine (connect) or the
	// peer's receive goroutine (disconnect).
	PeerHandler func(event PeerEvent)
	// DataReceivedHandler is called from the peer's receive goroutine.
	DataReceivedHandler func(event DataReceivedEvent)
	// ErrorHandler is called from the goroutine that observed the failure.
	ErrorHandler func(event ErrorEvent)
)

// SendResult is the outcome of writing to one target of a multi-target send.
type SendResult struct {
	Peer   PeerID
	Remote endpoint.Endpoint
	Err    error
}

// SendResults lists per-target outcomes. Writes are independent: a failure
// for one target does not affect the others.
type SendResults []SendResult

// Failed returns the results whose write failed.
func (r SendResults) Failed() SendResults {
	var failed SendResults
	for _, res := range r {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}

	return failed
}

// Delivered returns the number of targets written successfully.
func (r SendResults) Delivered() int {
	return len(r) - len(r.Failed())
}

// Err joins all per-target errors, or returns nil when every write succeeded.
func (r SendResults) Err() error {
	var errs []error
	for _, res := range r {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}

	return errors.Join(errs...)
}
