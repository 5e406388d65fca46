// Package signaling abstracts the third-party rendezvous service described
// in spec.md §4.1: claiming a globally unique endpoint string, connecting to
// a named endpoint over a reliable byte-message channel, accepting inbound
// channels on a claimed endpoint, and a reachability status stream.
package signaling

import (
	"context"

	"github.com/peerns/peerns/internal/peernserr"
)

// Status is one of the adapter-level connection states a claimed Session
// or dialed Channel can be in (spec §4.1).
type Status int

const (
	StatusOpen Status = iota
	StatusReconnecting
	StatusClosed
	StatusIDTaken
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	case StatusIDTaken:
		return "id-taken"
	default:
		return "unknown"
	}
}

// ErrAlreadyTaken is returned by Claim when the endpoint string is held by
// another party. Spec §7 treats this as a protocol signal, not an error to
// surface.
var ErrAlreadyTaken = peernserr.ErrClaimConflict

// ErrUnreachable is returned by Connect when the named endpoint cannot be
// reached.
var ErrUnreachable = peernserr.ErrTransportUnreachable

// Channel is an ordered, reliable byte-message channel opened either by
// Connect or delivered via a Session's Accept stream. Payloads are opaque
// JSON-shaped byte slices; this package does not interpret them.
type Channel interface {
	// Send transmits one message. Ordering is guaranteed only within this
	// channel (spec §5).
	Send(payload []byte) error
	// Data delivers inbound messages in arrival order.
	Data() <-chan []byte
	// Closed is closed exactly once, when the channel transitions to
	// StatusClosed for any reason (peer close, error, local Close).
	Closed() <-chan struct{}
	// Err returns the error that caused Closed to fire, or nil for a clean
	// local or remote close.
	Err() error
	Close() error
}

// Session represents a claimed endpoint: an accepted stream of inbound
// channels plus a status stream. Neither adapter in this module reconnects
// a session: memadapter reports StatusClosed when the session is closed,
// and quicadapter sends no status values.
type Session interface {
	Endpoint() string
	// Accept delivers channels opened by remote parties that connected to
	// this session's endpoint.
	Accept() <-chan Channel
	Status() <-chan Status
	Close() error
}

// Adapter is the capability set spec.md §4.1 requires of the underlying
// signaling/transport collaborator.
type Adapter interface {
	// Claim reserves endpoint globally, or returns ErrAlreadyTaken.
	Claim(ctx context.Context, endpoint string) (Session, error)
	// Connect opens a channel to a party that has claimed endpoint, or
	// returns ErrUnreachable.
	Connect(ctx context.Context, endpoint string) (Channel, error)
}
