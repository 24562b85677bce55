// Package transport implements the transport adapter (spec §4.6):
// delivering Actions into the controller and Results/Events out, behind
// one pluggable interface with a file-drop implementation, a durable
// bbolt-backed pub/sub implementation, and a fallback composite.
package transport

import (
	"context"

	"github.com/cuemby/foreman/internal/fleet"
)

// Message is one inbound protocol line together with enough context to
// reply to it: the reply handle names where Reply should deliver its
// response, and Issuer carries the opaque issuer token the medium
// attached to the message.
type Message struct {
	Line        string
	ReplyHandle string
	Issuer      string
}

// Transport abstracts the concrete medium actions/results/events travel
// over. Receive is lazy, infinite, and cancellable via ctx; Reply must
// succeed at least once per correlation id even over an unreliable
// medium, deduplicating using the id when necessary.
type Transport interface {
	// Receive streams inbound messages until ctx is cancelled or the
	// transport is closed.
	Receive(ctx context.Context) (<-chan Message, error)
	// Reply delivers line to whoever sent ReplyHandle.
	Reply(ctx context.Context, handle, line string) error
	// Publish best-effort fans event out to subscribers.
	Publish(ctx context.Context, event fleet.Event) error
	// Ready reports whether the transport can currently serve Receive
	// and Reply; a false result makes a Fallback composite wrapping
	// this transport switch to its fallback.
	Ready() bool
	// Close releases the transport's resources.
	Close() error
}

var (
	_ Transport = (*FileDrop)(nil)
	_ Transport = (*PubSub)(nil)
	_ Transport = (*Fallback)(nil)
)
