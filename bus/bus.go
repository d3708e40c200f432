// Package bus defines the named channel primitive everything else is built on: a channel can send one opaque message
// at a time to its counterpart, notify on disconnect, and be disconnected unilaterally by either side. There is no
// acknowledgement and no flow control.
package bus

import (
	"context"
)

type State int

const (
	Open State = iota
	Disconnected
)

func (s State) String() string {
	if s == Open {
		return "open"
	}
	return "disconnected"
}

// Port is one side of a named channel.
type Port interface {
	Name() string
	// Peer identifies the execution context on the other side of the channel.
	Peer() string
	// Send queues msg for the counterpart. It fails with errors.ErrDisconnected once the port is disconnected, and
	// with a ResourceExhausted error when the counterpart's queue is full.
	Send(msg []byte) error
	// Incoming delivers messages from the counterpart in send order. It is closed once the port is disconnected and
	// everything the counterpart sent before disconnecting has been delivered.
	Incoming() <-chan []byte
	// Done is closed as soon as the port is disconnected by either side.
	Done() <-chan struct{}
	// Disconnect is idempotent. Unread incoming messages are discarded.
	Disconnect()
	State() State
}

// Acceptor is offered every incoming port. Returning true claims it; a port claimed by no acceptor is disconnected.
// Acceptors run on the connecting goroutine and must not block.
type Acceptor func(port Port) bool

type Bus interface {
	// Connect opens a channel with the given name. It fails with an Unavailable error if there is nobody to connect to.
	Connect(ctx context.Context, name string) (Port, error)
	// Subscribe registers an acceptor for incoming ports and returns a function that removes it.
	Subscribe(acceptor Acceptor) (unsubscribe func())
}

const DefaultMaxQueuedMessages = 1024
