package transport

import (
	"github.com/google/uuid"

	"github.com/svclink/svclink/pkg/wire"
)

// Sender hands an outgoing event to the transport.
// Send never fails: an event that cannot reach its target comes back to
// the originator as a MESSAGE_UNDELIVERED response.
// Implemented by Router.
type Sender interface {
	Send(ev wire.Event)
}

// Receiver is the entry point of a provider or consumer engine.
// It is called from the owning dispatch context only.
type Receiver interface {
	OnEvent(ev wire.Event)
}

// Poster queues an event onto the dispatch context that owns a receiver.
// Implemented by dispatch.Loop.
type Poster interface {
	Post(ev wire.Event) error
}

// Link carries encoded events to one remote node.
// Implemented by Conn and bus.Link.
type Link interface {
	// Peer returns the node identifier of the remote side.
	Peer() uuid.UUID

	// Send transmits one encoded event.
	Send(data []byte) error

	// Close closes the link.
	Close() error
}

// FrameReadWriter provides length-prefixed frame I/O.
// Implemented by Framer.
type FrameReadWriter interface {
	// ReadFrame reads a length-prefixed frame.
	ReadFrame() ([]byte, error)

	// WriteFrame writes a length-prefixed frame.
	WriteFrame(data []byte) error
}

// Compile-time interface satisfaction checks.
var (
	_ Sender          = (*Router)(nil)
	_ Link            = (*Conn)(nil)
	_ FrameReadWriter = (*Framer)(nil)
)
