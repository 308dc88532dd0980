// Package session owns the channel id space of a connection and the map from
// channel number to live session.
package session

import (
	"github.com/drblury/amqpcore/internal/runtime/frame"
	"github.com/drblury/amqpcore/internal/runtime/shutdown"
)

// Session is one live logical channel.
type Session interface {
	ChannelNumber() uint16
	// HandleFrame takes ownership of the frame payload.
	HandleFrame(f frame.Frame) error
	// Shutdown fires when the session closes; the registry then drops it
	// and frees its id.
	Shutdown() *shutdown.Signal
}

// SessionFactory builds the session bound to channel id. It runs outside the
// registry lock.
type SessionFactory func(id uint16) (Session, error)
