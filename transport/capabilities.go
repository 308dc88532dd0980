package transport

// Capabilities describes what a byte-stream transport offers.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// InProcess is true when both ends live in the same process.
	InProcess bool

	// SupportsDeadlines indicates the stream honours read/write deadlines.
	SupportsDeadlines bool

	// SupportsKeepAlive indicates the OS keeps the stream alive below the
	// AMQP heartbeat.
	SupportsKeepAlive bool

	// Buffered is false when every write blocks until the peer reads it.
	Buffered bool
}

// NeedsHeartbeats reports whether liveness depends on AMQP heartbeats alone.
func (c Capabilities) NeedsHeartbeats() bool {
	return !c.InProcess && !c.SupportsKeepAlive
}

var (
	// TCPCapabilities for plain TCP streams.
	TCPCapabilities = Capabilities{
		Name:              "tcp",
		SupportsDeadlines: true,
		SupportsKeepAlive: true,
		Buffered:          true,
	}

	// MemoryCapabilities for in-process pipe streams.
	MemoryCapabilities = Capabilities{
		Name:              "memory",
		InProcess:         true,
		SupportsDeadlines: true,
	}
)
