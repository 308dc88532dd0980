// Package shutdown provides the one-shot close notification shared by
// connections and channels.
package shutdown

import (
	"fmt"
	"sync"
)

// Initiator records which side started a shutdown.
type Initiator int

const (
	Application Initiator = iota
	Library
	Peer
)

func (i Initiator) String() string {
	switch i {
	case Application:
		return "application"
	case Library:
		return "library"
	case Peer:
		return "peer"
	default:
		return fmt.Sprintf("initiator(%d)", int(i))
	}
}

// Reason describes why a connection or channel closed. ClassID and MethodID
// name the method that caused a protocol-level close, if any.
type Reason struct {
	Initiator Initiator
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
	Cause     error
}

// Common reply codes.
const (
	ReplySuccess       uint16 = 200
	ReplyFrameError    uint16 = 501
	ReplyChannelError  uint16 = 504
	ReplyUnexpected    uint16 = 505
	ReplyInternalError uint16 = 541
)

func (r Reason) Error() string {
	msg := fmt.Sprintf("amqpcore: shutdown by %s, code=%d, text=%q", r.Initiator, r.ReplyCode, r.ReplyText)
	if r.ClassID != 0 || r.MethodID != 0 {
		msg += fmt.Sprintf(", method=%d.%d", r.ClassID, r.MethodID)
	}
	if r.Cause != nil {
		msg += ", cause=" + r.Cause.Error()
	}
	return msg
}

func (r Reason) Unwrap() error {
	return r.Cause
}

// ApplicationClose is the reason for a close requested by user code.
func ApplicationClose(text string) Reason {
	return Reason{Initiator: Application, ReplyCode: ReplySuccess, ReplyText: text}
}

// LibraryError is the reason for a close forced by the library itself.
func LibraryError(code uint16, cause error) Reason {
	text := "library error"
	if cause != nil {
		text = cause.Error()
	}
	return Reason{Initiator: Library, ReplyCode: code, ReplyText: text, Cause: cause}
}

// Listener observes a fired Signal.
type Listener func(Reason)

type subscription struct {
	id int
	fn Listener
}

// Signal is a one-shot observer list. The zero value is ready to use.
type Signal struct {
	mu     sync.Mutex
	nextID int
	subs   []subscription
	fired  bool
	reason Reason
	done   chan struct{}
}

func New() *Signal {
	return &Signal{}
}

// Subscribe registers fn to run when the signal fires. It returns ok=false,
// without calling fn, when the signal has already fired; callers check Fired
// in that case.
func (s *Signal) Subscribe(fn Listener) (unsubscribe func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired {
		return func() {}, false
	}
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscription{id: id, fn: fn})
	return func() { s.unsubscribe(id) }, true
}

func (s *Signal) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

// Fire records reason and runs every listener, in subscription order, outside
// the signal's lock. Only the first call has an effect.
func (s *Signal) Fire(reason Reason) bool {
	s.mu.Lock()
	if s.fired {
		s.mu.Unlock()
		return false
	}
	s.fired = true
	s.reason = reason
	subs := s.subs
	s.subs = nil
	if s.done == nil {
		s.done = make(chan struct{})
	}
	close(s.done)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(reason)
	}
	return true
}

// Fired returns the recorded reason once the signal has fired.
func (s *Signal) Fired() (Reason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.fired
}

// Done is closed when the signal fires.
func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}
