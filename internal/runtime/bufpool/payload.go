package bufpool

import "sync/atomic"

// Payload is a single-owner view of a rented buffer. Exactly one Release (or
// Detach) must happen per Payload; a second one, or reading Bytes after it,
// is a programming error and panics.
//
// Pass *Payload by pointer and never copy the struct.
type Payload struct {
	buf      []byte
	pool     Pool
	released atomic.Bool
}

// NewPayload rents size bytes from pool. A zero size rents nothing.
func NewPayload(pool Pool, size int) *Payload {
	if size == 0 {
		return &Payload{}
	}
	if pool == nil {
		pool = Default()
	}
	return &Payload{buf: pool.Rent(size), pool: pool}
}

// Wrap adopts a caller-owned slice. Releasing it returns nothing to any pool.
func Wrap(b []byte) *Payload {
	return &Payload{buf: b}
}

// Bytes exposes the buffer. The slice is only valid until Release.
func (p *Payload) Bytes() []byte {
	if p.released.Load() {
		panic("bufpool: payload used after release")
	}
	return p.buf
}

func (p *Payload) Len() int {
	if p == nil {
		return 0
	}
	return len(p.buf)
}

// Release returns the buffer to its pool.
func (p *Payload) Release() {
	if !p.released.CompareAndSwap(false, true) {
		panic("bufpool: payload released twice")
	}
	buf := p.buf
	p.buf = nil
	if p.pool != nil && buf != nil {
		p.pool.Return(buf)
	}
}

// Detach copies the bytes into a fresh slice and releases the rented buffer.
func (p *Payload) Detach() []byte {
	src := p.Bytes()
	out := make([]byte, len(src))
	copy(out, src)
	p.Release()
	return out
}

// Released reports whether Release or Detach already ran.
func (p *Payload) Released() bool {
	return p.released.Load()
}
