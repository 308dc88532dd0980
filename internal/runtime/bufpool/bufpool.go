// Package bufpool provides the rent/return pool behind inbound frame payloads.
//
// Decoded frames borrow their payload from a Pool. The pool is an interface so
// a connection can be handed a counting or failing pool in tests; Default
// returns the process-wide TieredPool used otherwise.
//
// Buffers are grouped in three size tiers (4 KiB, 64 KiB, 1 MiB). Requests
// larger than the top tier are allocated directly and dropped on return so
// rare jumbo frames do not pin memory.
package bufpool

import (
	"sync"
	"sync/atomic"
)

const (
	DefaultSmallSize  = 4 << 10
	DefaultMediumSize = 64 << 10
	DefaultLargeSize  = 1 << 20
)

// Pool hands out byte slices of an exact length and takes them back.
type Pool interface {
	// Rent returns a slice with len == size. Its contents are unspecified.
	Rent(size int) []byte
	// Return gives a slice obtained from Rent back to the pool. The caller
	// must not touch the slice afterwards.
	Return(buf []byte)
}

// Stats is a snapshot of a TieredPool's counters.
type Stats struct {
	Rents       uint64 `json:"rents"`
	Returns     uint64 `json:"returns"`
	Outstanding int64  `json:"outstanding"`
	Oversized   uint64 `json:"oversized"`
}

// Config sets the tier sizes of a TieredPool. Zero fields use the defaults.
type Config struct {
	SmallSize  int
	MediumSize int
	LargeSize  int
}

// TieredPool is a Pool backed by one sync.Pool per size tier.
type TieredPool struct {
	small, medium, large             sync.Pool
	smallSize, mediumSize, largeSize int

	rents     atomic.Uint64
	returns   atomic.Uint64
	oversized atomic.Uint64
}

// NewTieredPool creates a pool. A nil cfg selects the default tiers.
func NewTieredPool(cfg *Config) *TieredPool {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.SmallSize <= 0 {
		c.SmallSize = DefaultSmallSize
	}
	if c.MediumSize <= 0 {
		c.MediumSize = DefaultMediumSize
	}
	if c.LargeSize <= 0 {
		c.LargeSize = DefaultLargeSize
	}

	p := &TieredPool{smallSize: c.SmallSize, mediumSize: c.MediumSize, largeSize: c.LargeSize}
	p.small.New = func() any { b := make([]byte, p.smallSize); return &b }
	p.medium.New = func() any { b := make([]byte, p.mediumSize); return &b }
	p.large.New = func() any { b := make([]byte, p.largeSize); return &b }
	return p
}

func (p *TieredPool) Rent(size int) []byte {
	p.rents.Add(1)

	var bufPtr *[]byte
	switch {
	case size <= p.smallSize:
		bufPtr = p.small.Get().(*[]byte)
	case size <= p.mediumSize:
		bufPtr = p.medium.Get().(*[]byte)
	case size <= p.largeSize:
		bufPtr = p.large.Get().(*[]byte)
	default:
		p.oversized.Add(1)
		return make([]byte, size)
	}
	return (*bufPtr)[:size]
}

func (p *TieredPool) Return(buf []byte) {
	if buf == nil {
		return
	}
	p.returns.Add(1)

	full := buf[:cap(buf)]
	switch cap(buf) {
	case p.smallSize:
		p.small.Put(&full)
	case p.mediumSize:
		p.medium.Put(&full)
	case p.largeSize:
		p.large.Put(&full)
	}
}

func (p *TieredPool) Stats() Stats {
	rents := p.rents.Load()
	returns := p.returns.Load()
	return Stats{
		Rents:       rents,
		Returns:     returns,
		Outstanding: int64(rents) - int64(returns),
		Oversized:   p.oversized.Load(),
	}
}

var defaultPool = NewTieredPool(nil)

// Default returns the process-wide pool.
func Default() *TieredPool {
	return defaultPool
}
