package bufpool

import (
	"fmt"
	"sync"
)

// CountingPool allocates fresh slices and tracks which ones are still out.
// Returning a slice it never handed out, or returning one twice, panics.
// Connections accept it in place of the default pool to check that every
// rented payload comes back exactly once.
type CountingPool struct {
	mu          sync.Mutex
	outstanding map[*byte]int
	rents       int
	returns     int
}

func NewCountingPool() *CountingPool {
	return &CountingPool{outstanding: make(map[*byte]int)}
}

func (c *CountingPool) Rent(size int) []byte {
	buf := make([]byte, size, size+1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rents++
	c.outstanding[&buf[:1][0]] = size
	return buf
}

func (c *CountingPool) Return(buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cap(buf) == 0 {
		panic("bufpool: returned an empty buffer")
	}
	key := &buf[:1][0]
	if _, ok := c.outstanding[key]; !ok {
		panic(fmt.Sprintf("bufpool: buffer of len %d returned twice or never rented", len(buf)))
	}
	delete(c.outstanding, key)
	c.returns++
}

// Outstanding is the number of rented buffers not yet returned.
func (c *CountingPool) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outstanding)
}

func (c *CountingPool) Rents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rents
}

func (c *CountingPool) Returns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.returns
}
