package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTieredPoolRentsExactLength(t *testing.T) {
	p := NewTieredPool(nil)

	for _, size := range []int{1, DefaultSmallSize, DefaultSmallSize + 1, DefaultMediumSize, DefaultLargeSize} {
		buf := p.Rent(size)
		assert.Len(t, buf, size)
		p.Return(buf)
	}

	stats := p.Stats()
	assert.Equal(t, uint64(5), stats.Rents)
	assert.Equal(t, uint64(5), stats.Returns)
	assert.Equal(t, int64(0), stats.Outstanding)
}

func TestTieredPoolOversizedIsNotPooled(t *testing.T) {
	p := NewTieredPool(&Config{SmallSize: 16, MediumSize: 32, LargeSize: 64})

	buf := p.Rent(100)
	assert.Len(t, buf, 100)
	assert.Equal(t, uint64(1), p.Stats().Oversized)
	p.Return(buf)
}

func TestTieredPoolReturnIgnoresNil(t *testing.T) {
	p := NewTieredPool(nil)
	p.Return(nil)
	assert.Equal(t, uint64(0), p.Stats().Returns)
}

func TestDefaultIsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
}

func TestPayloadReleaseReturnsToPool(t *testing.T) {
	pool := NewCountingPool()
	p := NewPayload(pool, 10)

	require.Len(t, p.Bytes(), 10)
	assert.Equal(t, 1, pool.Outstanding())

	p.Release()
	assert.True(t, p.Released())
	assert.Equal(t, 0, pool.Outstanding())
	assert.Equal(t, 1, pool.Returns())
}

func TestPayloadZeroSizeRentsNothing(t *testing.T) {
	pool := NewCountingPool()
	p := NewPayload(pool, 0)

	assert.Equal(t, 0, p.Len())
	assert.Empty(t, p.Bytes())
	p.Release()
	assert.Equal(t, 0, pool.Rents())
}

func TestPayloadDoubleReleasePanics(t *testing.T) {
	p := NewPayload(NewCountingPool(), 4)
	p.Release()
	assert.PanicsWithValue(t, "bufpool: payload released twice", p.Release)
}

func TestPayloadUseAfterReleasePanics(t *testing.T) {
	p := NewPayload(NewCountingPool(), 4)
	p.Release()
	assert.PanicsWithValue(t, "bufpool: payload used after release", func() { p.Bytes() })
}

func TestPayloadDetachCopiesAndReleases(t *testing.T) {
	pool := NewCountingPool()
	p := NewPayload(pool, 3)
	copy(p.Bytes(), "abc")

	out := p.Detach()
	assert.Equal(t, []byte("abc"), out)
	assert.True(t, p.Released())
	assert.Equal(t, 0, pool.Outstanding())
}

func TestWrapDoesNotTouchPools(t *testing.T) {
	p := Wrap([]byte("xyz"))
	assert.Equal(t, 3, p.Len())
	p.Release()
}

func TestCountingPoolRejectsDoubleReturn(t *testing.T) {
	pool := NewCountingPool()
	buf := pool.Rent(8)
	pool.Return(buf)
	assert.Panics(t, func() { pool.Return(buf) })
}
