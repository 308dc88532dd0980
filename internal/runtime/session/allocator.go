package session

import (
	"github.com/RoaringBitmap/roaring"

	errspkg "github.com/drblury/amqpcore/internal/runtime/errors"
)

// IDAllocator hands out channel ids from [1, max], lowest free first.
// It is not safe for concurrent use; the Registry guards it.
type IDAllocator struct {
	max  uint16
	free *roaring.Bitmap
}

func NewIDAllocator(max uint16) *IDAllocator {
	free := roaring.New()
	if max > 0 {
		free.AddRange(1, uint64(max)+1)
	}
	return &IDAllocator{max: max, free: free}
}

// Allocate takes the lowest free id.
func (a *IDAllocator) Allocate() (uint16, error) {
	if a.free.IsEmpty() {
		return 0, errspkg.ErrChannelAllocationExhausted
	}
	id := a.free.Minimum()
	a.free.Remove(id)
	return uint16(id), nil
}

// Reserve takes a specific id.
func (a *IDAllocator) Reserve(id uint16) error {
	if id == 0 || id > a.max || !a.free.Contains(uint32(id)) {
		return errspkg.ChannelError(errspkg.ErrChannelAllocationConflict, id)
	}
	a.free.Remove(uint32(id))
	return nil
}

// Free returns id to the free set. Ids outside the range are ignored.
func (a *IDAllocator) Free(id uint16) {
	if id == 0 || id > a.max {
		return
	}
	a.free.Add(uint32(id))
}

func (a *IDAllocator) InUse(id uint16) bool {
	return id != 0 && id <= a.max && !a.free.Contains(uint32(id))
}

// Available is the number of free ids.
func (a *IDAllocator) Available() int {
	return int(a.free.GetCardinality())
}

func (a *IDAllocator) Max() uint16 {
	return a.max
}
