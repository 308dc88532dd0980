package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a monotonic, time-sortable ULID string.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// ConnectionID names one physical connection in logs, metrics and
// diagnostics snapshots.
func ConnectionID() string {
	return "conn-" + New()
}

// Timestamp extracts the creation time embedded in an id produced by New.
// Prefixed ids such as ConnectionID values are accepted.
func Timestamp(id string) (time.Time, bool) {
	if len(id) > ulid.EncodedSize {
		id = id[len(id)-ulid.EncodedSize:]
	}
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
