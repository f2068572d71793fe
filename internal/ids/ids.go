// Package ids generates audit record identifiers. ULIDs sort by creation
// time, so records listed by id roughly follow chain order even before the
// sequence column is consulted.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns the next identifier. The monotonic entropy source is shared, so
// ids issued within the same millisecond still sort in issue order.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
