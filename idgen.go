package msgr

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// debugIDEntropy backs per-pipe correlation IDs used only in logs and the
// debug snapshot endpoint; they never appear on the wire, so a
// math/rand-seeded source is fine here despite being unsuitable for
// anything security sensitive.
var (
	debugIDMu      sync.Mutex
	debugIDEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newDebugID returns a lexicographically sortable identifier for a pipe,
// used to correlate log lines and the /msgr/pipes debug snapshot across
// its lifetime, including across a Replace.
func newDebugID() string {
	debugIDMu.Lock()
	defer debugIDMu.Unlock()
	id := ulid.MustNew(ulid.Now(), debugIDEntropy)
	return id.String()
}
