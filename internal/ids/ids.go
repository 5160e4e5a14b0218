// Package ids generates identifiers: monotonic ULIDs for broadcasts and tasks (lexical order is
// creation order) and random UUIDs for contacts and templates.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
	lastMS  uint64
)

// ULID returns a new ULID string, strictly increasing within this process.
func ULID() string {
	return ULIDAt(time.Now())
}

// ULIDAt returns a ULID for t. Ids always increase: a t older than the last id
// issued is clamped to that id's timestamp.
func ULIDAt(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	ms := ulid.Timestamp(t)
	if ms < lastMS {
		ms = lastMS
	}
	lastMS = ms
	return ulid.MustNew(ms, entropy).String()
}

// UUID returns a random UUIDv4 string.
func UUID() string { return uuid.NewString() }
