/*
clock.go - Injectable time, id generation, and per-operation context

PURPOSE:
  The core never calls time.Now or generates ids inline. Both come
  through small injectable collaborators so tests can pin time and make
  ids deterministic, and so every timestamp in the system is UTC
  wall-clock from a single source.

OPERATION CONTEXT:
  Caller identity, ip, and user agent travel as an explicit
  OperationContext value through every mutating call. There is no
  ambient/thread-local state.

SEE ALSO:
  - audit: stamps entries from Clock and IdGen
*/
package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CLOCK
// =============================================================================

// Clock yields UTC wall-clock time. No monotonic guarantee is required.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the OS clock, normalised to UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock is a test clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// =============================================================================
// ID GENERATION
// =============================================================================

// IdGen produces globally-unique opaque identifiers.
type IdGen interface {
	NewID() string
}

// UUIDGen generates random 128-bit UUIDs.
type UUIDGen struct{}

func (UUIDGen) NewID() string { return uuid.NewString() }

// =============================================================================
// OPERATION CONTEXT
// =============================================================================

// OperationContext carries the caller identity and request attribution
// for a single mutating call. ActorID is empty for system-driven
// operations (sweeps, retention).
type OperationContext struct {
	ActorID   string
	IPAddress string
	UserAgent string
}

// SystemOp is the context for background jobs.
func SystemOp() OperationContext { return OperationContext{} }
