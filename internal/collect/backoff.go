package collect

import (
	"sync"
	"time"
)

// backoffLedger tracks meters that recently failed to respond so cycles can
// skip them until the deadline expires instead of burning timeout budget on
// known-dead devices. It is thread-safe.
type backoffLedger struct {
	mu    sync.Mutex
	ttl   time.Duration
	until map[int64]time.Time
}

func newBackoffLedger(ttl time.Duration) *backoffLedger {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &backoffLedger{ttl: ttl, until: make(map[int64]time.Time, 64)}
}

// InBackoff reports whether the meter's backoff deadline is still ahead.
// Expired entries are dropped on the way out.
func (b *backoffLedger) InBackoff(meterID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	deadline, ok := b.until[meterID]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(b.until, meterID)
		return false
	}
	return true
}

// Mark puts the meter into backoff for the configured duration.
func (b *backoffLedger) Mark(meterID int64) {
	b.mu.Lock()
	b.until[meterID] = time.Now().Add(b.ttl)
	b.mu.Unlock()
}

// Clear removes the meter's backoff after a successful response.
func (b *backoffLedger) Clear(meterID int64) {
	b.mu.Lock()
	delete(b.until, meterID)
	b.mu.Unlock()
}
