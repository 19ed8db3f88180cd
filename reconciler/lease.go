package reconciler

import (
	"sync/atomic"
	"time"
)

// scanLease marks one kind as being scanned. It expires on its own so a
// scan that never released it cannot block the kind forever.
type scanLease struct {
	expiry atomic.Int64 // unix nano, 0 when free
}

func (l *scanLease) tryAcquire(now time.Time, ttl time.Duration) bool {
	cur := l.expiry.Load()
	if cur > now.UnixNano() {
		return false
	}
	return l.expiry.CompareAndSwap(cur, now.Add(ttl).UnixNano())
}

func (l *scanLease) release() {
	l.expiry.Store(0)
}
