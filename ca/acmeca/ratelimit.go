package acmeca

import (
	"sync/atomic"
	"time"
)

// rateLimitGuard records the moment the CA last answered 429 and gates
// new issuance for the cooldown window. The value is a single monotonic
// unix timestamp held in an atomic, so the queue worker and the renewal
// sweep can both consult and update it without a lock.
type rateLimitGuard struct {
	lastHit atomic.Int64
}

// hit records a 429 at now.
func (g *rateLimitGuard) hit() {
	g.lastHit.Store(time.Now().Unix())
}

// active reports whether the cooldown window is still in effect.
func (g *rateLimitGuard) active() bool {
	last := g.lastHit.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(last, 0)) < rateLimitCooldown
}
