package syslog

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyLimiter pairs a token-bucket limiter with the time it was last used,
// so idle entries can be evicted (mirrors internal/server's per-IP
// ipLimiter, applied here per remote address instead of per auth caller).
type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// senderLimiter rate-limits messages per sending address, the same
// interval/burst/severity-exemption shape imuxsock.c applies per
// originating PID on a UNIX socket. This ingester has no credential-
// bearing transport (UDP/TCP carry no peer PID), so the bucket key is
// the remote address instead of a PID — the nearest available per-sender
// identity.
type senderLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyLimiter
	rate     rate.Limit
	burst    int
	minSev   int // messages with severity < minSev (more urgent) are never limited
}

func newSenderLimiter(interval time.Duration, burst, minSev int) *senderLimiter {
	var r rate.Limit
	if interval > 0 {
		r = rate.Every(interval / time.Duration(max(burst, 1)))
	} else {
		r = rate.Inf
	}
	return &senderLimiter{
		limiters: make(map[string]*keyLimiter),
		rate:     r,
		burst:    burst,
		minSev:   minSev,
	}
}

// allow reports whether a message with the given severity from key may
// pass. A disabled limiter (burst <= 0) always allows.
func (sl *senderLimiter) allow(key string, severity int) bool {
	if sl.burst <= 0 || severity < sl.minSev {
		return true
	}

	sl.mu.Lock()
	entry, ok := sl.limiters[key]
	if !ok {
		entry = &keyLimiter{limiter: rate.NewLimiter(sl.rate, sl.burst)}
		sl.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	sl.mu.Unlock()

	return limiter.Allow()
}

// cleanup drops entries not seen within staleAfter, same policy as
// internal/server's rate limiter cleanup loop.
func (sl *senderLimiter) cleanup(staleAfter time.Duration) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	cutoff := time.Now().Add(-staleAfter)
	for key, entry := range sl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(sl.limiters, key)
		}
	}
}
