// ABOUTME: Per-client-IP token bucket limiting for the unauthenticated OAuth endpoints
// ABOUTME: Idle buckets are dropped periodically so the map cannot grow without bound

package oauth

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultIPRate    = rate.Limit(1) // one request per second sustained
	defaultIPBurst   = 20
	limiterIdleAfter = 10 * time.Minute
	cleanupInterval  = time.Minute
)

type ipRecord struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter tracks one token bucket per client IP.
type ipRateLimiter struct {
	mu          sync.Mutex
	records     map[string]*ipRecord
	limit       rate.Limit
	burst       int
	lastCleanup time.Time
	now         func() time.Time
}

func newIPRateLimiter(limit rate.Limit, burst int) *ipRateLimiter {
	if limit <= 0 {
		limit = defaultIPRate
	}
	if burst <= 0 {
		burst = defaultIPBurst
	}
	return &ipRateLimiter{
		records: make(map[string]*ipRecord),
		limit:   limit,
		burst:   burst,
		now:     time.Now,
	}
}

// allow charges one request to ip. When rejected it returns the wait until a
// token is available.
func (l *ipRateLimiter) allow(ip string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCleanup) > cleanupInterval {
		l.cleanup(now.Add(-limiterIdleAfter))
		l.lastCleanup = now
	}

	rec, ok := l.records[ip]
	if !ok {
		rec = &ipRecord{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.records[ip] = rec
	}
	rec.lastSeen = now

	r := rec.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// cleanup removes records idle since before cutoff. Caller holds mu.
func (l *ipRateLimiter) cleanup(cutoff time.Time) {
	for ip, rec := range l.records {
		if rec.lastSeen.Before(cutoff) {
			delete(l.records, ip)
		}
	}
}

// clientIP returns the request's remote IP. X-Forwarded-For is honoured only
// when trustProxy is set.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
