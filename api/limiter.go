package api

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/xraph/tally/id"
)

// deviceLimiter keeps one token bucket per device. It is safe for
// concurrent use.
type deviceLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	devices map[id.DeviceID]*rate.Limiter
}

func newDeviceLimiter(limit rate.Limit, burst int) *deviceLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &deviceLimiter{
		limit:   limit,
		burst:   burst,
		devices: make(map[id.DeviceID]*rate.Limiter),
	}
}

// Allow reports whether the device may proceed now.
func (l *deviceLimiter) Allow(dev id.DeviceID) bool {
	l.mu.Lock()
	lim, ok := l.devices[dev]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.devices[dev] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// limitPull rejects pulls beyond the device's rate with 429.
func (a *API) limitPull(next http.Handler) http.Handler {
	if a.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dev := deviceFrom(r.Context()); dev != nil && !a.limiter.Allow(dev.ID) {
			w.Header().Set("Retry-After", "1")
			a.writeError(w, r, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}
