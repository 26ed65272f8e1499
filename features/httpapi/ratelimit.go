package httpapi

import (
	"sync"

	"golang.org/x/time/rate"
)

// userLimiters hands out one token bucket per user ID. Buckets are created
// on first sight and kept for the life of the process.
type userLimiters struct {
	limit rate.Limit
	burst int

	mu    sync.Mutex
	users map[string]*rate.Limiter
}

func newUserLimiters(rps float64, burst int) *userLimiters {
	return &userLimiters{
		limit: rate.Limit(rps),
		burst: burst,
		users: make(map[string]*rate.Limiter),
	}
}

// allow reports whether the user may issue a request now.
func (l *userLimiters) allow(user string) bool {
	l.mu.Lock()
	lim, ok := l.users[user]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.users[user] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
