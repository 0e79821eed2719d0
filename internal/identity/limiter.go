package identity

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// defaultLimiterCacheSize bounds how many users keep a live limiter. Least
// recently seen users are evicted and start with a full bucket again.
const defaultLimiterCacheSize = 10_000

// userLimiters holds one token bucket per authenticated user.
type userLimiters struct {
	limit rate.Limit
	burst int
	cache *lru.Cache[int64, *rate.Limiter]
}

func newUserLimiters(perMinute, size int) *userLimiters {
	if size <= 0 {
		size = defaultLimiterCacheSize
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[int64, *rate.Limiter](size)
	return &userLimiters{
		limit: rate.Every(time.Minute / time.Duration(perMinute)),
		burst: perMinute,
		cache: cache,
	}
}

// allow consumes one token from the bucket of userID.
func (l *userLimiters) allow(userID int64) bool {
	limiter, ok := l.cache.Get(userID)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		if prev, found, _ := l.cache.PeekOrAdd(userID, limiter); found {
			limiter = prev
		}
	}
	return limiter.Allow()
}
