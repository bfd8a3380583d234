package cluster

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RateLimiterStats is a point-in-time counter snapshot.
type RateLimiterStats struct {
	Allowed  int64
	Denied   int64
	FailOpen int64
}

// RateLimiter enforces cluster-wide quotas with a sliding window over
// two fixed-window counters in the broker. Broker failures allow the
// request: a degraded broker must not throttle traffic.
type RateLimiter struct {
	rdb  *redis.Client
	keys keyspace
	log  zerolog.Logger
	now  func() time.Time

	allowed  atomic.Int64
	denied   atomic.Int64
	failOpen atomic.Int64
}

// NewRateLimiter creates a limiter over the given broker connection.
func NewRateLimiter(rdb *redis.Client, prefix string, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		rdb:  rdb,
		keys: keyspace{prefix: prefix},
		log:  log,
		now:  time.Now,
	}
}

// Check reports whether spending cost units against resource stays
// within limit for the sliding window. When it does, the spend is
// recorded.
//
// The weighted count is previous_window × (1 − position) + current,
// where position is how far into the current window now falls. Counter
// keys expire after two windows so abandoned resources clean themselves
// up.
func (l *RateLimiter) Check(ctx context.Context, resource string, limit int, window time.Duration, cost int) bool {
	if limit <= 0 {
		l.denied.Add(1)
		return false
	}
	if cost <= 0 {
		cost = 1
	}

	winSecs := int64(window / time.Second)
	if winSecs <= 0 {
		winSecs = 1
	}
	now := l.now()
	currStart := (now.Unix() / winSecs) * winSecs
	prevStart := currStart - winSecs

	currKey := l.keys.rateWindow(resource, currStart)
	prevKey := l.keys.rateWindow(resource, prevStart)

	vals, err := l.rdb.MGet(ctx, currKey, prevKey).Result()
	if err != nil {
		l.failOpen.Add(1)
		l.log.Warn().Err(err).Str("resource", resource).Msg("rate limit read failed, allowing")
		return true
	}
	curr := parseCount(vals[0])
	prev := parseCount(vals[1])

	position := (float64(now.UnixMilli())/1000 - float64(currStart)) / float64(winSecs)
	if position < 0 {
		position = 0
	} else if position >= 1 {
		position = 1
	}
	weighted := float64(prev)*(1-position) + float64(curr)

	if weighted+float64(cost) > float64(limit) {
		l.denied.Add(1)
		return false
	}

	pipe := l.rdb.Pipeline()
	pipe.IncrBy(ctx, currKey, int64(cost))
	pipe.Expire(ctx, currKey, window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		l.failOpen.Add(1)
		l.log.Warn().Err(err).Str("resource", resource).Msg("rate limit record failed, allowing")
		return true
	}

	l.allowed.Add(1)
	return true
}

// Reset clears both window counters for a resource.
func (l *RateLimiter) Reset(ctx context.Context, resource string, window time.Duration) error {
	winSecs := int64(window / time.Second)
	if winSecs <= 0 {
		winSecs = 1
	}
	currStart := (l.now().Unix() / winSecs) * winSecs
	return l.rdb.Del(ctx,
		l.keys.rateWindow(resource, currStart),
		l.keys.rateWindow(resource, currStart-winSecs),
	).Err()
}

// Stats returns current limiter counters.
func (l *RateLimiter) Stats() RateLimiterStats {
	return RateLimiterStats{
		Allowed:  l.allowed.Load(),
		Denied:   l.denied.Load(),
		FailOpen: l.failOpen.Load(),
	}
}

func parseCount(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
