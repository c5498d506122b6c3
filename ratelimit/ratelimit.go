// Package ratelimit enforces a fixed-window request cap per client IP. The
// counters live in Redis so the cap holds across gateway replicas. When Redis is
// unreachable the limiter fails open: dropping bid traffic over a broken cache
// is a worse outcome than briefly exceeding the cap.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"

	"github.com/admediary/bidgate/errortypes"
	"github.com/admediary/bidgate/metrics"
)

// Counter increments the hit count for one window key and returns the new
// count. expiry applies only when the key is created by this call.
type Counter interface {
	Incr(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// Limiter applies a per-IP cap over fixed windows.
type Limiter struct {
	counter Counter
	metrics metrics.Engine
	clock   clock.Clock
	limit   int64
	window  time.Duration
}

func NewLimiter(counter Counter, metricsEngine metrics.Engine, limit int64, window time.Duration) *Limiter {
	return &Limiter{
		counter: counter,
		metrics: metricsEngine,
		clock:   clock.New(),
		limit:   limit,
		window:  window,
	}
}

// Allow checks the caller's budget for the current window. Over the cap it
// returns a *errortypes.RateLimited carrying the time until the window rolls
// over. Counter backend errors are logged and the request is let through.
func (l *Limiter) Allow(ctx context.Context, clientIP string) error {
	now := l.clock.Now()
	windowStart := now.Truncate(l.window)
	key := fmt.Sprintf("bidgate:rl:%s:%d", clientIP, windowStart.Unix())

	count, err := l.counter.Incr(ctx, key, l.window)
	if err != nil {
		glog.Warningf("ratelimit: counter unavailable, failing open for %s: %v", clientIP, err)
		return nil
	}

	if count > l.limit {
		l.metrics.RecordRateLimited()
		return &errortypes.RateLimited{
			RetryAfter: windowStart.Add(l.window).Sub(now),
		}
	}
	return nil
}
