package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	ipWindow    = time.Hour
	dailyWindow = 24 * time.Hour
	pruneEvery  = 10 * time.Minute
)

// RateLimiter limits onboarding submissions per IP (per hour) and per process
// (per day). Counters live in memory; each window restarts on the first call
// after it ends. One instance per process, owned by whoever calls Start.
type RateLimiter struct {
	perIP int
	daily int
	log   *zap.Logger
	now   func() time.Time

	mu       sync.Mutex
	buckets  map[string]*window
	day      window
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type window struct {
	start time.Time
	count int
}

func NewRateLimiter(perIPHourly, daily int, log *zap.Logger) *RateLimiter {
	return &RateLimiter{
		perIP:   perIPHourly,
		daily:   daily,
		log:     log,
		now:     time.Now,
		buckets: make(map[string]*window),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Allow counts one attempt for ip. When refused it reports how long until the
// blocking window ends.
func (r *RateLimiter) Allow(ip string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	b, ok := r.buckets[ip]
	if !ok {
		b = &window{start: now}
		r.buckets[ip] = b
	}
	if now.Sub(b.start) >= ipWindow {
		b.start, b.count = now, 0
	}
	if r.day.start.IsZero() || now.Sub(r.day.start) >= dailyWindow {
		r.day.start, r.day.count = now, 0
	}

	if r.perIP > 0 && b.count >= r.perIP {
		return false, b.start.Add(ipWindow).Sub(now)
	}
	if r.daily > 0 && r.day.count >= r.daily {
		return false, r.day.start.Add(dailyWindow).Sub(now)
	}

	b.count++
	r.day.count++
	return true, 0
}

// Start runs the prune loop until Stop or ctx is done.
func (r *RateLimiter) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(pruneEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				if n := r.prune(); n > 0 {
					r.log.Debug("rate limiter pruned", zap.Int("buckets", n))
				}
			}
		}
	}()
}

// Stop ends the prune loop and waits for it. Safe to call more than once,
// but only after Start.
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *RateLimiter) prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for ip, b := range r.buckets {
		if now.Sub(b.start) >= ipWindow {
			delete(r.buckets, ip)
			n++
		}
	}
	return n
}
