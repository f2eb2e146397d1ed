// rate_limiter.go - Per-sender rate limiting for batch intake
package main

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/zkledger/transferproof/internal/types"
)

// SenderRateLimiter keeps one token bucket per sending account. Each transfer
// in a batch costs its sender one token. Buckets idle for longer than the
// eviction period are dropped; the period is never shorter than a full
// refill, so a dropped bucket would have been full anyway.
type SenderRateLimiter struct {
	mu       sync.Mutex
	limiters *ttlcache.Cache[types.Account, *rate.Limiter]
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

// NewSenderRateLimiter allows perSecond transfers per sender with the given
// burst. A non-positive perSecond disables limiting.
func NewSenderRateLimiter(perSecond float64, burst int, idle time.Duration) *SenderRateLimiter {
	l := &SenderRateLimiter{
		limit: rate.Limit(perSecond),
		burst: burst,
		now:   time.Now,
	}
	if perSecond <= 0 {
		l.limit = rate.Inf
		return l
	}

	if refill := time.Duration(float64(burst) / perSecond * float64(time.Second)); idle < refill {
		idle = refill
	}
	l.limiters = ttlcache.New[types.Account, *rate.Limiter](
		ttlcache.WithTTL[types.Account, *rate.Limiter](idle),
	)
	go l.limiters.Start()
	return l
}

// Close stops the eviction loop.
func (l *SenderRateLimiter) Close() {
	if l.limiters != nil {
		l.limiters.Stop()
	}
}

// Len is the number of senders currently tracked.
func (l *SenderRateLimiter) Len() int {
	if l.limiters == nil {
		return 0
	}
	return l.limiters.Len()
}

func (l *SenderRateLimiter) limiter(sender types.Account) *rate.Limiter {
	if item := l.limiters.Get(sender); item != nil {
		return item.Value()
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.limiters.Set(sender, lim, ttlcache.DefaultTTL)
	return lim
}

// AllowBatch consumes tokens for every transfer in requests. Either every
// sender has enough tokens and all are consumed, or none are.
func (l *SenderRateLimiter) AllowBatch(requests []types.TransferRequest) bool {
	if l.limit == rate.Inf {
		return true
	}

	counts := make(map[types.Account]int)
	var order []types.Account
	for _, r := range requests {
		if counts[r.Sender] == 0 {
			order = append(order, r.Sender)
		}
		counts[r.Sender]++
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	reservations := make([]*rate.Reservation, 0, len(order))
	for _, sender := range order {
		r := l.limiter(sender).ReserveN(now, counts[sender])
		if !r.OK() || r.DelayFrom(now) > 0 {
			r.CancelAt(now)
			for _, prev := range reservations {
				prev.CancelAt(now)
			}
			return false
		}
		reservations = append(reservations, r)
	}
	return true
}

// Tokens returns the tokens currently available to sender.
func (l *SenderRateLimiter) Tokens(sender types.Account) float64 {
	if l.limit == rate.Inf {
		return float64(l.burst)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiter(sender).TokensAt(l.now())
}
