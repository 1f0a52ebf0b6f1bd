package api

import (
	"time"

	"golang.org/x/time/rate"
)

// RequestKind separates cheap reads from requests that trigger a boundary
// fetch on the map host.
type RequestKind int

const (
	RequestGeneral RequestKind = iota
	RequestHeavy
)

func (k RequestKind) String() string {
	if k == RequestHeavy {
		return "heavy"
	}
	return "general"
}

// Limits configures the per-client token buckets.
type Limits struct {
	General rate.Limit
	Burst   int
	Heavy   rate.Limit
	// HeavyBurst allows a few quick clicks before throttling drilldowns.
	HeavyBurst int
	// IdleAfter drops the buckets of clients unseen for this long.
	IdleAfter time.Duration
}

// DefaultLimits is generous enough for a person clicking through the map.
func DefaultLimits() Limits {
	return Limits{
		General:    rate.Limit(20),
		Burst:      40,
		Heavy:      rate.Limit(2),
		HeavyBurst: 6,
		IdleAfter:  10 * time.Minute,
	}
}

type clientBuckets struct {
	general, heavy *rate.Limiter
	lastSeen       time.Time
}

type allowRequest struct {
	client string
	kind   RequestKind
	reply  chan time.Duration
}

// RateLimiter keeps one pair of buckets per client address.  The map is
// owned by a single goroutine; callers talk to it over a channel.
type RateLimiter struct {
	limits   Limits
	requests chan allowRequest
	quit     chan struct{}
	now      func() time.Time
}

// NewRateLimiter starts the limiter goroutine.
func NewRateLimiter(limits Limits) *RateLimiter {
	l := &RateLimiter{
		limits:   limits,
		requests: make(chan allowRequest),
		quit:     make(chan struct{}),
		now:      time.Now,
	}
	go l.loop()
	return l
}

// Allow reports whether client may proceed now.  When it may not, the
// second value says how long until a token frees up.  A nil limiter
// allows everything.
func (l *RateLimiter) Allow(client string, kind RequestKind) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	req := allowRequest{client: client, kind: kind, reply: make(chan time.Duration, 1)}
	select {
	case l.requests <- req:
	case <-l.quit:
		return true, 0
	}
	wait := <-req.reply
	return wait == 0, wait
}

// Close stops the limiter; later calls to Allow always succeed.
func (l *RateLimiter) Close() {
	if l == nil {
		return
	}
	select {
	case <-l.quit:
	default:
		close(l.quit)
	}
}

func (l *RateLimiter) loop() {
	clients := make(map[string]*clientBuckets)
	prune := time.NewTicker(time.Minute)
	defer prune.Stop()

	for {
		select {
		case <-l.quit:
			return
		case now := <-prune.C:
			for key, c := range clients {
				if now.Sub(c.lastSeen) > l.limits.IdleAfter {
					delete(clients, key)
				}
			}
		case req := <-l.requests:
			now := l.now()
			c, ok := clients[req.client]
			if !ok {
				c = &clientBuckets{
					general: rate.NewLimiter(l.limits.General, l.limits.Burst),
					heavy:   rate.NewLimiter(l.limits.Heavy, l.limits.HeavyBurst),
				}
				clients[req.client] = c
			}
			c.lastSeen = now
			req.reply <- reserve(c, req.kind, now)
		}
	}
}

// reserve takes a token from the buckets of kind.  Heavy requests also
// count against the general bucket.
func reserve(c *clientBuckets, kind RequestKind, now time.Time) time.Duration {
	buckets := []*rate.Limiter{c.general}
	if kind == RequestHeavy {
		buckets = append(buckets, c.heavy)
	}
	var (
		taken []*rate.Reservation
		wait  time.Duration
	)
	for _, b := range buckets {
		r := b.ReserveN(now, 1)
		if !r.OK() {
			wait = time.Second
			break
		}
		taken = append(taken, r)
		if d := r.DelayFrom(now); d > wait {
			wait = d
		}
	}
	if wait > 0 {
		for _, r := range taken {
			r.CancelAt(now)
		}
	}
	return wait
}
