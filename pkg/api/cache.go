package api

import (
	"context"
	"errors"
	"time"
)

var errCacheStopped = errors.New("cache stopped")

type cacheRequest struct {
	ctx    context.Context
	key    string
	loader func(context.Context) ([]byte, error)
	reply  chan cacheResponse
}

type cacheResponse struct {
	data []byte
	err  error
}

type cacheEntry struct {
	data    []byte
	expires time.Time
}

// ResponseCache memoizes encoded reference-data responses.  A single
// goroutine owns the map; loaders run inside it, so concurrent misses for
// the same key encode only once.
type ResponseCache struct {
	ttl      time.Duration
	requests chan cacheRequest
	quit     chan struct{}
	now      func() time.Time
}

// NewResponseCache returns nil for a non-positive ttl; a nil cache calls
// the loader every time.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		return nil
	}
	c := &ResponseCache{
		ttl:      ttl,
		requests: make(chan cacheRequest),
		quit:     make(chan struct{}),
		now:      time.Now,
	}
	go c.loop()
	return c
}

// Close stops the cache goroutine.  Not safe for concurrent calls.
func (c *ResponseCache) Close() {
	if c == nil {
		return
	}
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
}

// Get returns the cached bytes for key, calling loader on a miss.  The
// returned slice is the caller's to keep.
func (c *ResponseCache) Get(ctx context.Context, key string, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	if c == nil {
		return loader(ctx)
	}
	req := cacheRequest{ctx: ctx, key: key, loader: loader, reply: make(chan cacheResponse, 1)}
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, errCacheStopped
	}
	select {
	case resp := <-req.reply:
		if resp.err != nil {
			return nil, resp.err
		}
		return append([]byte(nil), resp.data...), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, errCacheStopped
	}
}

func (c *ResponseCache) loop() {
	store := make(map[string]cacheEntry)
	for {
		select {
		case <-c.quit:
			return
		case req := <-c.requests:
			now := c.now()
			if e, ok := store[req.key]; ok && now.Before(e.expires) {
				req.reply <- cacheResponse{data: e.data}
				continue
			}
			data, err := req.loader(req.ctx)
			if err != nil {
				delete(store, req.key)
			} else {
				store[req.key] = cacheEntry{data: append([]byte(nil), data...), expires: now.Add(c.ttl)}
			}
			req.reply <- cacheResponse{data: data, err: err}
		}
	}
}
