// Package session keeps one map controller and chart per browser tab.
// Sessions live in a bounded LRU; evicting one stops its goroutines.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"geo-drilldown-map/pkg/chart"
	"geo-drilldown-map/pkg/mapview"
)

// ErrNotFound is returned for unknown or evicted session IDs.
var ErrNotFound = errors.New("session not found")

// Session bundles the state of one open map.
type Session struct {
	ID        string
	CreatedAt time.Time
	Chart     *chart.Chart
	View      *mapview.Controller

	lastSeen  atomic.Int64
	ready     chan struct{}
	startErr  error
	closeOnce sync.Once
}

// Touch marks the session as used now.
func (s *Session) Touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen reports the last Touch.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// Ready is closed once the initial world map finished loading, successfully
// or not.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// StartErr is the error of the initial world load.  Only valid after Ready.
func (s *Session) StartErr() error {
	<-s.ready
	return s.startErr
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.View.Close()
		s.Chart.Close()
	})
}

// Config bounds the registry.
type Config struct {
	MaxSessions int
	IdleTTL     time.Duration
	Chart       chart.Config
}

// Hooks are optional observers; nil fields are skipped.
type Hooks struct {
	// Journal receives every finished fetch of every session.
	Journal func(sessionID string, rec mapview.FetchRecord)
	// Opened and Closed fire when a session enters or leaves the registry.
	Opened func()
	Closed func()
}

// Registry owns all sessions.
type Registry struct {
	cfg     Config
	ref     mapview.Reference
	fetcher mapview.RegionFetcher
	hooks   Hooks
	logf    func(string, ...any)

	cache  *lru.Cache[string, *Session]
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry builds an empty registry and starts the idle sweeper when
// cfg.IdleTTL is positive.
func NewRegistry(cfg Config, ref mapview.Reference, fetcher mapview.RegionFetcher, hooks Hooks, logf func(string, ...any)) (*Registry, error) {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1024
	}
	if logf == nil {
		logf = log.Printf
	}
	r := &Registry{
		cfg:     cfg,
		ref:     ref,
		fetcher: fetcher,
		hooks:   hooks,
		logf:    logf,
		done:    make(chan struct{}),
	}
	cache, err := lru.NewWithEvict[string, *Session](cfg.MaxSessions, func(id string, s *Session) {
		s.close()
		if r.hooks.Closed != nil {
			r.hooks.Closed()
		}
		r.logf("[session] %s closed", id)
	})
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	r.cache = cache
	r.ctx, r.cancel = context.WithCancel(context.Background())

	if cfg.IdleTTL > 0 {
		go r.sweep()
	} else {
		close(r.done)
	}
	return r, nil
}

// Create opens a session and starts loading the world map in the
// background.
func (r *Registry) Create() (*Session, error) {
	if err := r.ctx.Err(); err != nil {
		return nil, fmt.Errorf("registry closed: %w", err)
	}
	c := chart.New(r.cfg.Chart)
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Chart:     c,
		ready:     make(chan struct{}),
	}
	s.Touch()

	opts := []mapview.Option{
		mapview.WithNotifier(c),
		mapview.WithLogf(func(format string, args ...any) {
			r.logf("[session %s] "+format, append([]any{shortID(s.ID)}, args...)...)
		}),
	}
	if r.hooks.Journal != nil {
		id := s.ID
		opts = append(opts, mapview.WithJournal(func(rec mapview.FetchRecord) { r.hooks.Journal(id, rec) }))
	}
	s.View = mapview.New(r.ref, r.fetcher, c, opts...)

	ctx := r.ctx
	c.OnDrilldown(func(ev mapview.DrilldownEvent) { _ = s.View.Drilldown(ctx, ev) })
	c.OnDrillUp(func(ev mapview.DrillUpEvent) { _ = s.View.DrillUp(ctx, ev) })

	r.cache.Add(s.ID, s)
	if r.hooks.Opened != nil {
		r.hooks.Opened()
	}
	r.logf("[session] %s opened", s.ID)

	go func() {
		s.startErr = s.View.Start(ctx)
		close(s.ready)
	}()
	return s, nil
}

// Get returns a live session and marks it used.
func (r *Registry) Get(id string) (*Session, error) {
	s, ok := r.cache.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.Touch()
	return s, nil
}

// Remove closes a session.  Unknown IDs are ignored.
func (r *Registry) Remove(id string) { r.cache.Remove(id) }

// Len is the number of open sessions.
func (r *Registry) Len() int { return r.cache.Len() }

// Close closes every session and stops the sweeper.
func (r *Registry) Close() {
	r.cancel()
	<-r.done
	r.cache.Purge()
}

func (r *Registry) sweep() {
	defer close(r.done)
	interval := r.cfg.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			r.expire(now)
		}
	}
}

// expire removes sessions idle for longer than IdleTTL at now.
func (r *Registry) expire(now time.Time) int {
	n := 0
	for _, id := range r.cache.Keys() {
		s, ok := r.cache.Peek(id)
		if !ok || now.Sub(s.LastSeen()) <= r.cfg.IdleTTL {
			continue
		}
		r.cache.Remove(id)
		n++
	}
	return n
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
