// Package mapview drives the drill-down map.  A Controller owns the single
// rendered boundary layer and the dropdown selection; every transition
// fetches the next layer first and swaps layers only once that fetch
// succeeded, so a failure always leaves the last good map on screen.
package mapview

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"geo-drilldown-map/pkg/mapdata"
	"geo-drilldown-map/pkg/refdata"
	"geo-drilldown-map/pkg/selection"
)

// Option configures a Controller.
type Option func(*Controller)

// WithNotifier routes user-visible failures to n.
func WithNotifier(n Notifier) Option { return func(c *Controller) { c.notifier = n } }

// WithLogf replaces the default log.Printf.
func WithLogf(logf func(string, ...any)) Option {
	return func(c *Controller) {
		if logf != nil {
			c.logf = logf
		}
	}
}

// WithJournal receives one record per finished fetch, stale ones included.
func WithJournal(j func(FetchRecord)) Option { return func(c *Controller) { c.journal = j } }

// viewState lives exclusively inside the controller loop.
type viewState struct {
	view       View
	layer      Layer
	layerName  string
	generation uint64
	loading    bool
	sel        *selection.State
}

// Controller is the map view state machine.  All state is owned by one
// goroutine; public methods send closures to it and block until they ran.
// Network I/O happens on the caller goroutine, never inside the loop.
type Controller struct {
	ref      Reference
	fetcher  RegionFetcher
	surface  Surface
	notifier Notifier
	journal  func(FetchRecord)
	logf     func(string, ...any)

	ops       chan func(*viewState)
	quit      chan struct{}
	closeOnce sync.Once
}

// New starts the controller loop in the Initializing state.  Call Start to
// load the world layer and Close to stop the loop.
func New(ref Reference, fetcher RegionFetcher, surface Surface, opts ...Option) *Controller {
	c := &Controller{
		ref:     ref,
		fetcher: fetcher,
		surface: surface,
		logf:    log.Printf,
		ops:     make(chan func(*viewState)),
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.loop(&viewState{sel: selection.New(ref)})
	return c
}

func (c *Controller) loop(s *viewState) {
	for {
		select {
		case op := <-c.ops:
			op(s)
		case <-c.quit:
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (c *Controller) do(fn func(*viewState)) error {
	done := make(chan struct{})
	select {
	case c.ops <- func(s *viewState) { fn(s); close(done) }:
	case <-c.quit:
		return ErrClosed
	}
	<-done
	return nil
}

// Close stops the loop.  The rendered layer is left to the surface owner.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
}

// Snapshot returns a consistent copy of the current state.
func (c *Controller) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := c.do(func(s *viewState) {
		snap = Snapshot{
			View:        s.view,
			Selection:   s.sel.Snapshot(),
			ActiveLayer: s.layerName,
			Generation:  s.generation,
			Loading:     s.loading,
		}
	})
	return snap, err
}

// Start loads and renders the world layer.
func (c *Controller) Start(ctx context.Context) error {
	return c.transition(ctx, step{
		region:  mapdata.World(),
		target:  View{Kind: ShowingWorld},
		message: "Loading world map...",
	})
}

// SelectCountry handles the country dropdown.  Unknown names are reported
// without touching the network or the current state.
func (c *Controller) SelectCountry(ctx context.Context, name string) error {
	code, err := c.ref.ResolveCountryCode(name)
	if err != nil {
		c.report(err)
		return err
	}
	cc := strings.ToLower(code)
	return c.transition(ctx, step{
		region:  mapdata.Country(cc, name),
		target:  View{Kind: ShowingCountry, CountryCode: cc},
		message: fmt.Sprintf("Loading map for %s...", name),
		prepare: func(s *viewState) error { return s.sel.SetCountry(name) },
	})
}

// SelectState handles the subdivision dropdown.  The subdivision is
// resolved against the country currently on screen.
func (c *Controller) SelectState(ctx context.Context, name string) error {
	var cc string
	if err := c.do(func(s *viewState) { cc = s.view.CountryCode }); err != nil {
		return err
	}
	if cc == "" {
		c.report(ErrNoCountry)
		return ErrNoCountry
	}
	sc, err := c.ref.ResolveStateCode(cc, name)
	if err != nil {
		c.report(err)
		return err
	}
	sc = strings.ToLower(sc)
	return c.transition(ctx, step{
		region:  mapdata.State(cc, sc, name),
		target:  View{Kind: ShowingState, CountryCode: cc, StateCode: sc},
		message: fmt.Sprintf("Loading map for %s...", name),
		prepare: func(s *viewState) error {
			// The dropdown may still point at another country after a
			// click drilldown; only mirror the pick when it matches.
			if strings.EqualFold(s.sel.CountryCode(), cc) {
				_ = s.sel.SetState(name)
			}
			return nil
		},
	})
}

// Drilldown handles a click on a region of the base series.  Clicks on an
// already drilled series are ignored.
func (c *Controller) Drilldown(ctx context.Context, ev DrilldownEvent) error {
	if !ev.IsBaseSeries {
		return nil
	}
	cc := strings.ToLower(strings.TrimSpace(ev.PointISOCode))
	if len(cc) > 2 {
		cc = cc[:2]
	}
	if len(cc) != 2 {
		err := fmt.Errorf("%w: clicked region %q has no country code", mapdata.ErrInvalidRegion, ev.PointName)
		c.report(err)
		return err
	}
	name := c.ref.CountryName(cc)
	display := name
	if display == "" {
		display = ev.PointName
	}
	return c.transition(ctx, step{
		region:  mapdata.Country(cc, display),
		target:  View{Kind: ShowingCountry, CountryCode: cc},
		message: fmt.Sprintf("Loading map for %s...", labelOr(display, strings.ToUpper(cc))),
		prepare: func(s *viewState) error {
			if name != "" {
				_ = s.sel.SetCountry(name)
			}
			return nil
		},
	})
}

// DrillUp returns to the world map.  Events without series options did not
// come from a drilled series and are ignored.
func (c *Controller) DrillUp(ctx context.Context, ev DrillUpEvent) error {
	if !ev.HadSeriesOptions {
		return nil
	}
	return c.transition(ctx, step{
		region:  mapdata.World(),
		target:  View{Kind: ShowingWorld},
		message: "Loading world map...",
	})
}

// step describes one fetch-then-commit transition.
type step struct {
	region  mapdata.Region
	target  View
	message string
	prepare func(*viewState) error
}

// transition stamps a new generation, fetches outside the loop and commits
// the result only if no newer transition started in the meantime.
func (c *Controller) transition(ctx context.Context, st step) error {
	var (
		gen        uint64
		prepareErr error
	)
	if err := c.do(func(s *viewState) {
		if st.prepare != nil {
			if prepareErr = st.prepare(s); prepareErr != nil {
				return
			}
		}
		s.generation++
		gen = s.generation
		s.loading = true
		c.surface.ShowLoading(st.message)
	}); err != nil {
		return err
	}
	if prepareErr != nil {
		c.report(prepareErr)
		return prepareErr
	}

	started := time.Now()
	boundary, fetchErr := c.fetcher.FetchRegion(ctx, st.region)
	elapsed := time.Since(started)

	var result error
	if err := c.do(func(s *viewState) {
		if gen != s.generation {
			result = fmt.Errorf("%w: %s (generation %d, latest %d)", ErrStale, st.region.Key(), gen, s.generation)
			return
		}
		s.loading = false
		c.surface.HideLoading()
		if fetchErr != nil {
			result = fetchErr
			return
		}
		if s.layer != nil {
			s.layer.Remove()
		}
		s.layer = c.surface.AddSeries(boundary.Features, st.region.Key())
		s.layerName = st.region.Key()
		s.view = st.target
	}); err != nil {
		return err
	}

	c.record(st.region, gen, elapsed, fetchErr, result)

	switch {
	case result == nil:
		c.logf("[mapview] %s -> %s", st.region.Key(), st.target)
	case errors.Is(result, ErrStale):
		c.logf("[mapview] %v", result)
	default:
		c.report(result)
	}
	return result
}

func (c *Controller) record(region mapdata.Region, gen uint64, elapsed time.Duration, fetchErr, result error) {
	if c.journal == nil {
		return
	}
	rec := FetchRecord{
		Region:     region,
		URLPath:    region.Path(),
		Generation: gen,
		Outcome:    "ok",
		Elapsed:    elapsed,
		At:         time.Now().UTC(),
	}
	var fe *mapdata.FetchError
	if errors.As(fetchErr, &fe) {
		rec.Outcome = fe.Kind.String()
		rec.Status = fe.Status
	} else if fetchErr != nil {
		rec.Outcome = "error"
	}
	if errors.Is(result, ErrStale) {
		rec.Outcome = "stale"
	}
	if fetchErr != nil {
		rec.Err = fetchErr.Error()
	}
	c.journal(rec)
}

// report logs err and shows a toast.
func (c *Controller) report(err error) {
	c.logf("[mapview][ERROR] %v", err)
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(Notice{Level: NoticeError, Message: userMessage(err), At: time.Now().UTC()})
}

// userMessage turns an error into toast text without transport noise.
func userMessage(err error) string {
	var (
		le *refdata.LookupError
		fe *mapdata.FetchError
	)
	switch {
	case errors.As(err, &le):
		if le.Kind == "state" {
			return fmt.Sprintf("Unknown region %q", le.Name)
		}
		return fmt.Sprintf("Unknown country %q", le.Name)
	case errors.As(err, &fe):
		label := fe.Region.Label()
		switch fe.Kind {
		case mapdata.KindNotOK:
			return fmt.Sprintf("Map for %s is not available (HTTP %d)", label, fe.Status)
		case mapdata.KindDecode:
			return fmt.Sprintf("Map for %s could not be read", label)
		default:
			return fmt.Sprintf("Could not reach the map server for %s", label)
		}
	case errors.Is(err, ErrNoCountry):
		return "Pick a country first"
	default:
		return err.Error()
	}
}

func labelOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
