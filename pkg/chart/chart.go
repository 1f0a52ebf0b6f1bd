// Package chart is the server-side model of one rendered map.  It keeps the
// series the browser should draw, the loading overlay and recent toasts, and
// publishes every change on a Bus that the websocket forwards to the page.
package chart

import (
	"context"
	"sync"
	"time"

	"github.com/paulmach/orb/geojson"

	"geo-drilldown-map/pkg/mapdata"
	"geo-drilldown-map/pkg/mapview"
)

// Event types published on the bus.
const (
	EventSeriesAdded   = "series.added"
	EventSeriesRemoved = "series.removed"
	EventLoading       = "loading"
	EventLoaded        = "loaded"
	EventNotice        = "notice"
)

// Event is one chart change as the browser sees it.
type Event struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Series  *SeriesInfo     `json:"series,omitempty"`
	Message string          `json:"message,omitempty"`
	Notice  *mapview.Notice `json:"notice,omitempty"`
	At      time.Time       `json:"at"`
}

// SeriesInfo describes a rendered series without its geometry.
type SeriesInfo struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	Features int    `json:"features"`
	// Bounds is [minLon, minLat, maxLon, maxLat]; the page zooms to it.
	Bounds  [4]float64 `json:"bounds"`
	AddedAt time.Time  `json:"addedAt"`
}

// Config mirrors the options the page passes when it creates the map.
type Config struct {
	Title       string `json:"title"`
	Subtitle    string `json:"subtitle,omitempty"`
	Projection  string `json:"projection"`
	MapNavigate bool   `json:"mapNavigation"`
	// EventBuffer sizes the bus queue.  Zero picks a default.
	EventBuffer int `json:"-"`
	// NoticeHistory is how many toasts a snapshot keeps.  Zero picks a default.
	NoticeHistory int `json:"-"`
}

// DefaultConfig is the map the page shows on first load.
func DefaultConfig() Config {
	return Config{
		Title:       "Drill down the world",
		Subtitle:    "Click a country or pick one from the list",
		Projection:  "Miller",
		MapNavigate: true,
	}
}

// View is a snapshot of the chart.
type View struct {
	Config         Config           `json:"config"`
	Series         []SeriesInfo     `json:"series"`
	Loading        bool             `json:"loading"`
	LoadingMessage string           `json:"loadingMessage,omitempty"`
	Notices        []mapview.Notice `json:"notices"`
	Seq            uint64           `json:"seq"`
}

type series struct {
	info SeriesInfo
	data *geojson.FeatureCollection
}

type chartState struct {
	series     []*series
	nextID     uint64
	loading    bool
	loadingMsg string
	notices    []mapview.Notice
	seq        uint64
	onDrill    func(mapview.DrilldownEvent)
	onDrillUp  func(mapview.DrillUpEvent)
}

// Chart implements mapview.Surface and mapview.Notifier.  Its state belongs
// to a single goroutine; calls are serialized through ops.
type Chart struct {
	cfg  Config
	bus  *Bus
	ops  chan func(*chartState)
	quit chan struct{}
	once sync.Once
}

var (
	_ mapview.Surface  = (*Chart)(nil)
	_ mapview.Notifier = (*Chart)(nil)
)

// New creates an empty chart.  This is the server half of creating the map:
// the page renders whatever series the chart holds.
func New(cfg Config) *Chart {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.NoticeHistory <= 0 {
		cfg.NoticeHistory = 10
	}
	c := &Chart{
		cfg:  cfg,
		bus:  NewBus(cfg.EventBuffer),
		ops:  make(chan func(*chartState)),
		quit: make(chan struct{}),
	}
	go c.loop(&chartState{})
	return c
}

func (c *Chart) loop(s *chartState) {
	for {
		select {
		case op := <-c.ops:
			op(s)
		case <-c.quit:
			return
		}
	}
}

// do runs fn inside the loop.  It reports false once the chart is closed.
func (c *Chart) do(fn func(*chartState)) bool {
	done := make(chan struct{})
	select {
	case c.ops <- func(s *chartState) { fn(s); close(done) }:
	case <-c.quit:
		return false
	}
	<-done
	return true
}

func (c *Chart) emit(s *chartState, ev Event) {
	s.seq++
	ev.Seq = s.seq
	ev.At = time.Now().UTC()
	c.bus.Publish(ev)
}

// Config returns the options the chart was created with.
func (c *Chart) Config() Config { return c.cfg }

// AddSeries renders data as a new series named name.
func (c *Chart) AddSeries(data *geojson.FeatureCollection, name string) mapview.Layer {
	l := &layer{c: c}
	c.do(func(s *chartState) {
		s.nextID++
		n := 0
		if data != nil {
			n = len(data.Features)
		}
		b := mapdata.Bounds(data)
		info := SeriesInfo{
			ID:       s.nextID,
			Name:     name,
			Features: n,
			Bounds:   [4]float64{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()},
			AddedAt:  time.Now().UTC(),
		}
		s.series = append(s.series, &series{info: info, data: data})
		l.id = info.ID
		c.emit(s, Event{Type: EventSeriesAdded, Series: &info})
	})
	return l
}

// layer is the handle returned by AddSeries.
type layer struct {
	c  *Chart
	id uint64
}

// Remove drops the series.  Removing twice, or after Close, is a no-op.
func (l *layer) Remove() {
	l.c.do(func(s *chartState) {
		for i, sr := range s.series {
			if sr.info.ID != l.id {
				continue
			}
			s.series = append(s.series[:i], s.series[i+1:]...)
			info := sr.info
			l.c.emit(s, Event{Type: EventSeriesRemoved, Series: &info})
			return
		}
	})
}

// ShowLoading raises the loading overlay.
func (c *Chart) ShowLoading(message string) {
	c.do(func(s *chartState) {
		s.loading = true
		s.loadingMsg = message
		c.emit(s, Event{Type: EventLoading, Message: message})
	})
}

// HideLoading clears the loading overlay.
func (c *Chart) HideLoading() {
	c.do(func(s *chartState) {
		s.loading = false
		s.loadingMsg = ""
		c.emit(s, Event{Type: EventLoaded})
	})
}

// Notify shows a toast and keeps it in the snapshot history.
func (c *Chart) Notify(n mapview.Notice) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	c.do(func(s *chartState) {
		s.notices = append(s.notices, n)
		if over := len(s.notices) - c.cfg.NoticeHistory; over > 0 {
			s.notices = append(s.notices[:0], s.notices[over:]...)
		}
		c.emit(s, Event{Type: EventNotice, Notice: &n})
	})
}

// Snapshot returns the current chart view.
func (c *Chart) Snapshot() View {
	v := View{Config: c.cfg, Series: []SeriesInfo{}, Notices: []mapview.Notice{}}
	c.do(func(s *chartState) {
		for _, sr := range s.series {
			v.Series = append(v.Series, sr.info)
		}
		v.Loading = s.loading
		v.LoadingMessage = s.loadingMsg
		v.Notices = append(v.Notices, s.notices...)
		v.Seq = s.seq
	})
	return v
}

// ActiveSeries returns the most recently added series that is still drawn.
func (c *Chart) ActiveSeries() (SeriesInfo, *geojson.FeatureCollection, bool) {
	var (
		info SeriesInfo
		data *geojson.FeatureCollection
		ok   bool
	)
	c.do(func(s *chartState) {
		if len(s.series) == 0 {
			return
		}
		last := s.series[len(s.series)-1]
		info, data, ok = last.info, last.data, true
	})
	return info, data, ok
}

// Subscribe streams chart events until ctx ends or the chart closes.
func (c *Chart) Subscribe(ctx context.Context, buffer int) <-chan Event {
	return c.bus.Subscribe(ctx, buffer)
}

// Close stops the chart and its bus.  Pending subscribers see their channel
// closed.
func (c *Chart) Close() {
	c.once.Do(func() {
		close(c.quit)
		c.bus.Close()
	})
}
