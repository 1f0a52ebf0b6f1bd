package mapview

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/paulmach/orb/geojson"

	"geo-drilldown-map/pkg/mapdata"
	"geo-drilldown-map/pkg/refdata"
)

const featureCollection = `{"type":"FeatureCollection","features":[
  {"type":"Feature","properties":{"name":"x"},"geometry":{"type":"Point","coordinates":[1,2]}}]}`

const stateTopo = `{"type":"Topology","arcs":[[[0,0],[1,0],[1,1],[0,0]]],
  "objects":{"default":{"type":"GeometryCollection","geometries":[{"type":"Polygon","arcs":[[0]]}]}}}`

// fakeSurface records what the controller asked the chart to do.
type fakeSurface struct {
	mu      sync.Mutex
	calls   []string
	layers  []*fakeLayer
	loading bool
}

type fakeLayer struct {
	s       *fakeSurface
	name    string
	removed bool
}

func (l *fakeLayer) Remove() {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if l.removed {
		return
	}
	l.removed = true
	l.s.calls = append(l.s.calls, "remove "+l.name)
}

func (s *fakeSurface) AddSeries(_ *geojson.FeatureCollection, name string) Layer {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := &fakeLayer{s: s, name: name}
	s.layers = append(s.layers, l)
	s.calls = append(s.calls, "add "+name)
	return l
}

func (s *fakeSurface) ShowLoading(string) {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()
}

func (s *fakeSurface) HideLoading() {
	s.mu.Lock()
	s.loading = false
	s.mu.Unlock()
}

func (s *fakeSurface) alive() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, l := range s.layers {
		if !l.removed {
			out = append(out, l.name)
		}
	}
	return out
}

func (s *fakeSurface) history() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeSurface) isLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

type noticeSink struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *noticeSink) Notify(x Notice) {
	n.mu.Lock()
	n.notices = append(n.notices, x)
	n.mu.Unlock()
}

func (n *noticeSink) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices)
}

// tileHost serves the given paths and records every request.
type tileHost struct {
	mu     sync.Mutex
	paths  []string
	routes map[string]string
}

func (h *tileHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.paths = append(h.paths, r.URL.Path)
	body, ok := h.routes[r.URL.Path]
	h.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write([]byte(body))
}

func (h *tileHost) requests() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.paths...)
}

type harness struct {
	ctrl    *Controller
	surface *fakeSurface
	host    *tileHost
	notices *noticeSink
	journal *[]FetchRecord
}

func newHarness(t *testing.T, routes map[string]string) *harness {
	t.Helper()
	host := &tileHost{routes: routes}
	srv := httptest.NewServer(host)
	t.Cleanup(srv.Close)

	h := &harness{surface: &fakeSurface{}, host: host, notices: &noticeSink{}}
	var (
		mu      sync.Mutex
		records []FetchRecord
	)
	h.journal = &records
	h.ctrl = New(refdata.Default(), mapdata.NewFetcher(mapdata.WithBaseURL(srv.URL)), h.surface,
		WithNotifier(h.notices),
		WithLogf(t.Logf),
		WithJournal(func(r FetchRecord) {
			mu.Lock()
			records = append(records, r)
			mu.Unlock()
		}),
	)
	t.Cleanup(h.ctrl.Close)
	return h
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.ctrl.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return snap
}

var allRoutes = map[string]string{
	"/mapdata/custom/world.geo.json":             featureCollection,
	"/mapdata/countries/fr/fr-all.geo.json":      featureCollection,
	"/mapdata/countries/de/de-all.geo.json":      featureCollection,
	"/mapdata/countries/fr/fr-idf-all.topo.json": stateTopo,
}

func TestStartShowsWorld(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allRoutes)
	if got := h.snapshot(t).View.Kind; got != Initializing {
		t.Fatalf("initial state = %v", got)
	}
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := h.snapshot(t)
	if snap.View.Kind != ShowingWorld || snap.ActiveLayer != "world" || snap.Loading {
		t.Fatalf("snapshot = %+v", snap)
	}
	if got := h.surface.alive(); len(got) != 1 || got[0] != "world" {
		t.Fatalf("alive layers = %v", got)
	}
}

func TestSelectCountryThenState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allRoutes)
	ctx := context.Background()
	if err := h.ctrl.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if err := h.ctrl.SelectCountry(ctx, "France"); err != nil {
		t.Fatalf("SelectCountry: %v", err)
	}
	reqs := h.host.requests()
	if last := reqs[len(reqs)-1]; last != "/mapdata/countries/fr/fr-all.geo.json" {
		t.Fatalf("last request = %s", last)
	}
	snap := h.snapshot(t)
	if snap.View != (View{Kind: ShowingCountry, CountryCode: "fr"}) {
		t.Fatalf("view = %v", snap.View)
	}
	if len(snap.Selection.AvailableStates) == 0 {
		t.Fatal("availableStates is empty after selecting France")
	}
	if got := h.surface.alive(); len(got) != 1 || got[0] != "fr" {
		t.Fatalf("alive layers = %v, want [fr]", got)
	}

	if err := h.ctrl.SelectState(ctx, "Île-de-France"); err != nil {
		t.Fatalf("SelectState: %v", err)
	}
	reqs = h.host.requests()
	if last := reqs[len(reqs)-1]; last != "/mapdata/countries/fr/fr-idf-all.topo.json" {
		t.Fatalf("last request = %s", last)
	}
	snap = h.snapshot(t)
	if snap.View != (View{Kind: ShowingState, CountryCode: "fr", StateCode: "idf"}) {
		t.Fatalf("view = %v", snap.View)
	}
	if snap.Selection.SelectedStateName != "Île-de-France" {
		t.Fatalf("selected state = %q", snap.Selection.SelectedStateName)
	}
	if got := h.surface.alive(); len(got) != 1 || got[0] != "fr-idf" {
		t.Fatalf("alive layers = %v, want [fr-idf]", got)
	}

	// Old layer goes only after the new data arrived, right before the add.
	hist := h.surface.history()
	want := []string{"add world", "remove world", "add fr", "remove fr", "add fr-idf"}
	if fmt.Sprint(hist) != fmt.Sprint(want) {
		t.Fatalf("surface calls = %v, want %v", hist, want)
	}
}

func TestFailedFetchKeepsLayer(t *testing.T) {
	t.Parallel()

	routes := map[string]string{"/mapdata/custom/world.geo.json": featureCollection}
	h := newHarness(t, routes)
	ctx := context.Background()
	if err := h.ctrl.Start(ctx); err != nil {
		t.Fatal(err)
	}

	err := h.ctrl.SelectCountry(ctx, "France")
	var fe *mapdata.FetchError
	if !errors.As(err, &fe) || fe.Kind != mapdata.KindNotOK || fe.Status != http.StatusNotFound {
		t.Fatalf("SelectCountry = %v, want NotOK 404", err)
	}
	if got := h.surface.alive(); len(got) != 1 || got[0] != "world" {
		t.Fatalf("alive layers = %v, want [world]", got)
	}
	if got := h.surface.history(); len(got) != 1 {
		t.Fatalf("surface calls = %v, want only the world add", got)
	}
	snap := h.snapshot(t)
	if snap.View.Kind != ShowingWorld || snap.Loading || h.surface.isLoading() {
		t.Fatalf("snapshot after failure = %+v", snap)
	}
	// The dropdown still reflects the user's pick.
	if snap.Selection.SelectedCountryName != "France" {
		t.Fatalf("selected country = %q", snap.Selection.SelectedCountryName)
	}
	if h.notices.count() != 1 {
		t.Fatalf("notices = %d, want 1", h.notices.count())
	}
	records := *h.journal
	if last := records[len(records)-1]; last.Outcome != "not_ok" || last.Status != 404 {
		t.Fatalf("journal record = %+v", last)
	}
}

func TestDrillUpFromCountry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allRoutes)
	ctx := context.Background()
	if err := h.ctrl.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.SelectCountry(ctx, "Germany"); err != nil {
		t.Fatal(err)
	}
	before := len(h.host.requests())

	// Without series options nothing happens.
	if err := h.ctrl.DrillUp(ctx, DrillUpEvent{}); err != nil {
		t.Fatal(err)
	}
	if len(h.host.requests()) != before {
		t.Fatal("DrillUp without series options fetched")
	}

	if err := h.ctrl.DrillUp(ctx, DrillUpEvent{HadSeriesOptions: true}); err != nil {
		t.Fatalf("DrillUp: %v", err)
	}
	reqs := h.host.requests()
	if last := reqs[len(reqs)-1]; last != "/mapdata/custom/world.geo.json" {
		t.Fatalf("last request = %s", last)
	}
	if got := h.snapshot(t).View.Kind; got != ShowingWorld {
		t.Fatalf("state = %v, want ShowingWorld", got)
	}
	if got := h.surface.alive(); len(got) != 1 || got[0] != "world" {
		t.Fatalf("alive layers = %v", got)
	}
}

func TestSelectUnknownCountry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allRoutes)
	ctx := context.Background()
	if err := h.ctrl.Start(ctx); err != nil {
		t.Fatal(err)
	}
	before := h.snapshot(t)

	err := h.ctrl.SelectCountry(ctx, "Atlantis")
	if !errors.Is(err, refdata.ErrNotFound) {
		t.Fatalf("SelectCountry(Atlantis) = %v, want ErrNotFound", err)
	}
	if n := len(h.host.requests()); n != 1 {
		t.Fatalf("host saw %d requests, want only the world fetch", n)
	}
	after := h.snapshot(t)
	if after.View != before.View || after.Generation != before.Generation || after.ActiveLayer != "world" {
		t.Fatalf("state changed: before %+v after %+v", before, after)
	}
	if h.notices.count() != 1 {
		t.Fatalf("notices = %d, want 1", h.notices.count())
	}
}

func TestSelectStateNeedsCountry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allRoutes)
	ctx := context.Background()
	if err := h.ctrl.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.SelectState(ctx, "Bavaria"); !errors.Is(err, ErrNoCountry) {
		t.Fatalf("SelectState on world = %v, want ErrNoCountry", err)
	}
	if err := h.ctrl.SelectCountry(ctx, "France"); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.SelectState(ctx, "Bavaria"); !errors.Is(err, refdata.ErrNotFound) {
		t.Fatalf("SelectState(Bavaria) in France = %v, want ErrNotFound", err)
	}
	if got := h.snapshot(t).View; got.Kind != ShowingCountry {
		t.Fatalf("view = %v", got)
	}
}

func TestDrilldown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, allRoutes)
	ctx := context.Background()
	if err := h.ctrl.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// Clicks inside an already drilled series are ignored.
	if err := h.ctrl.Drilldown(ctx, DrilldownEvent{PointISOCode: "DE", IsBaseSeries: false}); err != nil {
		t.Fatal(err)
	}
	if n := len(h.host.requests()); n != 1 {
		t.Fatalf("requests = %d, want 1", n)
	}

	if err := h.ctrl.Drilldown(ctx, DrilldownEvent{PointISOCode: "DE-BY", PointName: "Germany", IsBaseSeries: true}); err != nil {
		t.Fatalf("Drilldown: %v", err)
	}
	reqs := h.host.requests()
	if last := reqs[len(reqs)-1]; last != "/mapdata/countries/de/de-all.geo.json" {
		t.Fatalf("last request = %s", last)
	}
	snap := h.snapshot(t)
	if snap.View != (View{Kind: ShowingCountry, CountryCode: "de"}) {
		t.Fatalf("view = %v", snap.View)
	}
	if snap.Selection.SelectedCountryName != "Germany" {
		t.Fatalf("selection not synced: %+v", snap.Selection)
	}

	if err := h.ctrl.Drilldown(ctx, DrilldownEvent{PointName: "Nowhere", IsBaseSeries: true}); !errors.Is(err, mapdata.ErrInvalidRegion) {
		t.Fatalf("Drilldown without code = %v, want ErrInvalidRegion", err)
	}
}

// gatedFetcher blocks each fetch until the test releases it.
type gatedFetcher struct {
	gates map[string]chan struct{}
	calls chan string
}

func (g *gatedFetcher) FetchRegion(ctx context.Context, region mapdata.Region) (*mapdata.Boundary, error) {
	g.calls <- region.Key()
	select {
	case <-g.gates[region.Key()]:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	fc := geojson.NewFeatureCollection()
	return &mapdata.Boundary{Region: region, Features: fc}, nil
}

func TestStaleResultDiscarded(t *testing.T) {
	t.Parallel()

	g := &gatedFetcher{
		gates: map[string]chan struct{}{"fr": make(chan struct{}), "de": make(chan struct{})},
		calls: make(chan string, 2),
	}
	surface := &fakeSurface{}
	ctrl := New(refdata.Default(), g, surface, WithLogf(t.Logf))
	t.Cleanup(ctrl.Close)
	ctx := context.Background()

	frDone := make(chan error, 1)
	go func() { frDone <- ctrl.SelectCountry(ctx, "France") }()
	<-g.calls // fr in flight

	deDone := make(chan error, 1)
	go func() { deDone <- ctrl.SelectCountry(ctx, "Germany") }()
	<-g.calls // de in flight, generation advanced

	close(g.gates["de"])
	if err := <-deDone; err != nil {
		t.Fatalf("Germany: %v", err)
	}
	close(g.gates["fr"])
	if err := <-frDone; !errors.Is(err, ErrStale) {
		t.Fatalf("France = %v, want ErrStale", err)
	}

	if got := surface.alive(); len(got) != 1 || got[0] != "de" {
		t.Fatalf("alive layers = %v, want [de]", got)
	}
	snap, err := ctrl.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snap.View.CountryCode != "de" || snap.Generation != 2 || snap.Loading {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestClosedController(t *testing.T) {
	t.Parallel()

	ctrl := New(refdata.Default(), &gatedFetcher{}, &fakeSurface{})
	ctrl.Close()
	ctrl.Close()
	if _, err := ctrl.Snapshot(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Snapshot after Close = %v, want ErrClosed", err)
	}
}
