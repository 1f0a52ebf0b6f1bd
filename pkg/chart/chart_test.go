package chart

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"geo-drilldown-map/pkg/mapview"
)

func collection(n int) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i := 0; i < n; i++ {
		fc.Append(geojson.NewFeature(orb.Point{float64(i), 0}))
	}
	return fc
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestAddRemoveSeries(t *testing.T) {
	t.Parallel()

	c := New(DefaultConfig())
	t.Cleanup(c.Close)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := c.Subscribe(ctx, 16)

	world := c.AddSeries(collection(3), "world")
	fr := c.AddSeries(collection(1), "fr")

	info, data, ok := c.ActiveSeries()
	if !ok || info.Name != "fr" || len(data.Features) != 1 {
		t.Fatalf("ActiveSeries = %+v ok=%v", info, ok)
	}

	if got := c.Snapshot().Series[0].Bounds; got != [4]float64{0, 0, 2, 0} {
		t.Fatalf("world bounds = %v", got)
	}

	world.Remove()
	world.Remove() // idempotent

	view := c.Snapshot()
	if len(view.Series) != 1 || view.Series[0].Name != "fr" {
		t.Fatalf("series = %+v", view.Series)
	}

	wantTypes := []string{EventSeriesAdded, EventSeriesAdded, EventSeriesRemoved}
	for i, want := range wantTypes {
		ev := next(t, events)
		if ev.Type != want || ev.Seq != uint64(i+1) {
			t.Fatalf("event %d = %s seq %d, want %s seq %d", i, ev.Type, ev.Seq, want, i+1)
		}
	}

	fr.Remove()
	if _, _, ok := c.ActiveSeries(); ok {
		t.Fatal("ActiveSeries after removing everything")
	}
}

func TestLoadingAndNotices(t *testing.T) {
	t.Parallel()

	c := New(Config{NoticeHistory: 2})
	t.Cleanup(c.Close)

	c.ShowLoading("Loading map for France...")
	if v := c.Snapshot(); !v.Loading || v.LoadingMessage != "Loading map for France..." {
		t.Fatalf("view = %+v", v)
	}
	c.HideLoading()
	if v := c.Snapshot(); v.Loading || v.LoadingMessage != "" {
		t.Fatalf("view after hide = %+v", v)
	}

	for _, msg := range []string{"a", "b", "c"} {
		c.Notify(mapview.Notice{Level: mapview.NoticeError, Message: msg})
	}
	notices := c.Snapshot().Notices
	if len(notices) != 2 || notices[0].Message != "b" || notices[1].Message != "c" {
		t.Fatalf("notices = %+v", notices)
	}
	if notices[0].At.IsZero() {
		t.Fatal("notice timestamp not set")
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	t.Parallel()

	c := New(DefaultConfig())
	events := c.Subscribe(context.Background(), 1)
	c.Close()
	c.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("unexpected event after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
	// Calls after Close must not block.
	c.AddSeries(collection(1), "late").Remove()
	c.ShowLoading("x")
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	c := New(DefaultConfig())
	t.Cleanup(c.Close)

	var (
		drills []mapview.DrilldownEvent
		ups    []mapview.DrillUpEvent
	)
	c.OnDrilldown(func(ev mapview.DrilldownEvent) { drills = append(drills, ev) })
	c.OnDrillUp(func(ev mapview.DrillUpEvent) { ups = append(ups, ev) })

	raw := []string{
		`{"type":"drilldown","point":{"name":"France","properties":{"iso-a2":"FR"}}}`,
		`{"type":"drilldown","point":{"name":"Paris","properties":{"hc-key":"fr-idf"}},"seriesOptions":{"name":"fr"}}`,
		`{"type":"drillup","seriesOptions":{"name":"fr"}}`,
		`{"type":"drillup","seriesOptions":null}`,
	}
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			t.Fatalf("unmarshal %s: %v", r, err)
		}
		if err := c.Dispatch(m); err != nil {
			t.Fatalf("Dispatch(%s): %v", r, err)
		}
	}

	if len(drills) != 2 {
		t.Fatalf("drilldowns = %d", len(drills))
	}
	if drills[0] != (mapview.DrilldownEvent{PointISOCode: "fr", PointName: "France", IsBaseSeries: true}) {
		t.Fatalf("first drilldown = %+v", drills[0])
	}
	if drills[1].IsBaseSeries || drills[1].PointISOCode != "fr-idf" {
		t.Fatalf("second drilldown = %+v", drills[1])
	}
	if len(ups) != 2 || !ups[0].HadSeriesOptions || ups[1].HadSeriesOptions {
		t.Fatalf("drillups = %+v", ups)
	}

	if err := c.Dispatch(Message{Type: "zoom"}); err == nil {
		t.Fatal("Dispatch accepted unknown type")
	}
	if err := c.Dispatch(Message{Type: "drilldown"}); err == nil {
		t.Fatal("Dispatch accepted drilldown without point")
	}
}
