package chart

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"geo-drilldown-map/pkg/mapview"
)

// ErrUnknownMessage is returned by Dispatch for message types it does not handle.
var ErrUnknownMessage = errors.New("unknown chart message")

// Message is the raw gesture payload the page sends over the websocket.
// It follows the shape of the map library's drilldown/drillup callbacks so
// the page can forward them untouched.
type Message struct {
	Type          string          `json:"type"`
	Point         *Point          `json:"point,omitempty"`
	SeriesOptions json.RawMessage `json:"seriesOptions,omitempty"`
}

// Point is the clicked map area.
type Point struct {
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
}

func (m Message) hasSeriesOptions() bool {
	raw := bytes.TrimSpace(m.SeriesOptions)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// OnDrilldown registers the handler for map clicks.
func (c *Chart) OnDrilldown(fn func(mapview.DrilldownEvent)) {
	c.do(func(s *chartState) { s.onDrill = fn })
}

// OnDrillUp registers the handler for the back gesture.
func (c *Chart) OnDrillUp(fn func(mapview.DrillUpEvent)) {
	c.do(func(s *chartState) { s.onDrillUp = fn })
}

// Dispatch converts a raw gesture into a typed event and hands it to the
// registered handler.  Handlers run on the caller goroutine.
func (c *Chart) Dispatch(m Message) error {
	var (
		drill   func(mapview.DrilldownEvent)
		drillUp func(mapview.DrillUpEvent)
	)
	c.do(func(s *chartState) { drill, drillUp = s.onDrill, s.onDrillUp })

	switch m.Type {
	case "drilldown":
		ev, err := DrilldownFromMessage(m)
		if err != nil {
			return err
		}
		if drill != nil {
			drill(ev)
		}
	case "drillup":
		if drillUp != nil {
			drillUp(mapview.DrillUpEvent{HadSeriesOptions: m.hasSeriesOptions()})
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
	return nil
}

// DrilldownFromMessage reads the clicked point.  A click belongs to the base
// series when the library did not attach drilled series options.
func DrilldownFromMessage(m Message) (mapview.DrilldownEvent, error) {
	if m.Point == nil {
		return mapview.DrilldownEvent{}, errors.New("drilldown message without point")
	}
	ev := mapview.DrilldownEvent{
		PointName:    m.Point.Name,
		IsBaseSeries: !m.hasSeriesOptions(),
	}
	for _, key := range []string{"iso-a2", "hc-key"} {
		if v, ok := m.Point.Properties[key].(string); ok && v != "" {
			ev.PointISOCode = strings.ToLower(v)
			break
		}
	}
	return ev, nil
}
