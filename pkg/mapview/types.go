package mapview

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb/geojson"

	"geo-drilldown-map/pkg/mapdata"
	"geo-drilldown-map/pkg/refdata"
	"geo-drilldown-map/pkg/selection"
)

var (
	// ErrStale marks a fetch result that lost the race against a newer request.
	ErrStale = errors.New("stale map result discarded")
	// ErrNoCountry is returned by SelectState when no country is shown.
	ErrNoCountry = errors.New("no country is shown")
	// ErrClosed is returned once the controller has been closed.
	ErrClosed = errors.New("map view closed")
)

// Kind enumerates the controller states.
type Kind int

const (
	Initializing Kind = iota
	ShowingWorld
	ShowingCountry
	ShowingState
)

func (k Kind) String() string {
	switch k {
	case ShowingWorld:
		return "world"
	case ShowingCountry:
		return "country"
	case ShowingState:
		return "state"
	default:
		return "initializing"
	}
}

// MarshalText lets snapshots carry readable state names in JSON.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText accepts the names written by MarshalText.
func (k *Kind) UnmarshalText(b []byte) error {
	for _, c := range []Kind{Initializing, ShowingWorld, ShowingCountry, ShowingState} {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown view kind %q", b)
}

// View is a committed controller state.  CountryCode is set for
// ShowingCountry and ShowingState, StateCode only for ShowingState.
type View struct {
	Kind        Kind   `json:"kind"`
	CountryCode string `json:"countryCode,omitempty"`
	StateCode   string `json:"stateCode,omitempty"`
}

func (v View) String() string {
	switch v.Kind {
	case ShowingCountry:
		return fmt.Sprintf("ShowingCountry(%s)", v.CountryCode)
	case ShowingState:
		return fmt.Sprintf("ShowingState(%s, %s)", v.CountryCode, v.StateCode)
	case ShowingWorld:
		return "ShowingWorld"
	default:
		return "Initializing"
	}
}

// Layer is one rendered boundary series.  Remove must be idempotent.
type Layer interface {
	Remove()
}

// Surface is the rendering collaborator.
type Surface interface {
	AddSeries(data *geojson.FeatureCollection, name string) Layer
	ShowLoading(message string)
	HideLoading()
}

// NoticeLevel grades user-visible messages.
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

// Notice is a toast shown to the user.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
}

// Notifier surfaces failures to the user.
type Notifier interface {
	Notify(Notice)
}

// Reference is the reference data the controller resolves names with.
type Reference interface {
	selection.Reference
	ResolveStateCode(countryISO, stateName string) (string, error)
	CountryName(code string) string
}

var _ Reference = (*refdata.Provider)(nil)

// RegionFetcher retrieves boundary layers.
type RegionFetcher interface {
	FetchRegion(ctx context.Context, region mapdata.Region) (*mapdata.Boundary, error)
}

var _ RegionFetcher = (*mapdata.Fetcher)(nil)

// DrilldownEvent is raised when the user clicks a region of the rendered map.
type DrilldownEvent struct {
	PointISOCode string `json:"isoCode"`
	PointName    string `json:"name"`
	// IsBaseSeries is true when the click happened on the top-level series
	// rather than on an already drilled one.
	IsBaseSeries bool `json:"isBaseSeries"`
}

// DrillUpEvent is raised by the map's back gesture.
type DrillUpEvent struct {
	HadSeriesOptions bool `json:"hadSeriesOptions"`
}

// FetchRecord describes one finished fetch for the journal.
type FetchRecord struct {
	Region     mapdata.Region
	URLPath    string
	Generation uint64
	Outcome    string // "ok", "stale" or a mapdata.FetchKind string
	Status     int
	Elapsed    time.Duration
	At         time.Time
	Err        string
}

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	View        View               `json:"view"`
	Selection   selection.Snapshot `json:"selection"`
	ActiveLayer string             `json:"activeLayer,omitempty"`
	Generation  uint64             `json:"generation"`
	Loading     bool               `json:"loading"`
}
