// Package mapdata knows how boundary layers are addressed on the remote map
// host and how to retrieve and decode them.  A Region names one displayable
// layer; the Fetcher turns it into exactly one HTTP GET.
package mapdata

import (
	"errors"
	"fmt"
	"strings"
)

// Level is the drill depth of a region.
type Level int

const (
	LevelWorld Level = iota
	LevelCountry
	LevelState
)

func (l Level) String() string {
	switch l {
	case LevelWorld:
		return "world"
	case LevelCountry:
		return "country"
	case LevelState:
		return "state"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Format is the encoding the map host serves for a level.
type Format string

const (
	FormatGeoJSON  Format = "geojson"
	FormatTopoJSON Format = "topojson"
)

// ErrInvalidRegion is returned for regions whose codes do not match their level.
var ErrInvalidRegion = errors.New("invalid region")

// Region identifies a displayable map layer.  Codes are kept lowercase;
// a StateCode is only meaningful together with a CountryCode.
type Region struct {
	Level       Level  `json:"level"`
	CountryCode string `json:"countryCode,omitempty"`
	StateCode   string `json:"stateCode,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// World is the top-level region.
func World() Region {
	return Region{Level: LevelWorld, DisplayName: "World"}
}

// Country builds a country-level region from an ISO 3166-1 alpha-2 code.
func Country(countryCode, displayName string) Region {
	return Region{
		Level:       LevelCountry,
		CountryCode: normCode(countryCode),
		DisplayName: displayName,
	}
}

// State builds a subdivision-level region.
func State(countryCode, stateCode, displayName string) Region {
	return Region{
		Level:       LevelState,
		CountryCode: normCode(countryCode),
		StateCode:   normCode(stateCode),
		DisplayName: displayName,
	}
}

func normCode(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Validate enforces the code/level invariants.
func (r Region) Validate() error {
	switch r.Level {
	case LevelWorld:
		if r.CountryCode != "" || r.StateCode != "" {
			return fmt.Errorf("%w: world region carries codes %q/%q", ErrInvalidRegion, r.CountryCode, r.StateCode)
		}
	case LevelCountry:
		if r.CountryCode == "" {
			return fmt.Errorf("%w: country region without country code", ErrInvalidRegion)
		}
		if r.StateCode != "" {
			return fmt.Errorf("%w: country region carries state code %q", ErrInvalidRegion, r.StateCode)
		}
	case LevelState:
		if r.CountryCode == "" {
			return fmt.Errorf("%w: state code %q without country code", ErrInvalidRegion, r.StateCode)
		}
		if r.StateCode == "" {
			return fmt.Errorf("%w: state region without state code", ErrInvalidRegion)
		}
	default:
		return fmt.Errorf("%w: unknown level %d", ErrInvalidRegion, int(r.Level))
	}
	if strings.ContainsAny(r.CountryCode+r.StateCode, "/?#%. ") {
		return fmt.Errorf("%w: codes %q/%q contain path characters", ErrInvalidRegion, r.CountryCode, r.StateCode)
	}
	return nil
}

// Key is the canonical name of the layer: "world", "{cc}" or "{cc}-{sc}".
func (r Region) Key() string {
	switch r.Level {
	case LevelCountry:
		return r.CountryCode
	case LevelState:
		return r.CountryCode + "-" + r.StateCode
	default:
		return "world"
	}
}

// Format reports which decoder the host's response needs.
func (r Region) Format() Format {
	if r.Level == LevelState {
		return FormatTopoJSON
	}
	return FormatGeoJSON
}

// Path is the request path on the map host.
func (r Region) Path() string {
	switch r.Level {
	case LevelCountry:
		return fmt.Sprintf("/mapdata/countries/%s/%s-all.geo.json", r.CountryCode, r.CountryCode)
	case LevelState:
		return fmt.Sprintf("/mapdata/countries/%s/%s-%s-all.topo.json", r.CountryCode, r.CountryCode, r.StateCode)
	default:
		return "/mapdata/custom/world.geo.json"
	}
}

// Label is a human readable name for loading messages.
func (r Region) Label() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.Key()
}
