// Package selection holds what the user picked in the two dropdowns.
package selection

import (
	"geo-drilldown-map/pkg/refdata"
)

// Reference is the part of the reference data the selection needs.
type Reference interface {
	ResolveCountryCode(name string) (string, error)
	ListStates(countryISO string) []refdata.State
}

// Snapshot is an immutable copy of the selection.
type Snapshot struct {
	SelectedCountryName string          `json:"selectedCountry"`
	SelectedCountryCode string          `json:"selectedCountryCode,omitempty"`
	SelectedStateName   string          `json:"selectedState"`
	AvailableStates     []refdata.State `json:"availableStates"`
}

// State is the mutable selection.  It is not safe for concurrent use; the
// map view controller keeps it inside its own goroutine.
type State struct {
	ref         Reference
	countryName string
	countryCode string
	stateName   string
	states      []refdata.State
}

// New returns an empty selection.
func New(ref Reference) *State {
	return &State{ref: ref}
}

// SetCountry selects a country by name, clears the selected state and
// repopulates the available states.  Unknown names leave the selection
// untouched and return a refdata lookup error.
func (s *State) SetCountry(name string) error {
	code, err := s.ref.ResolveCountryCode(name)
	if err != nil {
		return err
	}
	s.countryName = name
	s.countryCode = code
	s.stateName = ""
	s.states = s.ref.ListStates(code)
	return nil
}

// SetState accepts name only when it is one of the available states.
func (s *State) SetState(name string) error {
	for _, st := range s.states {
		if st.Name == name {
			s.stateName = name
			return nil
		}
	}
	return &refdata.LookupError{Kind: "state", Name: name, Country: s.countryCode}
}

// ClearState drops the selected state but keeps the country.
func (s *State) ClearState() { s.stateName = "" }

// CountryCode is the ISO code of the selected country, "" when none.
func (s *State) CountryCode() string { return s.countryCode }

// Snapshot returns a deep copy.
func (s *State) Snapshot() Snapshot {
	states := make([]refdata.State, len(s.states))
	copy(states, s.states)
	return Snapshot{
		SelectedCountryName: s.countryName,
		SelectedCountryCode: s.countryCode,
		SelectedStateName:   s.stateName,
		AvailableStates:     states,
	}
}
