// Package refdata exposes the bundled country and state/province lists the
// dropdowns are built from.  Everything is a pure in-memory lookup: the
// dataset is embedded in the binary and parsed once during package
// initialisation, so no call here can block or fail on I/O.
package refdata

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"geo-drilldown-map/pkg/refdata/data"
)

// ErrNotFound marks a name that has no mapping in the reference data.
var ErrNotFound = errors.New("not found in reference data")

// LookupError names the input that failed to resolve.  It unwraps to
// ErrNotFound so callers can branch with errors.Is.
type LookupError struct {
	Kind    string // "country" or "state"
	Name    string
	Country string // set for state lookups
}

func (e *LookupError) Error() string {
	if e.Kind == "state" && e.Country != "" {
		return fmt.Sprintf("no ISO code found for state %q of %s", e.Name, strings.ToUpper(e.Country))
	}
	return fmt.Sprintf("no ISO code found for %s %q", e.Kind, e.Name)
}

func (e *LookupError) Unwrap() error { return ErrNotFound }

// Country is one entry of the country dropdown.
type Country struct {
	Name    string `json:"name"`
	ISOCode string `json:"isoCode"`
}

// State is one subdivision of a country.
type State struct {
	Name    string `json:"name"`
	ISOCode string `json:"isoCode"`
}

type datasetEntry struct {
	Name    string  `json:"name"`
	ISOCode string  `json:"isoCode"`
	States  []State `json:"states"`
}

type dataset struct {
	Countries []datasetEntry `json:"countries"`
}

// Provider answers reference lookups.  The zero value is not usable; take
// Default or build one with New.
type Provider struct {
	countries   []Country
	statesByISO map[string][]State
	codeByName  map[string]string
	codeByFold  map[string]string
	nameByCode  map[string]string
}

var defaultProvider = mustLoad(data.Countries)

// Default returns the provider backed by the embedded dataset.
func Default() *Provider { return defaultProvider }

func mustLoad(raw []byte) *Provider {
	p, err := New(raw)
	if err != nil {
		panic(fmt.Sprintf("refdata: %v", err))
	}
	return p
}

// New parses a dataset in the embedded JSON layout.  It is exported so
// tests and operators can supply a trimmed list.
func New(raw []byte) (*Provider, error) {
	var ds dataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	if len(ds.Countries) == 0 {
		return nil, errors.New("dataset has no countries")
	}

	p := &Provider{
		countries:   make([]Country, 0, len(ds.Countries)),
		statesByISO: make(map[string][]State, len(ds.Countries)),
		codeByName:  make(map[string]string, len(ds.Countries)),
		codeByFold:  make(map[string]string, len(ds.Countries)),
		nameByCode:  make(map[string]string, len(ds.Countries)),
	}
	for _, entry := range ds.Countries {
		code := strings.ToUpper(strings.TrimSpace(entry.ISOCode))
		if code == "" || entry.Name == "" {
			return nil, fmt.Errorf("dataset entry %+v lacks a name or code", entry)
		}
		if _, dup := p.nameByCode[code]; dup {
			return nil, fmt.Errorf("duplicate country code %s", code)
		}
		p.countries = append(p.countries, Country{Name: entry.Name, ISOCode: code})
		p.codeByName[entry.Name] = code
		p.codeByFold[foldName(entry.Name)] = code
		p.nameByCode[code] = entry.Name
		if len(entry.States) > 0 {
			p.statesByISO[code] = entry.States
		}
	}
	sort.SliceStable(p.countries, func(i, j int) bool {
		return p.countries[i].Name < p.countries[j].Name
	})
	return p, nil
}

// ListCountries returns every bundled country ordered by name.
func (p *Provider) ListCountries() []Country {
	out := make([]Country, len(p.countries))
	copy(out, p.countries)
	return out
}

// ListStates returns the subdivisions of a country in dataset order.
// Unknown codes and countries without subdivisions yield an empty slice,
// never an error.
func (p *Provider) ListStates(countryISO string) []State {
	states := p.statesByISO[strings.ToUpper(strings.TrimSpace(countryISO))]
	out := make([]State, len(states))
	copy(out, states)
	return out
}

// ResolveCountryCode maps a country name to its ISO alpha-2 code.  Exact
// names win; otherwise the comparison ignores case and surrounding space.
func (p *Provider) ResolveCountryCode(name string) (string, error) {
	if code, ok := p.codeByName[name]; ok {
		return code, nil
	}
	if code, ok := p.codeByFold[foldName(name)]; ok {
		return code, nil
	}
	return "", &LookupError{Kind: "country", Name: name}
}

// ResolveStateCode maps a subdivision name to its ISO code within the
// given country.
func (p *Provider) ResolveStateCode(countryISO, stateName string) (string, error) {
	states := p.statesByISO[strings.ToUpper(strings.TrimSpace(countryISO))]
	for _, st := range states {
		if st.Name == stateName {
			return st.ISOCode, nil
		}
	}
	folded := foldName(stateName)
	for _, st := range states {
		if foldName(st.Name) == folded {
			return st.ISOCode, nil
		}
	}
	return "", &LookupError{Kind: "state", Name: stateName, Country: countryISO}
}

// CountryName is the reverse of ResolveCountryCode.  It returns "" for
// unknown codes.
func (p *Provider) CountryName(code string) string {
	return p.nameByCode[strings.ToUpper(strings.TrimSpace(code))]
}

func foldName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
