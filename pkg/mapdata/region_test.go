package mapdata

import (
	"errors"
	"testing"
)

func TestRegionKeyAndPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		region Region
		key    string
		path   string
		format Format
	}{
		{"world", World(), "world", "/mapdata/custom/world.geo.json", FormatGeoJSON},
		{"country", Country("FR", "France"), "fr", "/mapdata/countries/fr/fr-all.geo.json", FormatGeoJSON},
		{"state", State("FR", "IDF", "Île-de-France"), "fr-idf", "/mapdata/countries/fr/fr-idf-all.topo.json", FormatTopoJSON},
		{"state spaces", State(" us ", " CA ", ""), "us-ca", "/mapdata/countries/us/us-ca-all.topo.json", FormatTopoJSON},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := tc.region.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if got := tc.region.Key(); got != tc.key {
				t.Fatalf("Key() = %q, want %q", got, tc.key)
			}
			if got := tc.region.Path(); got != tc.path {
				t.Fatalf("Path() = %q, want %q", got, tc.path)
			}
			if got := tc.region.Format(); got != tc.format {
				t.Fatalf("Format() = %q, want %q", got, tc.format)
			}
		})
	}
}

func TestRegionValidateRejects(t *testing.T) {
	t.Parallel()

	bad := []Region{
		{Level: LevelWorld, CountryCode: "fr"},
		{Level: LevelCountry},
		{Level: LevelCountry, CountryCode: "fr", StateCode: "idf"},
		{Level: LevelState, StateCode: "idf"},
		{Level: LevelState, CountryCode: "fr"},
		{Level: LevelCountry, CountryCode: "../etc"},
		{Level: Level(9)},
	}
	for _, r := range bad {
		if err := r.Validate(); !errors.Is(err, ErrInvalidRegion) {
			t.Fatalf("Validate(%+v) = %v, want ErrInvalidRegion", r, err)
		}
	}
}

func TestRegionLabel(t *testing.T) {
	t.Parallel()

	if got := Country("de", "").Label(); got != "de" {
		t.Fatalf("Label() = %q, want de", got)
	}
	if got := Country("de", "Germany").Label(); got != "Germany" {
		t.Fatalf("Label() = %q, want Germany", got)
	}
}
