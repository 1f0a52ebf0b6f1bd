package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Port != 8765 || cfg.TileBaseURL != "https://code.highcharts.com" || cfg.FetchTimeout != 30*time.Second {
		t.Fatalf("defaults = %+v", cfg)
	}
	if !cfg.JournalEnabled() {
		t.Fatal("journal should default to enabled")
	}
}

func TestFileThenFlags(t *testing.T) {
	t.Parallel()

	path := writeFile(t, `
port: 9000
tileBaseURL: http://tiles.internal
fetchTimeout: 5s
fetchRate: 2.5
database:
  type: pgx
  host: db.internal
`)
	cfg, err := Parse(newFlagSet(), []string{"-config", path, "-port", "9100", "-db-host", "override"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("port = %d, want flag value 9100", cfg.Port)
	}
	if cfg.TileBaseURL != "http://tiles.internal" || cfg.FetchTimeout != 5*time.Second || cfg.FetchRate != 2.5 {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if cfg.Database.Type != "pgx" || cfg.Database.Host != "override" {
		t.Fatalf("database = %+v", cfg.Database)
	}
	// Untouched keys keep their defaults.
	if cfg.Database.Port != 5432 || cfg.MaxSessions != 1024 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := map[string][]string{
		"bad port":    {"-port", "70000"},
		"bad db":      {"-db-type", "oracle"},
		"bad url":     {"-tile-base-url", "ftp://x"},
		"neg timeout": {"-fetch-timeout", "-1s"},
		"bad proxy":   {"-trusted-proxy", "10.0.0.0/33"},
	}
	for name, args := range cases {
		if _, err := Parse(newFlagSet(), args); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	cfg, err := Parse(newFlagSet(), []string{"-db-type", "none"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.JournalEnabled() {
		t.Fatal("journal enabled without a database")
	}
}

func TestLoadFileErrors(t *testing.T) {
	t.Parallel()

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), Default()); err == nil {
		t.Fatal("missing file accepted")
	}
	if _, err := LoadFile(writeFile(t, "port: [nope"), Default()); err == nil {
		t.Fatal("malformed YAML accepted")
	}
}

func TestParseTrustedProxies(t *testing.T) {
	t.Parallel()

	got, err := ParseTrustedProxies(" 127.0.0.1, 10.1.2.3/8 ,::1,")
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}
	want := []string{"127.0.0.1/32", "10.0.0.0/8", "::1/128"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Fatalf("prefix %d = %s, want %s", i, got[i], want[i])
		}
	}

	if got, err := ParseTrustedProxies(""); err != nil || len(got) != 0 {
		t.Fatalf("empty list = %v, %v", got, err)
	}
	if _, err := ParseTrustedProxies("proxy.internal"); err == nil {
		t.Fatal("host name accepted as a proxy address")
	}
}
