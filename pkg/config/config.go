// Package config gathers the server settings.  Values come from built-in
// defaults, then an optional YAML file, then command-line flags; a flag given
// on the command line always wins over the file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Database mirrors the -db-* flags.
type Database struct {
	Type    string `yaml:"type"`
	Path    string `yaml:"path"`
	Conn    string `yaml:"conn"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Pass    string `yaml:"pass"`
	Name    string `yaml:"name"`
	SSLMode string `yaml:"sslMode"`
}

// Config is the full server configuration.
type Config struct {
	Port      int    `yaml:"port"`
	Domain    string `yaml:"domain"`
	PublicURL string `yaml:"publicURL"`
	// TrustedProxies is a comma separated list of addresses or CIDR ranges
	// whose X-Forwarded-For header is believed.
	TrustedProxies string `yaml:"trustedProxies"`

	TileBaseURL  string        `yaml:"tileBaseURL"`
	FetchTimeout time.Duration `yaml:"fetchTimeout"`
	FetchRate    float64       `yaml:"fetchRate"`
	FetchBurst   int           `yaml:"fetchBurst"`
	UserAgent    string        `yaml:"userAgent"`

	MaxSessions    int           `yaml:"maxSessions"`
	SessionIdleTTL time.Duration `yaml:"sessionIdleTTL"`

	Journal  bool     `yaml:"journal"`
	Database Database `yaml:"database"`

	Metrics bool `yaml:"metrics"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Port:           8765,
		TileBaseURL:    "https://code.highcharts.com",
		FetchTimeout:   30 * time.Second,
		UserAgent:      "geo-drilldown-map",
		MaxSessions:    1024,
		SessionIdleTTL: 30 * time.Minute,
		Journal:        true,
		Database: Database{
			Type:    "sqlite",
			Host:    "127.0.0.1",
			Port:    5432,
			User:    "postgres",
			Name:    "geodrilldown",
			SSLMode: "prefer",
		},
		Metrics: true,
	}
}

// bind registers every setting on fs, using d for the defaults shown by
// -help and stored into c.
func (c *Config) bind(fs *flag.FlagSet, d Config) {
	fs.IntVar(&c.Port, "port", d.Port, "Port for running the server")
	fs.StringVar(&c.Domain, "domain", d.Domain, "Use 80 and 443 ports. Automatic HTTPS cert via Let's Encrypt.")
	fs.StringVar(&c.PublicURL, "public-url", d.PublicURL, "Absolute base URL used in share links (defaults to the request host)")
	fs.StringVar(&c.TrustedProxies, "trusted-proxy", d.TrustedProxies, "Comma separated proxy addresses or CIDRs allowed to set X-Forwarded-For")

	fs.StringVar(&c.TileBaseURL, "tile-base-url", d.TileBaseURL, "Base URL of the boundary map host")
	fs.DurationVar(&c.FetchTimeout, "fetch-timeout", d.FetchTimeout, "Timeout of one boundary fetch")
	fs.Float64Var(&c.FetchRate, "fetch-rate", d.FetchRate, "Outbound boundary fetches per second (0 = unlimited)")
	fs.IntVar(&c.FetchBurst, "fetch-burst", d.FetchBurst, "Burst size for -fetch-rate")
	fs.StringVar(&c.UserAgent, "user-agent", d.UserAgent, "User-Agent sent to the map host")

	fs.IntVar(&c.MaxSessions, "max-sessions", d.MaxSessions, "Maximum number of open map sessions")
	fs.DurationVar(&c.SessionIdleTTL, "session-idle-ttl", d.SessionIdleTTL, "Close sessions idle for longer than this (0 = never)")

	fs.BoolVar(&c.Journal, "journal", d.Journal, "Store every boundary fetch in the database")
	fs.StringVar(&c.Database.Type, "db-type", d.Database.Type, "Type of the database driver: genji, sqlite, duckdb, or pgx (postgresql)")
	fs.StringVar(&c.Database.Path, "db-path", d.Database.Path, "Path to the database file (genji, sqlite, duckdb)")
	fs.StringVar(&c.Database.Conn, "db-conn", d.Database.Conn, "PostgreSQL DSN; overrides the other -db-* connection flags")
	fs.StringVar(&c.Database.Host, "db-host", d.Database.Host, "Database host (applicable for pgx driver)")
	fs.IntVar(&c.Database.Port, "db-port", d.Database.Port, "Database port (applicable for pgx driver)")
	fs.StringVar(&c.Database.User, "db-user", d.Database.User, "Database user (applicable for pgx driver)")
	fs.StringVar(&c.Database.Pass, "db-pass", d.Database.Pass, "Database password (applicable for pgx driver)")
	fs.StringVar(&c.Database.Name, "db-name", d.Database.Name, "Database name (applicable for pgx driver)")
	fs.StringVar(&c.Database.SSLMode, "pg-ssl-mode", d.Database.SSLMode, "PostgreSQL SSL mode: disable, allow, prefer, require, verify-ca, or verify-full")

	fs.BoolVar(&c.Metrics, "metrics", d.Metrics, "Expose Prometheus metrics on /metrics")
}

// Parse reads args into a Config.  -config names a YAML file whose values
// replace the defaults; flags present in args are applied on top again.
func Parse(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Default()
	cfg.bind(fs, cfg)
	var path string
	fs.StringVar(&path, "config", "", "Path to a YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if path == "" {
		return cfg, cfg.Validate()
	}

	merged, err := LoadFile(path, Default())
	if err != nil {
		return Config{}, err
	}
	replay := flag.NewFlagSet("replay", flag.ContinueOnError)
	merged.bind(replay, merged)
	var replayErr error
	fs.Visit(func(f *flag.Flag) {
		// Flags the caller registered itself (like -version) are not ours.
		if f.Name == "config" || replayErr != nil || replay.Lookup(f.Name) == nil {
			return
		}
		replayErr = replay.Set(f.Name, f.Value.String())
	})
	if replayErr != nil {
		return Config{}, replayErr
	}
	return merged, merged.Validate()
}

// LoadFile overlays the YAML document at path onto base.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &base); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return base, nil
}

var knownDBTypes = map[string]bool{"": true, "none": true, "sqlite": true, "genji": true, "pgx": true, "duckdb": true}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Domain == "" && (c.Port <= 0 || c.Port > 65535) {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if !strings.HasPrefix(c.TileBaseURL, "http://") && !strings.HasPrefix(c.TileBaseURL, "https://") {
		errs = append(errs, fmt.Errorf("tile base URL %q must be http(s)", c.TileBaseURL))
	}
	if c.FetchTimeout < 0 || c.FetchRate < 0 || c.FetchBurst < 0 {
		errs = append(errs, errors.New("fetch timeout, rate and burst must not be negative"))
	}
	if !knownDBTypes[strings.ToLower(strings.TrimSpace(c.Database.Type))] {
		errs = append(errs, fmt.Errorf("unsupported database type %q", c.Database.Type))
	}
	if _, err := ParseTrustedProxies(c.TrustedProxies); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseTrustedProxies turns a comma separated list of addresses and CIDR
// ranges into prefixes.  A bare address trusts that single host.
func ParseTrustedProxies(list string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", item, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", item, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// JournalEnabled reports whether a database should be opened.
func (c Config) JournalEnabled() bool {
	t := strings.ToLower(strings.TrimSpace(c.Database.Type))
	return c.Journal && t != "" && t != "none"
}
