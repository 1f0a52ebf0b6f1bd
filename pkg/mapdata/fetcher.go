package mapdata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/time/rate"

	"geo-drilldown-map/pkg/logger"
)

// DefaultBaseURL is the public Highcharts map collection.
const DefaultBaseURL = "https://code.highcharts.com"

// maxBodyBytes caps a single boundary download.  The largest country
// files on the public host are a few megabytes.
const maxBodyBytes = 64 << 20

// Boundary is one decoded boundary layer.
type Boundary struct {
	Region    Region
	Format    Format
	URL       string
	Features  *geojson.FeatureCollection
	Raw       []byte
	FetchedAt time.Time
}

// Bound is the bounding box of every feature in the layer.
func (b *Boundary) Bound() orb.Bound { return Bounds(b.Features) }

// Bounds is the bounding box of every geometry in fc.  An empty collection
// yields the zero bound.
func Bounds(fc *geojson.FeatureCollection) orb.Bound {
	var bound orb.Bound
	if fc == nil {
		return bound
	}
	first := true
	for _, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}
		fb := f.Geometry.Bound()
		if first {
			bound = fb
			first = false
			continue
		}
		bound = bound.Union(fb)
	}
	return bound
}

// Observer receives one call per finished fetch.  outcome is "ok" or a
// FetchKind string.
type Observer func(level Level, outcome string, status int, elapsed time.Duration)

// Fetcher retrieves boundaries from the map host.  It never retries and
// never caches: every call is one GET.
type Fetcher struct {
	baseURL   string
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	observe   Observer
	seq       atomic.Uint64
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithBaseURL points the fetcher at another host, e.g. a mirror or a test server.
func WithBaseURL(u string) Option {
	return func(f *Fetcher) { f.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.client = &http.Client{Timeout: d, Transport: f.client.Transport}
		}
	}
}

// WithRateLimit spaces outbound requests to at most perSecond with the
// given burst.  Zero disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(f *Fetcher) {
		if perSecond <= 0 {
			f.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// WithObserver installs a metrics hook.
func WithObserver(o Observer) Option {
	return func(f *Fetcher) { f.observe = o }
}

// NewFetcher builds a Fetcher for DefaultBaseURL with a 30 second timeout.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		baseURL:   DefaultBaseURL,
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: "geo-drilldown-map/1.0",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// URL is the absolute address of a region on the configured host.
func (f *Fetcher) URL(region Region) string {
	return f.baseURL + region.Path()
}

// FetchRegion performs a single GET for region and decodes the body.
func (f *Fetcher) FetchRegion(ctx context.Context, region Region) (*Boundary, error) {
	if err := region.Validate(); err != nil {
		return nil, err
	}
	url := f.URL(region)
	logKey := fmt.Sprintf("fetch %s#%d", region.Key(), f.seq.Add(1))
	start := time.Now()

	logger.Begin(logKey)
	logger.Append(logKey, fmt.Sprintf("[%s] GET %s", logKey, url))

	b, status, err := f.fetch(ctx, region, url, logKey)
	elapsed := time.Since(start)
	if err != nil {
		outcome := "unknown"
		var fe *FetchError
		if errors.As(err, &fe) {
			outcome = fe.Kind.String()
		}
		if f.observe != nil {
			f.observe(region.Level, outcome, status, elapsed)
		}
		logger.FlushError(logKey, err)
		return nil, err
	}
	if f.observe != nil {
		f.observe(region.Level, "ok", status, elapsed)
	}
	logger.Success(logKey, fmt.Sprintf("%s: %d features, %d bytes (%dms)",
		region.Key(), len(b.Features.Features), len(b.Raw), elapsed.Milliseconds()))
	return b, nil
}

func (f *Fetcher) fetch(ctx context.Context, region Region, url, logKey string) (*Boundary, int, error) {
	fail := func(kind FetchKind, status int, err error) (*Boundary, int, error) {
		return nil, status, &FetchError{Kind: kind, Status: status, Region: region, URL: url, Err: err}
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return fail(KindNetwork, 0, fmt.Errorf("rate limit wait: %w", err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fail(KindNetwork, 0, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fail(KindNetwork, 0, err)
	}
	defer resp.Body.Close()
	logger.Append(logKey, fmt.Sprintf("[%s] status %d, content-type %q", logKey, resp.StatusCode, resp.Header.Get("Content-Type")))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return fail(KindNotOK, resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return fail(KindNetwork, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	if len(body) > maxBodyBytes {
		return fail(KindDecode, resp.StatusCode, fmt.Errorf("body exceeds %d bytes", maxBodyBytes))
	}
	logger.Append(logKey, fmt.Sprintf("[%s] read %d bytes", logKey, len(body)))

	var fc *geojson.FeatureCollection
	switch region.Format() {
	case FormatTopoJSON:
		fc, err = DecodeTopoJSON(body)
	default:
		fc, err = DecodeGeoJSON(body)
	}
	if err != nil {
		return fail(KindDecode, resp.StatusCode, err)
	}

	return &Boundary{
		Region:    region,
		Format:    region.Format(),
		URL:       url,
		Features:  fc,
		Raw:       body,
		FetchedAt: time.Now(),
	}, resp.StatusCode, nil
}

// DecodeGeoJSON parses a FeatureCollection document.
func DecodeGeoJSON(body []byte) (*geojson.FeatureCollection, error) {
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, fmt.Errorf("geojson: %w", err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("geojson: unexpected type %q", fc.Type)
	}
	return fc, nil
}
