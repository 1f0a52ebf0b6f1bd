package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"geo-drilldown-map/pkg/chart"
	"geo-drilldown-map/pkg/database"
	"geo-drilldown-map/pkg/mapdata"
	"geo-drilldown-map/pkg/mapview"
	"geo-drilldown-map/pkg/metrics"
	"geo-drilldown-map/pkg/refdata"
	"geo-drilldown-map/pkg/session"
)

// SessionCookie carries the session ID for pages that do not keep it
// themselves.
const SessionCookie = "gdm_session"

// Handler exposes the reference data, map sessions and share links over
// HTTP.  Ref and Sessions are required; every other field is optional.
type Handler struct {
	Ref      *refdata.Provider
	Sessions *session.Registry

	DB      *database.Database
	Metrics *metrics.Collector
	Cache   *ResponseCache
	Limiter *RateLimiter

	// PublicURL is the absolute base for share links.  Empty means the
	// request host.
	PublicURL string
	// TrustedProxies are the peers whose X-Forwarded-For is believed when
	// keying the rate limiter.  Empty trusts nobody.
	TrustedProxies []netip.Prefix
	Logf           func(string, ...any)
}

// NewHandler constructs a Handler with the required collaborators.
func NewHandler(ref *refdata.Provider, sessions *session.Registry, logf func(string, ...any)) *Handler {
	return &Handler{Ref: ref, Sessions: sessions, Logf: logf}
}

// Register attaches the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	h.route(mux, "GET /api/countries", RequestGeneral, h.handleCountries)
	h.route(mux, "GET /api/countries/{cc}/states", RequestGeneral, h.handleStates)

	h.route(mux, "POST /api/sessions", RequestHeavy, h.handleCreateSession)
	h.route(mux, "GET /api/sessions/{id}", RequestGeneral, h.handleSession)
	h.route(mux, "DELETE /api/sessions/{id}", RequestGeneral, h.handleCloseSession)
	h.route(mux, "GET /api/sessions/{id}/layer", RequestGeneral, h.handleLayer)
	h.route(mux, "GET /api/sessions/{id}/events", RequestGeneral, h.handleEvents)
	h.route(mux, "POST /api/sessions/{id}/country", RequestHeavy, h.handleSelectCountry)
	h.route(mux, "POST /api/sessions/{id}/state", RequestHeavy, h.handleSelectState)
	h.route(mux, "POST /api/sessions/{id}/drilldown", RequestHeavy, h.handleDrilldown)
	h.route(mux, "POST /api/sessions/{id}/drillup", RequestHeavy, h.handleDrillUp)
	h.route(mux, "POST /api/sessions/{id}/share", RequestGeneral, h.handleShare)

	h.route(mux, "GET /api/history", RequestGeneral, h.handleHistory)
	h.route(mux, "GET /api/share/qr.png", RequestGeneral, h.handleQR)
	h.route(mux, "GET /s/{code}", RequestGeneral, h.handleShortRedirect)

	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics.Handler())
	}
}

// route applies rate limiting and, when metrics are on, instrumentation.
func (h *Handler) route(mux *http.ServeMux, pattern string, kind RequestKind, fn http.HandlerFunc) {
	var handler http.Handler = h.limit(kind, fn)
	if h.Metrics != nil {
		name := pattern
		if _, path, ok := strings.Cut(pattern, " "); ok {
			name = path
		}
		handler = h.Metrics.Instrument(name, handler)
	}
	mux.Handle(pattern, handler)
}

func (h *Handler) limit(kind RequestKind, next http.HandlerFunc) http.HandlerFunc {
	if h.Limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ok, wait := h.Limiter.Allow(h.clientIP(r), kind)
		if !ok {
			if h.Metrics != nil {
				h.Metrics.RateLimited(kind.String())
			}
			secs := int(wait.Round(time.Second) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			h.respondError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next(w, r)
	}
}

// =====================
// Reference data
// =====================

func (h *Handler) handleCountries(w http.ResponseWriter, r *http.Request) {
	body, err := h.Cache.Get(r.Context(), "countries", func(context.Context) ([]byte, error) {
		return json.Marshal(h.Ref.ListCountries())
	})
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "list countries")
		return
	}
	h.respondRaw(w, body)
}

func (h *Handler) handleStates(w http.ResponseWriter, r *http.Request) {
	cc := strings.ToUpper(strings.TrimSpace(r.PathValue("cc")))
	if h.Ref.CountryName(cc) == "" {
		// Unknown codes list no states; they stay out of the cache.
		h.respondJSON(w, h.Ref.ListStates(cc))
		return
	}
	body, err := h.Cache.Get(r.Context(), "states:"+cc, func(context.Context) ([]byte, error) {
		return json.Marshal(h.Ref.ListStates(cc))
	})
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "list states")
		return
	}
	h.respondRaw(w, body)
}

// =====================
// Sessions
// =====================

type sessionResponse struct {
	ID    string           `json:"id"`
	Map   mapview.Snapshot `json:"map"`
	Chart chart.View       `json:"chart"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Sessions.Create()
	if err != nil {
		h.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    s.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	h.respondSession(w, http.StatusCreated, s)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookupSession(w, r)
	if !ok {
		return
	}
	h.respondSession(w, http.StatusOK, s)
}

func (h *Handler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.lookupSession(w, r); !ok {
		return
	}
	h.Sessions.Remove(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// handleLayer returns the geometry of the series currently on screen.
func (h *Handler) handleLayer(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookupSession(w, r)
	if !ok {
		return
	}
	info, fc, ok := s.Chart.ActiveSeries()
	if !ok {
		h.respondError(w, http.StatusNotFound, "no layer rendered yet")
		return
	}
	body, err := fc.MarshalJSON()
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "encode layer")
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("X-Series-Name", info.Name)
	w.Header().Set("X-Series-Id", strconv.FormatUint(info.ID, 10))
	_, _ = w.Write(body)
}

type nameRequest struct {
	Name string `json:"name"`
}

func (h *Handler) handleSelectCountry(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(ctx context.Context, s *session.Session) error {
		var req nameRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		return s.View.SelectCountry(ctx, req.Name)
	})
}

func (h *Handler) handleSelectState(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(ctx context.Context, s *session.Session) error {
		var req nameRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		return s.View.SelectState(ctx, req.Name)
	})
}

func (h *Handler) handleDrilldown(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(ctx context.Context, s *session.Session) error {
		var ev mapview.DrilldownEvent
		if err := decodeBody(r, &ev); err != nil {
			return err
		}
		return s.View.Drilldown(ctx, ev)
	})
}

func (h *Handler) handleDrillUp(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(ctx context.Context, s *session.Session) error {
		var ev mapview.DrillUpEvent
		if err := decodeBody(r, &ev); err != nil {
			return err
		}
		return s.View.DrillUp(ctx, ev)
	})
}

// action runs one map operation and answers with the resulting snapshot.
// The operation outlives a client that hangs up: a started fetch still
// commits so the websocket view stays consistent.
func (h *Handler) action(w http.ResponseWriter, r *http.Request, op func(context.Context, *session.Session) error) {
	s, ok := h.lookupSession(w, r)
	if !ok {
		return
	}
	if err := op(context.WithoutCancel(r.Context()), s); err != nil {
		h.respondError(w, statusFor(err), err.Error())
		return
	}
	h.respondSession(w, http.StatusOK, s)
}

func (h *Handler) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.Sessions.Get(r.PathValue("id"))
	if err != nil {
		h.respondError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return s, true
}

func (h *Handler) respondSession(w http.ResponseWriter, status int, s *session.Session) {
	snap, err := s.View.Snapshot()
	if err != nil {
		h.respondError(w, statusFor(err), err.Error())
		return
	}
	h.respondStatus(w, status, sessionResponse{ID: s.ID, Map: snap, Chart: s.Chart.Snapshot()})
}

// =====================
// Fetch journal
// =====================

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		h.respondError(w, http.StatusNotFound, "fetch journal disabled")
		return
	}
	q := r.URL.Query()
	limit := clampInt(parseIntDefault(q.Get("limit"), 50), 1, 500)
	rows, err := h.DB.RecentFetches(r.Context(), strings.TrimSpace(q.Get("session")), limit)
	if err != nil {
		h.logf("fetch history: %v", err)
		h.respondError(w, http.StatusInternalServerError, "fetch history")
		return
	}
	if rows == nil {
		rows = []database.FetchLog{}
	}
	h.respondJSON(w, struct {
		Limit   int                 `json:"limit"`
		Fetches []database.FetchLog `json:"fetches"`
	}{Limit: limit, Fetches: rows})
}

// =====================
// Utility helpers
// =====================

// errBadRequest marks a body the client got wrong.
var errBadRequest = errors.New("bad request")

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// statusFor maps map view errors onto HTTP codes.
func statusFor(err error) int {
	var fetchErr *mapdata.FetchError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, mapdata.ErrInvalidRegion):
		return http.StatusBadRequest
	case errors.Is(err, refdata.ErrNotFound), errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, mapview.ErrStale), errors.Is(err, mapview.ErrNoCountry):
		return http.StatusConflict
	case errors.Is(err, mapview.ErrClosed):
		return http.StatusGone
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, payload any) {
	h.respondStatus(w, http.StatusOK, payload)
}

func (h *Handler) respondStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func (h *Handler) respondRaw(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, msg string) {
	h.respondStatus(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}

func (h *Handler) logf(format string, args ...any) {
	if h.Logf != nil {
		h.Logf(format, args...)
	}
}

func parseIntDefault(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// clientIP keys the rate limiter.  X-Forwarded-For counts only when the
// direct peer is a trusted proxy; the client is then the rightmost hop that
// is not a trusted proxy itself.
func (h *Handler) clientIP(r *http.Request) string {
	peer := remoteHost(r)
	if !h.trustedProxy(peer) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop != "" && !h.trustedProxy(hop) {
			return hop
		}
	}
	return peer
}

func (h *Handler) trustedProxy(host string) bool {
	if len(h.TrustedProxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range h.TrustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
