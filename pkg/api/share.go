package api

import (
	"bytes"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"geo-drilldown-map/pkg/database"
	"geo-drilldown-map/pkg/mapview"
	"geo-drilldown-map/pkg/qrshare"
	"geo-drilldown-map/pkg/refdata"
)

type shareResponse struct {
	URL      string `json:"url"`
	ShortURL string `json:"shortUrl,omitempty"`
	QR       string `json:"qr"`
}

// handleShare builds a link that reopens the map on the current country and
// state.  With a database the link is also shortened.
func (h *Handler) handleShare(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookupSession(w, r)
	if !ok {
		return
	}
	snap, err := s.View.Snapshot()
	if err != nil {
		h.respondError(w, statusFor(err), err.Error())
		return
	}

	base := h.baseURL(r)
	target := shareTarget(base, snap.View, h.Ref)
	resp := shareResponse{URL: target}

	if h.DB != nil {
		code, err := h.DB.PersistShortLink(r.Context(), target, time.Now(), 0)
		if err != nil {
			h.logf("short link for %s: %v", target, err)
		} else {
			resp.ShortURL = base + "/s/" + code
		}
	}
	link := resp.URL
	if resp.ShortURL != "" {
		link = resp.ShortURL
	}
	resp.QR = "/api/share/qr.png?u=" + url.QueryEscape(link)
	h.respondJSON(w, resp)
}

// shareTarget encodes the view as query parameters the page understands.
// Names are looked up by the codes on screen, not taken from the dropdowns,
// which may still point elsewhere after a map click.  A country the
// reference data does not know yields a link to the world map.
func shareTarget(base string, view mapview.View, ref *refdata.Provider) string {
	q := url.Values{}
	if view.Kind == mapview.ShowingCountry || view.Kind == mapview.ShowingState {
		if country := ref.CountryName(view.CountryCode); country != "" {
			q.Set("country", country)
			if view.Kind == mapview.ShowingState {
				if state := stateName(ref, view.CountryCode, view.StateCode); state != "" {
					q.Set("state", state)
				}
			}
		}
	}
	if len(q) == 0 {
		return base + "/"
	}
	return base + "/?" + q.Encode()
}

func stateName(ref *refdata.Provider, countryCode, stateCode string) string {
	for _, st := range ref.ListStates(countryCode) {
		if strings.EqualFold(st.ISOCode, stateCode) {
			return st.Name
		}
	}
	return ""
}

func (h *Handler) handleShortRedirect(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		http.NotFound(w, r)
		return
	}
	target, err := h.DB.ResolveShortLink(r.Context(), r.PathValue("code"))
	if err != nil && !errors.Is(err, database.ErrUnavailable) {
		h.logf("resolve short link: %v", err)
		http.Error(w, "short link lookup failed", http.StatusInternalServerError)
		return
	}
	if target == "" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleQR renders ?u= as a PNG QR code.  The image is encoded into memory
// first so a bad payload still gets a proper error status.
func (h *Handler) handleQR(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	payload := strings.TrimSpace(q.Get("u"))
	size := clampInt(parseIntDefault(q.Get("size"), 512), 128, 2048)

	var buf bytes.Buffer
	if err := qrshare.EncodePNG(&buf, payload, qrshare.Options{SizePx: size}); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, qrshare.ErrPayload) {
			status = http.StatusBadRequest
		}
		h.respondError(w, status, "QR encode: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Disposition", "inline; filename=\"qr.png\"")
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) baseURL(r *http.Request) string {
	if h.PublicURL != "" {
		return strings.TrimRight(h.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
