package logger

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"
)

// These tests swap the package-level Output, so they do not run in parallel.

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Output
	Output = log.New(&buf, "", 0)
	t.Cleanup(func() {
		Sync()
		Output = prev
	})
	return &buf
}

func TestSuccessDropsDetails(t *testing.T) {
	buf := capture(t)

	Begin("fr")
	Append("fr", "[fetch] GET /mapdata/countries/fr/fr-all.geo.json")
	Success("fr", "fr 12 features")
	Sync()

	out := buf.String()
	if strings.Contains(out, "GET /mapdata") {
		t.Fatalf("detail line leaked on success: %q", out)
	}
	if !strings.Contains(out, "[fr] ✔ fr 12 features") {
		t.Fatalf("missing summary line: %q", out)
	}
}

func TestFlushErrorReplaysDetails(t *testing.T) {
	buf := capture(t)

	Begin("xx")
	Append("xx", "first")
	Append("xx", "second")
	FlushError("xx", errors.New("status 404"))
	Sync()

	out := buf.String()
	first := strings.Index(out, "first")
	second := strings.Index(out, "second")
	final := strings.Index(out, "[xx][ERROR] status 404")
	if first < 0 || second < first || final < second {
		t.Fatalf("unexpected replay order: %q", out)
	}
}

func TestAppendWithoutBufferPrints(t *testing.T) {
	buf := capture(t)

	Append("none", "direct line")
	Sync()

	if !strings.Contains(buf.String(), "direct line") {
		t.Fatalf("unbuffered append not printed: %q", buf.String())
	}
}
