package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(Config{DBType: "sqlite", DBPath: filepath.Join(t.TempDir(), "test.sqlite")})
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return db
}

func TestPlaceholders(t *testing.T) {
	t.Parallel()

	cases := []struct {
		driver string
		want   string
	}{
		{"sqlite", "?,?,?"},
		{"genji", "?,?,?"},
		{"pgx", "$1,$2,$3"},
		{"duckdb", "$1,$2,$3"},
	}
	for _, tc := range cases {
		db := &Database{Driver: tc.driver}
		if got := db.placeholders(3); got != tc.want {
			t.Fatalf("%s placeholders = %q, want %q", tc.driver, got, tc.want)
		}
	}
}

func TestDSN(t *testing.T) {
	t.Parallel()

	got, err := dsnFor("pgx", Config{DBUser: "u", DBPass: "p", DBHost: "h", DBPort: 5432, DBName: "maps"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "postgres://u:p@h:5432/maps?sslmode=disable" {
		t.Fatalf("dsn = %q", got)
	}
	if red := redactDSN(got); red != "postgres://u:***@h:5432/maps?sslmode=disable" {
		t.Fatalf("redacted = %q", red)
	}
	if got, _ := dsnFor("sqlite", Config{Port: 8765}); got != "geo-drilldown-8765.sqlite" {
		t.Fatalf("default sqlite path = %q", got)
	}
	if _, err := dsnFor("oracle", Config{DBType: "oracle"}); err == nil {
		t.Fatal("dsnFor accepted an unsupported engine")
	}
}

func TestFetchJournal(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()
	rows := []FetchLog{
		{SessionID: "a", RegionKey: "world", Level: "world", Outcome: "ok", FetchedAt: 100},
		{SessionID: "a", RegionKey: "fr", Level: "country", Outcome: "not_ok", Status: 404, Error: "status 404"},
		{SessionID: "b", RegionKey: "de", Level: "country", Outcome: "ok"},
	}
	for _, r := range rows {
		if err := db.RecordFetch(ctx, r); err != nil {
			t.Fatalf("RecordFetch: %v", err)
		}
	}

	got, err := db.RecentFetches(ctx, "a", 10)
	if err != nil {
		t.Fatalf("RecentFetches: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows for a = %d, want 2", len(got))
	}
	if got[0].RegionKey != "fr" || got[0].Status != 404 || got[0].Error != "status 404" {
		t.Fatalf("newest row = %+v", got[0])
	}
	if got[1].FetchedAt != 100 || got[0].ID <= got[1].ID {
		t.Fatalf("rows out of order: %+v", got)
	}

	all, err := db.RecentFetches(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("all rows = %d, want 3", len(all))
	}
}

func TestJournalWriterDrainsOnCancel(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	w := StartJournal(ctx, db, 8, t.Logf)
	for i := 0; i < 5; i++ {
		w.Record(FetchLog{SessionID: "s", RegionKey: "world", Outcome: "ok"})
	}
	cancel()
	w.Wait()

	got, err := db.RecentFetches(context.Background(), "s", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("rows = %d, want 5", len(got))
	}
}

func TestShortLinks(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	code, err := db.PersistShortLink(ctx, "https://maps.example/?country=fr", now, 0)
	if err != nil {
		t.Fatalf("PersistShortLink: %v", err)
	}
	if len(code) != defaultShortCodeLength || !isBase62(code) {
		t.Fatalf("code = %q", code)
	}
	again, err := db.PersistShortLink(ctx, "https://maps.example/?country=fr", now, 0)
	if err != nil || again != code {
		t.Fatalf("second persist = %q, %v; want %q", again, err, code)
	}

	target, err := db.ResolveShortLink(ctx, code)
	if err != nil || target != "https://maps.example/?country=fr" {
		t.Fatalf("ResolveShortLink = %q, %v", target, err)
	}
	if target, err := db.ResolveShortLink(ctx, "nope-!"); err != nil || target != "" {
		t.Fatalf("ResolveShortLink(invalid) = %q, %v", target, err)
	}
	if _, err := db.PersistShortLink(ctx, "  ", now, 0); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("empty target = %v", err)
	}
}

func TestNilDatabase(t *testing.T) {
	t.Parallel()

	var db *Database
	if _, err := db.RecentFetches(context.Background(), "", 1); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close on nil = %v", err)
	}
}
