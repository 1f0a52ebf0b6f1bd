package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"geo-drilldown-map/pkg/api"
	"geo-drilldown-map/pkg/chart"
	"geo-drilldown-map/pkg/config"
	"geo-drilldown-map/pkg/database"
	"geo-drilldown-map/pkg/logger"
	"geo-drilldown-map/pkg/mapdata"
	"geo-drilldown-map/pkg/metrics"
	"geo-drilldown-map/pkg/refdata"
	"geo-drilldown-map/pkg/session"
)

//go:embed public_html/*
var content embed.FS

// CompileVersion is replaced at build time via -ldflags "-X main.CompileVersion=...".
var CompileVersion = "dev"

func main() {
	version := flag.Bool("version", false, "Show the application version")
	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if *version {
		fmt.Printf("geo-drilldown-map version %s\n", CompileVersion)
		return
	}
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	defer logger.Sync()

	var collector *metrics.Collector
	if cfg.Metrics {
		collector = metrics.New("geodrilldown")
	}

	fetchOpts := []mapdata.Option{
		mapdata.WithBaseURL(cfg.TileBaseURL),
		mapdata.WithTimeout(cfg.FetchTimeout),
		mapdata.WithUserAgent(cfg.UserAgent + "/" + CompileVersion),
	}
	if cfg.FetchRate > 0 {
		fetchOpts = append(fetchOpts, mapdata.WithRateLimit(cfg.FetchRate, cfg.FetchBurst))
	}
	if collector != nil {
		fetchOpts = append(fetchOpts, mapdata.WithObserver(collector.FetchObserver()))
	}
	fetcher := mapdata.NewFetcher(fetchOpts...)

	// The journal writer outlives the HTTP server so late fetches still land.
	journalCtx, stopJournal := context.WithCancel(context.Background())
	defer stopJournal()

	var (
		db      *database.Database
		journal *database.JournalWriter
	)
	if cfg.JournalEnabled() {
		var err error
		db, err = database.NewDatabase(database.Config{
			DBType:    cfg.Database.Type,
			DBPath:    cfg.Database.Path,
			DBConn:    cfg.Database.Conn,
			DBHost:    cfg.Database.Host,
			DBPort:    cfg.Database.Port,
			DBUser:    cfg.Database.User,
			DBPass:    cfg.Database.Pass,
			DBName:    cfg.Database.Name,
			PGSSLMode: cfg.Database.SSLMode,
			Port:      cfg.Port,
		})
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		if err := db.InitSchema(ctx); err != nil {
			return fmt.Errorf("database schema: %w", err)
		}
		journal = database.StartJournal(journalCtx, db, 0, log.Printf)
	}

	var sink api.JournalSink
	if journal != nil {
		sink = journal
	}
	hooks := session.Hooks{Journal: api.JournalHook(sink, collector)}
	if collector != nil {
		hooks.Opened = collector.SessionOpened
		hooks.Closed = collector.SessionClosed
	}

	ref := refdata.Default()
	sessions, err := session.NewRegistry(session.Config{
		MaxSessions: cfg.MaxSessions,
		IdleTTL:     cfg.SessionIdleTTL,
		Chart:       chart.DefaultConfig(),
	}, ref, fetcher, hooks, log.Printf)
	if err != nil {
		return err
	}

	handler := api.NewHandler(ref, sessions, log.Printf)
	handler.DB = db
	handler.Metrics = collector
	handler.PublicURL = cfg.PublicURL
	if handler.TrustedProxies, err = config.ParseTrustedProxies(cfg.TrustedProxies); err != nil {
		return err
	}
	handler.Cache = api.NewResponseCache(10 * time.Minute)
	handler.Limiter = api.NewRateLimiter(api.DefaultLimits())
	defer handler.Cache.Close()
	defer handler.Limiter.Close()

	staticFS, err := fs.Sub(content, "public_html")
	if err != nil {
		return fmt.Errorf("embedded assets: %w", err)
	}
	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/", http.FileServer(http.FS(staticFS)))
	root := withServerHeader(mux)

	log.Printf("geo-drilldown-map %s: map host %s, database %q, %d sessions max",
		CompileVersion, cfg.TileBaseURL, cfg.Database.Type, cfg.MaxSessions)

	if cfg.Domain != "" {
		err = serveWithDomain(ctx, cfg.Domain, root)
	} else {
		err = serve(ctx, fmt.Sprintf(":%d", cfg.Port), root)
	}

	sessions.Close()
	stopJournal()
	if journal != nil {
		journal.Wait()
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}
