package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

const shutdownGrace = 10 * time.Second

// withServerHeader adds "Server: geo-drilldown-map/<CompileVersion>" and
// answers HEAD / with 200 so load balancers can health-check without a body.
func withServerHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "geo-drilldown-map/"+CompileVersion)

		if r.Method == http.MethodHead && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// serve runs a plain HTTP listener until ctx ends.
func serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("HTTP server ➜ http://localhost%s", addr)
	return runUntilDone(ctx, srv, srv.ListenAndServe)
}

// serveWithDomain runs:
//   - :80 for ACME HTTP-01 challenges and a redirect to https://<domain>/
//   - :443 with Let's Encrypt certificates from autocert
func serveWithDomain(ctx context.Context, domain string, handler http.Handler) error {
	certMgr := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(_ context.Context, host string) error {
			if host == domain || host == "www."+domain {
				return nil
			}
			// IP literals get the fallback certificate below.
			if net.ParseIP(host) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}

	mux80 := http.NewServeMux()
	mux80.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
	mux80.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://"+domain+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
	srv80 := &http.Server{Addr: ":80", Handler: mux80, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("HTTP  server (ACME+redirect) ➜ :80")
		if err := runUntilDone(ctx, srv80, srv80.ListenAndServe); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP  server error: %v", err)
		}
	}()

	// Keep the last good certificate for clients with odd or missing SNI.
	var fallback atomic.Pointer[tls.Certificate]
	go func() {
		t := time.NewTicker(24 * time.Hour)
		defer t.Stop()
		for {
			if c, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err == nil {
				fallback.Store(c)
			} else {
				log.Printf("autocert renewal check: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()

	tlsCfg := certMgr.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS12
	tlsCfg.GetCertificate = func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := certMgr.GetCertificate(chi)
		if err == nil {
			return c, nil
		}
		if fb := fallback.Load(); fb != nil {
			return fb, nil
		}
		return nil, err
	}

	srv := &http.Server{
		Addr:              ":443",
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("HTTPS server for %s ➜ :443", domain)
	return runUntilDone(ctx, srv, func() error { return srv.ListenAndServeTLS("", "") })
}

// runUntilDone starts listen and shuts srv down gracefully once ctx ends.
func runUntilDone(ctx context.Context, srv *http.Server, listen func() error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- listen() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Printf("shutting down %s", srv.Addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
