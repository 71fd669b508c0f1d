// Package main implements connect-relay, a WebSocket chat relay that
// routes connections and dispatches chat, presence, and RTC signaling
// events between connected users.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/connectchat/relay/pkg/auth"
	"github.com/connectchat/relay/pkg/security"
	"github.com/connectchat/relay/pkg/srv"
	"github.com/connectchat/relay/pkg/store"
)

const (
	httpReadTimeout  = 10 * time.Second
	httpWriteTimeout = 10 * time.Second
	httpIdleTimeout  = 120 * time.Second
	shutdownTimeout  = 5 * time.Second
)

var (
	addr          = flag.String("addr", ":8080", "HTTP service address")
	jwtSecret     = flag.String("jwt-secret", os.Getenv("JWT_SECRET"), "Secret for signing session tokens (or JWT_SECRET env)")
	tokenTTL      = flag.Duration("token-ttl", auth.DefaultTokenTTL, "Session token lifetime")
	maxConnsPerIP = flag.Int("max-conns-per-ip", 10, "Maximum WebSocket connections per IP")
	maxConnsTotal = flag.Int("max-conns-total", 1000, "Maximum total WebSocket connections")
	letsencrypt   = flag.Bool("letsencrypt", false, "Use Let's Encrypt for automatic TLS certificates")
	leDomains     = flag.String("le-domains", "", "Comma-separated list of domains for Let's Encrypt certificates")
	leCacheDir    = flag.String("le-cache-dir", "./.letsencrypt", "Cache directory for Let's Encrypt certificates")
	leEmail       = flag.String("le-email", "", "Contact email for Let's Encrypt notifications")
)

func main() {
	flag.Parse()

	if *jwtSecret == "" {
		log.Fatal("ERROR: A token signing secret is required. Set -jwt-secret or the JWT_SECRET environment variable.")
	}

	mem := store.NewMemory()
	gateway := auth.NewGateway(mem, auth.NewTokenService(*jwtSecret, *tokenTTL))
	registry := srv.NewRegistry()
	router := srv.NewRouter(mem, gateway, registry, srv.NewBroadcaster(registry))
	connLimiter := security.NewConnectionLimiter(*maxConnsPerIP, *maxConnsTotal)
	wsHandler := srv.NewHandler(router, gateway, registry, connLimiter)

	mux := http.NewServeMux()

	// Health check endpoint - exact match only.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte("connect-relay is running\n")); err != nil {
				log.Printf("failed to write health check response: %v", err)
			}
			return
		}
		log.Printf("404 Not Found: path=%s ip=%s", r.URL.Path, security.ClientIP(r))
		http.NotFound(w, r)
	})
	log.Println("Registered health check handler at /")

	mux.HandleFunc("/ws/chat", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ip := security.ClientIP(r)
		log.Printf("WebSocket request: ip=%s user_agent=%s", ip, r.UserAgent())

		if r.URL.Path != "/ws/chat" {
			http.NotFound(w, r)
			return
		}

		wsHandler.ServeHTTP(w, r)
		log.Printf("WebSocket done: ip=%s duration=%v", ip, time.Since(start))
	})
	log.Println("Registered WebSocket handler at /ws/chat")

	server := &http.Server{
		Addr:         *addr,
		Handler:      mux,
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
		IdleTimeout:  httpIdleTimeout,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		log.Println("shutting down relay...")
		connLimiter.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
		close(done)
	}()

	var err error
	if *letsencrypt {
		if *leDomains == "" {
			log.Print("ERROR: Let's Encrypt requires -le-domains to be specified")
			return
		}
		domains := strings.Split(*leDomains, ",")
		for i := range domains {
			domains[i] = strings.TrimSpace(domains[i])
		}
		if err := os.MkdirAll(*leCacheDir, 0o700); err != nil {
			log.Printf("failed to create Let's Encrypt cache directory: %v", err)
			return
		}

		certManager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(domains...),
			Cache:      autocert.DirCache(*leCacheDir),
			Email:      *leEmail,
		}

		server.Addr = ":443"
		server.TLSConfig = &tls.Config{
			GetCertificate: certManager.GetCertificate,
			MinVersion:     tls.VersionTLS13,
		}

		// HTTP listener for ACME challenges.
		go func() {
			acmeServer := &http.Server{
				Addr:         ":80",
				Handler:      certManager.HTTPHandler(nil),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  httpIdleTimeout,
			}
			log.Println("starting HTTP server on :80 for Let's Encrypt ACME challenges")
			if err := acmeServer.ListenAndServe(); err != nil {
				log.Printf("HTTP ACME server error: %v", err)
			}
		}()

		log.Printf("starting HTTPS server on :443 with Let's Encrypt for domains: %v", domains)
		err = server.ListenAndServeTLS("", "")
	} else {
		log.Print("WARNING: TLS not enabled. Use -letsencrypt for production")
		log.Printf("starting HTTP server on %s", *addr)
		err = server.ListenAndServe()
	}

	if err != http.ErrServerClosed {
		log.Printf("server error: %v", err)
		return
	}

	<-done
	log.Println("server stopped")
}
