package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DEVXIX/dev-ssh-sub000/internal/audit"
	"github.com/DEVXIX/dev-ssh-sub000/internal/config"
	"github.com/DEVXIX/dev-ssh-sub000/internal/database"
	"github.com/DEVXIX/dev-ssh-sub000/internal/directory"
	"github.com/DEVXIX/dev-ssh-sub000/internal/guac"
	"github.com/DEVXIX/dev-ssh-sub000/internal/handlers"
	"github.com/DEVXIX/dev-ssh-sub000/internal/logging"
	"github.com/DEVXIX/dev-ssh-sub000/internal/metrics"
	"github.com/DEVXIX/dev-ssh-sub000/internal/middleware"
	"github.com/DEVXIX/dev-ssh-sub000/internal/remote"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sessions"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sshfiles"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sshproxy"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sshterminal"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--import-connections":
			runCLICommand("import-connections")
			return
		}
	}

	config.Load()
	cfg := config.Cfg

	if err := logging.Init(cfg.LogPath); err != nil {
		log.Printf("WARNING: %v", err)
	}
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: AuthDisabled=%v, UserHeader=%s, Environment=%s", cfg.AuthDisabled, cfg.UserHeader, cfg.Environment)

	if cfg.ConnectionsFile != "" {
		n, err := directory.ImportFile(cfg.ConnectionsFile)
		if err != nil {
			log.Fatalf("Import connections: %v", err)
		}
		log.Printf("Imported %d connections from %s", n, cfg.ConnectionsFile)
	}

	// Transports
	sshBackend := sshproxy.NewBackend()
	sshBackend.HandshakeTimeout = cfg.HandshakeTimeout
	sshBackend.KeepaliveInterval = cfg.KeepaliveInterval
	sshBackend.KeepaliveMaxMissed = cfg.KeepaliveMaxMissed
	sshBackend.Limiter = sshproxy.NewDialLimiter(nil)

	guacBackend := guac.NewBackend(cfg.GuacdAddr)
	guacBackend.HandshakeTimeout = cfg.HandshakeTimeout

	backends := remote.Backends{
		remote.KindSSH: sshBackend,
		remote.KindRDP: guacBackend,
		remote.KindVNC: guacBackend,
	}

	// Session registry, audit log and metrics
	metrics.RegisterMetrics()
	auditor := audit.NewAuditor(database.DB, cfg.AuditRetentionDays)
	registry := sessions.NewRegistry(backends, nil)
	registry.OnEvent(auditor.Record)
	registry.OnEvent(metrics.RecordSessionEvent)
	metrics.TrackActiveSessions(registry.Len)

	reaper := sessions.NewReaper(registry, cfg.IdleTimeout, cfg.ReapInterval)
	if err := reaper.Start(); err != nil {
		log.Fatalf("Reaper: %v", err)
	}
	purger, err := startAuditPurge(auditor, auditPurgeSchedule)
	if err != nil {
		log.Fatalf("Audit purge: %v", err)
	}

	// Relays
	dev := cfg.Development()
	files := sshfiles.NewManager(sshfiles.OpenSFTP, cfg.MaxReadFileSize)
	files.Observe = metrics.RecordFileOp
	files.OpenTimeout = cfg.HandshakeTimeout

	terminal := sshterminal.NewRelay(registry)
	terminal.StatsInterval = cfg.StatsInterval
	terminal.Dev = dev

	display := guac.NewRelay(registry)
	display.ReceiveTimeout = cfg.TunnelReceiveTimeout
	display.UnstableThreshold = cfg.TunnelUnstableThreshold
	display.Dev = dev
	display.OnStateChange = metrics.RecordTunnelTransition

	handlers.Registry = registry
	handlers.Files = files
	handlers.Terminal = terminal
	handlers.Display = display
	handlers.Auditor = auditor
	handlers.Dev = dev
	handlers.AllowedOrigins = cfg.AllowedOrigins

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(metrics.Middleware)

	// Health and metrics (no auth)
	r.Get("/health", handlers.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	requireUser := middleware.RequireUser(cfg.UserHeader)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireUser)

		r.Get("/connections", handlers.ListConnections)

		// Sessions
		r.Post("/sessions", handlers.CreateSession)
		r.Get("/sessions", handlers.ListSessions)
		r.Get("/sessions/{id}", handlers.GetSession)
		r.Delete("/sessions/{id}", handlers.DeleteSession)
		r.Get("/sessions/{id}/events", handlers.GetSessionEvents)

		// Files
		r.Get("/sessions/{id}/files", handlers.ListFiles)
		r.Delete("/sessions/{id}/files", handlers.DeleteFile)
		r.Get("/sessions/{id}/files/content", handlers.ReadFile)
		r.Put("/sessions/{id}/files/content", handlers.WriteFile)
		r.Post("/sessions/{id}/files/rename", handlers.RenameFile)
		r.Post("/sessions/{id}/files/mkdir", handlers.CreateDirectory)
	})

	// Relay WebSockets
	r.With(requireUser).Get("/ws/{kind}", handlers.SessionWS)

	// SPA static files
	if cfg.StaticDir != "" {
		spa := middleware.NewSPAHandler(os.DirFS(cfg.StaticDir), middleware.GatewayRoutes...)
		r.NotFound(spa.ServeHTTP)
	}

	// Graceful shutdown
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	reaper.Stop()
	<-purger.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	registry.CloseAll()
	log.Println("Server stopped")
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	file := fs.String("file", "", "Connections YAML file")
	fs.Parse(os.Args[2:])

	if *file == "" {
		fmt.Fprintf(os.Stderr, "Usage: gateway --%s --file <connections.yaml>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	switch command {
	case "import-connections":
		n, err := directory.ImportFile(*file)
		if err != nil {
			log.Fatalf("Failed to import connections: %v", err)
		}
		fmt.Printf("Imported %d connections from '%s'.\n", n, *file)
	}
}
