// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/sthita19/kindle-clippings-app/pkg/clip"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

// Templates.
var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

// Store is the subscriber state the handlers read and update.
type Store interface {
	Create(ctx context.Context, email string) (*clip.Subscriber, error)
	ByEmail(ctx context.Context, email string) (*clip.Subscriber, error)
	ByToken(ctx context.Context, token string) (*clip.Subscriber, error)
	UpdateSchedule(ctx context.Context, id string, sched clip.Schedule) error
	SetExportKey(ctx context.Context, id, key string) error
	History(ctx context.Context, id string, limit int) ([]clip.Delivery, error)
	Delete(ctx context.Context, id string) error
}

// Exports persists raw clippings uploads.
type Exports interface {
	Put(ctx context.Context, token string, data []byte) (string, error)
	Delete(ctx context.Context, key string) error
}

// Emailer sends the upload confirmation email.
type Emailer interface {
	SendWelcome(ctx context.Context, sub *clip.Subscriber, highlightCount int) error
}

// Digester drives digest delivery outside the recurring tick.
type Digester interface {
	SendNow(ctx context.Context, sub *clip.Subscriber) (int, error)
	RunTick(ctx context.Context, now time.Time) error
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	store       Store
	exports     Exports
	emailer     Emailer
	digester    Digester
	logger      *slog.Logger
	isNotFound  IsNotFound
	rateLimiter *rateLimiter
	loc         *time.Location
}

// Config holds server configuration.
type Config struct {
	Store      Store
	Exports    Exports
	Emailer    Emailer
	Digester   Digester
	Logger     *slog.Logger
	IsNotFound IsNotFound
	Location   *time.Location
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		store:       cfg.Store,
		exports:     cfg.Exports,
		emailer:     cfg.Emailer,
		digester:    cfg.Digester,
		logger:      cfg.Logger,
		isNotFound:  cfg.IsNotFound,
		rateLimiter: newRateLimiter(),
		loc:         cfg.Location,
	}
}

// ListenAndServe sets up all routes and starts the server.
func (s *Server) ListenAndServe(port string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/tickz", s.handleTick)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/manage", s.handleManage)
	mux.HandleFunc("/sendnow", s.handleSendNow)

	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadTimeout:       30 * time.Second,  // Uploads are small text files
		WriteTimeout:      60 * time.Second,  // Send-now blocks on delivery
		IdleTimeout:       120 * time.Second, // Keep-alive between requests
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")

	data := map[string]string{
		"SavedEmail": emailCookie(r),
	}

	if err := templates.ExecuteTemplate(w, "index.tmpl", data); err != nil {
		s.logger.Error("Failed to render template", "template", "index.tmpl", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Tick endpoint triggered")

	if err := s.digester.RunTick(r.Context(), time.Now()); err != nil {
		s.logger.Error("Manual tick failed", "error", err)
		http.Error(w, "Tick failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"completed"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
