package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/adapters/closeio"
	"github.com/mikey/email-open-relay/internal/core"
)

// ServiceName is reported by the banner and health endpoints
const ServiceName = "email-open-relay"

// Options holds HTTP server settings
type Options struct {
	ListenAddress string
	CORSOrigins   []string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	WebhookSecret string
}

// LeadNameResolver looks up a lead display name, returning "" when unknown
type LeadNameResolver interface {
	ResolveLeadName(ctx context.Context, leadID string) string
}

// Notifier is the part of the dispatcher the API needs
type Notifier interface {
	SendTest(ctx context.Context, event *core.EmailOpenEvent) error
	Stats() core.DispatchStats
}

// Deps are the collaborators behind the HTTP endpoints
type Deps struct {
	Ingester  core.Ingester
	Analytics *core.Analytics
	Notifier  Notifier
	Cache     core.DedupCache
	Store     core.EventStore
	Leads     LeadNameResolver
}

// Server serves the webhook receiver and the analytics API
type Server struct {
	opts    Options
	deps    Deps
	logger  *zap.Logger
	router  chi.Router
	server  *http.Server
	started time.Time
	now     func() time.Time

	mu      sync.Mutex
	running bool
}

// NewServer creates a new HTTP server
func NewServer(opts Options, deps Deps, logger *zap.Logger) *Server {
	if opts.ListenAddress == "" {
		opts.ListenAddress = "0.0.0.0:8000"
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	s := &Server{
		opts:    opts,
		deps:    deps,
		logger:  logger,
		started: time.Now(),
		now:     time.Now,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", closeio.SignatureHeader, closeio.TimestampHeader},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)

	r.Post("/webhook/closeio", s.handleCloseWebhook)
	r.Post("/test/notification", s.handleTestNotification)

	r.Route("/analytics", func(r chi.Router) {
		r.Get("/summary", s.handleSummary)
		r.Get("/recent", s.handleRecent)
		r.Get("/by-date", s.handleByDate)
		r.Get("/by-lead/{lead_id}", s.handleByLead)
		r.Get("/top-leads", s.handleTopLeads)
		r.Get("/time-of-day", s.handleTimeOfDay)
		r.Get("/day-of-week", s.handleDayOfWeek)
		r.Get("/engagement", s.handleEngagement)
		r.Get("/export", s.handleExport)
	})

	return r
}

// Start starts listening in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("server already running")
	}

	s.server = &http.Server{
		Addr:         s.opts.ListenAddress,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}
	s.running = true

	go func(srv *http.Server) {
		s.logger.Info("HTTP server listening", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}(s.server)

	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
