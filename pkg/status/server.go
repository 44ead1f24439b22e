package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/harshabose/camserver/pkg/factory"
	"github.com/harshabose/camserver/pkg/rtsp"
)

// Provider is the RTSP side the status server reports on.
type Provider interface {
	Status() rtsp.Status
	MountStatus() []rtsp.MountStatus
}

type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

type Server struct {
	httpServer *http.Server
	config     Config
	router     *chi.Mux
	provider   Provider
	hub        *Hub
	logger     zerolog.Logger

	rateLimiters   *expirable.LRU[string, *rate.Limiter]
	rateLimiterMux sync.Mutex

	health *health
}

func NewServer(config Config, provider Provider, options ...Option) *Server {
	config.SetDefaults()
	router := chi.NewRouter()

	s := &Server{
		router:   router,
		config:   config,
		provider: provider,
		logger:   zerolog.Nop(),
		health:       newHealth(10),
		rateLimiters: expirable.NewLRU[string, *rate.Limiter](10_000, nil, time.Hour),
	}

	for _, option := range options {
		option(s)
	}

	s.hub = NewHub(config.EventBuffer, s.logger)
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(config.Addr, strconv.Itoa(int(config.Port))),
		ReadHeaderTimeout: config.ReadTimeout,
		Handler:           router,
	}

	router.Use(middleware.RequestID)
	router.Use(s.LoggingMiddleware)
	router.Use(middleware.Recoverer)

	router.Route("/internal", func(r chi.Router) {
		r.Use(s.RateLimitMiddleware)
		r.Get("/status", s.statusHandler)
		r.Get("/mounts", s.mountsHandler)
		r.Get("/events", s.eventsHandler)
	})

	return s
}

// Publish records a factory event and forwards it to the websocket feed.
func (s *Server) Publish(event factory.Event) {
	s.health.observe(event)
	s.hub.Publish(event)
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.health.AddError(err.Error())
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}

	return s.serve(ctx, l)
}

func (s *Server) serve(ctx context.Context, l net.Listener) error {
	s.health.SetState(ServerUp)
	defer s.health.SetState(ServerDown)

	// hijacked websocket connections are not tracked by Shutdown
	s.httpServer.BaseContext = func(net.Listener) context.Context {
		return ctx
	}

	done := make(chan error, 1)
	go func() {
		done <- s.httpServer.Serve(l)
	}()

	s.logger.Info().Str("address", l.Addr().String()).Msg("status server listening")

	select {
	case err := <-done:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.health.AddError(fmt.Sprintf("error while serving: %s", err.Error()))
		return err

	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("graceful shutdown not possible, closing forcibly")
		if err := s.httpServer.Close(); err != nil {
			s.logger.Error().Err(err).Msg("error while closing status server")
		}
	}
	<-done

	s.logger.Info().Msg("status server stopped")
	return nil
}

type statusResponse struct {
	healthSnapshot
	EventClients int         `json:"event_clients"`
	RTSP         rtsp.Status `json:"rtsp"`
}

// GET /internal/status
func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, statusResponse{
		healthSnapshot: s.health.snapshot(),
		EventClients:   s.hub.Clients(),
		RTSP:           s.provider.Status(),
	})
}

// GET /internal/mounts
func (s *Server) mountsHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.provider.MountStatus())
}

// GET /internal/events
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.serve(w, r, s.config.WriteTimeout); err != nil {
		s.logger.Debug().Err(err).Msg("event client disconnected")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		s.health.AddError(fmt.Sprintf("failed to marshal response: %s", err.Error()))
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(msg); err != nil {
		s.health.AddError(fmt.Sprintf("error while sending response: %s", err.Error()))
	}
}

// RateLimitMiddleware keeps one token bucket per client IP.
func (s *Server) RateLimitMiddleware(next http.Handler) http.Handler {
	limit := rate.Limit(s.config.RateLimit) / 60

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r)

		s.rateLimiterMux.Lock()
		limiter, exists := s.rateLimiters.Get(clientIP)
		if !exists {
			limiter = rate.NewLimiter(limit, s.config.BurstSize)
			s.rateLimiters.Add(clientIP, limiter)
		}
		s.rateLimiterMux.Unlock()

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.config.RateLimit))

		if !limiter.Allow() {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))

			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.TokensAt(time.Now()))))

		next.ServeHTTP(w, r)
	})
}

func (s *Server) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("client", getClientIP(r)).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
