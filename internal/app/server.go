// Package app serves the next-pickup view over HTTP: JSON for dashboards,
// ICS/CSV/JSON downloads, a calendar subscription feed and a protected
// endpoint that asks for an early refresh.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/klabast/wb-services/bir-tomming/internal/config"
	"github.com/klabast/wb-services/bir-tomming/internal/logging"
	"github.com/klabast/wb-services/bir-tomming/internal/pickup"
	"github.com/klabast/wb-services/bir-tomming/internal/sensor"
)

const (
	// DefaultRefreshRate allows one manual refresh per client every 10s
	// with a burst of 3.
	DefaultRefreshRate  = rate.Limit(0.1)
	DefaultRefreshBurst = 3

	shutdownTimeout = 5 * time.Second
)

// PickupSource is the aggregator as seen by the HTTP layer.
type PickupSource interface {
	Status() pickup.Status
	RequestRefresh(ctx context.Context) error
	NextScheduledRefresh() (time.Time, error)
}

// Options configures a Server.
type Options struct {
	Source  PickupSource
	Sensors *sensor.Registry
	Config  *config.Config
	Auth    *Auth

	RefreshRate  rate.Limit
	RefreshBurst int

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Server holds the HTTP handlers. The config can be swapped while serving.
type Server struct {
	source  PickupSource
	sensors *sensor.Registry
	auth    *Auth
	limiter *rateLimiter
	clock   clockwork.Clock
	logger  *slog.Logger

	mu  sync.RWMutex
	cfg *config.Config
	loc *time.Location

	background sync.WaitGroup
}

// New creates a Server.
func New(opts Options) (*Server, error) {
	if opts.Source == nil {
		return nil, errors.New("app: pickup source is required")
	}
	if opts.Sensors == nil {
		return nil, errors.New("app: sensor registry is required")
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.RefreshRate == 0 {
		opts.RefreshRate = DefaultRefreshRate
	}
	if opts.RefreshBurst == 0 {
		opts.RefreshBurst = DefaultRefreshBurst
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	s := &Server{
		source:  opts.Source,
		sensors: opts.Sensors,
		auth:    opts.Auth,
		limiter: newRateLimiter(opts.Clock, opts.RefreshRate, opts.RefreshBurst),
		clock:   opts.Clock,
		logger:  logging.Default(opts.Logger).With("component", "http"),
	}
	if err := s.SetConfig(opts.Config); err != nil {
		return nil, err
	}
	return s, nil
}

// SetConfig replaces the config used for responses.
func (s *Server) SetConfig(cfg *config.Config) error {
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.loc = loc
	s.mu.Unlock()
	return nil
}

func (s *Server) snapshot() (*config.Config, *time.Location) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.loc
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/pickups", s.HandlePickups).Methods(http.MethodGet)
	api.HandleFunc("/sensors", s.HandleSensors).Methods(http.MethodGet)
	api.HandleFunc("/config", s.GetConfig).Methods(http.MethodGet)
	api.HandleFunc("/download", s.HandleDownload).Methods(http.MethodGet)
	api.HandleFunc("/subscribe", s.HandleSubscribe).Methods(http.MethodGet)
	api.Handle("/refresh", s.limiter.middleware(s.auth.Middleware(http.HandlerFunc(s.HandleRefresh)))).
		Methods(http.MethodPost)

	r.HandleFunc("/healthz", s.HandleHealth).Methods(http.MethodGet)
	return r
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	defer stopCleanup()
	go s.limiter.runCleanup(cleanupCtx, time.Minute, 10*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.background.Wait()
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", s.clock.Since(start))
	})
}
