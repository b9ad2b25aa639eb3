// Package service exposes the operational HTTP API carried by both
// telemetry tiers: health, runtime stats, and prometheus metrics.
package service

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/chainpulse/telemetry/src/version"
)

// StatsProvider exposes the runtime counters a tier reports on /stats.
type StatsProvider interface {
	GetStats() map[string]string
}

// Service is a small HTTP server around a StatsProvider. Each instance owns
// its ServeMux, so a core and a shard can run in the same process without
// fighting over handler registration.
type Service struct {
	sync.Mutex

	bindAddress string
	stats       StatsProvider
	mux         *http.ServeMux
	srv         *http.Server
	listener    net.Listener
	logger      *logrus.Entry
}

// NewService instantiates the service and registers the common handlers.
func NewService(bindAddress string, stats StatsProvider, logger *logrus.Entry) *Service {
	service := &Service{
		bindAddress: bindAddress,
		stats:       stats,
		mux:         http.NewServeMux(),
		logger:      logger,
	}

	service.registerHandlers()

	service.srv = &http.Server{
		Addr:    bindAddress,
		Handler: service.mux,
	}

	return service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering telemetry API handlers")
	s.mux.HandleFunc("/health", s.makeHandler(s.GetHealth))
	s.mux.HandleFunc("/stats", s.makeHandler(s.GetStats))
	s.mux.Handle("/metrics", promhttp.Handler())
}

// AddJSONHandler registers an extra endpoint that serves the value returned
// by fn as JSON. It must be called before Serve.
func (s *Service) AddJSONHandler(path string, fn func() interface{}) {
	s.mux.HandleFunc(path, s.makeHandler(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(fn())
	}))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve binds the address and serves until Shutdown. This is a blocking
// call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving telemetry API")

	listener, err := net.Listen("tcp", s.bindAddress)
	if err != nil {
		s.logger.Error(err)
		return
	}

	s.Lock()
	s.listener = listener
	s.Unlock()

	if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		s.logger.Error(err)
	}
}

// Addr returns the bound address, once Serve has opened the listener.
func (s *Service) Addr() string {
	s.Lock()
	defer s.Unlock()

	if s.listener == nil {
		return s.bindAddress
	}
	return s.listener.Addr().String()
}

// Shutdown drains and stops the server.
func (s *Service) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error(err)
	}
}

// GetHealth reports liveness and the running version.
func (s *Service) GetHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// GetStats reports the provider's runtime counters.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.stats.GetStats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}
