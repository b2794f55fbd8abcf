// Package server runs the GXS store as a daemon: it owns the storage engine
// and the request engine, drives request processing on a ticker and serves
// Prometheus metrics and a health endpoint.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/aeolun/gxsstore/pkg/crypto"
	"github.com/aeolun/gxsstore/pkg/dataaccess"
	"github.com/aeolun/gxsstore/pkg/database"
)

// Server owns a DataService and the DataAccess engine in front of it.
type Server struct {
	store    *database.DataService
	engine   *dataaccess.DataAccess
	registry *prometheus.Registry
	config   ServerConfig

	shutdown  chan struct{}
	stopOnce  sync.Once
	stopErr   error
	wg        sync.WaitGroup
	startTime time.Time
	passes    atomic.Int64

	httpServer *http.Server
	listener   net.Listener
}

// ServerConfig holds server configuration
type ServerConfig struct {
	DatabasePath string
	KeyFile      string // empty disables at-rest encryption
	MaxItemSize  int

	ProcessInterval time.Duration
	MaxRequestAge   time.Duration

	MetricsEnabled bool
	MetricsAddr    string
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		DatabasePath:    "gxs.db",
		MaxItemSize:     database.MaxItemSize,
		ProcessInterval: 100 * time.Millisecond,
		MaxRequestAge:   dataaccess.MaxRequestAge,
		MetricsEnabled:  true,
		MetricsAddr:     "127.0.0.1:9090",
	}
}

// NewServer opens the store (running pending migrations) and builds the
// request engine over it. Nothing runs until Start.
func NewServer(config ServerConfig) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	var key []byte
	if config.KeyFile != "" {
		k, err := crypto.LoadOrCreateKeyFile(config.KeyFile)
		if err != nil {
			return nil, err
		}
		key = k
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := database.Open(config.DatabasePath, database.Options{
		Key:         key,
		MaxItemSize: config.MaxItemSize,
		Metrics:     database.NewMetrics(registry),
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to open store")
	}

	engine := dataaccess.New(store,
		dataaccess.WithMaxRequestAge(config.MaxRequestAge),
		dataaccess.WithMetrics(dataaccess.NewMetrics(registry)),
	)

	return &Server{
		store:     store,
		engine:    engine,
		registry:  registry,
		config:    config,
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}, nil
}

// Engine returns the request engine served by s.
func (s *Server) Engine() *dataaccess.DataAccess { return s.engine }

// Store returns the storage engine served by s.
func (s *Server) Store() *database.DataService { return s.store }

// Start launches the processing loop and, when enabled, the metrics server.
func (s *Server) Start() error {
	if s.config.MetricsEnabled {
		ln, err := net.Listen("tcp", s.config.MetricsAddr)
		if err != nil {
			return errors.Wrapf(err, "failed to listen on %s", s.config.MetricsAddr)
		}
		s.listener = ln

		// Internal only - never expose publicly!
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
		mux.HandleFunc("/health", s.HealthHandler)
		s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			jww.INFO.Printf("[GXS-SRV] metrics server listening on %s (/metrics, /health)", ln.Addr())
			if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				jww.ERROR.Printf("[GXS-SRV] metrics server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.processLoop()
	return nil
}

// MetricsAddr returns the address the metrics server listens on, or "" when
// it is not running.
func (s *Server) MetricsAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// processLoop runs one ProcessRequests pass per tick until shutdown.
func (s *Server) processLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.engine.ProcessRequests()
			s.passes.Add(1)
		}
	}
}

// Stop gracefully stops the server and closes the store. Calls after the
// first return the first call's result.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop()
	})
	return s.stopErr
}

func (s *Server) stop() error {
	jww.INFO.Println("[GXS-SRV] graceful shutdown initiated")
	close(s.shutdown)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			jww.WARN.Printf("[GXS-SRV] metrics server shutdown: %v", err)
		}
		cancel()
	}

	s.wg.Wait()

	if err := s.store.Close(); err != nil {
		jww.ERROR.Printf("[GXS-SRV] error closing store: %v", err)
		return err
	}
	jww.INFO.Println("[GXS-SRV] graceful shutdown complete")
	return nil
}

type healthResponse struct {
	Status        string `json:"status"`
	Release       int    `json:"release"`
	LiveTokens    int    `json:"live_tokens"`
	Passes        int64  `json:"passes"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// HealthHandler reports the store release and engine activity. It answers
// 503 once the store can no longer be queried.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		LiveTokens:    s.engine.LiveTokens(),
		Passes:        s.passes.Load(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	code := http.StatusOK
	release, err := s.store.Release()
	if err != nil {
		resp.Status = err.Error()
		code = http.StatusServiceUnavailable
	}
	resp.Release = release

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		jww.DEBUG.Printf("[GXS-SRV] health response: %v", err)
	}
}
