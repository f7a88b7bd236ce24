// Package server owns the inbound side of the protocol: the TCP accept
// loop, the per-connection handler state machine, and the optional admin
// HTTP endpoint.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hadisemoghadam8/chat-app1/internal/event"
	"github.com/hadisemoghadam8/chat-app1/internal/history"
	"github.com/hadisemoghadam8/chat-app1/internal/peers"
	"github.com/hadisemoghadam8/chat-app1/internal/wire"
)

// Config wires the server's dependencies and bounds.
type Config struct {
	Log           *zap.Logger
	Codec         *wire.Codec
	Peers         *peers.Registry
	History       *history.Store
	Events        *event.Queue
	Metrics       *Metrics
	MaxFrameBytes int
	MaxConcurrent int64
	ReadTimeout   time.Duration
	AdminAddress  string
	PromRegistry  *prometheus.Registry
}

// Server accepts one-shot connections and dispatches them to handlers.
// Handler fan-out is bounded by a weighted semaphore; within that bound
// each accepted connection still carries exactly one message and is then
// closed.
type Server struct {
	log         *zap.Logger
	codec       *wire.Codec
	peers       *peers.Registry
	history     *history.Store
	events      *event.Queue
	metrics     *Metrics
	maxFrame    int
	readTimeout time.Duration
	sem         *semaphore.Weighted
	adminAddr   string
	promReg     *prometheus.Registry
	adminHTTP   *http.Server
	ready       atomic.Bool
}

// New constructs a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Codec == nil {
		return nil, errors.New("codec is required")
	}
	if cfg.Peers == nil {
		return nil, errors.New("peer registry is required")
	}
	if cfg.History == nil {
		return nil, errors.New("history store is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 8192
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 64
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 4 * time.Second
	}
	return &Server{
		log:         cfg.Log,
		codec:       cfg.Codec,
		peers:       cfg.Peers,
		history:     cfg.History,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		maxFrame:    cfg.MaxFrameBytes,
		readTimeout: cfg.ReadTimeout,
		sem:         semaphore.NewWeighted(cfg.MaxConcurrent),
		adminAddr:   cfg.AdminAddress,
		promReg:     cfg.PromRegistry,
	}, nil
}

// Serve runs the accept loop on ln until ctx is canceled. No single
// connection's failure stops the loop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.startAdminServer()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info("listening", zap.String("address", ln.Addr().String()))
	s.ready.Store(true)
	defer s.ready.Store(false)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.shutdownAdmin()
				return nil
			}
			s.log.Warn("accept", zap.Error(err))
			continue
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			conn.Close()
			s.shutdownAdmin()
			return nil
		}
		go func() {
			defer s.sem.Release(1)
			s.handle(conn)
		}()
	}
}

func (s *Server) startAdminServer() {
	if s.adminAddr == "" {
		return
	}

	mux := http.NewServeMux()
	if s.promReg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:              s.adminAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.adminAddr))
}

func (s *Server) shutdownAdmin() {
	if s.adminHTTP == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.adminHTTP.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("admin server shutdown", zap.Error(err))
	}
}
