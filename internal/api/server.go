// Package api is the REST/JSON facade over the fabric services, serving
// dashboards and operational tooling that do not speak the RPC surface.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chainmesh/fabric/internal/bridge"
	"github.com/chainmesh/fabric/internal/consensus"
	"github.com/chainmesh/fabric/internal/metrics"
	"github.com/chainmesh/fabric/internal/middleware"
	"github.com/chainmesh/fabric/internal/validators"
	"github.com/chainmesh/fabric/internal/webhooks"
	"github.com/chainmesh/fabric/internal/websocket"
)

// Server wires the HTTP routes to the fabric components.
type Server struct {
	bridges    *bridge.Coordinator
	node       *consensus.Node
	validators *validators.Registry
	hooks      *webhooks.Registry
	reg        *metrics.Registry
	limiter    *middleware.RateLimiter
	streamer   *websocket.Streamer
	logger     *slog.Logger

	httpServer *http.Server
}

func NewServer(
	bridges *bridge.Coordinator,
	node *consensus.Node,
	validatorRegistry *validators.Registry,
	hooks *webhooks.Registry,
	reg *metrics.Registry,
	limiter *middleware.RateLimiter,
	streamer *websocket.Streamer,
) *Server {
	return &Server{
		bridges:    bridges,
		node:       node,
		validators: validatorRegistry,
		hooks:      hooks,
		reg:        reg,
		limiter:    limiter,
		streamer:   streamer,
		logger:     slog.Default().With("component", "api"),
	}
}

// Handler builds the route table. Exposed separately so tests can drive the
// facade without binding a port.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/bridge/{bridgeId}", s.handleBridgeStatus).Methods(http.MethodGet)
	v1.HandleFunc("/consensus/status", s.handleConsensusStatus).Methods(http.MethodGet)
	v1.HandleFunc("/validators", s.handleListValidators).Methods(http.MethodGet)
	v1.HandleFunc("/validators/{validatorId}", s.handleGetValidator).Methods(http.MethodGet)
	v1.HandleFunc("/metrics", s.handleMetricsSnapshot).Methods(http.MethodGet)
	v1.HandleFunc("/webhooks", s.handleRegisterWebhook).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks", s.handleListWebhooks).Methods(http.MethodGet)
	v1.HandleFunc("/webhooks/{id}", s.handleUnregisterWebhook).Methods(http.MethodDelete)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.streamer != nil {
		r.HandleFunc("/ws", s.streamer.HandleWebSocket).Methods(http.MethodGet)
	}
	return r
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()
	s.logger.Info("http facade listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Client-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
