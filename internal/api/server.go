// Package api serves the engine's observability surface: positions,
// universe, ledger tail, Prometheus metrics, and a WebSocket stream of
// decisions and fills. It is read-only; trading state changes only
// through the engine.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/decision-engine/internal/events"
	"github.com/atlas-desktop/decision-engine/internal/ledger"
	"github.com/atlas-desktop/decision-engine/internal/regime"
	"github.com/atlas-desktop/decision-engine/internal/risk"
)

// Config holds the HTTP server settings.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// UniverseView exposes the most recent evaluation set.
type UniverseView interface {
	Last() []string
}

// Deps are the engine internals the server reads from.
type Deps struct {
	Risk      *risk.Manager
	Estimator *regime.Estimator
	Universe  UniverseView
	Ledger    *ledger.Memory
	Bus       *events.Bus
	Registry  *prometheus.Registry
}

// Server is the status HTTP/WebSocket server.
type Server struct {
	logger     *zap.Logger
	cfg        Config
	deps       Deps
	router     *mux.Router
	hub        *hub
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates the server and its routes.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		logger:    logger.Named("api"),
		cfg:       cfg,
		deps:      deps,
		router:    mux.NewRouter(),
		hub:       newHub(deps.Bus, logger),
		startedAt: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/positions", s.handlePositions).Methods(http.MethodGet)
	v1.HandleFunc("/exposure", s.handleExposure).Methods(http.MethodGet)
	v1.HandleFunc("/universe", s.handleUniverse).Methods(http.MethodGet)
	v1.HandleFunc("/regimes", s.handleRegimes).Methods(http.MethodGet)
	v1.HandleFunc("/ledger", s.handleLedger).Methods(http.MethodGet)

	if s.deps.Registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{}))
	}
	s.router.HandleFunc("/ws", s.hub.handleUpgrade)
}

// Start runs the server until Stop. It blocks.
func (s *Server) Start() error {
	go s.hub.run()

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("Status API listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":  "ok",
		"uptime":  time.Since(s.startedAt).String(),
		"clients": s.hub.clientCount(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"positions": s.deps.Risk.Positions(),
		"equity":    s.deps.Risk.Equity(),
	})
}

func (s *Server) handleExposure(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"aggregate": s.deps.Risk.AggregateExposure(),
		"equity":    s.deps.Risk.Equity(),
	})
}

func (s *Server) handleUniverse(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"pairs": s.deps.Universe.Last(),
	})
}

func (s *Server) handleRegimes(w http.ResponseWriter, _ *http.Request) {
	states := make([]regime.State, 0)
	for _, symbol := range s.deps.Universe.Last() {
		if st, ok := s.deps.Estimator.State(symbol); ok {
			states = append(states, st)
		}
	}
	s.writeJSON(w, map[string]interface{}{"regimes": states})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	s.writeJSON(w, map[string]interface{}{"entries": s.deps.Ledger.Tail(n)})
}

func (s *Server) writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Response encoding failed", zap.Error(err))
	}
}
