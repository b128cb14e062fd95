// Package api exposes the orchestrator's control operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/internal/control"
	"github.com/fxgrid/trading-orchestrator/internal/emergency"
	"github.com/fxgrid/trading-orchestrator/internal/health"
	"github.com/fxgrid/trading-orchestrator/internal/pool"
)

// Server hosts the control API, health report, and metrics endpoint.
type Server struct {
	logger  *zap.Logger
	control *control.Control
	pool    *pool.Pool
	monitor *health.Monitor
	flag    *emergency.Flag

	httpServer *http.Server
}

// Config carries the HTTP listener settings.
type Config struct {
	Addr           string
	AllowedOrigins []string
}

// DefaultConfig returns the development listener settings.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		AllowedOrigins: []string{"*"},
	}
}

// NewServer wires the routes and middleware.
func NewServer(logger *zap.Logger, cfg Config, ctl *control.Control, p *pool.Pool, mon *health.Monitor, flag *emergency.Flag, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		control: ctl,
		pool:    p,
		monitor: mon,
		flag:    flag,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/accounts", s.handleListAccounts).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/start", s.handleStart).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/stop", s.handleStop).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/restart", s.handleRestart).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/autotrading", s.handleAutoTrading).Methods(http.MethodGet)
	v1.HandleFunc("/trading/start", s.handleStartAll).Methods(http.MethodPost)
	v1.HandleFunc("/trading/stop", s.handleStopAll).Methods(http.MethodPost)
	v1.HandleFunc("/trading/status", s.handleGlobalStatus).Methods(http.MethodGet)
	v1.HandleFunc("/config/validate", s.handleValidateConfig).Methods(http.MethodPost)
	v1.HandleFunc("/emergency/stop", s.handleEmergencyStop).Methods(http.MethodPost)
	v1.HandleFunc("/emergency/clear", s.handleEmergencyClear).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      c.Handler(s.logRequests(r)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("api listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type report struct {
		Status    string                   `json:"status"`
		Emergency bool                     `json:"emergency"`
		Workers   map[string]health.Record `json:"workers"`
		Time      time.Time                `json:"time"`
	}
	workers := s.monitor.Snapshot()
	status := "ok"
	for _, rec := range workers {
		if rec.Status == health.StatusUnhealthy {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, report{
		Status:    status,
		Emergency: s.flag.Raised(),
		Workers:   workers,
		Time:      time.Now().UTC(),
	})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	type account struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	states := s.pool.States()
	out := make([]account, 0, len(states))
	for id, st := range states {
		out = append(out, account{ID: id, State: string(st)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.control.StartAccountTrading(r.Context(), mux.Vars(r)["id"]))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.control.StopAccountTrading(r.Context(), mux.Vars(r)["id"]))
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.control.RestartAccount(r.Context(), mux.Vars(r)["id"]))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.control.AccountStatus(r.Context(), mux.Vars(r)["id"]))
}

func (s *Server) handleAutoTrading(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.control.CheckAutoTrading(r.Context(), mux.Vars(r)["id"]))
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.control.StartAllTrading(r.Context()))
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.control.StopAllTrading(r.Context()))
}

func (s *Server) handleGlobalStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.control.GlobalStatus(r.Context()))
}

func (s *Server) handleValidateConfig(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.control.ValidateConfig(r.Context()))
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator request"
	}
	s.writeResult(w, s.control.EmergencyStop(r.Context(), body.Reason))
}

func (s *Server) handleEmergencyClear(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.control.ClearEmergency(r.Context()))
}

func (s *Server) writeResult(w http.ResponseWriter, res control.Result) {
	code := http.StatusOK
	if !res.Success {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
