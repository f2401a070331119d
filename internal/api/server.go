// Package api is the HTTP adapter in front of the gateway. Authentication
// happens upstream; the authenticated principal arrives in the X-Principal
// header.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/geocrypt/backend/internal/gateway"
	"github.com/geocrypt/backend/internal/middleware"
)

// MaxUploadBytes bounds a single ingest body.
const MaxUploadBytes = 64 << 20

// Server exposes the gateway over REST/JSON.
type Server struct {
	gw       *gateway.Gateway
	gatherer prometheus.Gatherer
	limiter  *middleware.RateLimiter
	ready    func() error
	logger   *slog.Logger
}

// Options configures optional server collaborators.
type Options struct {
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Limiter throttles access attempts per principal; nil disables it.
	Limiter *middleware.RateLimiter
	// Ready backs /readyz; nil always reports ready.
	Ready  func() error
	Logger *slog.Logger
}

func NewServer(gw *gateway.Gateway, opts Options) *Server {
	s := &Server{
		gw:       gw,
		gatherer: opts.Gatherer,
		limiter:  opts.Limiter,
		ready:    opts.Ready,
		logger:   opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Logging(s.logger))

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.RequirePrincipal)

	api.Handle("/access/validate", s.limited(s.handleValidate)).Methods(http.MethodPost)
	api.Handle("/objects/{id}/download", s.limited(s.handleDownload)).Methods(http.MethodPost)
	api.HandleFunc("/objects", s.handleListObjects).Methods(http.MethodGet)
	api.HandleFunc("/objects", s.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/objects/{id}", s.handleGetObject).Methods(http.MethodGet)
	api.HandleFunc("/activity", s.handleActivity).Methods(http.MethodPost)
	api.HandleFunc("/profile/{principal}", s.handleProfile).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/remote/{principal}", s.handleGrantRemote).Methods(http.MethodPost)
	admin.HandleFunc("/remote/{principal}", s.handleRevokeRemote).Methods(http.MethodDelete)
	admin.HandleFunc("/anomaly/train", s.handleTrain).Methods(http.MethodPost)
	admin.HandleFunc("/anomaly/model", s.handleModel).Methods(http.MethodGet)
	admin.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	admin.HandleFunc("/logs/verify", s.handleVerifyLogs).Methods(http.MethodGet)
	admin.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	admin.HandleFunc("/alerts/{id}/resolve", s.handleResolveAlert).Methods(http.MethodPost)

	return r
}

// Handler is the router behind CORS. Preflight requests never reach mux,
// whose method matching would reject them.
func (s *Server) Handler() http.Handler {
	return middleware.CORS(s.Router())
}

// limited throttles access attempts per principal.
func (s *Server) limited(h http.HandlerFunc) http.Handler {
	if s.limiter == nil {
		return h
	}
	return s.limiter.Middleware(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			s.logger.Warn("Readiness check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("JSON encode error", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
