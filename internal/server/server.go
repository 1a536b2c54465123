// Package server is the HTTP surface. Handlers translate between the wire
// DTOs and the store/orchestrator; all policy (ownership, state machine,
// partial success) lives below this layer.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/qontrol-dev/qontrol/internal/orchestrator"
	"github.com/qontrol-dev/qontrol/internal/pilot"
	"github.com/qontrol-dev/qontrol/internal/qerr"
	"github.com/qontrol-dev/qontrol/internal/store"
)

type Config struct {
	Addr string // listen address, e.g. ":5005"
}

type Server struct {
	config  Config
	store   *store.Store
	engine  *orchestrator.Engine
	pilots  *pilot.Registry
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	log     *logrus.Entry
}

func New(cfg Config, st *store.Store, eng *orchestrator.Engine, pilots *pilot.Registry) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		store:   st,
		engine:  eng,
		pilots:  pilots,
		baseCtx: ctx,
		cancel:  cancel,
		log:     logrus.WithField("component", "server"),
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /jobs/", s.handleListJobs)
	mux.HandleFunc("POST /jobs/", s.handleCreateJob)
	mux.HandleFunc("GET /jobs/{id}/", s.handleGetJob)
	mux.HandleFunc("DELETE /jobs/{id}/", s.handleDeleteJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /jobs/{id}/rerun", s.handleRerunJob)

	mux.HandleFunc("GET /deployments/", s.handleListDeployments)
	mux.HandleFunc("POST /deployments/", s.handleCreateDeployment)
	mux.HandleFunc("GET /deployments/{id}/", s.handleGetDeployment)
	mux.HandleFunc("PUT /deployments/{id}/", s.handleUpdateDeployment)
	mux.HandleFunc("DELETE /deployments/{id}/", s.handleDeleteDeployment)
	mux.HandleFunc("GET /deployments/{id}/jobs", s.handleListDeploymentJobs)
	mux.HandleFunc("DELETE /deployments/{id}/jobs", s.handleDeleteDeploymentJobs)

	mux.HandleFunc("GET /providers/", s.handleListProviders)
	mux.HandleFunc("GET /providers/{id}/", s.handleGetProvider)

	mux.HandleFunc("GET /devices/", s.handleListDevices)
	mux.HandleFunc("PUT /devices/", s.handleReconcileDevices)
	mux.HandleFunc("GET /devices/{id}/", s.handleGetDevice)
	mux.HandleFunc("GET /devices/{id}/status", s.handleDeviceStatus)
	mux.HandleFunc("GET /devices/{id}/calibration", s.handleDeviceCalibration)

	s.httpSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.log.WithField("signal", sig.String()).Info("shutting down")
		s.Shutdown()
	}()

	s.log.WithField("addr", s.config.Addr).Info("listening")
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains HTTP connections and stops the worker pool.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	s.engine.Stop()
	s.cancel()
}

// subject extracts the caller identity from the bearer pass-through. Token
// issuance is external; an empty subject is the anonymous caller.
func subject(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeQerr maps a taxonomy error onto the wire. Internal details stay in
// the logs.
func writeQerr(w http.ResponseWriter, err error) {
	status := qerr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logrus.WithError(err).Error("request failed")
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
