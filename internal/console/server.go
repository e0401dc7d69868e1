// Package console — служебный HTTP-сервер: liveness, метрики и последний
// отчет. Наружу не смотрит, авторизации нет: адрес биндится в приватную
// сеть или на localhost.
package console

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/dns-sentinel/internal/engine"
)

// Pinger — достаточная для healthcheck часть источника данных.
type Pinger interface {
	Ping(ctx context.Context) error
}

type OpsServer struct {
	router   *chi.Mux
	logger   *zap.Logger
	pipeline *engine.Pipeline
	src      Pinger
	started  time.Time
}

func NewOpsServer(pipeline *engine.Pipeline, src Pinger, reg *prometheus.Registry, logger *zap.Logger) *OpsServer {
	s := &OpsServer{
		router:   chi.NewRouter(),
		logger:   logger.Named("ops"),
		pipeline: pipeline,
		src:      src,
		started:  time.Now(),
	}

	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/v1/status", s.status)
	r.Get("/v1/report/latest", s.latestReport)

	return s
}

func (s *OpsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// health проверяет доступность источника логов: без него следующий
// прогон обречен, и оркестратору лучше узнать об этом заранее.
func (s *OpsServer) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.src.Ping(ctx); err != nil {
		s.logger.Warn("healthcheck failed", zap.Error(err))
		http.Error(w, "data source unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *OpsServer) status(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{
		"stage":          string(s.pipeline.Stage()),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	if report := s.pipeline.LastReport(); report != nil {
		resp["last_run_id"] = report.RunID
		resp["last_run_finished_at"] = report.FinishedAt
		resp["last_run_partial"] = report.Partial
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *OpsServer) latestReport(w http.ResponseWriter, _ *http.Request) {
	report := s.pipeline.LastReport()
	if report == nil {
		http.Error(w, "no completed runs yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
