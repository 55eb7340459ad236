package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"surgelab/internal/baseline"
	"surgelab/internal/config"
	"surgelab/internal/engine"
)

// Server exposes the engine control surface over HTTP. It is a thin I/O
// wrapper: all semantics live in the engine.
type Server struct {
	engine *engine.Engine
	store  *baseline.Store // optional
	logger *zap.Logger
	router chi.Router
}

func New(eng *engine.Engine, store *baseline.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{engine: eng, store: store, logger: logger}

	reg := prometheus.NewRegistry()
	reg.MustRegister(newEngineCollector(eng))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/tests", s.handleStart)
		r.Get("/tests", s.handleListActive)
		r.Get("/tests/{id}", s.handleStatus)
		r.Delete("/tests/{id}", s.handleStop)
		r.Get("/tests/{id}/result", s.handleResult)
		r.Post("/tests/{id}/baseline", s.handlePromote)
		r.Get("/baselines", s.handleListBaselines)
		r.Get("/baselines/{version}", s.handleGetBaseline)
	})

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var def config.TestDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.engine.Start(&def)
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"test_id": id})
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ListActive())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.engine.Status(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	bottlenecks, _ := s.engine.Bottlenecks(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics":     m,
		"bottlenecks": bottlenecks,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Stop(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Result(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, engine.ErrUnknownTest) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.PromoteBaseline(chi.URLParam(r, "id"), body.Version); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"version": body.Version})
}

func (s *Server) handleListBaselines(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errors.New("no baseline store configured"))
		return
	}
	baselines, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, baselines)
}

func (s *Server) handleGetBaseline(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errors.New("no baseline store configured"))
		return
	}
	version := chi.URLParam(r, "version")
	if version == "latest" {
		version = ""
	}
	b, err := s.store.Get(version)
	if err != nil {
		if errors.Is(err, baseline.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
