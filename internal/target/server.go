package target

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ServerConfig configures the built-in target server used for self-tests
// and demos. It mimics an emergency-report API with distinct latency
// profiles per endpoint.
type ServerConfig struct {
	Port      int
	ErrorRate float64 // chance of a 5xx on /api/reports, 0..1
}

// Server is a stand-in target with controllable latency and failure
// behavior. It knows nothing about the engine.
type Server struct {
	cfg    ServerConfig
	logger *zap.Logger
	http   *http.Server

	mu      sync.Mutex
	reports []report
	served  uint64
}

type report struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	CreatedAt time.Time `json:"created_at"`
}

func NewServer(cfg ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, logger: logger}

	mux := http.NewServeMux()

	// Report listing: fast (10-50ms).
	mux.HandleFunc("GET /api/reports", func(w http.ResponseWriter, r *http.Request) {
		s.jitter(10, 40)
		s.mu.Lock()
		out := make([]report, len(s.reports))
		copy(out, s.reports)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, out)
	})

	// Report creation: medium (50-200ms), occasionally 5xx.
	mux.HandleFunc("POST /api/reports", func(w http.ResponseWriter, r *http.Request) {
		s.jitter(50, 150)
		if rand.Float64() < s.cfg.ErrorRate {
			http.Error(w, "storage backend unavailable", http.StatusInternalServerError)
			return
		}
		var rep report
		_ = json.NewDecoder(r.Body).Decode(&rep)
		rep.ID = uuid.NewString()
		rep.CreatedAt = time.Now()
		s.mu.Lock()
		s.reports = append(s.reports, rep)
		if len(s.reports) > 10000 {
			s.reports = s.reports[len(s.reports)-10000:]
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusCreated, rep)
	})

	// Alert dispatch: slow (300ms-1s), good for timeout and queue tests.
	mux.HandleFunc("POST /api/alerts/dispatch", func(w http.ResponseWriter, r *http.Request) {
		s.jitter(300, 700)
		writeJSON(w, http.StatusAccepted, map[string]string{"dispatch_id": uuid.NewString()})
	})

	// Profile lookup: usually fast, 5% chance of a 2s spike. p50 looks
	// fine, p99 does not.
	mux.HandleFunc("GET /api/users/profile", func(w http.ResponseWriter, r *http.Request) {
		if rand.Float64() < 0.05 {
			time.Sleep(2 * time.Second)
		} else {
			s.jitter(15, 30)
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": uuid.NewString(), "role": "reporter"})
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"served": atomic.LoadUint64(&s.served),
		})
	})

	s.http = &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddUint64(&s.served, 1)
			mux.ServeHTTP(w, r)
		}),
	}
	return s
}

// Handler exposes the underlying handler for in-process serving.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks serving requests.
func (s *Server) ListenAndServe() error {
	s.logger.Info("target server listening",
		zap.String("addr", s.http.Addr),
		zap.Float64("error_rate", s.cfg.ErrorRate))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) jitter(baseMs, spreadMs int) {
	time.Sleep(time.Duration(baseMs+rand.Intn(spreadMs+1)) * time.Millisecond)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
