// Package status serves the daemon's local HTTP API: health, metrics,
// session status, answering the pending ping and triggering submits.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tagtime/internal/health"
	"tagtime/internal/logging"
	"tagtime/internal/reconcile"
	"tagtime/internal/session"
	"tagtime/internal/store"
)

// Session is the part of a session the API exposes.
type Session interface {
	Status(ctx context.Context) (session.Status, error)
	NextPings(n int) []time.Time
	Pending() (session.PendingPing, bool)
	Answer(answers ...string) error
	RequestSubmit() bool
	Submit(ctx context.Context) ([]reconcile.Report, error)
	History(ctx context.Context, graph string, limit int) ([]store.PassRecord, error)
	TagCounts(ctx context.Context, limit int) ([]store.TagCount, error)
}

// Options configures a Server.
type Options struct {
	Addr    string
	Session Session
	Health  *health.Checker
	// Metrics serves /metrics. Nil leaves the route out.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server is the status HTTP server.
type Server struct {
	session Session
	health  *health.Checker
	logger  *slog.Logger
	srv     *http.Server
}

// New builds a server. Nothing listens until Serve or ListenAndServe.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		session: opts.Session,
		health:  opts.Health,
		logger:  logger.With(slog.String("component", "status")),
	}
	if s.health == nil {
		s.health = health.NewChecker()
		s.health.SetReady(true)
	}

	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(opts.Metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) routes(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Method(http.MethodGet, "/healthz", s.health.Handler())
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Get("/status", s.getStatus)
	r.Post("/submit", s.postSubmit)
	r.Get("/tags", s.getTags)
	r.Get("/graphs/{graph}/passes", s.getPasses)
	r.Get("/passes", s.getPasses)

	r.Route("/pings", func(r chi.Router) {
		r.Get("/next", s.getNextPings)
		r.Get("/pending", s.getPending)
		r.Post("/answer", s.postAnswer)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())
		r = r.WithContext(logging.ContextWithRequestID(r.Context(), reqID))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", reqID))
	})
}

// ListenAndServe listens on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("status API listening", slog.String("addr", ln.Addr().String()))
	err := s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for requests in flight until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func queryInt(r *http.Request, name string, def, max int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errors.New(name + " must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}
