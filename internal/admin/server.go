// Package admin is the operator HTTP API: timeline and delivery inspection,
// orphan listing and manual cancellation. Every route except /health needs a
// Bearer token minted with Token.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"remindbot/internal/reminder"
	"remindbot/internal/reminder/delivery"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

type Config struct {
	Addr        string
	JWTSecret   string
	CORSOrigins []string
	// Pprof mounts net/http/pprof under /debug/pprof behind auth.
	Pprof bool
}

type TimelineView interface {
	List() []reminder.Job
}

type ReminderAdmin interface {
	ScanOrphans(ctx context.Context) ([]reminder.Reminder, error)
	CancelByID(ctx context.Context, id reminder.ID) error
}

type DeliveryView interface {
	Snapshot() delivery.Snapshot
}

type ScheduleView interface {
	Snapshot() scheduler.Snapshot
}

type Deps struct {
	Timeline   TimelineView
	Reminders  ReminderAdmin
	Deliveries DeliveryView
	// Schedules is optional.
	Schedules ScheduleView
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	h    http.Handler
}

func New(cfg Config, deps Deps, log logx.Logger) (*Server, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, errors.New("admin: jwt secret is required")
	}
	if deps.Timeline == nil || deps.Reminders == nil || deps.Deliveries == nil {
		return nil, errors.New("admin: timeline, reminders and deliveries are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "admin"))}
	s.h = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.h }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(requireAuth([]byte(s.cfg.JWTSecret)))
		r.Get("/timeline", s.timeline)
		r.Get("/orphans", s.orphans)
		r.Get("/deliveries", s.deliveries)
		r.Get("/schedules", s.schedules)
		r.Delete("/reminders/{id}", s.cancel)
		if s.cfg.Pprof {
			r.Mount("/debug", chimw.Profiler())
		}
	})
	return r
}

// Run serves on cfg.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.h,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("admin api listening", logx.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("admin api shutdown", logx.Err(err))
	}
	s.log.Info("admin api stopped")
	return nil
}

type healthResponse struct {
	Status          string `json:"status"`
	Pending         int    `json:"pending"`
	DeliveryRunning bool   `json:"delivery_running"`
	QueueLen        int    `json:"queue_len"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	d := s.deps.Deliveries.Snapshot()
	resp := healthResponse{
		Status:          "ok",
		Pending:         len(s.deps.Timeline.List()),
		DeliveryRunning: d.Running,
		QueueLen:        d.QueueLen,
	}
	code := http.StatusOK
	if !d.Running {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) timeline(w http.ResponseWriter, r *http.Request) {
	jobs := s.deps.Timeline.List()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(jobs), "jobs": jobs})
}

func (s *Server) orphans(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Reminders.ScanOrphans(r.Context())
	if err != nil {
		s.log.Error("orphan scan failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "orphans": items})
}

func (s *Server) deliveries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Deliveries.Snapshot())
}

func (s *Server) schedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		writeError(w, http.StatusNotFound, errors.New("scheduler disabled"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Schedules.Snapshot())
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := reminder.ParseID(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid reminder id"))
		return
	}
	sub, _ := SubjectFromContext(r.Context())
	err = s.deps.Reminders.CancelByID(r.Context(), id)
	switch {
	case err == nil:
		s.log.Info("reminder cancelled by operator", logx.Int64("reminder", int64(id)), logx.String("operator", sub))
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, reminder.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, reminder.ErrNotPending):
		writeError(w, http.StatusConflict, err)
	default:
		s.log.Error("operator cancel failed", logx.Int64("reminder", int64(id)), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
