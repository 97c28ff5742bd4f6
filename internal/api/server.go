package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nconklindev/sheetsplit/internal/pipeline"
	"github.com/nconklindev/sheetsplit/internal/splitter"
	"github.com/nconklindev/sheetsplit/internal/storage"
	"github.com/nconklindev/sheetsplit/internal/types"
)

// multipartSlack covers the form boundary and headers around the file part.
const multipartSlack = 1 << 20

// Server exposes a pipeline.Manager over HTTP.
type Server struct {
	manager   *pipeline.Manager
	log       *slog.Logger
	maxUpload int64
	router    *chi.Mux
}

// NewServer builds the router. maxUpload bounds the request body of an
// upload; the manager applies its own limit to the file itself.
func NewServer(m *pipeline.Manager, log *slog.Logger, maxUpload int64) *Server {
	if log == nil {
		log = slog.Default()
	}
	if maxUpload <= 0 {
		maxUpload = splitter.DefaultMaxBytes
	}
	s := &Server{
		manager:   m,
		log:       log,
		maxUpload: maxUpload,
		router:    chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api/v1/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleUpload)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Delete("/", s.handleCancel)
			r.Get("/sheets", s.handleSheets)
			r.Post("/preview", s.handlePreview)
			r.Post("/split", s.handleSplit)
			r.Post("/restart", s.handleRestart)
			r.Post("/confirm", s.handleConfirm)
			r.Get("/events", s.handleEvents)
			r.Get("/archive", s.handleArchive)
		})
	})
}

// requestLogger logs one line per request through slog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartSlack)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, fmt.Errorf("%w: file too large", splitter.ErrUnsupportedFormat))
			return
		}
		writeMessage(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	t, err := s.manager.Upload(r.Context(), file, header.Filename)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/tasks/"+t.ID)
	writeJSON(w, http.StatusCreated, t.Snapshot())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot())
}

func (s *Server) handleSheets(w http.ResponseWriter, r *http.Request) {
	headerRow := 0
	if v := r.URL.Query().Get("headerRow"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, r, fmt.Errorf("%w: headerRow must be a positive integer", splitter.ErrInvalidConfiguration))
			return
		}
		headerRow = n
	}
	sheets, err := s.manager.Inspect(chi.URLParam(r, "id"), headerRow)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sheets)
}

type previewResponse struct {
	Files []string         `json:"files"`
	Rows  int              `json:"rows"`
	Plan  *types.SplitPlan `json:"plan"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.decodeConfig(w, r)
	if !ok {
		return
	}
	plan, err := s.manager.Preview(r.Context(), chi.URLParam(r, "id"), cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{
		Files: plan.FileNames(),
		Rows:  plan.TotalRows(),
		Plan:  plan,
	})
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	s.startRun(w, r, s.manager.Start)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.startRun(w, r, s.manager.Restart)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request, start func(string, types.SplitConfig) error) {
	cfg, ok := s.decodeConfig(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := start(id, cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.manager.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t.Snapshot())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Cancel(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Confirm(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	rc, name, err := s.manager.OpenArchive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn("Archive download interrupted", "error", err)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeMessage(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	events, stop, err := s.manager.Subscribe(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := io.WriteString(w, formatEvent(ev)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// formatEvent renders ev as one server-sent event named after its stage.
func formatEvent(ev pipeline.Event) string {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Stage, `{"error":"error marshalling event"}`)
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Stage, data)
}

func (s *Server) decodeConfig(w http.ResponseWriter, r *http.Request) (types.SplitConfig, bool) {
	var cfg types.SplitConfig
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", splitter.ErrInvalidConfiguration, err))
		return cfg, false
	}
	return cfg, true
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrTaskNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrTaskBusy), errors.Is(err, pipeline.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, splitter.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, splitter.ErrUnsupportedFormat),
		errors.Is(err, splitter.ErrCorruptFile),
		errors.Is(err, splitter.ErrEmptyHeaderRow):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	if kind := splitter.Kind(err); kind != nil {
		resp.Kind = kind.Error()
	}
	if status == http.StatusInternalServerError {
		s.log.Error("Request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, resp)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
