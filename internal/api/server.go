// Package api serves the versioned JSON API over the event database:
// trigger history, capture jobs, injections, and the manual capture
// endpoint. The live counters stay on the monitor server; this package
// answers for what has been persisted.
package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aperture-data/burst.watch/internal/burst/l5capture"
	"github.com/aperture-data/burst.watch/internal/config"
	"github.com/aperture-data/burst.watch/internal/db"
	"github.com/aperture-data/burst.watch/internal/httputil"
	"github.com/aperture-data/burst.watch/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Capturer is the slice of the capture manager the API needs: manual
// dumps and the in-memory recent job list.
type Capturer interface {
	ManualCapture(suffix string) (l5capture.Job, error)
	RecentJobs() []l5capture.Job
}

type Server struct {
	db       *db.DB
	captures Capturer
	tuning   *config.TuningConfig
}

func NewServer(database *db.DB, captures Capturer, tuning *config.TuningConfig) *Server {
	return &Server{
		db:       database,
		captures: captures,
		tuning:   tuning,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/triggers", s.listTriggers)
	mux.HandleFunc("/api/v1/captures", s.listCaptures)
	mux.HandleFunc("/api/v1/captures/", s.showCapture)
	mux.HandleFunc("/api/v1/capture", s.manualCapture)
	mux.HandleFunc("/api/v1/injections", s.listInjections)
	mux.HandleFunc("/api/v1/config", s.showConfig)
	mux.HandleFunc("/api/v1/version", s.showVersion)
	return mux
}

// parseLimit reads the optional ?limit= parameter. Zero means the store
// default.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("invalid 'limit' parameter")
	}
	return limit, nil
}

func (s *Server) listTriggers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	triggers, err := s.db.ListTriggers(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve triggers: %v", err))
		return
	}
	httputil.WriteJSONOK(w, triggers)
}

func (s *Server) listCaptures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	state := r.URL.Query().Get("state")
	switch state {
	case "", "pending", "writing", "done", "failed":
	default:
		httputil.BadRequest(w, "invalid 'state' parameter")
		return
	}

	captures, err := s.db.ListCaptures(limit, state)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve captures: %v", err))
		return
	}
	httputil.WriteJSONOK(w, captures)
}

func (s *Server) showCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/captures/")
	if id == "" || strings.Contains(id, "/") {
		httputil.BadRequest(w, "invalid capture id")
		return
	}

	capture, err := s.db.GetCapture(id)
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, fmt.Sprintf("no capture with id %q", id))
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve capture: %v", err))
		return
	}
	httputil.WriteJSONOK(w, capture)
}

// manualCapture dumps the most recent ring window to the sinks, the HTTP
// twin of the control port's "dump" command.
func (s *Server) manualCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.captures == nil {
		httputil.InternalServerError(w, "capture manager not running")
		return
	}

	suffix := r.FormValue("suffix")
	job, err := s.captures.ManualCapture(suffix)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("manual capture failed: %v", err))
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, job)
}

func (s *Server) listInjections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	injections, err := s.db.ListInjections(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve injections: %v", err))
		return
	}
	httputil.WriteJSONOK(w, injections)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.tuning == nil {
		httputil.WriteJSONOK(w, map[string]any{})
		return
	}
	httputil.WriteJSONOK(w, s.tuning)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}
