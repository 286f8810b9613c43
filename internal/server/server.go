// Package server provides the HTTP server for the MoodLens face overlay.
package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/ayusman/moodlens/internal/app"
	"github.com/ayusman/moodlens/internal/hook"
	"github.com/ayusman/moodlens/internal/render"
	"github.com/ayusman/moodlens/internal/server/api"
	"github.com/ayusman/moodlens/internal/store"
	"github.com/ayusman/moodlens/internal/track"
)

// Pipeline is the part of the app the server controls.
type Pipeline interface {
	Start(ctx context.Context) error
	Stop()
	SetEnabled(enabled bool)
	Resize(size track.Size) error
	Status() app.Status
	Frame() (gocv.Mat, bool)
}

// Config holds the server configuration.
type Config struct {
	StaticDir string
	Store     *store.Store
	Hooks     *hook.Manager
	Pipeline  Pipeline
	Overlay   http.Handler
	Canvas    *render.Canvas
	Logger    logrus.FieldLogger
}

// Server represents the HTTP server for the MoodLens application.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
	http   *http.Server
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	if config.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		config.Logger = l
	}
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.http = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if s.config.Store != nil {
		sessions := api.NewSessionHandler(s.config.Store)
		s.mux.Handle("/api/sessions", sessions)
		s.mux.Handle("/api/sessions/", sessions)
	}

	if s.config.Hooks != nil {
		s.mux.Handle("/api/hooks", api.NewHookHandler(s.config.Hooks))
	}

	if s.config.Pipeline != nil {
		s.mux.HandleFunc("/api/status", s.handleStatus)
		s.mux.HandleFunc("/api/pipeline", s.handlePipeline)
		s.mux.HandleFunc("/api/display", s.handleDisplay)
		s.mux.Handle("/api/stream", NewStreamHandler(s.config.Pipeline, s.config.Canvas))
	}

	if s.config.Overlay != nil {
		s.mux.Handle("/api/overlay", s.config.Overlay)
	}

	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
	s.mux.ServeHTTP(lrw, r)

	s.config.Logger.WithFields(logrus.Fields{
		"method":   r.Method,
		"path":     r.URL.Path,
		"status":   lrw.statusCode,
		"duration": time.Since(start).String(),
	}).Debug("request")
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	})
}

// handleStatus handles GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	api.WriteJSON(w, http.StatusOK, s.config.Pipeline.Status())
}

type pipelineRequest struct {
	Action string `json:"action"`
}

// handlePipeline handles POST /api/pipeline with an action of start, stop,
// enable or disable.
func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req pipelineRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	p := s.config.Pipeline
	switch req.Action {
	case "start":
		if err := p.Start(r.Context()); err != nil {
			if errors.Is(err, app.ErrAlreadyRunning) {
				api.WriteError(w, http.StatusConflict, err.Error())
				return
			}
			s.config.Logger.WithError(err).Error("failed to start pipeline")
			api.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
	case "stop":
		p.Stop()
	case "enable":
		p.SetEnabled(true)
	case "disable":
		p.SetEnabled(false)
	default:
		api.WriteError(w, http.StatusBadRequest, "Unknown action")
		return
	}

	api.WriteJSON(w, http.StatusOK, p.Status())
}

// handleDisplay handles PUT /api/display with the overlay size in pixels.
func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var size track.Size
	if err := api.DecodeJSON(r, &size); err != nil {
		api.WriteError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if size.Width < 0 || size.Height < 0 {
		api.WriteError(w, http.StatusBadRequest, "Display size must not be negative")
		return
	}

	if err := s.config.Pipeline.Resize(size); err != nil {
		api.WriteError(w, http.StatusConflict, err.Error())
		return
	}

	api.WriteJSON(w, http.StatusOK, s.config.Pipeline.Status())
}

// ListenAndServe starts the HTTP server on the given address. It returns nil
// after Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.http.Addr = addr
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops a server started with ListenAndServe.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
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

// Hijack lets the overlay websocket upgrade through the logging wrapper.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
