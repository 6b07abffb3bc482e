// Package api exposes the storage engine over HTTP.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/telefile/telefile/internal/blob"
	"github.com/telefile/telefile/internal/dispatch"
	"github.com/telefile/telefile/internal/events"
	"github.com/telefile/telefile/internal/storage"
	"github.com/telefile/telefile/pkg/proto"
)

// Config wires the server to the storage services.
type Config struct {
	Assembler     *storage.Assembler
	Reconstructor *storage.Reconstructor
	Lifecycle     *storage.Lifecycle
	Accountant    *storage.Accountant
	Queue         *dispatch.Queue
	Backend       blob.Backend
	BackendName   string
	Events        *events.Broadcaster
	JWTSecret     []byte
	MaxChunkSize  int64  // default storage.DefaultChunkSize
	PublicURL     string // prefix of share links, e.g. https://files.example.com
	Version       string

	// Registry receives the HTTP metrics. Gatherer, when set, is served on /metrics.
	Registry prometheus.Registerer
	Gatherer prometheus.Gatherer
}

// Server is the HTTP front of the storage engine.
type Server struct {
	cfg     Config
	mux     *http.ServeMux
	metrics *Metrics
}

// NewServer creates a server and registers its routes.
func NewServer(cfg Config) *Server {
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = storage.DefaultChunkSize
	}
	if cfg.Events == nil {
		cfg.Events = events.NewBroadcaster()
	}
	cfg.PublicURL = strings.TrimSuffix(cfg.PublicURL, "/")

	s := &Server{
		cfg: cfg,
		mux: http.NewServeMux(),
	}
	if cfg.Registry != nil {
		s.metrics = NewMetrics(cfg.Registry)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.handle("GET /api/health", s.handleHealth)

	s.handle("POST /api/files/upload", s.withAuth(s.handleUpload))
	s.handle("GET /api/files/{id}/download", s.withAuth(s.handleDownload))
	s.handle("GET /api/files/{id}/preview", s.withAuth(s.handlePreview))
	s.handle("DELETE /api/files/{id}", s.withAuth(s.handleTrashFile))
	s.handle("POST /api/files/{id}/restore", s.withAuth(s.handleRestoreFile))
	s.handle("DELETE /api/files/{id}/permanent", s.withAuth(s.handlePermanentDelete))

	s.handle("DELETE /api/folders/{id}", s.withAuth(s.handleTrashFolder))
	s.handle("POST /api/folders/{id}/restore", s.withAuth(s.handleRestoreFolder))

	s.handle("POST /api/share/{id}", s.withAuth(s.handleShare))
	s.handle("DELETE /api/share/{id}", s.withAuth(s.handleUnshare))
	// info/{token}, download/{token} and {id}/qr overlap as mux patterns.
	s.handle("GET /api/share/{a}/{b}", s.routeShareGet)

	s.handle("GET /api/quota", s.withAuth(s.handleQuota))
	s.handle("GET /api/events", s.withAuth(s.handleEvents))

	if s.cfg.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
}

// handle registers h under pattern and records request metrics for it.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		h(rec, r)
		s.metrics.observe(r.Method, pattern, rec.getStatus(), time.Since(start))
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routeShareGet(w http.ResponseWriter, r *http.Request) {
	a, b := r.PathValue("a"), r.PathValue("b")
	switch {
	case a == "info":
		r.SetPathValue("token", b)
		s.handleShareInfo(w, r)
	case a == "download":
		r.SetPathValue("token", b)
		s.handleShareDownload(w, r)
	case b == "qr":
		r.SetPathValue("id", a)
		s.withAuth(s.handleShareQR)(w, r)
	default:
		s.jsonError(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := proto.HealthResponse{
		Status:      "ok",
		Version:     s.cfg.Version,
		Backend:     s.cfg.BackendName,
		QueueLength: s.cfg.Queue.Len(),
		QueueBusy:   s.cfg.Queue.Busy(),
		Subscribers: s.cfg.Events.Count(),
		MaxChunk:    s.cfg.MaxChunkSize,
	}
	if cr, ok := s.cfg.Backend.(blob.CapacityReporter); ok {
		if vs, err := cr.Capacity(); err == nil {
			resp.Volume = &proto.VolumeStats{
				TotalBytes:     vs.TotalBytes,
				UsedBytes:      vs.UsedBytes,
				AvailableBytes: vs.AvailableBytes,
			}
		} else {
			log.Debug().Err(err).Msg("volume capacity unavailable")
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Accountant.Stats(r.Context(), userID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.QuotaResponse{
		UsedBytes:      stats.UsedBytes,
		LimitBytes:     stats.LimitBytes,
		AvailableBytes: stats.AvailableBytes,
		UsedPercent:    stats.UsedPercent,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// writeError answers with the status statusForError assigns to err. Server
// side failures are logged; client errors are not.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusForError(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", code).Msg("request failed")
	}
	s.jsonError(w, err.Error(), code)
}

// statusForError maps storage and backend errors to HTTP status codes.
func statusForError(err error) int {
	var (
		validation *storage.ValidationError
		backend    *blob.BackendError
		exhausted  *dispatch.ExhaustedError
	)
	switch {
	case errors.As(err, &validation), errors.Is(err, storage.ErrEmptyPayload):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrIncompleteUpload), errors.Is(err, storage.ErrUploadComplete):
		return http.StatusConflict
	case errors.Is(err, storage.ErrShareExpired):
		return http.StatusGone
	case errors.Is(err, storage.ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.As(err, &backend), errors.As(err, &exhausted), errors.Is(err, blob.ErrNotFound), errors.Is(err, blob.ErrTooLarge):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code.
// Not thread-safe. Must only be used within a single request handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// Hijack hands the connection to a websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	r.wroteHeader = true
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// getStatus returns the recorded status, defaulting to 200 if WriteHeader was never called.
func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
