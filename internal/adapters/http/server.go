package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"facefinder/internal/domain"
	"facefinder/internal/ports"
	"facefinder/internal/services/progress"
	scanrunner "facefinder/internal/workers/scanrunner"
)

// Subscriber streams progress for one scan.
type Subscriber interface {
	Subscribe(ctx context.Context, scanID string) <-chan progress.Message
}

type Server struct {
	scanner ports.Scanner
	stream  Subscriber
	// jobs and processor enable ?wait=true on POST /scans. Both may be nil.
	jobs      ports.JobRepository
	processor scanrunner.ScanProcessor
	gatherer  prometheus.Gatherer
	health    func(ctx context.Context) any
	log       logrus.FieldLogger
}

type Option func(*Server)

// WithInline lets POST /scans?wait=true run the scan in the request.
func WithInline(jobs ports.JobRepository, processor scanrunner.ScanProcessor) Option {
	return func(s *Server) { s.jobs, s.processor = jobs, processor }
}

func WithMetrics(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// WithHealth adds details to /healthz.
func WithHealth(fn func(ctx context.Context) any) Option { return func(s *Server) { s.health = fn } }

func New(scanner ports.Scanner, stream Subscriber, log logrus.FieldLogger, opts ...Option) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{scanner: scanner, stream: stream, log: log.WithField("component", "http")}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.getHealthz)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/scans", func(r chi.Router) {
		r.Post("/", s.postScan)
		r.Get("/{id}", s.getScan)
		r.Post("/{id}/cancel", s.postCancel)
		r.Get("/{id}/matches", s.getMatches)
		r.Get("/{id}/stream", s.getStream)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"took":       time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

type scanResponse struct {
	ID              string            `json:"id"`
	JobID           *string           `json:"job_id,omitempty"`
	SessionID       string            `json:"session_id"`
	Status          domain.ScanStatus `json:"status"`
	Counters        domain.Counters   `json:"counters"`
	Error           *string           `json:"error,omitempty"`
	CancelRequested bool              `json:"cancel_requested"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

func toScanResponse(sc domain.Scan) scanResponse {
	return scanResponse{
		ID:              sc.ID,
		JobID:           sc.JobID,
		SessionID:       sc.SessionID,
		Status:          sc.Status,
		Counters:        sc.Counters,
		Error:           sc.Error,
		CancelRequested: sc.CancelRequested,
		CreatedAt:       sc.CreatedAt,
		StartedAt:       sc.StartedAt,
		CompletedAt:     sc.CompletedAt,
	}
}

type matchResponse struct {
	ID         string         `json:"id"`
	RemoteID   string         `json:"remote_id"`
	RemoteURL  string         `json:"remote_url"`
	URL        string         `json:"url"`
	Key        string         `json:"key"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (s *Server) getHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.health != nil {
		body["details"] = s.health(r.Context())
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) postScan(w http.ResponseWriter, r *http.Request) {
	var payload domain.JobPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if wait && (s.jobs == nil || s.processor == nil) {
		writeError(w, http.StatusBadRequest, "wait is not supported by this queue backend")
		return
	}
	jobID, err := s.scanner.Enqueue(r.Context(), payload)
	if err != nil {
		s.fail(w, err)
		return
	}

	if !wait {
		writeJSON(w, http.StatusAccepted, map[string]string{"scan_id": payload.ScanID, "job_id": jobID})
		return
	}
	// Blocking path for local testing: run the job in this request.
	timeout := 30
	if t, err := strconv.Atoi(r.URL.Query().Get("timeout")); err == nil && t > 0 {
		timeout = t
	}
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(timeout)*time.Second)
	defer cancel()
	// Use the same processor the workers use
	if err := scanrunner.ProcessInline(ctx, s.jobs, s.processor, payload.ScanID, scanrunner.Options{Log: s.log}); err != nil {
		// A background worker may have claimed the job first; the scan record
		// still says how far it got.
		s.log.WithError(err).WithField("scan_id", payload.ScanID).Warn("inline scan did not complete")
	}
	scan, err := s.scanner.Status(r.Context(), payload.ScanID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScanResponse(scan))
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	scan, err := s.scanner.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScanResponse(scan))
}

func (s *Server) postCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.scanner.Cancel(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scan_id": id, "cancel_requested": true})
}

func (s *Server) getMatches(w http.ResponseWriter, r *http.Request) {
	items, err := s.scanner.Matches(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]matchResponse, 0, len(items))
	for _, it := range items {
		out = append(out, matchResponse{
			ID:         it.ID,
			RemoteID:   it.RemoteID,
			RemoteURL:  it.RemoteURL,
			URL:        it.BlobURL,
			Key:        it.BlobKey,
			Confidence: it.Confidence,
			Metadata:   it.Metadata,
			CreatedAt:  it.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": out})
}

// fail maps domain errors to status codes. Anything unexpected is logged
// and reported without detail.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "scan not found")
	case errors.Is(err, domain.ErrScanTerminal):
		writeError(w, http.StatusConflict, "scan already finished")
	case errors.Is(err, domain.ErrDuplicateJob):
		writeError(w, http.StatusConflict, "scan already queued")
	case errors.Is(err, domain.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timed out")
	default:
		s.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
