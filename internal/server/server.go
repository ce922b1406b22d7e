// Package server exposes the pipeline as an HTTP trigger.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"adreport/internal/data"
	"adreport/internal/engine"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Runner is the part of engine.Engine the trigger needs.
type Runner interface {
	ResolveDate(raw string) (data.ReportDate, error)
	RunDate(ctx context.Context, date data.ReportDate) (*engine.RunRecord, error)
}

type Options struct {
	// JWTSecret enables bearer authentication on /api/run when non-empty.
	JWTSecret string
	// RunTimeout bounds one run. Runs are detached from the request context
	// so a disconnecting client does not abort a shared run.
	RunTimeout time.Duration
	Logger     *zap.Logger
}

type Server struct {
	mu     sync.RWMutex
	runner Runner
	secret string

	timeout time.Duration
	logger  *zap.Logger
	runs    singleflight.Group
}

func New(runner Runner, opts Options) *Server {
	s := &Server{
		runner:  runner,
		secret:  opts.JWTSecret,
		timeout: opts.RunTimeout,
		logger:  opts.Logger,
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Minute
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Swap replaces the runner and secret, e.g. after a configuration reload.
// Runs already in flight finish on the previous runner.
func (s *Server) Swap(runner Runner, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = runner
	s.secret = secret
}

func (s *Server) current() (Runner, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runner, s.secret
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/run", s.handleRun)
	return s.logRequests(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runRequest struct {
	ReportDate string `json:"report_date"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	runner, secret := s.current()
	if secret != "" {
		if _, err := subjectFromRequest(r, secret); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="adreport"`)
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	raw, err := rawDate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	date, err := runner.ResolveDate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, shared, err := s.run(runner, date)
	if err != nil {
		if errors.Is(err, data.ErrInvalidDate) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("run failed", zap.String("report_date", date.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if shared {
		w.Header().Set("X-Adreport-Shared-Run", "true")
	}
	writeJSON(w, http.StatusOK, rec)
}

// run collapses concurrent requests for the same date into one pipeline run.
func (s *Server) run(runner Runner, date data.ReportDate) (rec *engine.RunRecord, shared bool, err error) {
	v, err, shared := s.runs.Do(date.String(), func() (v any, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("run panicked: %v", p)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		return runner.RunDate(ctx, date)
	})
	if err != nil {
		return nil, shared, err
	}
	rec, _ = v.(*engine.RunRecord)
	if rec == nil {
		return nil, shared, errors.New("run returned no record")
	}
	return rec, shared, nil
}

// rawDate reads report_date from the query string or, for POST, from a JSON
// body. An empty value means yesterday.
func rawDate(r *http.Request) (string, error) {
	if v := r.URL.Query().Get("report_date"); v != "" {
		return v, nil
	}
	if r.Method != http.MethodPost || r.Body == nil {
		return "", nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if strings.TrimSpace(string(body)) == "" {
		return "", nil
	}
	var req runRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", fmt.Errorf("bad JSON body: %w", err)
	}
	return req.ReportDate, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
