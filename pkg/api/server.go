package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/cuemby/invrecon/pkg/log"
	"github.com/cuemby/invrecon/pkg/metrics"
	"github.com/cuemby/invrecon/pkg/reconciler"
	"github.com/cuemby/invrecon/pkg/scheduler"
	"github.com/cuemby/invrecon/pkg/storage"
	"github.com/cuemby/invrecon/pkg/types"
	"github.com/rs/zerolog"
)

// Trigger runs a cadence on demand. *scheduler.Scheduler implements it.
type Trigger interface {
	Trigger(ctx context.Context, cadence string, window *types.Window, dryRun bool) (*reconciler.Report, error)
}

// Server is the ops HTTP API: health, metrics, run history, the review
// queue, the dispatch outcome log and ad hoc runs
type Server struct {
	store   storage.Store
	trigger Trigger
	mux     *http.ServeMux
	server  *http.Server
	logger  zerolog.Logger
}

// NewServer creates the ops API. trigger may be nil, in which case ad hoc
// runs are refused.
func NewServer(store storage.Store, trigger Trigger) *Server {
	s := &Server{
		store:   store,
		trigger: trigger,
		mux:     http.NewServeMux(),
		logger:  log.WithComponent("api"),
	}

	s.handle("GET /health", metrics.HealthHandler())
	s.handle("GET /ready", metrics.ReadyHandler())
	s.handle("GET /live", metrics.LivenessHandler())
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.handle("GET /runs", http.HandlerFunc(s.listRuns))
	s.handle("GET /runs/{id}", http.HandlerFunc(s.getRun))
	s.handle("POST /runs/{cadence}", http.HandlerFunc(s.triggerRun))
	s.handle("GET /review", http.HandlerFunc(s.listReview))
	s.handle("DELETE /review/{log_id}", http.HandlerFunc(s.resolveReview))
	s.handle("GET /outcomes", http.HandlerFunc(s.listOutcomes))

	return s
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves the API on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Minute, // ad hoc runs answer when they finish
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("Ops API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handle registers h under pattern with request metrics
func (s *Server) handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, instrument(pattern, h))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(pattern string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(pattern, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, pattern)
	})
}

// ErrorResponse is the body of every non-2xx answer
type ErrorResponse struct {
	Error string           `json:"error"`
	Run   *types.RunRecord `json:"run,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	cadence := r.URL.Query().Get("cadence")
	out := runs[:0]
	for _, run := range runs {
		if cadence == "" || run.Cadence == cadence {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		if n < len(out) {
			out = out[:n]
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// triggerRun runs a cadence now. The optional from and to query parameters
// (RFC 3339) override the cadence window; dry_run=true stops before
// dispatch.
func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("scheduler not running"))
		return
	}

	q := r.URL.Query()
	window, err := parseWindow(q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	dryRun, _ := strconv.ParseBool(q.Get("dry_run"))

	cadence := r.PathValue("cadence")
	report, err := s.trigger.Trigger(r.Context(), cadence, window, dryRun)
	switch {
	case errors.Is(err, scheduler.ErrUnknownCadence):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, scheduler.ErrRunInProgress):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Run: runOf(report)})
	case err != nil:
		s.logger.Error().Err(err).Str("cadence", cadence).Msg("Ad hoc run failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Run: runOf(report)})
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func runOf(report *reconciler.Report) *types.RunRecord {
	if report == nil {
		return nil
	}
	return &report.Run
}

// parseWindow returns nil when neither bound is given
func parseWindow(from, to string) (*types.Window, error) {
	if from == "" && to == "" {
		return nil, nil
	}
	if from == "" || to == "" {
		return nil, errors.New("from and to must be given together")
	}
	f, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return nil, fmt.Errorf("invalid from: %w", err)
	}
	t, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return nil, fmt.Errorf("invalid to: %w", err)
	}
	if !t.After(f) {
		return nil, errors.New("to must be after from")
	}
	return &types.Window{From: f.UTC(), To: t.UTC()}, nil
}

func (s *Server) listReview(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListReviewItems()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// resolveReview takes an item off the queue once an operator has handled
// it; later runs leave it resolved
func (s *Server) resolveReview(w http.ResponseWriter, r *http.Request) {
	logID, err := strconv.ParseInt(r.PathValue("log_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid log id %q", r.PathValue("log_id")))
		return
	}
	err = s.store.ResolveReviewItem(logID, time.Now())
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info().Int64("log_id", logID).Msg("Review item resolved")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listOutcomes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		outcomes []*types.DispatchOutcome
		err      error
	)
	switch {
	case q.Get("hotel") != "":
		hotelID, perr := strconv.ParseInt(q.Get("hotel"), 10, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid hotel %q", q.Get("hotel")))
			return
		}
		outcomes, err = s.store.ListOutcomesByHotel(hotelID)
	case q.Get("run") != "":
		outcomes, err = s.store.ListOutcomesByRun(q.Get("run"))
	default:
		outcomes, err = s.store.ListOutcomes()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if result := q.Get("result"); result != "" {
		filtered := outcomes[:0]
		for _, o := range outcomes {
			if string(o.Result) == result {
				filtered = append(filtered, o)
			}
		}
		outcomes = filtered
	}
	writeJSON(w, http.StatusOK, outcomes)
}
