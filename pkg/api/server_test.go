package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/invrecon/pkg/reconciler"
	"github.com/cuemby/invrecon/pkg/scheduler"
	"github.com/cuemby/invrecon/pkg/storage"
	"github.com/cuemby/invrecon/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrigger struct {
	cadence string
	window  *types.Window
	dryRun  bool
	err     error
}

func (f *fakeTrigger) Trigger(ctx context.Context, cadence string, window *types.Window, dryRun bool) (*reconciler.Report, error) {
	f.cadence, f.window, f.dryRun = cadence, window, dryRun
	report := &reconciler.Report{Run: types.RunRecord{ID: "run-1", Cadence: cadence, Status: types.RunStatusSucceeded, DryRun: dryRun}}
	if f.err != nil {
		report.Run.Status = types.RunStatusSkipped
	}
	return report, f.err
}

func newTestServer(t *testing.T) (*Server, *storage.BoltStore, *fakeTrigger) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	trigger := &fakeTrigger{}
	return NewServer(store, trigger), store, trigger
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestHealthEndpoints(t *testing.T) {
	s, _, _ := newTestServer(t)

	for _, path := range []string{"/health", "/live"} {
		w := do(t, s, http.MethodGet, path)
		assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, w.Code, path)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"), path)
	}

	w := do(t, s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "invrecon_review_queue_size")

	w = do(t, s, http.MethodPost, "/health")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestListRuns(t *testing.T) {
	s, store, _ := newTestServer(t)
	base := time.Date(2026, 1, 21, 10, 0, 0, 0, time.UTC)
	for i, cadence := range []string{"realtime", "hourly", "realtime"} {
		require.NoError(t, store.SaveRun(&types.RunRecord{
			ID:        fmt.Sprintf("run-%d", i),
			Cadence:   cadence,
			Status:    types.RunStatusSucceeded,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	w := do(t, s, http.MethodGet, "/runs")
	require.Equal(t, http.StatusOK, w.Code)
	runs := decode[[]types.RunRecord](t, w)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-2", runs[0].ID)

	w = do(t, s, http.MethodGet, "/runs?cadence=realtime&limit=1")
	runs = decode[[]types.RunRecord](t, w)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-2", runs[0].ID)

	w = do(t, s, http.MethodGet, "/runs?limit=x")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/runs/run-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hourly", decode[types.RunRecord](t, w).Cadence)

	w = do(t, s, http.MethodGet, "/runs/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTriggerRun(t *testing.T) {
	s, _, trigger := newTestServer(t)

	w := do(t, s, http.MethodPost, "/runs/daily?dry_run=true")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "daily", trigger.cadence)
	assert.Nil(t, trigger.window)
	assert.True(t, trigger.dryRun)
	report := decode[reconciler.Report](t, w)
	assert.Equal(t, "run-1", report.Run.ID)

	w = do(t, s, http.MethodPost, "/runs/hourly?from=2026-01-20T10:00:00Z&to=2026-01-20T11:00:00Z")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, trigger.window)
	assert.Equal(t, time.Hour, trigger.window.Duration())
	assert.False(t, trigger.dryRun)
}

func TestTriggerRunErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		status int
	}{
		{"only from", "/runs/hourly?from=2026-01-20T10:00:00Z", nil, http.StatusBadRequest},
		{"bad timestamp", "/runs/hourly?from=yesterday&to=2026-01-20T11:00:00Z", nil, http.StatusBadRequest},
		{"reversed window", "/runs/hourly?from=2026-01-20T11:00:00Z&to=2026-01-20T10:00:00Z", nil, http.StatusBadRequest},
		{"unknown cadence", "/runs/monthly", scheduler.ErrUnknownCadence, http.StatusNotFound},
		{"overlap", "/runs/hourly", scheduler.ErrRunInProgress, http.StatusConflict},
		{"failure", "/runs/hourly", fmt.Errorf("failed to read audit log: connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, trigger := newTestServer(t)
			trigger.err = tt.err

			w := do(t, s, http.MethodPost, tt.target)
			assert.Equal(t, tt.status, w.Code)
			resp := decode[ErrorResponse](t, w)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestTriggerWithoutScheduler(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	w := do(t, NewServer(store, nil), http.MethodPost, "/runs/hourly")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReviewQueue(t *testing.T) {
	s, store, _ := newTestServer(t)
	_, err := store.QueueReviewItem(&types.ReviewItem{LogID: 109, HotelID: 26, Resolution: types.ResolutionUnresolved})
	require.NoError(t, err)

	w := do(t, s, http.MethodGet, "/review")
	require.Equal(t, http.StatusOK, w.Code)
	items := decode[[]types.ReviewItem](t, w)
	require.Len(t, items, 1)
	assert.Equal(t, int64(109), items[0].LogID)

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/review/109").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/review/109").Code)
	assert.Empty(t, decode[[]types.ReviewItem](t, do(t, s, http.MethodGet, "/review")))
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodDelete, "/review/abc").Code)
}

func TestListOutcomes(t *testing.T) {
	s, store, _ := newTestServer(t)
	now := time.Date(2026, 1, 21, 10, 0, 0, 0, time.UTC)
	for i, o := range []types.DispatchOutcome{
		{RunID: "a", HotelID: 25, Result: types.DispatchSuccess},
		{RunID: "a", HotelID: 26, Result: types.DispatchTransientFailure},
		{RunID: "b", HotelID: 26, Result: types.DispatchPermanentFailure},
	} {
		o.ID = fmt.Sprintf("o-%d", i)
		o.AttemptedAt = now.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.AppendOutcome(&o))
	}

	assert.Len(t, decode[[]types.DispatchOutcome](t, do(t, s, http.MethodGet, "/outcomes")), 3)
	assert.Len(t, decode[[]types.DispatchOutcome](t, do(t, s, http.MethodGet, "/outcomes?hotel=26")), 2)
	assert.Len(t, decode[[]types.DispatchOutcome](t, do(t, s, http.MethodGet, "/outcomes?run=a")), 2)

	failed := decode[[]types.DispatchOutcome](t, do(t, s, http.MethodGet, "/outcomes?hotel=26&result=permanent_failure"))
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].RunID)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/outcomes?hotel=x").Code)
}
