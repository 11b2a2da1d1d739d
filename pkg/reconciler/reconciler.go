package reconciler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cuemby/invrecon/pkg/auditlog"
	"github.com/cuemby/invrecon/pkg/canonical"
	"github.com/cuemby/invrecon/pkg/cascade"
	"github.com/cuemby/invrecon/pkg/config"
	"github.com/cuemby/invrecon/pkg/dispatcher"
	"github.com/cuemby/invrecon/pkg/events"
	"github.com/cuemby/invrecon/pkg/gap"
	"github.com/cuemby/invrecon/pkg/grouper"
	"github.com/cuemby/invrecon/pkg/log"
	"github.com/cuemby/invrecon/pkg/metrics"
	"github.com/cuemby/invrecon/pkg/storage"
	"github.com/cuemby/invrecon/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options tune a single run
type Options struct {
	RunID   string
	Cadence string
	DryRun  bool
}

// Report is everything one run produced
type Report struct {
	Run        types.RunRecord          `json:"run"`
	Query      auditlog.QueryStats      `json:"query"`
	Groups     []types.RemediationGroup `json:"groups"`
	Dispatches []dispatcher.Result      `json:"dispatches,omitempty"`
}

// Reconciler runs the pipeline over one window: read, canonicalize,
// correlate, detect gaps, group, dispatch
type Reconciler struct {
	source      auditlog.Log
	canonical   *canonical.Canonicalizer
	correlation time.Duration
	detector    *gap.Detector
	dispatcher  *dispatcher.Dispatcher
	store       storage.Store
	broker      *events.Broker
	pool        pond.ResultPool[rowResult]
	logger      zerolog.Logger
}

// NewReconciler wires the pipeline stages from cfg. The dispatcher may be
// nil, in which case every run behaves as a dry run.
func NewReconciler(cfg *config.Config, source auditlog.Log, store storage.Store, disp *dispatcher.Dispatcher, broker *events.Broker) *Reconciler {
	workers := cfg.Pipeline.Workers
	if workers < 1 {
		workers = 1
	}
	return &Reconciler{
		source:      source,
		canonical:   canonical.New(cfg.AuditLog),
		correlation: cfg.Correlation.Window,
		detector:    gap.NewDetector(source, cfg.Detection, workers),
		dispatcher:  disp,
		store:       store,
		broker:      broker,
		pool:        pond.NewResultPool[rowResult](workers),
		logger:      log.WithComponent("reconciler"),
	}
}

// Close stops the worker pools
func (r *Reconciler) Close() {
	r.pool.StopAndWait()
	r.detector.Close()
}

// rowResult is the outcome of the per-row stages for one audit log row
type rowResult struct {
	row     types.ChangeLogRow
	change  types.CanonicalChange
	result  cascade.Result
	discard *canonical.DiscardError
}

// Reconcile executes one run over window. A returned error means the run
// could not complete; the report still carries what was counted so far and
// a run status of failed or timed_out.
func (r *Reconciler) Reconcile(ctx context.Context, window types.Window, opts Options) (*Report, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	logger := log.WithRunID(r.logger, opts.RunID).With().
		Str("cadence", opts.Cadence).
		Str("window", window.String()).
		Logger()

	report := &Report{
		Run: types.RunRecord{
			ID:        opts.RunID,
			Cadence:   opts.Cadence,
			Window:    window,
			Status:    types.RunStatusRunning,
			DryRun:    opts.DryRun,
			StartedAt: time.Now(),
			Stats:     types.RunStats{DiscardReasons: map[string]int{}},
		},
	}

	meter := auditlog.NewMeter(r.source)
	err := r.run(ctx, meter, window, opts, report, logger)

	report.Query = meter.Stats()
	report.Run.QueryDuration = report.Query.Duration
	report.Run.FinishedAt = time.Now()
	report.Run.Duration = report.Run.FinishedAt.Sub(report.Run.StartedAt)

	switch {
	case err == nil:
		report.Run.Status = types.RunStatusSucceeded
	case errors.Is(err, context.DeadlineExceeded):
		report.Run.Status = types.RunStatusTimedOut
		report.Run.Error = err.Error()
	default:
		report.Run.Status = types.RunStatusFailed
		report.Run.Error = err.Error()
	}

	stats := report.Run.Stats
	evt := logger.Info()
	if err != nil {
		evt = logger.Error().Err(err)
	}
	evt.Str("status", string(report.Run.Status)).
		Int("rows", stats.Rows).
		Int("discarded", stats.Discarded).
		Int("relevant", stats.Relevant).
		Int("unresolved", stats.Unresolved).
		Int("notified", stats.Notified).
		Int("missing", stats.Missing).
		Int("groups", stats.Groups).
		Int("dispatched", stats.Dispatched).
		Int("failed", stats.Failed).
		Dur("query_duration", report.Run.QueryDuration).
		Dur("duration", report.Run.Duration).
		Bool("dry_run", opts.DryRun).
		Msg("Run finished")

	return report, err
}

func (r *Reconciler) run(ctx context.Context, meter *auditlog.Meter, window types.Window, opts Options, report *Report, logger zerolog.Logger) error {
	stats := &report.Run.Stats

	rows, err := meter.FetchChanges(ctx, window.From, window.To)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}
	stats.Rows = len(rows)
	metrics.RowsRead.WithLabelValues(opts.Cadence).Add(float64(len(rows)))

	results, err := r.processRows(ctx, meter, rows)
	if err != nil {
		return err
	}

	var candidates []gap.Candidate
	for _, res := range results {
		if res.discard != nil {
			stats.Discarded++
			stats.DiscardReasons[string(res.discard.Reason)]++
			metrics.RowsDiscarded.WithLabelValues(string(res.discard.Reason)).Inc()
			logger.Warn().Int64("log_id", res.row.LogID).
				Str("reason", string(res.discard.Reason)).
				Err(res.discard.Err).
				Msg("Row discarded")
			continue
		}
		if !res.change.Relevant {
			stats.Irrelevant++
			metrics.ChangesRelevant.WithLabelValues("irrelevant").Inc()
			continue
		}
		stats.Relevant++
		metrics.ChangesRelevant.WithLabelValues("relevant").Inc()

		switch res.result.Resolution() {
		case types.ResolutionUnresolved:
			stats.Unresolved++
			r.flag(res.result, opts, logger)
			continue
		case types.ResolutionPartial:
			stats.Partial++
			r.flag(res.result, opts, logger)
		}
		candidates = append(candidates, res.result.Candidate())
	}

	detected, err := r.detector.Using(meter).Detect(ctx, candidates)
	if err != nil {
		return err
	}
	stats.Notified = detected.Notified
	stats.Missing = len(detected.Missing)

	missing, err := r.withoutRemediated(detected.Missing)
	if err != nil {
		return err
	}
	stats.AlreadyFixed = len(detected.Missing) - len(missing)
	metrics.TriggersAlreadyRemediated.Add(float64(stats.AlreadyFixed))

	report.Groups = grouper.Merge(missing)
	stats.Groups = len(report.Groups)
	metrics.RemediationGroups.Add(float64(len(report.Groups)))

	if opts.DryRun || r.dispatcher == nil || len(report.Groups) == 0 {
		return ctx.Err()
	}

	report.Dispatches = r.dispatcher.DispatchAll(ctx, opts.RunID, report.Groups)
	for _, d := range report.Dispatches {
		if d.Result == types.DispatchSuccess {
			stats.Dispatched++
		} else {
			stats.Failed++
		}
	}
	return ctx.Err()
}

// processRows runs canonicalization and correlation for every row on the
// worker pool. Rows that cannot be normalized, including rows whose
// processing panicked, come back as discards; only read failures from the
// audit log abort the run. Results keep the order of rows.
func (r *Reconciler) processRows(ctx context.Context, source auditlog.CorrelationSource, rows []types.ChangeLogRow) ([]rowResult, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	correlator := cascade.NewCorrelator(source, r.correlation)

	group := r.pool.NewGroupContext(ctx)
	for _, row := range rows {
		group.SubmitErr(func() (rowResult, error) {
			return r.processRow(ctx, correlator, row)
		})
	}
	results, err := group.Wait()
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Reconciler) processRow(ctx context.Context, correlator *cascade.Correlator, row types.ChangeLogRow) (res rowResult, err error) {
	res.row = row
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Int64("log_id", row.LogID).
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from panic while processing row")
			res = rowResult{
				row:     row,
				discard: &canonical.DiscardError{LogID: row.LogID, Reason: canonical.ReasonPanic, Err: fmt.Errorf("%v", p)},
			}
			err = nil
		}
	}()

	change, err := r.canonical.Canonicalize(row)
	if err != nil {
		if de, ok := canonical.AsDiscard(err); ok {
			res.discard = de
			return res, nil
		}
		return res, err
	}
	res.change = change
	if !change.Relevant {
		return res, nil
	}

	res.result, err = correlator.Resolve(ctx, change)
	return res, err
}

// withoutRemediated drops triggers whose every log id an earlier run
// already remediated
func (r *Reconciler) withoutRemediated(triggers []types.MissingTrigger) ([]types.MissingTrigger, error) {
	if len(triggers) == 0 || r.store == nil {
		return triggers, nil
	}
	var ids []int64
	for _, t := range triggers {
		ids = append(ids, t.LogIDs...)
	}
	done, err := r.store.Remediated(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to read remediated log ids: %w", err)
	}

	out := triggers[:0:0]
	for _, t := range triggers {
		fixed := len(t.LogIDs) > 0
		for _, id := range t.LogIDs {
			if !done[id] {
				fixed = false
				break
			}
		}
		if !fixed {
			out = append(out, t)
		}
	}
	return out, nil
}

// flag puts an unresolved or partial deletion on the review queue and
// raises a warning the first time it is queued. Deletions already queued or
// resolved by an operator are left alone. Dry runs only log.
func (r *Reconciler) flag(res cascade.Result, opts Options, logger zerolog.Logger) {
	d := res.Deletion
	if d == nil {
		return
	}
	item := &types.ReviewItem{
		LogID:      d.Parent.LogID,
		HotelID:    d.Parent.HotelID,
		RecordID:   d.Parent.RecordID,
		LogTime:    d.Parent.LogTime,
		Resolution: d.Resolution,
		Expected:   d.Expected,
		Found:      len(d.Children),
		RunID:      opts.RunID,
		FlaggedAt:  time.Now(),
	}
	hotelLogger := log.WithHotelID(logger, item.HotelID)
	if opts.DryRun {
		hotelLogger.Warn().
			Int64("log_id", item.LogID).
			Str("resolution", string(item.Resolution)).
			Msg("Deletion needs review (dry run)")
		return
	}

	if r.store != nil {
		queued, err := r.store.QueueReviewItem(item)
		if err != nil {
			hotelLogger.Error().Err(err).Int64("log_id", item.LogID).Msg("Failed to queue deletion for review")
			return
		}
		if !queued {
			hotelLogger.Debug().Int64("log_id", item.LogID).Msg("Deletion already queued or resolved")
			return
		}
	}

	hotelLogger.Warn().
		Int64("log_id", item.LogID).
		Int64("record_id", item.RecordID).
		Str("resolution", string(item.Resolution)).
		Int("found", item.Found).
		Int("expected", item.Expected).
		Msg("Deletion needs review")

	eventType := events.EventDeletionUnresolved
	if d.Resolution == types.ResolutionPartial {
		eventType = events.EventDeletionPartial
	}
	r.broker.Publish(&events.Event{
		Type:     eventType,
		Severity: events.SeverityWarning,
		Message: fmt.Sprintf("Deletion of reservation %d in hotel %d is %s: %d of %d rooms found",
			item.RecordID, item.HotelID, item.Resolution, item.Found, item.Expected),
		Metadata: map[string]string{
			"run_id":    opts.RunID,
			"cadence":   opts.Cadence,
			"log_id":    fmt.Sprint(item.LogID),
			"hotel_id":  fmt.Sprint(item.HotelID),
			"record_id": fmt.Sprint(item.RecordID),
		},
	})
}
