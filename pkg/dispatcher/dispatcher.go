package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/cuemby/invrecon/pkg/client"
	"github.com/cuemby/invrecon/pkg/config"
	"github.com/cuemby/invrecon/pkg/events"
	"github.com/cuemby/invrecon/pkg/log"
	"github.com/cuemby/invrecon/pkg/metrics"
	"github.com/cuemby/invrecon/pkg/storage"
	"github.com/cuemby/invrecon/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Remediator issues the idempotent recompute call for one hotel and range
type Remediator interface {
	RecomputeInventory(ctx context.Context, hotelID int64, checkIn, checkOut types.Date) (int, error)
}

// Result summarizes every attempt made for one group
type Result struct {
	GroupKey   string               `json:"group"`
	Result     types.DispatchResult `json:"result"`
	Attempts   int                  `json:"attempts"`
	StatusCode int                  `json:"status_code,omitempty"`
	Error      string               `json:"error,omitempty"`
	Err        error                `json:"-"`
}

// Dispatcher sends remediation groups to the channel with bounded retries
type Dispatcher struct {
	remediator  Remediator
	store       storage.Store
	broker      *events.Broker
	maxAttempts int
	initial     time.Duration
	max         time.Duration
	pool        pond.ResultPool[Result]
	logger      zerolog.Logger
}

// New creates a dispatcher. Outcomes go to store; permanent failures are
// also published on broker, which may be nil.
func New(remediator Remediator, store storage.Store, broker *events.Broker, cfg config.RemediationConfig) *Dispatcher {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dispatcher{
		remediator:  remediator,
		store:       store,
		broker:      broker,
		maxAttempts: maxAttempts,
		initial:     cfg.InitialBackoff,
		max:         cfg.MaxBackoff,
		pool:        pond.NewResultPool[Result](concurrency),
		logger:      log.WithComponent("dispatcher"),
	}
}

// Close waits for in-flight dispatches and stops the pool
func (d *Dispatcher) Close() {
	d.pool.StopAndWait()
}

// DispatchAll dispatches every group on the bounded pool. A failing group
// does not stop the others; results come back in input order.
func (d *Dispatcher) DispatchAll(ctx context.Context, runID string, groups []types.RemediationGroup) []Result {
	if len(groups) == 0 {
		return nil
	}
	group := d.pool.NewGroup()
	for _, g := range groups {
		group.Submit(func() Result {
			return d.Dispatch(ctx, runID, g)
		})
	}
	results, err := group.Wait()
	if err != nil {
		// Submit tasks never fail; only a stopped pool ends up here
		d.logger.Error().Err(err).Str("run_id", runID).Msg("Dispatch pool failed")
	}
	return results
}

// Dispatch calls the channel for one group, retrying transient failures
// with exponential backoff up to the configured attempt count. Every
// attempt is appended to the outcome log. A cancelled or expired ctx stops
// retrying without recording a permanent failure so the next run picks the
// group up again.
func (d *Dispatcher) Dispatch(ctx context.Context, runID string, group types.RemediationGroup) Result {
	logger := log.WithHotelID(log.WithRunID(d.logger, runID), group.HotelID).
		With().Str("group", group.Key()).Logger()

	b := backoff.NewExponentialBackOff()
	if d.initial > 0 {
		b.InitialInterval = d.initial
	}
	if d.max > 0 {
		b.MaxInterval = d.max
	}

	res := Result{GroupKey: group.Key()}
	logIDs := group.LogIDs()

	_, err := backoff.Retry(ctx, func() (int, error) {
		res.Attempts++
		requestID := uuid.NewString()
		timer := metrics.NewTimer()

		status, err := d.remediator.RecomputeInventory(client.WithRequestID(ctx, requestID), group.HotelID, group.CheckIn, group.CheckOut)
		elapsed := timer.Duration()
		timer.ObserveDuration(metrics.DispatchDuration)
		res.StatusCode = status

		outcome := &types.DispatchOutcome{
			ID:          uuid.NewString(),
			RunID:       runID,
			GroupKey:    group.Key(),
			HotelID:     group.HotelID,
			CheckIn:     group.CheckIn,
			CheckOut:    group.CheckOut,
			LogIDs:      logIDs,
			Attempt:     res.Attempts,
			Members:     group.Members,
			StatusCode:  status,
			RequestID:   requestID,
			AttemptedAt: time.Now(),
			Duration:    elapsed,
		}

		final := false
		switch {
		case err == nil:
			outcome.Result = types.DispatchSuccess
		case ctx.Err() != nil:
			outcome.Result = types.DispatchTransientFailure
			final = true
		case client.IsTransient(err) && res.Attempts < d.maxAttempts:
			outcome.Result = types.DispatchTransientFailure
		default:
			outcome.Result = types.DispatchPermanentFailure
			final = true
		}
		if err != nil {
			outcome.Error = err.Error()
		}
		res.Result = outcome.Result
		d.record(logger, outcome)

		if err != nil && final {
			return status, backoff.Permanent(err)
		}
		return status, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.maxAttempts)),
	)

	if err == nil {
		d.remediated(logger, group, logIDs)
		d.broker.Publish(&events.Event{
			Type:     events.EventDispatchSucceeded,
			Severity: events.SeverityInfo,
			Message:  fmt.Sprintf("Inventory recomputed for hotel %d %s..%s", group.HotelID, group.CheckIn, group.CheckOut),
			Metadata: d.metadata(runID, group, res),
		})
		logger.Info().Int("attempts", res.Attempts).Int("status", res.StatusCode).Msg("Remediation dispatched")
		return res
	}

	res.Err = err
	res.Error = err.Error()
	if ctx.Err() != nil {
		// the run is aborting; nothing was lost and the next run retries
		res.Result = types.DispatchTransientFailure
		logger.Warn().Err(err).Int("attempts", res.Attempts).Msg("Remediation interrupted")
		return res
	}

	res.Result = types.DispatchPermanentFailure
	d.broker.Publish(&events.Event{
		Type:     events.EventDispatchFailed,
		Severity: events.SeverityCritical,
		Message:  fmt.Sprintf("Remediation for hotel %d %s..%s failed after %d attempts: %v", group.HotelID, group.CheckIn, group.CheckOut, res.Attempts, err),
		Metadata: d.metadata(runID, group, res),
	})
	logger.Error().Err(err).Int("attempts", res.Attempts).Int("status", res.StatusCode).Msg("Remediation failed permanently")
	return res
}

func (d *Dispatcher) record(logger zerolog.Logger, outcome *types.DispatchOutcome) {
	metrics.DispatchAttempts.WithLabelValues(string(outcome.Result)).Inc()

	if err := d.store.AppendOutcome(outcome); err != nil {
		logger.Error().Err(err).Int("attempt", outcome.Attempt).Msg("Failed to append dispatch outcome")
	}

	evt := logger.Debug()
	if outcome.Result != types.DispatchSuccess {
		evt = logger.Warn()
	}
	evt.Int("attempt", outcome.Attempt).
		Str("result", string(outcome.Result)).
		Int("status", outcome.StatusCode).
		Str("request_id", outcome.RequestID).
		Dur("duration", outcome.Duration).
		Str("error", outcome.Error).
		Msg("Dispatch attempt")
}

func (d *Dispatcher) remediated(logger zerolog.Logger, group types.RemediationGroup, logIDs []int64) {
	if err := d.store.MarkRemediated(logIDs, group.Key(), time.Now()); err != nil {
		logger.Error().Err(err).Msg("Failed to mark log ids remediated")
	}
}

func (d *Dispatcher) metadata(runID string, group types.RemediationGroup, res Result) map[string]string {
	ids := make([]string, 0, len(group.Members))
	for _, id := range group.LogIDs() {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	return map[string]string{
		"run_id":    runID,
		"group":     group.Key(),
		"hotel_id":  strconv.FormatInt(group.HotelID, 10),
		"check_in":  group.CheckIn.String(),
		"check_out": group.CheckOut.String(),
		"attempts":  strconv.Itoa(res.Attempts),
		"status":    strconv.Itoa(res.StatusCode),
		"log_ids":   strings.Join(ids, ","),
	}
}
