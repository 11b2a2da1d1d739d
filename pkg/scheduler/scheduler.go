package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/invrecon/pkg/events"
	"github.com/cuemby/invrecon/pkg/lock"
	"github.com/cuemby/invrecon/pkg/log"
	"github.com/cuemby/invrecon/pkg/metrics"
	"github.com/cuemby/invrecon/pkg/reconciler"
	"github.com/cuemby/invrecon/pkg/storage"
	"github.com/cuemby/invrecon/pkg/types"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	// ErrRunInProgress is returned when another run of the cadence holds
	// the lease
	ErrRunInProgress = errors.New("run already in progress")

	// ErrUnknownCadence is returned by Trigger for a name not configured
	ErrUnknownCadence = errors.New("unknown cadence")
)

// leaseGrace keeps a lease alive a little past the run timeout so a run
// that is still cleaning up is not overtaken
const leaseGrace = 30 * time.Second

// Runner executes one pipeline run
type Runner interface {
	Reconcile(ctx context.Context, window types.Window, opts reconciler.Options) (*reconciler.Report, error)
}

// Scheduler fires every cadence on its own schedule. Each run holds a
// per-cadence lease, has a hard timeout and is checked against its query
// budget.
type Scheduler struct {
	runner   Runner
	locker   lock.Locker
	store    storage.Store
	broker   *events.Broker
	clock    clockwork.Clock
	cadences map[string]Cadence
	holder   string

	wakeCh      <-chan struct{}
	wakeCadence string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewScheduler creates a scheduler. store and broker may be nil.
func NewScheduler(cadences []Cadence, runner Runner, locker lock.Locker, store storage.Store, broker *events.Broker, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "invrecon"
	}
	byName := make(map[string]Cadence, len(cadences))
	for _, c := range cadences {
		byName[c.Name] = c
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   runner,
		locker:   locker,
		store:    store,
		broker:   broker,
		clock:    clock,
		cadences: byName,
		holder:   fmt.Sprintf("%s/%d", host, os.Getpid()),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.WithComponent("scheduler"),
	}
}

// OnWake runs cadence whenever ch delivers, in addition to its schedule.
// Call before Start.
func (s *Scheduler) OnWake(ch <-chan struct{}, cadence string) {
	s.wakeCh = ch
	s.wakeCadence = cadence
}

// Cadences returns the configured cadences ordered by name
func (s *Scheduler) Cadences() []Cadence {
	out := make([]Cadence, 0, len(s.cadences))
	for _, c := range s.cadences {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches one goroutine per cadence
func (s *Scheduler) Start() {
	for _, c := range s.Cadences() {
		s.wg.Add(1)
		go s.loop(c)
		s.logger.Info().
			Str("cadence", c.Name).
			Str("kind", string(c.Kind)).
			Time("next", c.Next(s.clock.Now())).
			Msg("Cadence scheduled")
	}
	if s.wakeCh != nil {
		if _, ok := s.cadences[s.wakeCadence]; ok {
			s.wg.Add(1)
			go s.wakeLoop()
		}
	}
	metrics.RegisterComponent("scheduler", true, fmt.Sprintf("%d cadences", len(s.cadences)))
}

// Stop cancels running runs and waits for every loop to exit
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	metrics.UpdateComponent("scheduler", false, "stopped")
}

func (s *Scheduler) loop(c Cadence) {
	defer s.wg.Done()
	for {
		now := s.clock.Now()
		timer := s.clock.NewTimer(c.Next(now).Sub(now))
		select {
		case <-timer.Chan():
			s.fire(c, "schedule")
		case <-s.ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) wakeLoop() {
	defer s.wg.Done()
	c := s.cadences[s.wakeCadence]
	for {
		select {
		case _, ok := <-s.wakeCh:
			if !ok {
				return
			}
			s.fire(c, "wake")
		case <-s.ctx.Done():
			return
		}
	}
}

// fire runs c over its current window. Errors are recorded and logged; a
// run never takes the scheduler down.
func (s *Scheduler) fire(c Cadence, source string) {
	_, err := s.execute(s.ctx, c, c.Window(s.clock.Now()), false, source)
	if err != nil && !errors.Is(err, ErrRunInProgress) && s.ctx.Err() == nil {
		s.logger.Error().Err(err).Str("cadence", c.Name).Msg("Scheduled run failed")
	}
}

// Trigger runs the named cadence now under the same lease as scheduled
// runs. A nil window uses the cadence's current window.
func (s *Scheduler) Trigger(ctx context.Context, name string, window *types.Window, dryRun bool) (*reconciler.Report, error) {
	c, ok := s.cadences[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCadence, name)
	}
	w := c.Window(s.clock.Now())
	if window != nil {
		w = *window
	}
	return s.execute(ctx, c, w, dryRun, "manual")
}

func (s *Scheduler) execute(ctx context.Context, c Cadence, window types.Window, dryRun bool, source string) (*reconciler.Report, error) {
	runID := uuid.NewString()
	logger := log.WithRunID(log.WithCadence(c.Name), runID).With().
		Str("window", window.String()).
		Str("source", source).
		Logger()

	holder := fmt.Sprintf("%s/%s/%s", s.holder, runID, window)
	lease, err := s.locker.Acquire(ctx, c.Name, holder, c.Timeout+leaseGrace)
	if errors.Is(err, lock.ErrNotAcquired) {
		return s.skipped(c, runID, window, dryRun, source, err, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease for %s: %w", c.Name, err)
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("Failed to release lease")
		}
	}()

	started := s.clock.Now()
	s.save(&types.RunRecord{
		ID:        runID,
		Cadence:   c.Name,
		Window:    window,
		Status:    types.RunStatusRunning,
		DryRun:    dryRun,
		StartedAt: started,
		Budget:    c.Budget,
	}, logger)
	s.broker.Publish(&events.Event{
		Type:     events.EventRunStarted,
		Message:  fmt.Sprintf("Run %s of %s started over %s", runID, c.Name, window),
		Metadata: map[string]string{"run_id": runID, "cadence": c.Name},
	})
	logger.Info().Bool("dry_run", dryRun).Msg("Run started")

	runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	report, err := s.runner.Reconcile(runCtx, window, reconciler.Options{
		RunID:   runID,
		Cadence: c.Name,
		DryRun:  dryRun,
	})
	if report == nil {
		report = &reconciler.Report{Run: types.RunRecord{
			ID:      runID,
			Cadence: c.Name,
			Window:  window,
			DryRun:  dryRun,
			Status:  types.RunStatusFailed,
		}}
		if err != nil {
			report.Run.Error = err.Error()
		}
	}
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		report.Run.Status = types.RunStatusTimedOut
	}

	run := &report.Run
	run.StartedAt = started
	run.FinishedAt = s.clock.Now()
	if d := run.FinishedAt.Sub(started); d > 0 {
		run.Duration = d
	}
	run.Budget = c.Budget
	run.OverBudget = c.Budget > 0 && run.QueryDuration > c.Budget

	s.observe(c, run, logger)
	s.save(run, logger)
	return report, err
}

// skipped records a run that found its cadence already running
func (s *Scheduler) skipped(c Cadence, runID string, window types.Window, dryRun bool, source string, cause error, logger zerolog.Logger) (*reconciler.Report, error) {
	err := fmt.Errorf("%w: %v", ErrRunInProgress, cause)
	metrics.RunsOverlapping.WithLabelValues(c.Name).Inc()

	// A wake-up that finds the cadence busy is expected and not recorded
	if source == "wake" {
		logger.Debug().Msg("Wake-up skipped, run in progress")
		return nil, err
	}

	now := s.clock.Now()
	run := types.RunRecord{
		ID:         runID,
		Cadence:    c.Name,
		Window:     window,
		Status:     types.RunStatusSkipped,
		DryRun:     dryRun,
		StartedAt:  now,
		FinishedAt: now,
		Budget:     c.Budget,
		Error:      err.Error(),
	}
	metrics.RunsTotal.WithLabelValues(c.Name, string(run.Status)).Inc()
	s.save(&run, logger)
	s.broker.Publish(&events.Event{
		Type:     events.EventRunOverlapped,
		Severity: events.SeverityWarning,
		Message:  fmt.Sprintf("Run of %s skipped: previous run still in progress", c.Name),
		Metadata: map[string]string{"run_id": runID, "cadence": c.Name, "window": window.String()},
	})
	logger.Warn().Err(cause).Msg("Run skipped, previous run still in progress")
	return &reconciler.Report{Run: run}, err
}

func (s *Scheduler) observe(c Cadence, run *types.RunRecord, logger zerolog.Logger) {
	metrics.RunsTotal.WithLabelValues(c.Name, string(run.Status)).Inc()
	metrics.RunDuration.WithLabelValues(c.Name).Observe(run.Duration.Seconds())
	metrics.QueryDuration.WithLabelValues(c.Name).Observe(run.QueryDuration.Seconds())
	metrics.LastRunTimestamp.WithLabelValues(c.Name).Set(float64(run.FinishedAt.Unix()))

	md := map[string]string{
		"run_id":         run.ID,
		"cadence":        c.Name,
		"window":         run.Window.String(),
		"query_duration": run.QueryDuration.String(),
		"duration":       run.Duration.String(),
	}

	if run.OverBudget {
		metrics.RunsOverBudget.WithLabelValues(c.Name).Inc()
		logger.Warn().
			Dur("query_duration", run.QueryDuration).
			Dur("budget", c.Budget).
			Msg("Run exceeded its query budget")
		s.broker.Publish(&events.Event{
			Type:     events.EventRunOverBudget,
			Severity: events.SeverityWarning,
			Message:  fmt.Sprintf("Run of %s spent %s in queries, budget is %s", c.Name, run.QueryDuration, c.Budget),
			Metadata: md,
		})
	}

	switch run.Status {
	case types.RunStatusSucceeded:
		s.broker.Publish(&events.Event{
			Type:     events.EventRunSucceeded,
			Message:  fmt.Sprintf("Run of %s succeeded: %d groups, %d dispatched", c.Name, run.Stats.Groups, run.Stats.Dispatched),
			Metadata: md,
		})
	case types.RunStatusTimedOut:
		s.broker.Publish(&events.Event{
			Type:     events.EventRunTimedOut,
			Severity: events.SeverityWarning,
			Message:  fmt.Sprintf("Run of %s timed out after %s", c.Name, c.Timeout),
			Metadata: md,
		})
	case types.RunStatusFailed:
		md["error"] = run.Error
		s.broker.Publish(&events.Event{
			Type:     events.EventRunFailed,
			Severity: events.SeverityCritical,
			Message:  fmt.Sprintf("Run of %s failed: %s", c.Name, run.Error),
			Metadata: md,
		})
	}
}

func (s *Scheduler) save(run *types.RunRecord, logger zerolog.Logger) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveRun(run); err != nil {
		logger.Error().Err(err).Msg("Failed to save run record")
	}
}
