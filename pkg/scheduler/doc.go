/*
Package scheduler runs the reconciliation pipeline on its configured cadences.

Each cadence is an independent schedule with its own window, timeout and
query budget:

	┌──────────┬──────────────────────┬──────────────────────────────┬─────────┐
	│ cadence  │ fires                │ window                       │ budget  │
	├──────────┼──────────────────────┼──────────────────────────────┼─────────┤
	│ realtime │ every minute         │ 5m ending at now - settle    │ 100ms   │
	│ hourly   │ every 15 minutes     │ 1h ending at now - settle    │ 500ms   │
	│ daily    │ 06:00 UTC            │ previous UTC day             │ 2s      │
	│ weekly   │ Monday 07:00 UTC     │ previous Monday-based week   │ 10s     │
	└──────────┴──────────────────────┴──────────────────────────────┴─────────┘

Rolling windows end a settle period before now so the dispatch queue has had
the full detection window to record a trigger for the last changes covered.

# Runs

Every run, scheduled or manual, goes through the same steps:

 1. Acquire the cadence lease from the lock package. If another run of the
    same cadence holds it the run is recorded as skipped and
    ErrRunInProgress is returned.
 2. Run the pipeline under the cadence timeout.
 3. Compare the time spent in log reads with the cadence budget. Over-budget
    runs still complete but raise a warning.
 4. Record metrics, publish the run event and persist the run record.
 5. Release the lease.

Different cadences never block each other; overlapping windows are safe
because remediated changes are not dispatched twice.

# Usage

	cads, err := scheduler.FromConfigs(cfg)
	if err != nil {
		return err
	}
	sched := scheduler.NewScheduler(cads, rec, locker, store, broker, nil)
	sched.OnWake(listener.Wake(), "realtime")
	sched.Start()
	defer sched.Stop()

	report, err := sched.Trigger(ctx, "daily", nil, true)

Time is read through a clockwork.Clock so tests drive the schedule with a
fake clock.
*/
package scheduler
