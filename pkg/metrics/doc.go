/*
Package metrics provides Prometheus metrics and component health for invrecon.

All collectors are package-level variables registered with the default
registry at init and exposed by Handler on /metrics. Pipeline stages update
them inline; Collector polls the store every 15s for the gauges that depend
on persisted state (review queue size, permanent dispatch failures).

# Metric Families

	invrecon_rows_read_total{cadence}               audit log rows fetched
	invrecon_rows_discarded_total{reason}           canonicalizer discards
	invrecon_changes_total{relevance}               relevant / irrelevant changes
	invrecon_cascade_deletions_total{resolution}    resolved / partial / unresolved
	invrecon_triggers_notified_total                changes that reached the channel
	invrecon_triggers_missing_total                 changes that did not
	invrecon_triggers_already_remediated_total      skipped, fixed by an earlier run
	invrecon_remediation_groups_total               merged remediation calls
	invrecon_dispatch_attempts_total{result}        success / transient / permanent
	invrecon_dispatch_duration_seconds              remediation call latency
	invrecon_runs_total{cadence,status}             terminal run status
	invrecon_run_duration_seconds{cadence}          total run time
	invrecon_query_duration_seconds{cadence}        time spent reading the log
	invrecon_runs_over_budget_total{cadence}        query time above budget
	invrecon_runs_overlapping_total{cadence}        runs refused by the lease
	invrecon_last_run_timestamp_seconds{cadence}    last finished run
	invrecon_review_queue_size                      items awaiting an operator
	invrecon_permanent_failures                     permanent failures on record

# Timing

	timer := metrics.NewTimer()
	rows, err := source.FetchChanges(ctx, from, to)
	timer.ObserveDurationVec(metrics.QueryDuration, cadence)

# Health

Components report through RegisterComponent/UpdateComponent. The process is
ready when every name in CriticalComponents (store, auditlog, scheduler) is
registered and healthy. An unhealthy non-critical component, such as the
remediation endpoint or the LISTEN connection, reports degraded instead of
unhealthy so orchestrators do not restart a process that can still detect.
*/
package metrics
