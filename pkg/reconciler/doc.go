/*
Package reconciler runs one pass of the inventory change reconciliation
pipeline over a time window.

A run moves through six stages:

	audit log ──► canonicalize ──► correlate ──► detect gaps ──► group ──► dispatch
	 (rows)       (per row, pool)  (parent       (per hotel,     (merge)   (per group,
	                                deletes)      cached)                    pool)

Canonicalization and cascade correlation run per row on a bounded worker
pool sized by pipeline.workers. A row that cannot be normalized is counted
by reason and dropped; a panic while processing a row is recovered and
counted the same way. Only audit log read failures end a run early.

Deletions whose date range could not be rebuilt are put on the review queue
and published as warnings. Partial ones are flagged too but still remediated
over the range that was found.

Every audit log read goes through a per-run auditlog.Meter, so the report
carries the run's query time for the scheduler's cost model.

Missing triggers whose log ids an earlier run already remediated are
dropped before grouping, so overlapping cadences do not call the channel
twice for the same change. A dry run stops after grouping.
*/
package reconciler
