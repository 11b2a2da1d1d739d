/*
Package storage persists the state the reconciliation pipeline owns, using
BoltDB (bbolt) as an embedded key-value store.

The reservation system's audit log and dispatch queue are read-only to
invrecon. Everything the pipeline has to remember between runs lives in a
single invrecon.db file under the data directory:

	outcomes         one record per dispatch attempt, key <attempted_at ns>/<id>
	remediated       log ids already covered by a successful remediation call
	runs             one RunRecord per pipeline run, key run id
	review           cascade deletions waiting for an operator, key parent log id
	review_resolved  deletions an operator resolved, never queued again
	leases           per-cadence run leases for the bolt lock backend

Values are JSON. Outcome keys are zero-padded nanosecond timestamps so a
cursor walk returns the log in attempt order and Prune can stop at the
cutoff without decoding values.

# Usage

	store, err := storage.NewBoltStore(cfg.Store.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	_ = store.AppendOutcome(&types.DispatchOutcome{...})
	done, _ := store.Remediated([]int64{991, 992})

The file is opened with a lock timeout: CLI commands that read it while a
server holds it fail after two seconds instead of hanging. Point them at the
ops API instead when the server is running.
*/
package storage
