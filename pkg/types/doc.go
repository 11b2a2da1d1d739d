/*
Package types defines the data model shared by every stage of the inventory
change reconciliation pipeline.

# Inputs

Two tables owned by the reservation system are read, never written:

  - the audit log, one ChangeLogRow per INSERT, UPDATE or DELETE of a
    reservation entity. The JSON payload differs by action: INSERT and DELETE
    carry a flat row image, UPDATE carries {"old": {...}, "new": {...}}.
  - the dispatch queue, one DispatchRecord per call already made to an
    external distribution channel.

# Derived values

Every run rebuilds these from scratch for its time window:

	ChangeLogRow ──decode──▶ Delta ──canonicalize──▶ CanonicalChange
	                                                      │
	               parent DELETE without dates ──▶ ReconstructedDeletion
	                                                      │
	                       no dispatch in (t, t+5m] ──▶ MissingTrigger
	                                                      │
	                                  interval merge ──▶ RemediationGroup

Delta is a closed sum type (InsertDelta, UpdateDelta, DeleteDelta). It is
decoded once by the canonicalizer; later stages only see CanonicalChange.

CanonicalChange always spans every date the reservation ever touched: for an
UPDATE, CheckIn is the earlier of the old and new check-in and CheckOut the
later of the two check-outs.

# Persisted values

Only pipeline-owned records are stored: DispatchOutcome (one per attempt),
RunRecord (one per run) and ReviewItem (cascade deletions that could not be
fully reconstructed).

# Dates

Date is a calendar day. Stays are compared day by day, so two ranges touch
when one's check-out equals the other's check-in.
*/
package types
