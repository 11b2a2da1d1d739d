package storage

import (
	"errors"
	"time"

	"github.com/cuemby/invrecon/pkg/types"
)

var (
	// ErrNotFound is returned when a keyed record does not exist
	ErrNotFound = errors.New("not found")

	// ErrLeaseHeld is returned when another holder owns an unexpired lease
	ErrLeaseHeld = errors.New("lease held by another holder")
)

// Store defines the interface for pipeline-owned state. The audit log and
// dispatch queue belong to the reservation system and are never written;
// everything the pipeline needs to remember lives here.
type Store interface {
	// Outcome log
	AppendOutcome(outcome *types.DispatchOutcome) error
	ListOutcomes() ([]*types.DispatchOutcome, error)
	ListOutcomesByHotel(hotelID int64) ([]*types.DispatchOutcome, error)
	ListOutcomesByRun(runID string) ([]*types.DispatchOutcome, error)

	// Remediated log ids
	MarkRemediated(logIDs []int64, groupKey string, at time.Time) error
	Remediated(logIDs []int64) (map[int64]bool, error)

	// Runs
	SaveRun(run *types.RunRecord) error
	GetRun(id string) (*types.RunRecord, error)
	ListRuns() ([]*types.RunRecord, error)

	// Review queue
	QueueReviewItem(item *types.ReviewItem) (bool, error)
	ListReviewItems() ([]*types.ReviewItem, error)
	ResolveReviewItem(logID int64, at time.Time) error

	// Leases
	AcquireLease(key, holder string, ttl time.Duration, now time.Time) (*Lease, error)
	ReleaseLease(key, holder string) error

	// Utility
	Stats() (Stats, error)
	Prune(before time.Time, dryRun bool) (PruneResult, error)
	Close() error
}

// Lease is a time-bounded claim on a key
type Lease struct {
	Key       string    `json:"key"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease can be reclaimed at now
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Stats counts records per bucket
type Stats struct {
	Outcomes          int `json:"outcomes"`
	PermanentFailures int `json:"permanent_failures"`
	Remediated        int `json:"remediated"`
	Runs              int `json:"runs"`
	Review            int `json:"review"`
	Resolved          int `json:"resolved"`
	Leases            int `json:"leases"`
}

// PruneResult counts the records a prune removed (or would remove)
type PruneResult struct {
	Outcomes   int `json:"outcomes"`
	Runs       int `json:"runs"`
	Remediated int `json:"remediated"`
}
