package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/cuemby/invrecon/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// DBFile is the database file name inside the data directory
const DBFile = "invrecon.db"

var (
	// Bucket names
	bucketOutcomes   = []byte("outcomes")
	bucketRemediated = []byte("remediated")
	bucketRuns       = []byte("runs")
	bucketReview     = []byte("review")
	bucketResolved   = []byte("review_resolved")
	bucketLeases     = []byte("leases")
)

// remediatedEntry is the value stored per remediated log id
type remediatedEntry struct {
	GroupKey string    `json:"group_key"`
	At       time.Time `json:"at"`
}

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, DBFile)

	// The CLI opens the same file as a running server; fail instead of
	// blocking forever on the file lock
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketOutcomes,
			bucketRemediated,
			bucketRuns,
			bucketReview,
			bucketResolved,
			bucketLeases,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// outcomeKey orders the outcome log chronologically
func outcomeKey(o *types.DispatchOutcome) []byte {
	return []byte(fmt.Sprintf("%020d/%s", o.AttemptedAt.UnixNano(), o.ID))
}

func timePrefix(t time.Time) []byte {
	return []byte(fmt.Sprintf("%020d/", t.UnixNano()))
}

// Outcome log operations

// AppendOutcome writes one attempt to the outcome log. Records are never
// rewritten; a retried group appends a new record per attempt.
func (s *BoltStore) AppendOutcome(outcome *types.DispatchOutcome) error {
	if outcome.ID == "" {
		return fmt.Errorf("outcome has no id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutcomes)
		data, err := json.Marshal(outcome)
		if err != nil {
			return err
		}
		return b.Put(outcomeKey(outcome), data)
	})
}

func (s *BoltStore) ListOutcomes() ([]*types.DispatchOutcome, error) {
	return s.listOutcomes(func(*types.DispatchOutcome) bool { return true })
}

func (s *BoltStore) ListOutcomesByHotel(hotelID int64) ([]*types.DispatchOutcome, error) {
	return s.listOutcomes(func(o *types.DispatchOutcome) bool { return o.HotelID == hotelID })
}

func (s *BoltStore) ListOutcomesByRun(runID string) ([]*types.DispatchOutcome, error) {
	return s.listOutcomes(func(o *types.DispatchOutcome) bool { return o.RunID == runID })
}

func (s *BoltStore) listOutcomes(match func(*types.DispatchOutcome) bool) ([]*types.DispatchOutcome, error) {
	var outcomes []*types.DispatchOutcome
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutcomes)
		return b.ForEach(func(k, v []byte) error {
			var outcome types.DispatchOutcome
			if err := json.Unmarshal(v, &outcome); err != nil {
				return err
			}
			if match(&outcome) {
				outcomes = append(outcomes, &outcome)
			}
			return nil
		})
	})
	return outcomes, err
}

// Remediated log id operations

func (s *BoltStore) MarkRemediated(logIDs []int64, groupKey string, at time.Time) error {
	data, err := json.Marshal(remediatedEntry{GroupKey: groupKey, At: at})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRemediated)
		for _, id := range logIDs {
			if err := b.Put([]byte(strconv.FormatInt(id, 10)), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Remediated returns the subset of logIDs already remediated
func (s *BoltStore) Remediated(logIDs []int64) (map[int64]bool, error) {
	done := make(map[int64]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRemediated)
		for _, id := range logIDs {
			if b.Get([]byte(strconv.FormatInt(id, 10))) != nil {
				done[id] = true
			}
		}
		return nil
	})
	return done, err
}

// Run operations

func (s *BoltStore) SaveRun(run *types.RunRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put([]byte(run.ID), data)
	})
}

func (s *BoltStore) GetRun(id string) (*types.RunRecord, error) {
	var run types.RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns runs newest first
func (s *BoltStore) ListRuns() ([]*types.RunRecord, error) {
	var runs []*types.RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.ForEach(func(k, v []byte) error {
			var run types.RunRecord
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, &run)
			return nil
		})
	})
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, err
}

// Review queue operations

// QueueReviewItem adds item to the review queue. A deletion that is already
// queued or that an operator resolved is left as it is; queued reports
// whether item was added.
func (s *BoltStore) QueueReviewItem(item *types.ReviewItem) (queued bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(item.Key())
		if tx.Bucket(bucketResolved).Get(key) != nil {
			return nil
		}
		b := tx.Bucket(bucketReview)
		if b.Get(key) != nil {
			return nil
		}
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		queued = true
		return nil
	})
	return queued, err
}

func (s *BoltStore) ListReviewItems() ([]*types.ReviewItem, error) {
	var items []*types.ReviewItem
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReview)
		return b.ForEach(func(k, v []byte) error {
			var item types.ReviewItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, &item)
			return nil
		})
	})
	sort.Slice(items, func(i, j int) bool { return items[i].LogID < items[j].LogID })
	return items, err
}

// ResolveReviewItem takes an item off the queue and remembers the
// resolution so later runs over the same log do not queue it again
func (s *BoltStore) ResolveReviewItem(logID int64, at time.Time) error {
	data, err := json.Marshal(resolvedEntry{At: at})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReview)
		key := []byte(strconv.FormatInt(logID, 10))
		if b.Get(key) == nil {
			return fmt.Errorf("review item %d: %w", logID, ErrNotFound)
		}
		if err := b.Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketResolved).Put(key, data)
	})
}

type resolvedEntry struct {
	At time.Time `json:"at"`
}

// Lease operations

// AcquireLease claims key for holder until now+ttl. An expired lease or one
// already owned by holder is taken over; a live lease of another holder
// returns ErrLeaseHeld.
func (s *BoltStore) AcquireLease(key, holder string, ttl time.Duration, now time.Time) (*Lease, error) {
	lease := &Lease{Key: key, Holder: holder, ExpiresAt: now.Add(ttl)}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		if data := b.Get([]byte(key)); data != nil {
			var current Lease
			if err := json.Unmarshal(data, &current); err != nil {
				return err
			}
			if current.Holder != holder && !current.Expired(now) {
				return fmt.Errorf("%s held by %s until %s: %w",
					key, current.Holder, current.ExpiresAt.Format(time.RFC3339), ErrLeaseHeld)
			}
		}
		data, err := json.Marshal(lease)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// ReleaseLease drops key if holder still owns it
func (s *BoltStore) ReleaseLease(key, holder string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		var current Lease
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Holder != holder {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Utility operations

func (s *BoltStore) Stats() (Stats, error) {
	var stats Stats
	err := s.db.View(func(tx *bolt.Tx) error {
		stats.Remediated = tx.Bucket(bucketRemediated).Stats().KeyN
		stats.Runs = tx.Bucket(bucketRuns).Stats().KeyN
		stats.Review = tx.Bucket(bucketReview).Stats().KeyN
		stats.Resolved = tx.Bucket(bucketResolved).Stats().KeyN
		stats.Leases = tx.Bucket(bucketLeases).Stats().KeyN
		return tx.Bucket(bucketOutcomes).ForEach(func(k, v []byte) error {
			stats.Outcomes++
			var outcome types.DispatchOutcome
			if err := json.Unmarshal(v, &outcome); err != nil {
				return err
			}
			if outcome.Result == types.DispatchPermanentFailure {
				stats.PermanentFailures++
			}
			return nil
		})
	})
	return stats, err
}

// Prune removes outcome, run and remediated records older than before.
// Review state is left alone: items leave the queue only when an operator
// resolves them, and resolutions are kept so they stay resolved.
func (s *BoltStore) Prune(before time.Time, dryRun bool) (PruneResult, error) {
	var result PruneResult

	prune := func(tx *bolt.Tx) error {
		// Outcome keys are time-prefixed, so the cursor stops at the cutoff
		var outcomeKeys [][]byte
		cutoff := timePrefix(before)
		c := tx.Bucket(bucketOutcomes).Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = c.Next() {
			outcomeKeys = append(outcomeKeys, append([]byte(nil), k...))
		}

		var runKeys [][]byte
		err := tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run types.RunRecord
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			if run.Status != types.RunStatusRunning && run.FinishedAt.Before(before) {
				runKeys = append(runKeys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		var remediatedKeys [][]byte
		err = tx.Bucket(bucketRemediated).ForEach(func(k, v []byte) error {
			var entry remediatedEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.At.Before(before) {
				remediatedKeys = append(remediatedKeys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		result = PruneResult{
			Outcomes:   len(outcomeKeys),
			Runs:       len(runKeys),
			Remediated: len(remediatedKeys),
		}
		if dryRun {
			return nil
		}

		for bucket, keys := range map[string][][]byte{
			string(bucketOutcomes):   outcomeKeys,
			string(bucketRuns):       runKeys,
			string(bucketRemediated): remediatedKeys,
		} {
			b := tx.Bucket([]byte(bucket))
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("failed to delete from %s: %w", bucket, err)
				}
			}
		}
		return nil
	}

	var err error
	if dryRun {
		err = s.db.View(prune)
	} else {
		err = s.db.Update(prune)
	}
	return result, err
}

// Backup writes a consistent copy of the database to path
func (s *BoltStore) Backup(path string) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0600)
	})
}
