package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Action is the mutation recorded by one audit log row
type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// ParseAction normalizes an action string; ok is false for anything unknown
func ParseAction(s string) (Action, bool) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionInsert:
		return ActionInsert, true
	case ActionUpdate:
		return ActionUpdate, true
	case ActionDelete:
		return ActionDelete, true
	}
	return "", false
}

// ChangeLogRow is one row of the reservation audit log
type ChangeLogRow struct {
	LogID       int64           `json:"log_id"`
	LogTime     time.Time       `json:"log_time"`
	Action      string          `json:"action"`
	EntityTable string          `json:"entity_table"`
	Changes     json.RawMessage `json:"changes"`
}

// Columns is one row image: column name to value
type Columns map[string]any

// Delta is the decoded payload of a ChangeLogRow. Exactly one of
// InsertDelta, UpdateDelta or DeleteDelta.
type Delta interface {
	Action() Action
}

// InsertDelta carries the inserted row
type InsertDelta struct {
	Row Columns
}

// UpdateDelta carries the row before and after the update
type UpdateDelta struct {
	Old Columns
	New Columns
}

// DeleteDelta carries the deleted row
type DeleteDelta struct {
	Row Columns
}

func (InsertDelta) Action() Action { return ActionInsert }
func (UpdateDelta) Action() Action { return ActionUpdate }
func (DeleteDelta) Action() Action { return ActionDelete }

// CanonicalChange is the uniform view of a reservation mutation
type CanonicalChange struct {
	LogID    int64     `json:"log_id"`
	LogTime  time.Time `json:"log_time"`
	Entity   string    `json:"entity"`
	HotelID  int64     `json:"hotel_id"`
	RecordID int64     `json:"record_id"`
	CheckIn  Date      `json:"check_in"`
	CheckOut Date      `json:"check_out"`
	Status   string    `json:"status,omitempty"`
	ClientID int64     `json:"client_id,omitempty"`
	Action   Action    `json:"action"`
	Relevant bool      `json:"relevant"`

	// ExpectedChildren is the number of cascaded child rows a parent
	// delete announced, or 0 when the row did not say
	ExpectedChildren int `json:"expected_children,omitempty"`
}

// HasDates reports whether both ends of the stay are known
func (c CanonicalChange) HasDates() bool {
	return !c.CheckIn.IsZero() && !c.CheckOut.IsZero()
}

// ChildRow is a child-entity DELETE that cascaded from a parent delete
type ChildRow struct {
	LogID    int64     `json:"log_id"`
	LogTime  time.Time `json:"log_time"`
	HotelID  int64     `json:"hotel_id"`
	ParentID int64     `json:"parent_id"`
	CheckIn  Date      `json:"check_in"`
	CheckOut Date      `json:"check_out"`
}

// Resolution is the outcome of correlating a parent delete with its children
type Resolution string

const (
	ResolutionResolved   Resolution = "resolved"
	ResolutionPartial    Resolution = "partial"
	ResolutionUnresolved Resolution = "unresolved"
)

// ReconstructedDeletion is a parent delete whose date range was rebuilt from
// the child rows deleted with it
type ReconstructedDeletion struct {
	Parent     CanonicalChange `json:"parent"`
	CheckIn    Date            `json:"check_in"`
	CheckOut   Date            `json:"check_out"`
	Children   []ChildRow      `json:"children,omitempty"`
	Expected   int             `json:"expected,omitempty"`
	Resolution Resolution      `json:"resolution"`
}

// LogIDs returns the parent log id followed by every child log id
func (d ReconstructedDeletion) LogIDs() []int64 {
	ids := make([]int64, 0, len(d.Children)+1)
	ids = append(ids, d.Parent.LogID)
	for _, c := range d.Children {
		ids = append(ids, c.LogID)
	}
	return ids
}

// DispatchRecord is one call the reservation system already made to a channel
type DispatchRecord struct {
	HotelID     int64     `json:"hotel_id"`
	CreatedAt   time.Time `json:"created_at"`
	RequestID   string    `json:"request_id"`
	ServiceName string    `json:"service_name"`
	Status      string    `json:"status"`
}

// MissingTrigger is a relevant change that never reached the channel
type MissingTrigger struct {
	HotelID  int64     `json:"hotel_id"`
	CheckIn  Date      `json:"check_in"`
	CheckOut Date      `json:"check_out"`
	LogIDs   []int64   `json:"log_ids"`
	LogTime  time.Time `json:"log_time"`
	RecordID int64     `json:"record_id"`
	ClientID int64     `json:"client_id,omitempty"`
	Action   Action    `json:"action"`

	// Partial is set when the range came from an incomplete cascade
	Partial bool `json:"partial,omitempty"`
}

// FirstLogID returns the lowest originating log id, 0 if none
func (t MissingTrigger) FirstLogID() int64 {
	var first int64
	for i, id := range t.LogIDs {
		if i == 0 || id < first {
			first = id
		}
	}
	return first
}

// RemediationGroup is one remediation call covering a merged date range
type RemediationGroup struct {
	HotelID  int64            `json:"hotel_id"`
	CheckIn  Date             `json:"check_in"`
	CheckOut Date             `json:"check_out"`
	Members  []MissingTrigger `json:"members"`
}

// Key identifies the group's call target
func (g RemediationGroup) Key() string {
	return fmt.Sprintf("%d:%s:%s", g.HotelID, g.CheckIn, g.CheckOut)
}

// LogIDs returns the sorted, de-duplicated log ids of every member
func (g RemediationGroup) LogIDs() []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, m := range g.Members {
		for _, id := range m.LogIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DispatchResult classifies one dispatch attempt
type DispatchResult string

const (
	DispatchSuccess          DispatchResult = "success"
	DispatchTransientFailure DispatchResult = "transient_failure"
	DispatchPermanentFailure DispatchResult = "permanent_failure"
)

// DispatchOutcome is one row of the dispatch outcome log
type DispatchOutcome struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	GroupKey    string         `json:"group_key"`
	HotelID     int64          `json:"hotel_id"`
	CheckIn     Date           `json:"check_in"`
	CheckOut    Date           `json:"check_out"`
	LogIDs      []int64        `json:"log_ids"`
	Attempt     int            `json:"attempt"`
	Result      DispatchResult `json:"result"`
	StatusCode  int            `json:"status_code,omitempty"`
	Error       string         `json:"error,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	AttemptedAt time.Time      `json:"attempted_at"`
	Duration    time.Duration  `json:"duration"`

	// Members are the triggers the group merged, so an outcome alone is
	// enough to audit or replay the dispatch
	Members []MissingTrigger `json:"members"`
}

// RunStatus is the terminal state of a pipeline run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimedOut  RunStatus = "timed_out"
	RunStatusSkipped   RunStatus = "skipped"
)

// Window is a half-open time range [From, To)
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Duration returns the window length
func (w Window) Duration() time.Duration {
	return w.To.Sub(w.From)
}

func (w Window) String() string {
	return w.From.UTC().Format(time.RFC3339) + "/" + w.To.UTC().Format(time.RFC3339)
}

// RunStats counts what one run saw at every stage
type RunStats struct {
	Rows           int            `json:"rows"`
	Discarded      int            `json:"discarded"`
	DiscardReasons map[string]int `json:"discard_reasons,omitempty"`
	Irrelevant     int            `json:"irrelevant"`
	Relevant       int            `json:"relevant"`
	Unresolved     int            `json:"unresolved"`
	Partial        int            `json:"partial"`
	Notified       int            `json:"notified"`
	Missing        int            `json:"missing"`
	AlreadyFixed   int            `json:"already_remediated"`
	Groups         int            `json:"groups"`
	Dispatched     int            `json:"dispatched"`
	Failed         int            `json:"failed"`
}

// RunRecord is the persisted summary of one pipeline run
type RunRecord struct {
	ID            string        `json:"id"`
	Cadence       string        `json:"cadence"`
	Window        Window        `json:"window"`
	Status        RunStatus     `json:"status"`
	DryRun        bool          `json:"dry_run,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Duration      time.Duration `json:"duration"`
	QueryDuration time.Duration `json:"query_duration"`
	Budget        time.Duration `json:"budget,omitempty"`
	OverBudget    bool          `json:"over_budget,omitempty"`
	Stats         RunStats      `json:"stats"`
	Error         string        `json:"error,omitempty"`
}

// ReviewItem is a cascade deletion an operator has to look at
type ReviewItem struct {
	LogID      int64      `json:"log_id"`
	HotelID    int64      `json:"hotel_id"`
	RecordID   int64      `json:"record_id"`
	LogTime    time.Time  `json:"log_time"`
	Resolution Resolution `json:"resolution"`
	Expected   int        `json:"expected,omitempty"`
	Found      int        `json:"found"`
	RunID      string     `json:"run_id"`
	FlaggedAt  time.Time  `json:"flagged_at"`
}

// Key is the review item's storage key
func (r ReviewItem) Key() string {
	return strconv.FormatInt(r.LogID, 10)
}
