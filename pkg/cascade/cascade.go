package cascade

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/invrecon/pkg/auditlog"
	"github.com/cuemby/invrecon/pkg/log"
	"github.com/cuemby/invrecon/pkg/metrics"
	"github.com/cuemby/invrecon/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultWindow is how far around a parent delete child rows are searched
const DefaultWindow = 10 * time.Minute

// Result is a change after correlation
type Result struct {
	Change types.CanonicalChange

	// Deletion is set when the change was a parent delete without dates
	// and had to be rebuilt from its children
	Deletion *types.ReconstructedDeletion
}

// Resolution returns the correlation outcome; pass-through changes are
// resolved by definition
func (r Result) Resolution() types.Resolution {
	if r.Deletion == nil {
		return types.ResolutionResolved
	}
	return r.Deletion.Resolution
}

// Remediable reports whether the result may reach the channel. Unresolved
// deletions never do: an unknown range cannot be recomputed.
func (r Result) Remediable() bool {
	return r.Resolution() != types.ResolutionUnresolved
}

// Candidate turns a remediable result into the trigger the gap detector checks
func (r Result) Candidate() types.MissingTrigger {
	t := types.MissingTrigger{
		HotelID:  r.Change.HotelID,
		CheckIn:  r.Change.CheckIn,
		CheckOut: r.Change.CheckOut,
		LogIDs:   []int64{r.Change.LogID},
		LogTime:  r.Change.LogTime,
		RecordID: r.Change.RecordID,
		ClientID: r.Change.ClientID,
		Action:   r.Change.Action,
	}
	if d := r.Deletion; d != nil {
		t.CheckIn, t.CheckOut = d.CheckIn, d.CheckOut
		t.LogIDs = d.LogIDs()
		t.Partial = d.Resolution == types.ResolutionPartial
	}
	return t
}

// Correlator rebuilds the date range of parent deletes from the child rows
// the database cascaded and logged separately
type Correlator struct {
	source auditlog.CorrelationSource
	window time.Duration
	logger zerolog.Logger
}

// NewCorrelator creates a correlator searching ±window around each delete
func NewCorrelator(source auditlog.CorrelationSource, window time.Duration) *Correlator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Correlator{
		source: source,
		window: window,
		logger: log.WithComponent("cascade"),
	}
}

// Resolve passes every change through unchanged except parent deletes that
// carry no dates, which are correlated with their children
func (c *Correlator) Resolve(ctx context.Context, change types.CanonicalChange) (Result, error) {
	if change.Action != types.ActionDelete || change.HasDates() {
		return Result{Change: change}, nil
	}

	window := types.Window{
		From: change.LogTime.Add(-c.window),
		To:   change.LogTime.Add(c.window),
	}
	children, err := c.source.FindCorrelatedChildren(ctx, change.RecordID, change.HotelID, window)
	if err != nil {
		return Result{}, fmt.Errorf("failed to correlate log %d: %w", change.LogID, err)
	}

	deletion := Reconstruct(change, children)
	metrics.CascadeDeletions.WithLabelValues(string(deletion.Resolution)).Inc()

	logger := log.WithHotelID(c.logger, change.HotelID)
	evt := logger.Debug()
	if deletion.Resolution != types.ResolutionResolved {
		evt = logger.Warn()
	}
	evt.Int64("log_id", change.LogID).
		Int64("record_id", change.RecordID).
		Int("children", len(children)).
		Int("expected", change.ExpectedChildren).
		Str("resolution", string(deletion.Resolution)).
		Str("check_in", deletion.CheckIn.String()).
		Str("check_out", deletion.CheckOut.String()).
		Msg("Parent delete correlated")

	return Result{Change: change, Deletion: &deletion}, nil
}

// Reconstruct builds a deletion from the children found for parent. The
// range is the hull of every dated child. Zero dated children leaves the
// deletion unresolved with a zero range; fewer than the parent announced
// makes it partial.
func Reconstruct(parent types.CanonicalChange, children []types.ChildRow) types.ReconstructedDeletion {
	d := types.ReconstructedDeletion{
		Parent:   parent,
		Children: children,
		Expected: parent.ExpectedChildren,
	}

	dated := 0
	for _, child := range children {
		if child.CheckIn.IsZero() || child.CheckOut.IsZero() {
			continue
		}
		dated++
		d.CheckIn = types.MinDate(d.CheckIn, child.CheckIn)
		d.CheckOut = types.MaxDate(d.CheckOut, child.CheckOut)
	}

	switch {
	case dated == 0:
		d.Resolution = types.ResolutionUnresolved
		d.CheckIn, d.CheckOut = types.Date{}, types.Date{}
	case d.Expected > 0 && dated < d.Expected:
		d.Resolution = types.ResolutionPartial
	default:
		d.Resolution = types.ResolutionResolved
	}
	return d
}
