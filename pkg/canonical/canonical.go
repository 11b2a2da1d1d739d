package canonical

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/invrecon/pkg/auditlog"
	"github.com/cuemby/invrecon/pkg/config"
	"github.com/cuemby/invrecon/pkg/types"
)

// Reason classifies why a row was discarded
type Reason string

const (
	ReasonMalformedJSON    Reason = "malformed_json"
	ReasonUnknownAction    Reason = "unknown_action"
	ReasonBadTable         Reason = "bad_table"
	ReasonUnexpectedEntity Reason = "unexpected_entity"
	ReasonMissingRecordID  Reason = "missing_record_id"
	ReasonMissingDates     Reason = "missing_dates"
	ReasonInvalidDates     Reason = "invalid_dates"

	// ReasonPanic is used by the pipeline for rows whose processing panicked
	ReasonPanic Reason = "panic"
)

// DiscardError reports a row that cannot become a CanonicalChange. It is
// counted and logged; it never aborts the batch.
type DiscardError struct {
	LogID  int64
	Reason Reason
	Err    error
}

func (e *DiscardError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("log %d discarded (%s): %v", e.LogID, e.Reason, e.Err)
	}
	return fmt.Sprintf("log %d discarded (%s)", e.LogID, e.Reason)
}

func (e *DiscardError) Unwrap() error { return e.Err }

// AsDiscard extracts a DiscardError from err
func AsDiscard(err error) (*DiscardError, bool) {
	var de *DiscardError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

func discard(row types.ChangeLogRow, reason Reason, err error) *DiscardError {
	return &DiscardError{LogID: row.LogID, Reason: reason, Err: err}
}

// Canonicalizer turns raw audit log rows into CanonicalChanges
type Canonicalizer struct {
	entity    string
	cols      config.ColumnConfig
	cancelled string
}

// New creates a canonicalizer for the parent entity and columns in cfg
func New(cfg config.AuditLogConfig) *Canonicalizer {
	return &Canonicalizer{
		entity:    cfg.ParentEntity,
		cols:      cfg.Columns,
		cancelled: cfg.CancelledValue,
	}
}

type updateImages struct {
	Old json.RawMessage `json:"old"`
	New json.RawMessage `json:"new"`
}

// Decode branches on the row's action once and returns the typed delta
func (c *Canonicalizer) Decode(row types.ChangeLogRow) (types.Delta, error) {
	action, ok := types.ParseAction(row.Action)
	if !ok {
		return nil, discard(row, ReasonUnknownAction, fmt.Errorf("action %q", row.Action))
	}

	switch action {
	case types.ActionInsert, types.ActionDelete:
		image, err := types.DecodeColumns(row.Changes)
		if err != nil {
			return nil, discard(row, ReasonMalformedJSON, err)
		}
		if action == types.ActionInsert {
			return types.InsertDelta{Row: image}, nil
		}
		return types.DeleteDelta{Row: image}, nil

	default:
		var images updateImages
		if err := json.Unmarshal(row.Changes, &images); err != nil {
			return nil, discard(row, ReasonMalformedJSON, err)
		}
		if len(images.Old) == 0 || len(images.New) == 0 {
			return nil, discard(row, ReasonMalformedJSON, errors.New("update without old and new images"))
		}
		oldImage, err := types.DecodeColumns(images.Old)
		if err != nil {
			return nil, discard(row, ReasonMalformedJSON, fmt.Errorf("old image: %w", err))
		}
		newImage, err := types.DecodeColumns(images.New)
		if err != nil {
			return nil, discard(row, ReasonMalformedJSON, fmt.Errorf("new image: %w", err))
		}
		return types.UpdateDelta{Old: oldImage, New: newImage}, nil
	}
}

// Canonicalize builds the CanonicalChange of row, or returns a *DiscardError
func (c *Canonicalizer) Canonicalize(row types.ChangeLogRow) (types.CanonicalChange, error) {
	entity, tableHotel, ok := auditlog.ParseEntityTable(row.EntityTable)
	if !ok {
		return types.CanonicalChange{}, discard(row, ReasonBadTable, fmt.Errorf("table %q", row.EntityTable))
	}
	if entity != c.entity {
		return types.CanonicalChange{}, discard(row, ReasonUnexpectedEntity, fmt.Errorf("entity %q", entity))
	}

	delta, err := c.Decode(row)
	if err != nil {
		return types.CanonicalChange{}, err
	}

	change := types.CanonicalChange{
		LogID:   row.LogID,
		LogTime: row.LogTime,
		Entity:  entity,
		Action:  delta.Action(),
	}

	switch d := delta.(type) {
	case types.InsertDelta:
		c.fromImage(&change, d.Row)
	case types.DeleteDelta:
		c.fromImage(&change, d.Row)
		if n, ok := d.Row.Int64(c.cols.ExpectedChildren); ok && n > 0 {
			change.ExpectedChildren = int(n)
		}
	case types.UpdateDelta:
		c.fromUpdate(&change, d)
	}

	if change.HotelID == 0 {
		change.HotelID = tableHotel
	}
	if change.RecordID == 0 {
		return types.CanonicalChange{}, discard(row, ReasonMissingRecordID, fmt.Errorf("no %s", c.cols.ID))
	}

	// A parent delete often carries no dates; the correlator rebuilds them
	if !change.HasDates() {
		if change.Action != types.ActionDelete {
			return types.CanonicalChange{}, discard(row, ReasonMissingDates, nil)
		}
		change.CheckIn, change.CheckOut = types.Date{}, types.Date{}
	} else if change.CheckOut.Before(change.CheckIn) {
		return types.CanonicalChange{}, discard(row, ReasonInvalidDates,
			fmt.Errorf("check_out %s before check_in %s", change.CheckOut, change.CheckIn))
	}

	change.Relevant = c.IsRelevant(delta)
	return change, nil
}

func (c *Canonicalizer) fromImage(change *types.CanonicalChange, image types.Columns) {
	change.RecordID, _ = image.Int64(c.cols.ID)
	change.HotelID, _ = image.Int64(c.cols.HotelID)
	change.ClientID, _ = image.Int64(c.cols.ClientID)
	change.Status, _ = image.String(c.cols.Status)
	change.CheckIn, _ = image.Date(c.cols.CheckIn)
	change.CheckOut, _ = image.Date(c.cols.CheckOut)
}

// fromUpdate covers the union of the old and new stay: the channel has to
// release the dates the reservation left and take the ones it moved to
func (c *Canonicalizer) fromUpdate(change *types.CanonicalChange, d types.UpdateDelta) {
	change.RecordID = firstInt(d.New, d.Old, c.cols.ID)
	change.HotelID = firstInt(d.New, d.Old, c.cols.HotelID)
	change.ClientID = firstInt(d.New, d.Old, c.cols.ClientID)

	if s, ok := d.New.String(c.cols.Status); ok {
		change.Status = s
	} else {
		change.Status, _ = d.Old.String(c.cols.Status)
	}

	oldIn, _ := d.Old.Date(c.cols.CheckIn)
	newIn, _ := d.New.Date(c.cols.CheckIn)
	oldOut, _ := d.Old.Date(c.cols.CheckOut)
	newOut, _ := d.New.Date(c.cols.CheckOut)
	change.CheckIn = types.MinDate(oldIn, newIn)
	change.CheckOut = types.MaxDate(oldOut, newOut)
}

func firstInt(primary, fallback types.Columns, key string) int64 {
	if v, ok := primary.Int64(key); ok && v != 0 {
		return v
	}
	v, _ := fallback.Int64(key)
	return v
}

// IsRelevant reports whether a change can move channel inventory. Inserts
// and deletes always can. An update can only when it moves the stay,
// transfers the reservation to another hotel, or flips it into or out of
// the cancelled status.
func (c *Canonicalizer) IsRelevant(delta types.Delta) bool {
	d, ok := delta.(types.UpdateDelta)
	if !ok {
		return true
	}

	if dateChanged(d.Old, d.New, c.cols.CheckIn) || dateChanged(d.Old, d.New, c.cols.CheckOut) {
		return true
	}
	if valueChanged(d.Old, d.New, c.cols.HotelID) {
		return true
	}
	return c.isCancelled(d.Old) != c.isCancelled(d.New)
}

func (c *Canonicalizer) isCancelled(image types.Columns) bool {
	s, _ := image.String(c.cols.Status)
	return strings.EqualFold(strings.TrimSpace(s), c.cancelled)
}

// valueChanged treats a column present on one side only as changed
func valueChanged(before, after types.Columns, key string) bool {
	if before.Has(key) != after.Has(key) {
		return true
	}
	if !before.Has(key) {
		return false
	}
	a, _ := before.String(key)
	b, _ := after.String(key)
	return a != b
}

func dateChanged(before, after types.Columns, key string) bool {
	a, okA := before.Date(key)
	b, okB := after.Date(key)
	if okA && okB {
		return !a.Equal(b)
	}
	return valueChanged(before, after, key)
}
