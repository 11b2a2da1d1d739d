package auditlog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/invrecon/pkg/config"
	"github.com/cuemby/invrecon/pkg/types"
)

// ChangeSource reads parent-entity rows of the audit log
type ChangeSource interface {
	// FetchChanges returns rows with from <= log_time < to, ordered by
	// (log_time, log_id)
	FetchChanges(ctx context.Context, from, to time.Time) ([]types.ChangeLogRow, error)
}

// CorrelationSource finds the child rows a parent delete cascaded to
type CorrelationSource interface {
	// FindCorrelatedChildren returns child-entity DELETE rows of hotelID whose
	// foreign key is parentID and whose log_time lies in window, both ends
	// inclusive
	FindCorrelatedChildren(ctx context.Context, parentID, hotelID int64, window types.Window) ([]types.ChildRow, error)
}

// DispatchSource reads the outbound dispatch queue
type DispatchSource interface {
	// ListDispatches returns rows of hotelID with from < created_at <= to
	// whose service_name matches the SQL LIKE pattern
	ListDispatches(ctx context.Context, hotelID int64, servicePattern string, from, to time.Time) ([]types.DispatchRecord, error)
}

// Log is everything the pipeline reads from the reservation system
type Log interface {
	ChangeSource
	CorrelationSource
	DispatchSource
}

// EntityTable returns the per-tenant table name of entity
func EntityTable(entity string, hotelID int64) string {
	return entity + "_" + strconv.FormatInt(hotelID, 10)
}

// ParseEntityTable splits a table name like reservations_25 into its entity
// and hotel id. ok is false when the name does not follow the convention.
func ParseEntityTable(name string) (entity string, hotelID int64, ok bool) {
	i := strings.LastIndexByte(name, '_')
	if i <= 0 || i == len(name)-1 {
		return "", 0, false
	}
	id, err := strconv.ParseInt(name[i+1:], 10, 64)
	if err != nil || id <= 0 {
		return "", 0, false
	}
	return name[:i], id, true
}

// decodeChild reads a cascaded child delete row
func decodeChild(row types.ChangeLogRow, hotelID int64, cols config.ColumnConfig, foreignKey string) (types.ChildRow, error) {
	image, err := types.DecodeColumns(row.Changes)
	if err != nil {
		return types.ChildRow{}, fmt.Errorf("log %d: %w", row.LogID, err)
	}
	parentID, ok := image.Int64(foreignKey)
	if !ok {
		return types.ChildRow{}, fmt.Errorf("log %d: no %s", row.LogID, foreignKey)
	}
	child := types.ChildRow{
		LogID:    row.LogID,
		LogTime:  row.LogTime,
		HotelID:  hotelID,
		ParentID: parentID,
	}
	child.CheckIn, _ = image.Date(cols.CheckIn)
	child.CheckOut, _ = image.Date(cols.CheckOut)
	return child, nil
}

// QueryStats is the read cost of one run
type QueryStats struct {
	Queries  int           `json:"queries"`
	Rows     int           `json:"rows"`
	Duration time.Duration `json:"duration"`
}

// Meter wraps a Log and accumulates the time spent in it. One meter is
// created per run so the cost model sees that run's reads only.
type Meter struct {
	log Log

	mu    sync.Mutex
	stats QueryStats
}

// NewMeter wraps log
func NewMeter(log Log) *Meter {
	return &Meter{log: log}
}

func (m *Meter) observe(start time.Time, rows int) {
	elapsed := time.Since(start)
	m.mu.Lock()
	m.stats.Queries++
	m.stats.Rows += rows
	m.stats.Duration += elapsed
	m.mu.Unlock()
}

// Stats returns the accumulated read cost
func (m *Meter) Stats() QueryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Meter) FetchChanges(ctx context.Context, from, to time.Time) ([]types.ChangeLogRow, error) {
	start := time.Now()
	rows, err := m.log.FetchChanges(ctx, from, to)
	m.observe(start, len(rows))
	return rows, err
}

func (m *Meter) FindCorrelatedChildren(ctx context.Context, parentID, hotelID int64, window types.Window) ([]types.ChildRow, error) {
	start := time.Now()
	rows, err := m.log.FindCorrelatedChildren(ctx, parentID, hotelID, window)
	m.observe(start, len(rows))
	return rows, err
}

func (m *Meter) ListDispatches(ctx context.Context, hotelID int64, servicePattern string, from, to time.Time) ([]types.DispatchRecord, error) {
	start := time.Now()
	rows, err := m.log.ListDispatches(ctx, hotelID, servicePattern, from, to)
	m.observe(start, len(rows))
	return rows, err
}
