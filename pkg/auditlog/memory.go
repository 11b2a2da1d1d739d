package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/invrecon/pkg/config"
	"github.com/cuemby/invrecon/pkg/types"
)

// Fixture is the on-disk form of a MemoryLog
type Fixture struct {
	Changes    []types.ChangeLogRow   `json:"changes"`
	Dispatches []types.DispatchRecord `json:"dispatches"`
}

// MemoryLog is an in-memory audit log and dispatch queue with the same
// query semantics as PostgresLog. It backs offline replays and tests.
type MemoryLog struct {
	cfg config.AuditLogConfig

	mu         sync.RWMutex
	changes    []types.ChangeLogRow
	dispatches []types.DispatchRecord
}

// NewMemoryLog creates an empty log
func NewMemoryLog(cfg config.AuditLogConfig) *MemoryLog {
	return &MemoryLog{cfg: cfg}
}

// LoadFixture reads a JSON fixture file into a new MemoryLog
func LoadFixture(path string, cfg config.AuditLogConfig) (*MemoryLog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	var fx Fixture
	if err := json.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("failed to parse fixture %s: %w", path, err)
	}
	m := NewMemoryLog(cfg)
	m.AddChanges(fx.Changes...)
	m.AddDispatches(fx.Dispatches...)
	return m, nil
}

// AddChanges appends audit log rows
func (m *MemoryLog) AddChanges(rows ...types.ChangeLogRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, rows...)
	sort.SliceStable(m.changes, func(i, j int) bool {
		a, b := m.changes[i], m.changes[j]
		if !a.LogTime.Equal(b.LogTime) {
			return a.LogTime.Before(b.LogTime)
		}
		return a.LogID < b.LogID
	})
}

// AddDispatches appends dispatch queue rows
func (m *MemoryLog) AddDispatches(recs ...types.DispatchRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatches = append(m.dispatches, recs...)
	sort.SliceStable(m.dispatches, func(i, j int) bool {
		return m.dispatches[i].CreatedAt.Before(m.dispatches[j].CreatedAt)
	})
}

// Span returns the log_time range covered by the log, end exclusive
func (m *MemoryLog) Span() types.Window {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.changes) == 0 {
		return types.Window{}
	}
	return types.Window{
		From: m.changes[0].LogTime,
		To:   m.changes[len(m.changes)-1].LogTime.Add(time.Nanosecond),
	}
}

func (m *MemoryLog) FetchChanges(ctx context.Context, from, to time.Time) ([]types.ChangeLogRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := m.cfg.ParentEntity + "_"
	var out []types.ChangeLogRow
	for _, row := range m.changes {
		if row.LogTime.Before(from) || !row.LogTime.Before(to) {
			continue
		}
		if len(row.EntityTable) < len(prefix) || row.EntityTable[:len(prefix)] != prefix {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (m *MemoryLog) FindCorrelatedChildren(ctx context.Context, parentID, hotelID int64, window types.Window) ([]types.ChildRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	table := EntityTable(m.cfg.ChildEntity, hotelID)
	var out []types.ChildRow
	for _, row := range m.changes {
		if row.EntityTable != table || row.Action != string(types.ActionDelete) {
			continue
		}
		if row.LogTime.Before(window.From) || row.LogTime.After(window.To) {
			continue
		}
		// Rows that do not decode cannot match the foreign key in SQL either
		child, err := decodeChild(row, hotelID, m.cfg.Columns, m.cfg.ForeignKey)
		if err != nil || child.ParentID != parentID {
			continue
		}
		out = append(out, child)
	}
	return out, nil
}

func (m *MemoryLog) ListDispatches(ctx context.Context, hotelID int64, servicePattern string, from, to time.Time) ([]types.DispatchRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.DispatchRecord
	for _, rec := range m.dispatches {
		if rec.HotelID != hotelID || !rec.CreatedAt.After(from) || rec.CreatedAt.After(to) {
			continue
		}
		if !MatchLike(servicePattern, rec.ServiceName) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
