package canonical

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/invrecon/pkg/config"
	"github.com/cuemby/invrecon/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var logTime = time.Date(2026, 1, 9, 15, 4, 5, 0, time.UTC)

func newCanonicalizer() *Canonicalizer {
	return New(config.Default().AuditLog)
}

func logRow(action, table, changes string) types.ChangeLogRow {
	return types.ChangeLogRow{
		LogID:       42,
		LogTime:     logTime,
		Action:      action,
		EntityTable: table,
		Changes:     json.RawMessage(changes),
	}
}

func TestUpdateCoversOldAndNewStay(t *testing.T) {
	c := newCanonicalizer()

	change, err := c.Canonicalize(logRow("UPDATE", "reservations_25", `{
		"old": {"id": 7, "hotel_id": 25, "check_in": "2026-01-10", "check_out": "2026-01-12", "status": "confirmed"},
		"new": {"id": 7, "hotel_id": 25, "check_in": "2026-01-11", "check_out": "2026-01-13", "status": "confirmed"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "2026-01-10", change.CheckIn.String())
	assert.Equal(t, "2026-01-13", change.CheckOut.String())
	assert.Equal(t, types.ActionUpdate, change.Action)
	assert.Equal(t, int64(7), change.RecordID)
	assert.Equal(t, int64(25), change.HotelID)
	assert.Equal(t, int64(42), change.LogID)
	assert.Equal(t, logTime, change.LogTime)
	assert.True(t, change.Relevant)
}

func TestRelevance(t *testing.T) {
	tests := []struct {
		name string
		old  string
		new  string
		want bool
	}{
		{
			name: "unrelated field only",
			old:  `{"id":1,"hotel_id":25,"check_in":"2026-01-10","check_out":"2026-01-12","status":"confirmed","notes":"a"}`,
			new:  `{"id":1,"hotel_id":25,"check_in":"2026-01-10","check_out":"2026-01-12","status":"confirmed","notes":"b"}`,
			want: false,
		},
		{
			name: "confirmed to cancelled with same dates",
			old:  `{"id":1,"hotel_id":25,"check_in":"2026-01-10","check_out":"2026-01-12","status":"confirmed"}`,
			new:  `{"id":1,"hotel_id":25,"check_in":"2026-01-10","check_out":"2026-01-12","status":"cancelled"}`,
			want: true,
		},
		{
			name: "cancelled back to confirmed",
			old:  `{"id":1,"hotel_id":25,"check_in":"2026-01-10","check_out":"2026-01-12","status":"Cancelled"}`,
			new:  `{"id":1,"hotel_id":25,"check_in":"2026-01-10","check_out":"2026-01-12","status":"confirmed"}`,
			want: true,
		},
		{
			name: "status change not involving cancelled",
			old:  `{"id":1,"hotel_id":25,"check_in":"2026-01-10","check_out":"2026-01-12","status":"pending"}`,
			new:  `{"id":1,"hotel_id":25,"check_in":"2026-01-10","check_out":"2026-01-12","status":"confirmed"}`,
			want: false,
		},
		{
			name: "check_in moved",
			old:  `{"id":1,"hotel_id":25,"check_in":"2026-01-10","check_out":"2026-01-12"}`,
			new:  `{"id":1,"hotel_id":25,"check_in":"2026-01-09","check_out":"2026-01-12"}`,
			want: true,
		},
		{
			name: "check_out moved",
			old:  `{"id":1,"hotel_id":25,"check_in":"2026-01-10","check_out":"2026-01-12"}`,
			new:  `{"id":1,"hotel_id":25,"check_in":"2026-01-10","check_out":"2026-01-14"}`,
			want: true,
		},
		{
			name: "same date in another format",
			old:  `{"id":1,"hotel_id":25,"check_in":"2026-01-10","check_out":"2026-01-12"}`,
			new:  `{"id":1,"hotel_id":25,"check_in":"2026-01-10T00:00:00Z","check_out":"2026-01-12"}`,
			want: false,
		},
		{
			name: "hotel transfer",
			old:  `{"id":1,"hotel_id":25,"check_in":"2026-01-10","check_out":"2026-01-12"}`,
			new:  `{"id":1,"hotel_id":26,"check_in":"2026-01-10","check_out":"2026-01-12"}`,
			want: true,
		},
		{
			name: "hotel id as string and number",
			old:  `{"id":1,"hotel_id":"25","check_in":"2026-01-10","check_out":"2026-01-12"}`,
			new:  `{"id":1,"hotel_id":25,"check_in":"2026-01-10","check_out":"2026-01-12"}`,
			want: false,
		},
	}

	c := newCanonicalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := logRow("UPDATE", "reservations_25", `{"old":`+tt.old+`,"new":`+tt.new+`}`)

			delta, err := c.Decode(row)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.IsRelevant(delta))

			change, err := c.Canonicalize(row)
			require.NoError(t, err)
			assert.Equal(t, tt.want, change.Relevant)
		})
	}
}

func TestInsertAndDelete(t *testing.T) {
	c := newCanonicalizer()

	insert, err := c.Canonicalize(logRow("insert", "reservations_25",
		`{"id": 9, "hotel_id": 25, "check_in": "2026-01-21", "check_out": "2026-01-23", "status": "confirmed", "client_id": 77}`))
	require.NoError(t, err)
	assert.Equal(t, types.ActionInsert, insert.Action)
	assert.True(t, insert.Relevant)
	assert.Equal(t, int64(77), insert.ClientID)
	assert.Equal(t, "confirmed", insert.Status)

	// A parent delete without dates is kept for the correlator
	del, err := c.Canonicalize(logRow("DELETE", "reservations_25", `{"id": 10, "rooms": 3}`))
	require.NoError(t, err)
	assert.True(t, del.Relevant)
	assert.False(t, del.HasDates())
	assert.Equal(t, int64(25), del.HotelID, "hotel falls back to the table suffix")
	assert.Equal(t, 3, del.ExpectedChildren)

	withDates, err := c.Canonicalize(logRow("DELETE", "reservations_25",
		`{"id": 11, "hotel_id": 25, "check_in": "2026-01-21", "check_out": "2026-01-22"}`))
	require.NoError(t, err)
	assert.True(t, withDates.HasDates())
}

func TestHotelFallsBackToOldImage(t *testing.T) {
	c := newCanonicalizer()

	change, err := c.Canonicalize(logRow("UPDATE", "reservations_25", `{
		"old": {"id": 7, "hotel_id": 31, "check_in": "2026-01-10", "check_out": "2026-01-12"},
		"new": {"id": 7, "check_in": "2026-01-10", "check_out": "2026-01-12"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, int64(31), change.HotelID)
}

func TestDiscards(t *testing.T) {
	tests := []struct {
		name   string
		row    types.ChangeLogRow
		reason Reason
	}{
		{name: "malformed json", row: logRow("INSERT", "reservations_25", `{"id": 1,`), reason: ReasonMalformedJSON},
		{name: "json string", row: logRow("INSERT", "reservations_25", `"{not json"`), reason: ReasonMalformedJSON},
		{name: "null image", row: logRow("DELETE", "reservations_25", `null`), reason: ReasonMalformedJSON},
		{name: "update without new", row: logRow("UPDATE", "reservations_25", `{"old": {"id": 1}}`), reason: ReasonMalformedJSON},
		{name: "update with array image", row: logRow("UPDATE", "reservations_25", `{"old": [], "new": {}}`), reason: ReasonMalformedJSON},
		{name: "unknown action", row: logRow("TRUNCATE", "reservations_25", `{}`), reason: ReasonUnknownAction},
		{name: "bad table", row: logRow("INSERT", "reservations", `{}`), reason: ReasonBadTable},
		{name: "child entity", row: logRow("DELETE", "reservation_details_25", `{"id": 1}`), reason: ReasonUnexpectedEntity},
		{name: "missing id", row: logRow("INSERT", "reservations_25", `{"check_in": "2026-01-10", "check_out": "2026-01-11"}`), reason: ReasonMissingRecordID},
		{name: "insert without dates", row: logRow("INSERT", "reservations_25", `{"id": 1}`), reason: ReasonMissingDates},
		{name: "unparseable date", row: logRow("INSERT", "reservations_25", `{"id": 1, "check_in": "soon", "check_out": "2026-01-11"}`), reason: ReasonMissingDates},
		{name: "inverted stay", row: logRow("INSERT", "reservations_25", `{"id": 1, "check_in": "2026-01-12", "check_out": "2026-01-11"}`), reason: ReasonInvalidDates},
	}

	c := newCanonicalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Canonicalize(tt.row)
			require.Error(t, err)

			de, ok := AsDiscard(err)
			require.True(t, ok, "expected a DiscardError, got %v", err)
			assert.Equal(t, tt.reason, de.Reason)
			assert.Equal(t, int64(42), de.LogID)
			assert.Contains(t, de.Error(), string(tt.reason))
		})
	}
}

func TestCustomColumns(t *testing.T) {
	cfg := config.Default().AuditLog
	cfg.ParentEntity = "bookings"
	cfg.Columns.CheckIn = "arrival"
	cfg.Columns.CheckOut = "departure"
	cfg.Columns.Status = "state"
	cfg.CancelledValue = "void"
	c := New(cfg)

	change, err := c.Canonicalize(logRow("UPDATE", "bookings_3", `{
		"old": {"id": 1, "arrival": "2026-03-01", "departure": "2026-03-04", "state": "ok"},
		"new": {"id": 1, "arrival": "2026-03-01", "departure": "2026-03-04", "state": "VOID"}
	}`))
	require.NoError(t, err)
	assert.True(t, change.Relevant)
	assert.Equal(t, int64(3), change.HotelID)
	assert.Equal(t, "2026-03-01", change.CheckIn.String())
}
