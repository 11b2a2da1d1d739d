//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/invrecon/pkg/auditlog"
	"github.com/cuemby/invrecon/pkg/client"
	"github.com/cuemby/invrecon/pkg/config"
	"github.com/cuemby/invrecon/pkg/dispatcher"
	"github.com/cuemby/invrecon/pkg/events"
	"github.com/cuemby/invrecon/pkg/reconciler"
	"github.com/cuemby/invrecon/pkg/storage"
	"github.com/cuemby/invrecon/pkg/types"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const replayFixture = "../../pkg/auditlog/testdata/replay.json"

var replayWindow = types.Window{
	From: time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC),
	To:   time.Date(2026, 1, 20, 11, 0, 0, 0, time.UTC),
}

const schema = `
CREATE TABLE audit_log (
	log_id       BIGINT PRIMARY KEY,
	log_time     TIMESTAMPTZ NOT NULL,
	action       TEXT NOT NULL,
	entity_table TEXT NOT NULL,
	changes      JSONB NOT NULL
);
CREATE INDEX audit_log_time ON audit_log (log_time, log_id);
CREATE INDEX audit_log_entity ON audit_log (entity_table, action, log_time);

CREATE TABLE dispatch_queue (
	id           BIGSERIAL PRIMARY KEY,
	hotel_id     BIGINT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	request_id   TEXT,
	service_name TEXT NOT NULL,
	status       TEXT
);
CREATE INDEX dispatch_queue_hotel ON dispatch_queue (hotel_id, created_at);
`

// startPostgres runs a throwaway database loaded with the replay fixture
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("reservations"),
		postgres.WithUsername("invrecon"),
		postgres.WithPassword("invrecon"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to cleanup postgres container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://invrecon:invrecon@%s:%s/reservations?sslmode=disable", host, port.Port())

	pool, err := auditlog.Connect(ctx, config.PostgresConfig{DSN: dsn, MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, schema)
	require.NoError(t, err)
	loadFixture(t, pool)
	return pool
}

func loadFixture(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	data, err := os.ReadFile(replayFixture)
	require.NoError(t, err)
	var fx auditlog.Fixture
	require.NoError(t, json.Unmarshal(data, &fx))

	for _, row := range fx.Changes {
		_, err := pool.Exec(ctx,
			`INSERT INTO audit_log (log_id, log_time, action, entity_table, changes) VALUES ($1, $2, $3, $4, $5::jsonb)`,
			row.LogID, row.LogTime, row.Action, row.EntityTable, string(row.Changes))
		require.NoError(t, err, "log_id %d", row.LogID)
	}
	for _, rec := range fx.Dispatches {
		_, err := pool.Exec(ctx,
			`INSERT INTO dispatch_queue (hotel_id, created_at, request_id, service_name, status) VALUES ($1, $2, $3, $4, $5)`,
			rec.HotelID, rec.CreatedAt, rec.RequestID, rec.ServiceName, rec.Status)
		require.NoError(t, err)
	}
}

func logIDs(rows []types.ChangeLogRow) []int64 {
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.LogID
	}
	return ids
}

// TestPostgresLogMatchesMemoryLog runs the same queries against both
// implementations of the audit log
func TestPostgresLogMatchesMemoryLog(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	cfg := config.Default().AuditLog

	pg := auditlog.NewPostgresLog(pool, cfg)
	mem, err := auditlog.LoadFixture(replayFixture, cfg)
	require.NoError(t, err)

	t.Run("FetchChanges", func(t *testing.T) {
		windows := []types.Window{
			replayWindow,
			{From: replayWindow.From.Add(2 * time.Minute), To: replayWindow.From.Add(4 * time.Minute)},
			{From: replayWindow.To, To: replayWindow.To.Add(time.Hour)},
		}
		for _, w := range windows {
			want, err := mem.FetchChanges(ctx, w.From, w.To)
			require.NoError(t, err)
			got, err := pg.FetchChanges(ctx, w.From, w.To)
			require.NoError(t, err)
			assert.Equal(t, logIDs(want), logIDs(got), "window %s", w)
		}

		// child rows never come back from the parent read
		got, err := pg.FetchChanges(ctx, replayWindow.From, replayWindow.To)
		require.NoError(t, err)
		for _, row := range got {
			assert.NotContains(t, row.EntityTable, "reservation_details", "log_id %d", row.LogID)
		}
	})

	t.Run("FindCorrelatedChildren", func(t *testing.T) {
		parent := replayWindow.From.Add(2 * time.Minute)
		w := types.Window{From: parent, To: parent.Add(10 * time.Minute)}

		want, err := mem.FindCorrelatedChildren(ctx, 5003, 25, w)
		require.NoError(t, err)
		got, err := pg.FindCorrelatedChildren(ctx, 5003, 25, w)
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Len(t, want, 2)
		for i := range want {
			assert.Equal(t, want[i].LogID, got[i].LogID)
			assert.Equal(t, want[i].ParentID, got[i].ParentID)
			assert.Equal(t, want[i].CheckIn, got[i].CheckIn)
			assert.Equal(t, want[i].CheckOut, got[i].CheckOut)
			assert.True(t, want[i].LogTime.Equal(got[i].LogTime))
		}

		// other tenants' tables are not searched
		got, err = pg.FindCorrelatedChildren(ctx, 5003, 26, w)
		require.NoError(t, err)
		assert.Empty(t, got)

		// both ends of the window are inclusive
		edge := types.Window{From: parent, To: parent.Add(time.Second)}
		got, err = pg.FindCorrelatedChildren(ctx, 5003, 25, edge)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("ListDispatches", func(t *testing.T) {
		from := replayWindow.From
		to := replayWindow.To
		for _, pattern := range []string{"%", "inventory%", "rates_sync", "nothing%"} {
			want, err := mem.ListDispatches(ctx, 26, pattern, from, to)
			require.NoError(t, err)
			got, err := pg.ListDispatches(ctx, 26, pattern, from, to)
			require.NoError(t, err)
			require.Len(t, got, len(want), pattern)
			for i := range want {
				assert.True(t, want[i].CreatedAt.Equal(got[i].CreatedAt), pattern)
				assert.Equal(t, want[i].RequestID, got[i].RequestID, pattern)
			}
		}

		// from is exclusive
		at := time.Date(2026, 1, 20, 10, 6, 30, 0, time.UTC)
		got, err := pg.ListDispatches(ctx, 26, "%", at, at.Add(time.Minute))
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (rec *recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec.mu.Lock()
	rec.paths = append(rec.paths, r.URL.Path)
	rec.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// TestReconcileAgainstPostgres replays the fixture end to end through the
// Postgres repository and a recording channel endpoint
func TestReconcileAgainstPostgres(t *testing.T) {
	pool := startPostgres(t)

	channel := &recorder{}
	srv := httptest.NewServer(channel)
	defer srv.Close()

	cfg := config.Default()
	cfg.Remediation.BaseURL = srv.URL

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	c, err := client.NewClient(srv.URL)
	require.NoError(t, err)
	disp := dispatcher.New(c, store, nil, cfg.Remediation)
	defer disp.Close()

	rec := reconciler.NewReconciler(cfg, auditlog.NewPostgresLog(pool, cfg.AuditLog), store, disp, nil)
	defer rec.Close()

	report, err := rec.Reconcile(context.Background(), replayWindow, reconciler.Options{Cadence: "hourly"})
	require.NoError(t, err)

	stats := report.Run.Stats
	assert.Equal(t, types.RunStatusSucceeded, report.Run.Status)
	assert.Equal(t, 8, stats.Rows)
	assert.Equal(t, 1, stats.Discarded)
	assert.Equal(t, 1, stats.Unresolved)
	assert.Equal(t, 2, stats.Notified)
	assert.Equal(t, 3, stats.Missing)
	assert.Equal(t, 2, stats.Groups)
	assert.Equal(t, 2, stats.Dispatched)
	assert.Positive(t, report.Run.QueryDuration)

	channel.mu.Lock()
	defer channel.mu.Unlock()
	assert.ElementsMatch(t, []string{
		"/inventory/25/2026-01-21/2026-01-24",
		"/inventory/25/2026-01-26/2026-01-28",
	}, channel.paths)
}

func TestListenerWakesOnNotify(t *testing.T) {
	pool := startPostgres(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	l := auditlog.NewListener(pool, "audit_log_changes", broker)
	go func() { _ = l.Run(ctx) }()

	// LISTEN is issued asynchronously; keep notifying until a wake arrives
	deadline := time.After(10 * time.Second)
	for i := 0; ; i++ {
		_, err := pool.Exec(ctx, fmt.Sprintf("NOTIFY audit_log_changes, '%d'", i))
		require.NoError(t, err)
		select {
		case <-l.Wake():
		case <-time.After(200 * time.Millisecond):
			continue
		case <-deadline:
			t.Fatal("no wake-up after NOTIFY")
		}
		break
	}

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventListenerWake, ev.Type)
		assert.Equal(t, "audit_log_changes", ev.Metadata["channel"])
	case <-time.After(2 * time.Second):
		t.Fatal("no listener event")
	}
}
