package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/invrecon/pkg/client"
	"github.com/cuemby/invrecon/pkg/config"
	"github.com/cuemby/invrecon/pkg/events"
	"github.com/cuemby/invrecon/pkg/storage"
	"github.com/cuemby/invrecon/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// channel is an idempotent fake of the remediation endpoint. The inventory
// map is what a recompute publishes; repeating a call rewrites the same
// value.
type channel struct {
	mu        sync.Mutex
	calls     int
	failures  []int
	inventory map[string]string
	requests  []string
}

func newChannel(failures ...int) *channel {
	return &channel{failures: failures, inventory: make(map[string]string)}
}

func (c *channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	c.requests = append(c.requests, r.Header.Get(client.RequestIDHeader))
	if len(c.failures) > 0 {
		status := c.failures[0]
		c.failures = c.failures[1:]
		http.Error(w, "unavailable", status)
		return
	}
	// /inventory/{hotel}/{in}/{out}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	c.inventory[parts[1]] = "recomputed " + parts[2] + ".." + parts[3]
	w.WriteHeader(http.StatusOK)
}

func (c *channel) snapshot() (int, map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inv := make(map[string]string, len(c.inventory))
	for k, v := range c.inventory {
		inv[k] = v
	}
	return c.calls, inv
}

type harness struct {
	dispatcher *Dispatcher
	store      *storage.BoltStore
	broker     *events.Broker
	channel    *channel
}

func newHarness(t *testing.T, ch *channel) *harness {
	t.Helper()

	srv := httptest.NewServer(ch)
	t.Cleanup(srv.Close)

	c, err := client.NewClient(srv.URL)
	require.NoError(t, err)

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	d := New(c, store, broker, config.RemediationConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Concurrency:    2,
	})
	t.Cleanup(d.Close)

	return &harness{dispatcher: d, store: store, broker: broker, channel: ch}
}

func group(hotelID int64, in, out string, logIDs ...int64) types.RemediationGroup {
	g := types.RemediationGroup{
		HotelID:  hotelID,
		CheckIn:  types.MustParseDate(in),
		CheckOut: types.MustParseDate(out),
	}
	for _, id := range logIDs {
		g.Members = append(g.Members, types.MissingTrigger{
			HotelID:  hotelID,
			CheckIn:  g.CheckIn,
			CheckOut: g.CheckOut,
			LogIDs:   []int64{id},
		})
	}
	return g
}

func waitForEvent(t *testing.T, sub events.Subscriber, eventType events.EventType) *events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub:
			if e.Type == eventType {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event received", eventType)
			return nil
		}
	}
}

func TestDispatchSuccess(t *testing.T) {
	h := newHarness(t, newChannel())
	sub := h.broker.Subscribe()

	res := h.dispatcher.Dispatch(context.Background(), "run-1", group(25, "2026-01-21", "2026-01-24", 101, 102))
	assert.Equal(t, types.DispatchSuccess, res.Result)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NoError(t, res.Err)

	outcomes, err := h.store.ListOutcomesByRun("run-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, types.DispatchSuccess, outcomes[0].Result)
	assert.Equal(t, []int64{101, 102}, outcomes[0].LogIDs)
	assert.Equal(t, "25:2026-01-21:2026-01-24", outcomes[0].GroupKey)
	h.channel.mu.Lock()
	assert.Equal(t, h.channel.requests[0], outcomes[0].RequestID)
	h.channel.mu.Unlock()

	done, err := h.store.Remediated([]int64{101, 102, 103})
	require.NoError(t, err)
	assert.True(t, done[101])
	assert.True(t, done[102])
	assert.False(t, done[103])

	e := waitForEvent(t, sub, events.EventDispatchSucceeded)
	assert.Equal(t, "101,102", e.Metadata["log_ids"])
}

func TestOutcomeRecordsMemberProvenance(t *testing.T) {
	h := newHarness(t, newChannel(http.StatusBadGateway))
	at := time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC)

	g := types.RemediationGroup{
		HotelID:  25,
		CheckIn:  types.MustParseDate("2026-01-21"),
		CheckOut: types.MustParseDate("2026-01-28"),
		Members: []types.MissingTrigger{
			{HotelID: 25, CheckIn: types.MustParseDate("2026-01-21"), CheckOut: types.MustParseDate("2026-01-24"),
				LogIDs: []int64{102}, LogTime: at, RecordID: 5002, ClientID: 77, Action: types.ActionUpdate},
			{HotelID: 25, CheckIn: types.MustParseDate("2026-01-24"), CheckOut: types.MustParseDate("2026-01-28"),
				LogIDs: []int64{103, 104, 105}, LogTime: at.Add(2 * time.Minute), RecordID: 5003, Action: types.ActionDelete, Partial: true},
		},
	}
	h.dispatcher.Dispatch(context.Background(), "run-7", g)

	outcomes, err := h.store.ListOutcomesByRun("run-7")
	require.NoError(t, err)
	require.NotEmpty(t, outcomes)

	// every attempt, failed ones included, carries the group contents
	for _, o := range outcomes {
		require.Len(t, o.Members, 2)
		first, second := o.Members[0], o.Members[1]
		assert.Equal(t, types.ActionUpdate, first.Action)
		assert.Equal(t, int64(5002), first.RecordID)
		assert.Equal(t, int64(77), first.ClientID)
		assert.Equal(t, "2026-01-24", first.CheckOut.String())
		assert.True(t, first.LogTime.Equal(at))

		assert.Equal(t, types.ActionDelete, second.Action)
		assert.Equal(t, []int64{103, 104, 105}, second.LogIDs)
		assert.Equal(t, "2026-01-24", second.CheckIn.String())
		assert.True(t, second.Partial)
	}
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, newChannel(http.StatusServiceUnavailable, http.StatusTooManyRequests))

	res := h.dispatcher.Dispatch(context.Background(), "run-1", group(25, "2026-01-21", "2026-01-24", 101))
	assert.Equal(t, types.DispatchSuccess, res.Result)
	assert.Equal(t, 3, res.Attempts)

	outcomes, err := h.store.ListOutcomesByRun("run-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	var results []types.DispatchResult
	for _, o := range outcomes {
		results = append(results, o.Result)
	}
	assert.ElementsMatch(t, []types.DispatchResult{
		types.DispatchTransientFailure,
		types.DispatchTransientFailure,
		types.DispatchSuccess,
	}, results)
}

func TestDispatchExhaustsAttempts(t *testing.T) {
	h := newHarness(t, newChannel(500, 500, 500, 500))
	sub := h.broker.Subscribe()

	res := h.dispatcher.Dispatch(context.Background(), "run-1", group(25, "2026-01-21", "2026-01-24", 101))
	assert.Equal(t, types.DispatchPermanentFailure, res.Result)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 500, res.StatusCode)
	require.Error(t, res.Err)

	calls, _ := h.channel.snapshot()
	assert.Equal(t, 3, calls)

	outcomes, err := h.store.ListOutcomesByRun("run-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	permanent := 0
	for _, o := range outcomes {
		if o.Result == types.DispatchPermanentFailure {
			permanent++
			assert.Equal(t, 3, o.Attempt)
		}
	}
	assert.Equal(t, 1, permanent)

	done, err := h.store.Remediated([]int64{101})
	require.NoError(t, err)
	assert.False(t, done[101])

	e := waitForEvent(t, sub, events.EventDispatchFailed)
	assert.Equal(t, events.SeverityCritical, e.Severity)
	assert.Equal(t, "25", e.Metadata["hotel_id"])
	assert.Equal(t, "3", e.Metadata["attempts"])
}

func TestDispatchDoesNotRetryClientErrors(t *testing.T) {
	h := newHarness(t, newChannel(http.StatusBadRequest))

	res := h.dispatcher.Dispatch(context.Background(), "run-1", group(25, "2026-01-21", "2026-01-24", 101))
	assert.Equal(t, types.DispatchPermanentFailure, res.Result)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestDispatchReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, newChannel())
	g := group(25, "2026-01-21", "2026-01-24", 101)

	first := h.dispatcher.Dispatch(context.Background(), "run-1", g)
	require.Equal(t, types.DispatchSuccess, first.Result)
	_, once := h.channel.snapshot()

	second := h.dispatcher.Dispatch(context.Background(), "run-2", g)
	require.Equal(t, types.DispatchSuccess, second.Result)
	calls, twice := h.channel.snapshot()

	assert.Equal(t, 2, calls)
	assert.Equal(t, once, twice)
	assert.Equal(t, map[string]string{"25": "recomputed 2026-01-21..2026-01-24"}, twice)

	all, err := h.store.ListOutcomesByHotel(25)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDispatchCancelledIsNotPermanent(t *testing.T) {
	h := newHarness(t, newChannel(500, 500, 500))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.dispatcher.Dispatch(ctx, "run-1", group(25, "2026-01-21", "2026-01-24", 101))
	assert.Equal(t, types.DispatchTransientFailure, res.Result)
	require.Error(t, res.Err)

	outcomes, err := h.store.ListOutcomesByRun("run-1")
	require.NoError(t, err)
	for _, o := range outcomes {
		assert.NotEqual(t, types.DispatchPermanentFailure, o.Result)
	}
}

func TestDispatchAllIsolatesFailures(t *testing.T) {
	ch := newChannel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/inventory/26/") {
			http.Error(w, "unknown hotel", http.StatusNotFound)
			return
		}
		ch.ServeHTTP(w, r)
	}))
	defer srv.Close()

	c, err := client.NewClient(srv.URL)
	require.NoError(t, err)
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	d := New(c, store, nil, config.RemediationConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, Concurrency: 2})
	defer d.Close()

	groups := []types.RemediationGroup{
		group(25, "2026-01-21", "2026-01-24", 101),
		group(26, "2026-01-21", "2026-01-23", 107),
		group(25, "2026-01-26", "2026-01-28", 103),
	}
	results := d.DispatchAll(context.Background(), "run-1", groups)
	require.Len(t, results, 3)

	for i, r := range results {
		assert.Equal(t, groups[i].Key(), r.GroupKey, "result %d out of order", i)
	}
	assert.Equal(t, types.DispatchSuccess, results[0].Result)
	assert.Equal(t, types.DispatchPermanentFailure, results[1].Result)
	assert.Equal(t, types.DispatchSuccess, results[2].Result)
}
