package gap

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cuemby/invrecon/pkg/auditlog"
	"github.com/cuemby/invrecon/pkg/config"
	"github.com/cuemby/invrecon/pkg/log"
	"github.com/cuemby/invrecon/pkg/metrics"
	"github.com/cuemby/invrecon/pkg/types"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
)

// Candidate is a relevant, resolved change that has not yet been checked
// against the dispatch queue. It becomes a MissingTrigger unchanged when no
// dispatch follows it.
type Candidate = types.MissingTrigger

// Report is the outcome of one Detect call
type Report struct {
	Missing  []types.MissingTrigger
	Notified int
}

// Detector classifies candidates as notified or missing
type Detector struct {
	source   auditlog.DispatchSource
	window   time.Duration
	pattern  string
	cacheTTL time.Duration

	cache  *ttlcache.Cache[string, []types.DispatchRecord]
	pool   pond.ResultPool[hotelReport]
	logger zerolog.Logger
}

type hotelReport struct {
	missing  []types.MissingTrigger
	notified int
}

// NewDetector creates a detector. workers bounds the concurrent per-hotel
// dispatch queue reads.
func NewDetector(source auditlog.DispatchSource, cfg config.DetectionConfig, workers int) *Detector {
	if workers < 1 {
		workers = 1
	}
	pattern := cfg.ServicePattern
	if pattern == "" {
		pattern = "%"
	}
	return &Detector{
		source:   source,
		window:   cfg.Window,
		pattern:  pattern,
		cacheTTL: cfg.CacheTTL,
		cache:    ttlcache.New(ttlcache.WithTTL[string, []types.DispatchRecord](cfg.CacheTTL)),
		pool:     pond.NewResultPool[hotelReport](workers),
		logger:   log.WithComponent("gap"),
	}
}

// Window returns the forward detection window
func (d *Detector) Window() time.Duration {
	return d.window
}

// Using returns a detector that reads through source but shares this
// detector's cache and pool. Runs pass their metered log here.
func (d *Detector) Using(source auditlog.DispatchSource) *Detector {
	c := *d
	c.source = source
	return &c
}

// Close stops the worker pool once in-flight reads finish
func (d *Detector) Close() {
	d.pool.StopAndWait()
}

// Detect reads the dispatch queue once per hotel over the span of that
// hotel's candidates and matches each candidate in memory. A candidate is
// notified when some dispatch has created_at in (log_time, log_time+window].
func (d *Detector) Detect(ctx context.Context, candidates []Candidate) (Report, error) {
	byHotel := make(map[int64][]Candidate)
	var hotels []int64
	for _, c := range candidates {
		if _, ok := byHotel[c.HotelID]; !ok {
			hotels = append(hotels, c.HotelID)
		}
		byHotel[c.HotelID] = append(byHotel[c.HotelID], c)
	}
	sort.Slice(hotels, func(i, j int) bool { return hotels[i] < hotels[j] })

	group := d.pool.NewGroupContext(ctx)
	for _, hotelID := range hotels {
		group.SubmitErr(func() (hotelReport, error) {
			return d.detectHotel(ctx, hotelID, byHotel[hotelID])
		})
	}

	results, err := group.Wait()
	if err != nil {
		return Report{}, fmt.Errorf("failed to detect dispatch gaps: %w", err)
	}

	var report Report
	for _, r := range results {
		report.Missing = append(report.Missing, r.missing...)
		report.Notified += r.notified
	}
	metrics.TriggersNotified.Add(float64(report.Notified))
	metrics.TriggersMissing.Add(float64(len(report.Missing)))
	return report, nil
}

func (d *Detector) detectHotel(ctx context.Context, hotelID int64, candidates []Candidate) (hotelReport, error) {
	from, to := candidates[0].LogTime, candidates[0].LogTime
	for _, c := range candidates[1:] {
		if c.LogTime.Before(from) {
			from = c.LogTime
		}
		if c.LogTime.After(to) {
			to = c.LogTime
		}
	}
	to = to.Add(d.window)

	dispatches, err := d.dispatches(ctx, hotelID, from, to)
	if err != nil {
		return hotelReport{}, err
	}

	logger := log.WithHotelID(d.logger, hotelID)
	var report hotelReport
	for _, c := range candidates {
		if rec, ok := d.match(dispatches, c.LogTime); ok {
			report.notified++
			logger.Debug().
				Int64("log_id", c.FirstLogID()).
				Str("request_id", rec.RequestID).
				Msg("Change already dispatched")
			continue
		}
		report.missing = append(report.missing, c)
		logger.Info().
			Int64("log_id", c.FirstLogID()).
			Str("action", string(c.Action)).
			Str("check_in", c.CheckIn.String()).
			Str("check_out", c.CheckOut.String()).
			Msg("Missing channel dispatch")
	}
	return report, nil
}

// match finds the first dispatch in (logTime, logTime+window]; dispatches
// are sorted by created_at
func (d *Detector) match(dispatches []types.DispatchRecord, logTime time.Time) (types.DispatchRecord, bool) {
	i := sort.Search(len(dispatches), func(i int) bool {
		return dispatches[i].CreatedAt.After(logTime)
	})
	if i < len(dispatches) && !dispatches[i].CreatedAt.After(logTime.Add(d.window)) {
		return dispatches[i], true
	}
	return types.DispatchRecord{}, false
}

func (d *Detector) dispatches(ctx context.Context, hotelID int64, from, to time.Time) ([]types.DispatchRecord, error) {
	key := fmt.Sprintf("%d:%s:%d:%d", hotelID, d.pattern, from.UnixNano(), to.UnixNano())

	if d.cacheTTL > 0 {
		if cached := d.cache.Get(key); cached != nil {
			return cached.Value(), nil
		}
	}

	// (from, to] excludes a dispatch stamped exactly at the earliest log_time
	recs, err := d.source.ListDispatches(ctx, hotelID, d.pattern, from, to)
	if err != nil {
		return nil, fmt.Errorf("hotel %d: %w", hotelID, err)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })

	if d.cacheTTL > 0 {
		d.cache.Set(key, recs, d.cacheTTL)
	}
	return recs, nil
}
