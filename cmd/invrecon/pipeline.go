package main

import (
	"context"
	"fmt"

	"github.com/cuemby/invrecon/pkg/auditlog"
	"github.com/cuemby/invrecon/pkg/client"
	"github.com/cuemby/invrecon/pkg/config"
	"github.com/cuemby/invrecon/pkg/dispatcher"
	"github.com/cuemby/invrecon/pkg/events"
	"github.com/cuemby/invrecon/pkg/lock"
	"github.com/cuemby/invrecon/pkg/log"
	"github.com/cuemby/invrecon/pkg/metrics"
	"github.com/cuemby/invrecon/pkg/reconciler"
	"github.com/cuemby/invrecon/pkg/scheduler"
	"github.com/cuemby/invrecon/pkg/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pipeline holds every component a run needs. serve and run build it the
// same way; serve additionally starts the long-lived loops.
type pipeline struct {
	cfg        *config.Config
	store      *storage.BoltStore
	pool       *pgxpool.Pool
	source     auditlog.Log
	broker     *events.Broker
	dispatcher *dispatcher.Dispatcher
	reconciler *reconciler.Reconciler
	locker     lock.Locker
	scheduler  *scheduler.Scheduler
}

// buildPipeline opens the store and the audit log and wires the stages.
// With a fixture the audit log is read from a JSON file instead of
// Postgres. Without a remediation URL runs never dispatch.
func buildPipeline(ctx context.Context, cfg *config.Config, fixture string) (*pipeline, error) {
	p := &pipeline{cfg: cfg, broker: events.NewBroker()}
	p.broker.Start()

	store, err := storage.NewBoltStore(cfg.Store.DataDir)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.store = store
	metrics.RegisterComponent("store", true, cfg.Store.DataDir)

	if fixture != "" {
		mem, err := auditlog.LoadFixture(fixture, cfg.AuditLog)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.source = mem
		metrics.RegisterComponent("auditlog", true, "fixture "+fixture)
	} else {
		if cfg.Postgres.DSN == "" {
			p.Close()
			return nil, fmt.Errorf("postgres.dsn (or %s) is required without --fixture", config.EnvPostgresDSN)
		}
		pool, err := auditlog.Connect(ctx, cfg.Postgres)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.pool = pool
		p.source = auditlog.NewPostgresLog(pool, cfg.AuditLog)
		metrics.RegisterComponent("auditlog", true, "postgres")
	}

	if cfg.Remediation.BaseURL != "" {
		c, err := client.NewClient(cfg.Remediation.BaseURL,
			client.WithToken(cfg.Remediation.Token),
			client.WithTimeout(cfg.Remediation.Timeout),
		)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.dispatcher = dispatcher.New(c, store, p.broker, cfg.Remediation)
	} else {
		log.Logger.Warn().Msg("No remediation URL configured, runs will not dispatch")
	}

	p.reconciler = reconciler.NewReconciler(cfg, p.source, store, p.dispatcher, p.broker)

	p.locker, err = lock.New(cfg.Lock, store, nil)
	if err != nil {
		p.Close()
		return nil, err
	}

	cads, err := scheduler.FromConfigs(cfg)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.scheduler = scheduler.NewScheduler(cads, p.reconciler, p.locker, store, p.broker, nil)
	return p, nil
}

// Close releases everything buildPipeline opened, in reverse order
func (p *pipeline) Close() {
	if p.locker != nil {
		_ = p.locker.Close()
	}
	if p.reconciler != nil {
		p.reconciler.Close()
	}
	if p.dispatcher != nil {
		p.dispatcher.Close()
	}
	if p.pool != nil {
		p.pool.Close()
	}
	if p.store != nil {
		_ = p.store.Close()
	}
	p.broker.Stop()
}

// wakeCadence picks the rolling cadence with the shortest period for
// LISTEN wake-ups
func wakeCadence(cads []scheduler.Cadence) string {
	var best scheduler.Cadence
	for _, c := range cads {
		if c.Kind != scheduler.KindRolling {
			continue
		}
		if best.Name == "" || c.Every < best.Every {
			best = c
		}
	}
	return best.Name
}
