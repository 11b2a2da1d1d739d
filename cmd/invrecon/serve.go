package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/invrecon/pkg/alert"
	"github.com/cuemby/invrecon/pkg/api"
	"github.com/cuemby/invrecon/pkg/auditlog"
	"github.com/cuemby/invrecon/pkg/health"
	"github.com/cuemby/invrecon/pkg/lock"
	"github.com/cuemby/invrecon/pkg/log"
	"github.com/cuemby/invrecon/pkg/metrics"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, the ops API and alerting",
	Long: `Run invrecon as a service.

Every configured cadence fires on its own schedule. When the audit log
database publishes notifications on auditlog.listen_channel, each
notification also wakes the shortest rolling cadence.

The ops API serves health, metrics, run history, the review queue and the
dispatch outcome log, and accepts ad hoc runs.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("fixture", "", "Read the audit log from a JSON fixture instead of Postgres")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	fixture, _ := cmd.Flags().GetString("fixture")
	logger := log.WithComponent("serve")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, cfg, fixture)
	if err != nil {
		return err
	}
	defer p.Close()

	notifier := alert.NewNotifier(p.broker, cfg.Alerts)
	notifier.Start()
	defer notifier.Stop()

	cads := p.scheduler.Cadences()
	if p.pool != nil && cfg.AuditLog.ListenChannel != "" {
		if name := wakeCadence(cads); name != "" {
			listener := auditlog.NewListener(p.pool, cfg.AuditLog.ListenChannel, p.broker)
			metrics.RegisterComponent("listener", false, "connecting")
			go func() { _ = listener.Run(ctx) }()
			p.scheduler.OnWake(listener.Wake(), name)
		}
	}
	p.scheduler.Start()
	defer p.scheduler.Stop()

	monitor := health.NewMonitor(health.DefaultConfig())
	if p.pool != nil {
		monitor.Add("postgres", health.NewPingChecker(p.pool.Ping))
	}
	if rl, ok := p.locker.(*lock.RedisLocker); ok {
		monitor.Add("redis", health.NewPingChecker(rl.Ping))
	}
	if cfg.Remediation.BaseURL != "" {
		monitor.Add("remediation", health.NewHTTPChecker(cfg.Remediation.BaseURL).
			WithBearerToken(cfg.Remediation.Token).
			WithStatusRange(200, 499))
	}
	monitor.Start()
	defer monitor.Stop()

	collector := metrics.NewCollector(p.store)
	collector.Start()
	defer collector.Stop()

	errCh := make(chan error, 2)
	apiServer := api.NewServer(p.store, p.scheduler)
	go func() {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			errCh <- fmt.Errorf("ops API: %w", err)
		}
	}()

	var grpcHealth *api.HealthService
	if cfg.API.GRPCAddr != "" {
		names := make([]string, 0, len(cads))
		for _, c := range cads {
			names = append(names, c.Name)
		}
		grpcHealth = api.NewHealthService(p.broker, names)
		go func() {
			if err := grpcHealth.Start(cfg.API.GRPCAddr); err != nil {
				errCh <- fmt.Errorf("gRPC health: %w", err)
			}
		}()
	}

	logger.Info().
		Int("cadences", len(cads)).
		Str("api", cfg.API.Addr).
		Str("grpc", cfg.API.GRPCAddr).
		Bool("dispatch", p.dispatcher != nil).
		Msg("invrecon is running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err = <-errCh:
		logger.Error().Err(err).Msg("Server failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := apiServer.Shutdown(shutdownCtx); serr != nil {
		logger.Warn().Err(serr).Msg("Ops API shutdown")
	}
	if grpcHealth != nil {
		grpcHealth.Stop()
	}
	return err
}
