/*
Package log provides structured logging for invrecon using zerolog.

The package wraps a single global zerolog.Logger. It is initialized once from
configuration in main and read everywhere else, usually through a child logger
that carries the component, cadence, run or hotel the message is about.

# Usage

Initializing the Logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component Loggers:

	logger := log.WithComponent("dispatcher")
	logger.Info().Str("group", g.Key()).Int("attempt", 2).Msg("Remediation call succeeded")

Run-scoped Loggers:

	runLog := log.WithRunID(log.WithCadence("hourly"), runID)
	hotelLog := log.WithHotelID(runLog, 25)
	hotelLog.Warn().Int64("log_id", 991).Msg("Cascade delete unresolved")

# Field Names

Fields are shared across packages so one query finds a change end to end:

	component   package emitting the line (canonical, cascade, gap, dispatcher, ...)
	cadence     scheduler cadence name (realtime, hourly, daily, weekly, adhoc)
	run_id      one pipeline run
	hotel_id    tenant
	log_id      audit log row
	group       remediation group key, hotel:check_in:check_out

# Output

JSON (production):

	{"level":"warn","component":"cascade","hotel_id":25,"log_id":991,"time":"2026-01-21T06:00:03Z","message":"Cascade delete unresolved"}

Console (development):

	06:00:03 WRN Cascade delete unresolved component=cascade hotel_id=25 log_id=991

Never log remediation tokens or webhook URLs; config values that carry secrets
are redacted before they are printed.
*/
package log
