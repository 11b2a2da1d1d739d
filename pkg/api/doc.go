/*
Package api provides the operations surface of invrecon.

# HTTP

Server is a plain net/http mux:

	GET    /health              component health (metrics registry)
	GET    /ready               readiness, 503 until store, audit log and scheduler are up
	GET    /live                liveness
	GET    /metrics             Prometheus exposition
	GET    /runs                run history, newest first (?cadence=, ?limit=)
	GET    /runs/{id}           one run record
	POST   /runs/{cadence}      ad hoc run (?from=&to= RFC 3339, ?dry_run=true)
	GET    /review              deletions waiting for manual review
	DELETE /review/{log_id}     mark a review item handled
	GET    /outcomes            dispatch outcome log (?hotel=, ?run=, ?result=)

An ad hoc run takes the same per-cadence lease as scheduled runs; when the
cadence is already running the answer is 409 with the skipped run record.

# gRPC

HealthService implements grpc.health.v1.Health. The empty service name is
the process; each cadence is reported as "invrecon.cadence.<name>" and
follows the outcome of its latest run, so a load balancer or a probe such as
grpc_health_probe can watch individual schedules:

	grpc_health_probe -addr=:9411 -service=invrecon.cadence.hourly

Every gRPC call passes through UnaryInterceptor or StreamInterceptor, which
count requests in the API metrics.
*/
package api
