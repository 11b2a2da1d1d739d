/*
Package health probes the services invrecon depends on and feeds the result
into the component registry in pkg/metrics.

Two checkers are provided:

  - HTTPChecker sends a request to an HTTP endpoint and compares the status
    code with an expected range. serve uses it against the channel
    remediation service with the range widened to 200-499, so any answer from
    a reachable server is healthy.
  - PingChecker wraps a ping function such as pgxpool.Pool.Ping or
    lock.RedisLocker.Ping.

A Monitor runs its checkers on an interval. A dependency only turns unhealthy
after Config.Retries consecutive failures and recovers on the first success:

	m := health.NewMonitor(health.DefaultConfig())
	m.Add("auditlog", health.NewPingChecker(pool.Ping))
	m.Add("remediation", health.NewHTTPChecker(cfg.Remediation.BaseURL).WithStatusRange(200, 499))
	m.Start()
	defer m.Stop()

Component names listed in metrics.CriticalComponents make the process
report unhealthy and not ready while they fail; other components only
degrade it.
*/
package health
