package health

import (
	"context"
	"time"
)

// PingFunc reports whether a connection is usable. pgxpool.Pool.Ping and
// lock.RedisLocker.Ping have this shape.
type PingFunc func(ctx context.Context) error

// PingChecker checks a database or cache by pinging it
type PingChecker struct {
	Ping PingFunc
}

// NewPingChecker wraps ping as a Checker
func NewPingChecker(ping PingFunc) *PingChecker {
	return &PingChecker{Ping: ping}
}

// Check performs the ping
func (p *PingChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		return Result{
			Message:   "ping failed: " + err.Error(),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	return Result{
		Healthy:   true,
		Message:   "ok",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (p *PingChecker) Type() CheckType {
	return CheckTypePing
}
