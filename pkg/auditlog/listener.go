package auditlog

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cuemby/invrecon/pkg/events"
	"github.com/cuemby/invrecon/pkg/log"
	"github.com/cuemby/invrecon/pkg/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Listener turns Postgres NOTIFY messages on a channel into wake-ups for the
// near-real-time cadence. It is an optimisation only: a lost notification
// delays detection until the next tick.
type Listener struct {
	pool    *pgxpool.Pool
	channel string
	broker  *events.Broker
	wakeCh  chan struct{}
	logger  zerolog.Logger
}

// NewListener creates a listener on channel. Each delivered wake-up is
// also published on broker, which may be nil.
func NewListener(pool *pgxpool.Pool, channel string, broker *events.Broker) *Listener {
	return &Listener{
		pool:    pool,
		channel: channel,
		broker:  broker,
		wakeCh:  make(chan struct{}, 1),
		logger:  log.WithComponent("listener"),
	}
}

// Wake delivers one value per burst of notifications
func (l *Listener) Wake() <-chan struct{} {
	return l.wakeCh
}

// Run listens until ctx is done, reconnecting with exponential backoff
func (l *Listener) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = time.Minute

	for {
		err := l.listen(ctx, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.UpdateComponent("listener", false, err.Error())
		delay := b.NextBackOff()
		l.logger.Warn().Err(err).Dur("retry_in", delay).Msg("LISTEN connection lost")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Listener) listen(ctx context.Context, b *backoff.ExponentialBackOff) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.channel, err)
	}
	b.Reset()
	metrics.UpdateComponent("listener", true, "")
	l.logger.Info().Str("channel", l.channel).Msg("Listening for audit log notifications")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.logger.Debug().Str("payload", n.Payload).Msg("Audit log notification")
		select {
		case l.wakeCh <- struct{}{}:
			l.broker.Publish(&events.Event{
				Type:     events.EventListenerWake,
				Message:  fmt.Sprintf("Audit log notification on %s", l.channel),
				Metadata: map[string]string{"channel": l.channel, "payload": n.Payload},
			})
		default:
			// a wake-up is already pending
		}
	}
}
