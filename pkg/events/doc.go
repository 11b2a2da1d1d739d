/*
Package events is an in-process publish/subscribe broker for pipeline events.

Stages publish what operators may care about (unresolved cascade deletions,
exhausted dispatches, runs that overlapped, timed out or went over budget)
and subscribers such as the alert notifier consume them on their own
goroutine. Delivery is best effort: the broker queue and every subscriber
channel are buffered, and a full buffer drops the event rather than
stalling the pipeline. Durable facts (outcomes, review items, runs) are
written to the store before the event is published, so a dropped event
loses a notification, never data.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			if ev.IsAlert() {
				notify(ev)
			}
		}
	}()

A nil *Broker is valid and discards everything.
*/
package events
