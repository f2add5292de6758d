/*
Package events provides an in-memory event broker for fnsched's internal
pub/sub messaging.

Components publish scheduling outcomes, underlayer membership changes
and lease state transitions onto a single broker; subscribers (the
health endpoint, metrics bridges, operational tooling) receive them on
buffered per-subscriber channels. Delivery is best-effort: a full
subscriber buffer drops the event rather than blocking the publisher.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			switch ev.Type {
			case events.EventHeartbeatMissed:
				// ...
			}
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventInstanceScheduled,
		Message: "instance placed on agent-7",
		Metadata: map[string]string{"instance_id": instanceID},
	})
*/
package events
