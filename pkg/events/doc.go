/*
Package events provides an in-memory, topic-agnostic pub/sub broker used to
fan out Conreg state-change notifications to in-process subscribers. The
config FSM and the service registry publish to it. The coordinator's
long-polls do not read from it (they use fsm.SubscribeConfig and
registry.Subscribe), nor do the metrics collector or conregctl, which is a
separate process talking to the coordinator over HTTP.

# Design

Broker runs a single broadcast goroutine reading off a buffered event
channel (100 events); Publish returns once the event is queued and blocks
only while that buffer is full, until the broker drains it or is stopped.
Each Subscribe call returns a buffered Subscriber channel; a full
subscriber buffer causes that subscriber (and only that subscriber) to miss
the event rather than stalling the broker. This is a best-effort,
at-most-once fan-out.

Event types are namespace/config/instance lifecycle events (see the
EventType constants); metadata carries the identifiers a subscriber needs
(namespace_id, config_id, service_id, etc.) without requiring a type switch
on the payload.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go func() {
		for ev := range sub {
			// handle ev.Type, ev.Metadata
		}
	}()

	broker.Publish(&events.Event{Type: events.EventConfigPut, Metadata: map[string]string{
		"namespace_id": "public", "config_id": "app.yaml",
	}})
*/
package events
