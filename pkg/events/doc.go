/*
Package events is an in-process pub/sub broker for tenant and node lifecycle
events.

The orchestrator publishes deployment.* events as a provisioning attempt
moves through its states, the registry publishes node.registered and
node.removed, and the resource monitor publishes node.unhealthy when a
scan crosses a threshold. The serve command subscribes and logs each event.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			log.Info().Str("type", string(ev.Type)).Str("subject", ev.Subject).Msg(ev.Message)
		}
	}()

Delivery is best effort. Publish never blocks: the broker queue holds 100
events and each subscriber 50, and overflow is dropped. Events are not
persisted; the provisioning attempt log in the store is the durable record.
Publishing on a nil *Broker is a no-op so components can run without one.
*/
package events
