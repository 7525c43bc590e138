/*
Package events broadcasts resource change notifications to runners.

Every mutation accepted by the API (create, update, delete) publishes a
ChangeEvent on the channel of the runner that owns the resource. The stream
guard of that runner's live connection subscribes to the same channel and
forwards events down the gRPC stream.

# Channels

A channel is named after the runner identity:

	<tenant-id>/runner/<runner-id>/stream

The connection lock uses the sibling key <tenant-id>/runner/<runner-id>/connection,
so at most one guard subscribes to a channel at a time.

# Delivery

Delivery is at-most-once and fire-and-forget:

  - No persistence. Events published while a runner is disconnected are lost.
  - No backlog. A subscription sees only events published after it started.
  - Bounded buffers. Each subscriber holds up to 64 events; further events
    are dropped rather than blocking the publisher.

Lost events are harmless. A runner performs a full reconciliation pass on
every (re)connect and on a fixed interval, so it converges regardless.

# Implementations

MemoryBroker keeps subscribers in process. Self-hosted mode uses it because
the API and the runner share a process.

ValkeyBroadcaster uses Valkey PUBLISH/SUBSCRIBE so that an API instance and
the instance holding the stream may differ:

	client, _ := valkey.NewClient(valkey.ClientOption{InitAddress: []string{"localhost:6379"}})
	broadcaster := events.NewValkeyBroadcaster(client)

	sub, err := broadcaster.Subscribe(ctx, identity)
	if err != nil {
		return err
	}
	defer sub.Close()

	for event := range sub.C {
		fmt.Println(event.Kind, event.ID, event.Action)
	}

A Subscription closes its channel when Close is called, when the subscribe
context is cancelled, or (for Valkey) when the receive loop ends.
*/
package events
