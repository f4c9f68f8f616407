/*
Package underground provides topic based publish/subscribe between the
independent contexts of one origin, such as browser tabs, worker processes or
goroutines that must not share memory.

Every context owns a Transport. Transports never talk to each other directly:
each attaches to the origin's broker over a channel, and the broker relays
topic messages to every attached context.

  - Publish delivers to every context, the sender included
  - Broadcast delivers to every context except the sender
  - Subscribe registers a handler for a topic on this context only
  - ClientCount asks the broker how many contexts are connected

# Basic Usage

	reg := broker.NewRegistry(ctx)
	defer reg.Close()

	a := underground.New(ctx, reg.Dialer("https://example.com"))
	b := underground.New(ctx, reg.Dialer("https://example.com"))

	b.SubscribeFunc("ping", func(ctx context.Context, args ...any) error {
		fmt.Println("got", args)
		return nil
	})
	a.Broadcast("ping", 42)

Transports can also reach a broker in another process; see
channel.WebSocketDialer and channel.NATSDialer.

# Delivery

Delivery is best effort and at most once. Messages from one sender arrive in
the order they were sent. There is no ordering across senders, no persistence
and no replay: a context only sees messages relayed after its connect.

Handlers run on the transport's event loop, one at a time, in registration
order. A handler that fails or panics is reported to the Sink and the
remaining handlers still run.

# Lifecycle

A transport connects lazily on first use and disconnects when Close is called
or its context is done. A context that disappears without disconnecting is
still counted by the broker.
*/
package underground
