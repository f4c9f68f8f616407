// Package broker implements the relay that every context of one origin
// attaches to. The broker owns the authoritative set of live connections and
// nothing else: it keeps no subscription state and never looks inside topic
// payloads.
//
// Protocol handled by the event loop, per envelope received on a channel:
//   - connect <id>: register id → channel; a repeated id replaces the old entry
//   - disconnect <id>: drop id if present
//   - client-count-request: reply on the same channel with client-count-reply
//   - topic envelope: relay unchanged to every connection, skipping the sender
//     when ExcludeSender is set
//
// Anything else, including control envelopes without the payload they need,
// is ignored so one misbehaving context cannot take the relay down.
//
// Concurrency:
//   - One goroutine runs the event loop and owns the connection set
//   - Each attached channel has a reader goroutine that feeds a shared inbox,
//     so envelopes from one sender are relayed in the order they were received
//   - Sends never block the loop; channels queue outgoing envelopes
//
// Lifecycle: there is no heartbeat. A context that goes away without sending
// disconnect stays in the connection set, unless the EvictClosed option is
// set and its channel reports closed.
//
// Example usage:
//
//	b := broker.New(broker.Diagnostics(true))
//	b.Start(ctx)
//
//	l := channel.NewWebSocketListener(nil)
//	http.Handle("/underground", l)
//	go b.Accept(ctx, l)
//
// WithMetrics exports the connection count and relay counters to a
// Prometheus registry.
//
// For in-process use, Registry spawns one broker per origin on demand:
//
//	reg := broker.NewRegistry(ctx)
//	defer reg.Close()
//	t := underground.New(ctx, reg.Dialer("https://example.com"))
package broker
