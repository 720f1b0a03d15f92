// Package pullclient keeps an application connected to the push server and
// delivers server events to local subscribers.
//
// A Client owns one logical session. It loads the server-issued config,
// opens a websocket (or long polling when sockets are unavailable or keep
// failing), and recovers from network failures, server restarts and
// expired channels on its own.
//
// # Lifecycle
//
// The status moves between Offline, Connecting and Online; Disabled is
// reached only through Close:
//
//	store := configstore.New(kv, caller)
//	client, err := pullclient.New(settings, store, caller,
//	    pullclient.WithLogger(logger),
//	    pullclient.WithMetrics(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	unsubscribe, _ := client.Subscribe(subscription.Options{
//	    Category: subscription.Server,
//	    ModuleID: "im",
//	    Callback: func(n subscription.Notification) { ... },
//	})
//	defer unsubscribe()
//
//	if err := client.Start(nil); err != nil {
//	    return err
//	}
//
// Status changes are broadcast, debounced, to the Status category.
//
// # Recovery
//
// Close codes decide the next step:
//
//   - 1000 and 3004: no reconnect.
//   - 3000: reconnect at once with the replaced channel.
//   - 3001, 3003, 4010: reload the config, then reconnect with backoff.
//   - 3002: reload the config and reconnect after a random delay.
//   - anything else: exponential backoff with jitter.
//
// A socket that fails to open several times in a row is remembered as
// blocked and polling takes over. While polling, the socket is retried
// periodically; the new socket receives in parallel until it opens and
// duplicate events from the two transports are dropped.
//
// # Concurrency
//
// All connection state lives on a single loop goroutine. Transport
// callbacks, timers and the results of background I/O are posted to it.
// Subscriber callbacks run on the loop as well, so they must not block.
//
// Sends made while offline fail with errors.ErrNotOnline unless the
// outbound queue is enabled, in which case they wait for the next open.
package pullclient
