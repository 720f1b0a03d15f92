// Package subscription holds the parties interested in push events and
// fans notifications out to them.
//
// Every subscription names one Category (Server, Client, Online, Status or
// Revision) and may narrow it to a module id and a command:
//
//	unsubscribe, err := registry.Subscribe(subscription.Options{
//		Category: subscription.Server,
//		ModuleID: "im",
//		Callback: func(n subscription.Notification) { ... },
//	})
//	defer unsubscribe()
//
// Callbacks run in registration order. Once unsubscribe returns, the
// callback is not invoked again: neither by later fan-outs nor by a
// fan-out already in progress that has not reached it yet.
package subscription
