// Package pull is a real-time client for a push server that delivers
// events over a websocket or HTTP long polling.
//
// The client loads a server-issued config describing its channels and
// endpoints, keeps one logical connection alive across network failures
// and server restarts, deduplicates events delivered more than once, and
// fans them out to local subscribers by category, module and command.
// Over the same connection it can publish messages and make JSON-RPC
// calls to the server.
//
// # Architecture
//
// Packages are layered bottom-up:
//
//	pkg/clock, pkg/retry, pkg/cache, pkg/buffer, pkg/timestamp,
//	pkg/worker, pkg/tlsutil       generic building blocks
//	errors, metric, health        classified errors, Prometheus, health
//	config                        host settings (YAML layers + env)
//	storage                       key/value backends: memory, file, redis, nats
//	restapi                       REST caller used for config and channels
//	configstore                   server config, session and socket state
//	message                       wire codec: binary, plain, JSON-RPC
//	transport                     websocket and long-polling connectors
//	rpc                           JSON-RPC request/response correlation
//	dedup, channel, subscription  message-id window, channel lookup, fan-out
//	pullclient                    the orchestrating Client
//
// cmd/pullclient wires everything into a command that logs received
// events and serves metrics and health over HTTP.
//
// # Quick Start
//
//	settings, _ := config.NewLoader().LoadFile("pull.yaml")
//	kv, _ := storage.New(ctx, settings.Storage)
//	caller, _ := restapi.NewHTTPCaller(restapi.Config{BaseURL: settings.REST.BaseURL})
//	store := configstore.New(kv, caller)
//
//	client, _ := pullclient.New(settings, store, caller)
//	defer client.Close()
//	client.Subscribe(subscription.Options{
//	    Category: subscription.Server,
//	    Callback: func(n subscription.Notification) { ... },
//	})
//	client.Start(nil)
package pull
