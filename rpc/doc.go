// Package rpc implements the JSON-RPC 2.0 layer spoken by version 5 push
// servers.
//
// An Adapter writes through a sender function supplied by the client and is
// fed every inbound text frame with HandleMessage. Outbound calls get a
// monotonically increasing id and a timer; the reply, the timer or
// CancelAll settles each call exactly once:
//
//	call := adapter.Go("ping", nil, 5*time.Second)
//	<-call.Done()
//	result, err := call.Result()
//
// Inbound requests are dispatched by method to handlers registered with
// Handle. Requests carrying an id get a reply (CodeMethodNotFound for
// unknown methods); notifications for unknown methods are dropped. Replies
// for unknown ids are ignored. Batches are accepted inbound and answered as
// a batch.
package rpc
