// Package errors provides standardized error handling patterns for the pull client.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid
// (bad input, protocol violation or unusable configuration) and Fatal (the
// host stopped the client, nothing left to retry).
//
// The orchestrator maps them onto its recovery paths:
//
//   - Transient: transport errors, lost connections, failed config loads.
//     These drive the reconnect backoff and are never surfaced to subscribers
//     beyond a status change.
//   - Invalid: malformed frames, unknown RPC ids, rejected configuration.
//     These are logged and dropped; configuration problems force a reload.
//   - Fatal: Stop or Close called by the host. No automatic recovery.
//
// RPC-level failures (timeouts, error replies) are returned to the caller of
// that one call and never change session state.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	component.method: action failed: underlying error
//
// Use the class-specific helpers so the class survives wrapping:
//
//	if err := store.Save(ctx, cfg); err != nil {
//	    return errors.WrapTransient(err, "configstore", "Save", "persist config")
//	}
//
// Classification works through errors.Is and errors.As, so sentinels stay
// matchable after wrapping:
//
//	if errors.Is(err, errors.ErrRPCTimeout) { ... }
package errors
