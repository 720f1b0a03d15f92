// Package retry provides exponential backoff for transient failures.
//
// Two shapes are offered:
//
//   - Backoff: a pure delay schedule. The pull client owns its attempt counter
//     and timers, and asks Backoff for the next delay.
//   - Do / DoWithResult: a blocking bounded retry loop for one-shot setup
//     work such as opening a key/value bucket.
//
// # Backoff
//
//	b := retry.DefaultBackoff() // 1s, x2, capped at 10m, +0..20% jitter
//	delay := b.Delay(attempt)
//
// BaseDelay is non-decreasing in attempt and capped at Max. Jitter is only
// ever added on top, never subtracted.
//
// # Bounded retry
//
//	kv, err := retry.DoWithResult(ctx, retry.Quick(), func() (jetstream.KeyValue, error) {
//	    return js.CreateOrUpdateKeyValue(ctx, cfg)
//	})
//
// Errors wrapped with NonRetryable stop the loop immediately. Context
// cancellation is honoured both during the call and during the delay.
package retry
