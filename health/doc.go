// Package health provides health status reporting.
//
// A Status is a plain value: healthy, degraded or unhealthy, plus a message
// and optional sub-statuses. The pull client keeps one Monitor and updates
// it from its event loop:
//
//   - "transport": healthy while online, degraded while connecting,
//     unhealthy while offline after a failure.
//   - "config": unhealthy when the last load failed.
//   - "rpc": degraded while calls are timing out.
//
// Client.Health aggregates them. Handler exposes any status function over
// HTTP for health checks; error text should pass through Sanitize first since
// connection URLs carry channel signatures.
package health
